package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hopover/hopover/internal/adoption"
	"github.com/hopover/hopover/internal/automation"
	"github.com/hopover/hopover/internal/config"
	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/migration"
	"github.com/hopover/hopover/internal/notify"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/progress"
	"github.com/hopover/hopover/internal/secrets"
	"github.com/hopover/hopover/internal/session"
	"github.com/hopover/hopover/internal/store"
	"github.com/hopover/hopover/internal/workflow"
)

// app is the wired component graph one command works against.
type app struct {
	cfg        *config.Config
	db         *store.Store
	bus        *events.Bus
	router     *notify.Router
	whatsapp   *notify.WhatsApp
	automation *automation.Client
	sessions   *session.Store
	workflows  *workflow.Controller
	svc        *migration.Service
	sink       *events.KafkaSink
	stop       context.CancelFunc
	done       chan struct{}
}

// openApp loads config and wires the store, notifiers, sidecar client and
// migration service. Callers must Close it.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, db: db, bus: events.NewBus(256)}

	renderer := notify.NewRenderer()
	a.router = notify.NewRouter(cfg.Notify.Silent)
	if cfg.Slack.Enabled {
		sl, err := notify.NewSlack(cfg.Slack, renderer, nil)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("slack: %w", err)
		}
		a.router.Handle("slack", sl)
	}
	if cfg.WhatsApp.Enabled {
		a.whatsapp = notify.NewWhatsApp(cfg.WhatsApp, renderer)
		a.router.Handle("whatsapp", a.whatsapp)
	}

	a.automation, err = automation.New(cfg.Automation)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("automation client: %w", err)
	}

	key, err := secrets.LoadOrCreateMasterKey(cfg.Secrets.Backend, cfg.Paths.Home)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("master key: %w", err)
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		db.Close()
		return nil, err
	}
	locks := lock.NewAccounts(cfg.Paths.LockDir)
	a.sessions = session.New(db, sealer, locks, cfg.Session)
	a.workflows = workflow.New(db, a.sessions, locks, a.bus, cfg.Workflow)

	est := progress.New(db, a.bus, cfg.Progress)
	tracker := adoption.New(db, a.router, a.bus, cfg.Adoption)
	a.svc = migration.New(db, est, tracker, a.frontEnd, a.bus, cfg.Migration)
	a.svc.UseAccounts(locks, a.sessions)

	if cfg.Kafka.Enabled {
		if a.sink, err = events.NewKafkaSink(cfg.Kafka); err != nil {
			db.Close()
			return nil, err
		}
		a.sink.Attach(a.bus)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stop, a.done = cancel, make(chan struct{})
	go func() {
		defer close(a.done)
		_ = a.bus.Dispatch(ctx)
	}()
	return a, nil
}

// frontEnd resolves a transfer label to the sidecar service of the same
// name acting as account.
func (a *app) frontEnd(label, account string) (ports.FrontEnd, error) {
	return a.automation.FrontEnd(label, account), nil
}

// activeRunID returns explicit when set, otherwise the active run's id.
func (a *app) activeRunID(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	run, err := a.db.ActiveRun(ctx)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("no active run (start one with 'hopover run start')")
	}
	return run.ID, nil
}

// Close flushes queued events and releases the store and notifiers.
func (a *app) Close() {
	a.stop()
	<-a.done
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			slog.Warn("Kafka sink close failed", "error", err)
		}
	}
	if a.whatsapp != nil {
		if err := a.whatsapp.Stop(); err != nil {
			slog.Warn("WhatsApp stop failed", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
}
