package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/ports"

	_ "modernc.org/sqlite"
)

// WhatsAppConfig configures the WhatsApp notifier.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"WHATSAPP_ENABLED"`
	StorePath string `json:"storePath" envconfig:"WHATSAPP_STORE_PATH"`
	QRPath    string `json:"qrPath" envconfig:"WHATSAPP_QR_PATH"`
	LogLevel  string `json:"logLevel" envconfig:"WHATSAPP_LOG_LEVEL"`
}

// messageSender is the part of whatsmeow.Client used for delivery.
type messageSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// WhatsApp sends messages from a paired device. Contacts are "whatsapp:<jid>".
type WhatsApp struct {
	cfg       WhatsAppConfig
	renderer  *Renderer
	mu        sync.Mutex
	client    *whatsmeow.Client
	sender    messageSender
	container *sqlstore.Container
}

// NewWhatsApp creates an unconnected WhatsApp notifier.
func NewWhatsApp(cfg WhatsAppConfig, renderer *Renderer) *WhatsApp {
	if renderer == nil {
		renderer = NewRenderer()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "WARN"
	}
	return &WhatsApp{cfg: cfg, renderer: renderer}
}

// Start opens the device store and connects. An unpaired device writes a
// QR code PNG to cfg.QRPath and waits for the pairing to finish.
func (w *WhatsApp) Start(ctx context.Context) error {
	if w.cfg.StorePath == "" {
		return errors.New("whatsapp store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(w.cfg.StorePath), 0o700); err != nil {
		return fmt.Errorf("whatsapp store dir: %w", err)
	}
	dsn := "file:" + w.cfg.StorePath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, slogLogger{module: "whatsapp-db", min: w.cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("init whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("whatsapp device: %w", err)
	}
	client := whatsmeow.NewClient(device, slogLogger{module: "whatsapp", min: w.cfg.LogLevel})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			_ = container.Close()
			return fmt.Errorf("whatsapp qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			_ = container.Close()
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if err := w.writeQR(evt.Code); err != nil {
					slog.Warn("WhatsApp QR code not written", "error", err)
				}
				continue
			}
			slog.Info("WhatsApp pairing event", "event", evt.Event)
		}
	} else if err := client.Connect(); err != nil {
		_ = container.Close()
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	slog.Info("WhatsApp connected", "jid", client.Store.ID)

	w.mu.Lock()
	w.client, w.sender, w.container = client, client, container
	w.mu.Unlock()
	return nil
}

func (w *WhatsApp) writeQR(code string) error {
	path := w.cfg.QRPath
	if path == "" {
		path = filepath.Join(filepath.Dir(w.cfg.StorePath), "whatsapp-qr.png")
	}
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err != nil {
		return err
	}
	slog.Info("WhatsApp pairing QR code written, scan it with the phone", "path", path)
	return nil
}

// Stop disconnects and closes the device store.
func (w *WhatsApp) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.container != nil {
		return w.container.Close()
	}
	return nil
}

// SendTemplatedMessage renders template and sends it as a plain conversation message.
func (w *WhatsApp) SendTemplatedMessage(ctx context.Context, to ports.Recipient, template string, data map[string]any) (*ports.DeliveryResult, error) {
	w.mu.Lock()
	sender := w.sender
	w.mu.Unlock()
	if sender == nil {
		return nil, failure.Newf(failure.Transient, "whatsapp send", "client not connected")
	}
	raw := strings.TrimPrefix(to.Contact, "whatsapp:")
	if raw == "" || raw == to.Contact {
		return nil, failure.Invariantf("whatsapp send", "recipient %s has no whatsapp contact", to.Name)
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return nil, failure.Newf(failure.InvariantViolation, "whatsapp send", "invalid JID %q: %v", raw, err)
	}
	text, err := w.renderer.Render(template, data)
	if err != nil {
		return nil, failure.New(failure.InvariantViolation, "whatsapp send", err)
	}

	resp, err := sender.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return nil, failure.New(failure.Transient, "whatsapp send", err)
	}
	delivered := resp.Timestamp
	if delivered.IsZero() {
		delivered = time.Now()
	}
	slog.Info("WhatsApp message sent", "party", to.Name, "jid", jid.String(), "template", template)
	return &ports.DeliveryResult{Channel: "whatsapp", MessageID: string(resp.ID), DeliveredAt: delivered.UTC()}, nil
}

// slogLogger bridges whatsmeow logging into slog.
type slogLogger struct {
	module string
	min    string
}

var waLevels = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func (l slogLogger) enabled(level string) bool {
	return waLevels[level] >= waLevels[strings.ToUpper(l.min)]
}

func (l slogLogger) Debugf(msg string, args ...interface{}) {
	if l.enabled("DEBUG") {
		slog.Debug(fmt.Sprintf(msg, args...), "module", l.module)
	}
}

func (l slogLogger) Infof(msg string, args ...interface{}) {
	if l.enabled("INFO") {
		slog.Info(fmt.Sprintf(msg, args...), "module", l.module)
	}
}

func (l slogLogger) Warnf(msg string, args ...interface{}) {
	if l.enabled("WARN") {
		slog.Warn(fmt.Sprintf(msg, args...), "module", l.module)
	}
}

func (l slogLogger) Errorf(msg string, args ...interface{}) {
	slog.Error(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{module: l.module + "/" + module, min: l.min}
}
