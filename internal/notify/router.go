package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/ports"
)

// Router picks a notifier by the recipient's contact prefix ("slack:",
// "whatsapp:"). In silent mode nothing is sent and the message is only logged.
type Router struct {
	routes map[string]ports.Notifier
	silent bool
}

// NewRouter creates an empty router.
func NewRouter(silent bool) *Router {
	return &Router{routes: make(map[string]ports.Notifier), silent: silent}
}

// Handle registers n for contacts starting with prefix + ":".
func (r *Router) Handle(prefix string, n ports.Notifier) {
	r.routes[prefix] = n
}

// Channels returns the registered prefixes.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	return out
}

// SendTemplatedMessage implements ports.Notifier.
func (r *Router) SendTemplatedMessage(ctx context.Context, to ports.Recipient, template string, data map[string]any) (*ports.DeliveryResult, error) {
	prefix, _, ok := strings.Cut(to.Contact, ":")
	if !ok || prefix == "" {
		return nil, failure.Invariantf("notify", "recipient %s has no routable contact %q", to.Name, to.Contact)
	}
	if r.silent {
		slog.Info("Silent mode: notification suppressed", "party", to.Name, "channel", prefix, "template", template)
		return &ports.DeliveryResult{Channel: "silent", DeliveredAt: time.Now().UTC()}, nil
	}
	n, ok := r.routes[prefix]
	if !ok {
		return nil, failure.Invariantf("notify", "no notifier for channel %q", prefix)
	}
	return n.SendTemplatedMessage(ctx, to, template, data)
}
