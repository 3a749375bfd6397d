package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/ports"
)

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	APIBase  string `json:"apiBase" envconfig:"SLACK_API_BASE"`
}

// Slack posts messages with a bot token. Contacts are "slack:<channel-or-user>".
type Slack struct {
	api      *slack.Client
	renderer *Renderer
	attempts int
	backoff  time.Duration
}

// NewSlack creates a Slack notifier. httpClient may be nil.
func NewSlack(cfg SlackConfig, renderer *Renderer, httpClient *http.Client) (*Slack, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Slack{
		api:      slack.New(token, slack.OptionHTTPClient(httpClient), slack.OptionAPIURL(base)),
		renderer: renderer,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}, nil
}

// SendTemplatedMessage renders template and posts it to the recipient.
func (s *Slack) SendTemplatedMessage(ctx context.Context, to ports.Recipient, template string, data map[string]any) (*ports.DeliveryResult, error) {
	channel := strings.TrimPrefix(to.Contact, "slack:")
	if channel == "" || channel == to.Contact {
		return nil, failure.Invariantf("slack send", "recipient %s has no slack contact", to.Name)
	}
	text, err := s.renderer.Render(template, data)
	if err != nil {
		return nil, failure.New(failure.InvariantViolation, "slack send", err)
	}

	var ts string
	err = withRetry(ctx, s.attempts, s.backoff, func() (bool, error) {
		_, stamp, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return retryDecision(err)
		}
		ts = stamp
		return false, nil
	})
	if err != nil {
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			return nil, failure.New(failure.Transient, "slack send", err)
		}
		return nil, fmt.Errorf("slack send to %s: %w", to.Name, err)
	}
	slog.Info("Slack message sent", "party", to.Name, "channel", channel, "template", template)
	return &ports.DeliveryResult{Channel: "slack", MessageID: ts, DeliveredAt: time.Now().UTC()}, nil
}

// retryDecision retries rate limits after the advertised delay.
func retryDecision(err error) (bool, error) {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if rle.RetryAfter > 0 {
			time.Sleep(rle.RetryAfter)
		}
		return true, err
	}
	return false, err
}

func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		select {
		case <-time.After(baseDelay * time.Duration(1<<i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
