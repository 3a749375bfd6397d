// Package automation talks to the browser and device automation sidecar
// over HTTP. It implements ports.FrontEnd and ports.DeviceControl and turns
// sidecar responses into failure kinds.
package automation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/ports"
)

// Config configures the sidecar client.
type Config struct {
	BaseURL      string        `json:"baseUrl" envconfig:"AUTOMATION_BASE_URL"`
	Token        string        `json:"token" envconfig:"AUTOMATION_TOKEN"`
	Timeout      time.Duration `json:"timeout" envconfig:"AUTOMATION_TIMEOUT"`
	ReadRetries  int           `json:"readRetries" envconfig:"AUTOMATION_READ_RETRIES"`
	RetryWait    time.Duration `json:"retryWait" envconfig:"AUTOMATION_RETRY_WAIT"`
	RetryMaxWait time.Duration `json:"retryMaxWait" envconfig:"AUTOMATION_RETRY_MAX_WAIT"`
}

// Error codes the sidecar uses in 409 responses that need a human.
var authCodes = map[string]bool{"two_factor": true, "consent": true, "auth_required": true, "captcha": true}

// apiError is the sidecar error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is a configured sidecar connection.
type Client struct {
	http *resty.Client
}

// New creates a client. Only GET requests are retried by the transport;
// prepare, commit and device steps are sent once.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("automation base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}

	hc := resty.New().
		SetBaseURL(base).
		SetHeader("User-Agent", "hopover").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.ReadRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Client{http: hc}, nil
}

// FrontEnd returns the front-end port for one service and account.
func (c *Client) FrontEnd(service, account string) *FrontEnd {
	return &FrontEnd{c: c, service: service, account: account}
}

// Device returns the device-control port for one device.
func (c *Client) Device(name string) *Device {
	return &Device{c: c, name: name}
}

func (c *Client) do(ctx context.Context, op, method, path string, headers map[string]string, body, out any) error {
	var apiErr apiError
	req := c.http.R().SetContext(ctx).SetError(&apiErr).SetHeaders(headers)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.New(failure.Transient, op, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	return classify(op, resp.StatusCode(), apiErr, resp.String())
}

// classify maps a sidecar error response onto the failure taxonomy.
func classify(op string, status int, apiErr apiError, raw string) error {
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(raw)
	}
	if apiErr.Code != "" {
		msg = apiErr.Code + ": " + msg
	}
	cause := fmt.Errorf("sidecar %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.New(failure.AuthExpired, op, cause)
	case status == http.StatusConflict && authCodes[apiErr.Code]:
		return failure.New(failure.AuthRequired, op, cause)
	case status == http.StatusGone:
		return failure.New(failure.ConfirmationExpired, op, cause)
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return failure.New(failure.StructuralDrift, op, cause)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return failure.New(failure.Transient, op, cause)
	default:
		return failure.New(failure.InvariantViolation, op, cause)
	}
}

// FrontEnd drives one consumer front-end through the sidecar.
type FrontEnd struct {
	c       *Client
	service string
	account string

	mu      sync.Mutex
	session []byte
}

func (f *FrontEnd) headers() map[string]string {
	h := map[string]string{}
	if f.account != "" {
		h["X-Account"] = f.account
	}
	f.mu.Lock()
	if len(f.session) > 0 {
		h["X-Session"] = base64.StdEncoding.EncodeToString(f.session)
	}
	f.mu.Unlock()
	return h
}

type loginResponse struct {
	Session []byte `json:"session"`
}

// Login signs the account in and returns the session state the sidecar
// hands back. The session is used for later calls. Login is sent once.
func (f *FrontEnd) Login(ctx context.Context) ([]byte, error) {
	var out loginResponse
	if err := f.c.do(ctx, "login", http.MethodPost, f.path("login"), f.headers(), map[string]string{}, &out); err != nil {
		return nil, err
	}
	if len(out.Session) == 0 {
		return nil, failure.Driftf("login", "sidecar returned no session")
	}
	f.UseSession(out.Session)
	return out.Session, nil
}

// UseSession sets the session state sent with later calls.
func (f *FrontEnd) UseSession(blob []byte) {
	f.mu.Lock()
	f.session = append([]byte(nil), blob...)
	f.mu.Unlock()
}

func (f *FrontEnd) path(action string) string {
	return "/v1/services/" + url.PathEscape(f.service) + "/" + action
}

type statusResponse struct {
	Counts ports.Counts `json:"counts"`
}

// CheckStatus reads entity counts from the source.
func (f *FrontEnd) CheckStatus(ctx context.Context) (ports.Counts, error) {
	var out statusResponse
	if err := f.c.do(ctx, "check status", http.MethodGet, f.path("status"), f.headers(), nil, &out); err != nil {
		return nil, err
	}
	return out.Counts, nil
}

// PrepareIrreversibleAction performs the reversible part of an action.
func (f *FrontEnd) PrepareIrreversibleAction(ctx context.Context, params map[string]any) (*ports.Prepared, error) {
	var out ports.Prepared
	if err := f.c.do(ctx, "prepare", http.MethodPost, f.path("prepare"), f.headers(), map[string]any{"params": params}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, failure.Driftf("prepare", "sidecar returned no token")
	}
	return &out, nil
}

// Commit performs the irreversible step. It is sent exactly once.
func (f *FrontEnd) Commit(ctx context.Context, token string) (*ports.CommitResult, error) {
	var out ports.CommitResult
	if err := f.c.do(ctx, "commit", http.MethodPost, f.path("commit"), f.headers(), map[string]string{"token": token}, &out); err != nil {
		return nil, err
	}
	if out.CommittedAt.IsZero() {
		out.CommittedAt = time.Now().UTC()
	}
	return &out, nil
}

// ObserveMetric reads the indirect progress signal.
func (f *FrontEnd) ObserveMetric(ctx context.Context) (*ports.Measurement, error) {
	var out ports.Measurement
	if err := f.c.do(ctx, "observe metric", http.MethodGet, f.path("metric"), f.headers(), nil, &out); err != nil {
		return nil, err
	}
	if out.ObservedAt.IsZero() {
		out.ObservedAt = time.Now().UTC()
	}
	return &out, nil
}

// Device runs natural-language steps on a phone or tablet.
type Device struct {
	c    *Client
	name string
}

// RunNaturalLanguageStep sends one instruction.
func (d *Device) RunNaturalLanguageStep(ctx context.Context, instruction string) (*ports.Observation, error) {
	var out ports.Observation
	path := "/v1/devices/" + url.PathEscape(d.name) + "/steps"
	if err := d.c.do(ctx, "device step", http.MethodPost, path, nil, map[string]string{"instruction": instruction}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
