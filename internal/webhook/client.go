package webhook

import (
	"context"
	"time"

	"github.com/austindbirch/hookline/internal/logging"
)

// Endpoint is a tenant-configured webhook target. Secret is only ever used
// as the HMAC key and is never serialized.
type Endpoint struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	AccountID       string     `json:"accountId"`
	URL             string     `json:"url"`
	Secret          string     `json:"-"`
	IsActive        bool       `json:"isActive"`
	TotalEvents     int64      `json:"totalEvents"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
}

type ClientConfig struct {
	Development     bool
	Timeout         time.Duration
	ProbeTimeout    time.Duration
	MaxAttempts     int
	BackoffSchedule []time.Duration
	JitterPct       float64
	UserAgent       string
	Policy          RetryPolicy
	HTTPClient      Doer
	Logger          *logging.Logger
	Wait            WaitFunc
}

// SendOptions overrides the client defaults for one delivery.
type SendOptions struct {
	MaxAttempts     int
	BackoffSchedule []time.Duration
	DeliveryID      string
	Trace           bool
	Refresh         func(ctx context.Context) (string, error)
}

// Client is the caller facing webhook API.
type Client struct {
	orchestrator *Orchestrator
	prober       *Prober
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	exec := NewExecutor(
		WithHTTPClient(httpClient),
		WithTimeout(cfg.Timeout),
		WithUserAgent(cfg.UserAgent),
	)
	orch := NewOrchestrator(exec,
		WithMaxAttempts(cfg.MaxAttempts),
		WithBackoffSchedule(cfg.BackoffSchedule),
		WithJitter(cfg.JitterPct),
		WithRetryPolicy(cfg.Policy),
		WithWaitFunc(cfg.Wait),
		WithValidator(Validator{Development: cfg.Development, Logger: logger}),
		WithLogger(logger),
	)

	return &Client{
		orchestrator: orch,
		prober:       NewProber(httpClient, cfg.ProbeTimeout, cfg.UserAgent),
	}
}

// SendWebhook makes a single signed attempt and reports whether it was delivered.
func (c *Client) SendWebhook(ctx context.Context, url string, env Envelope, secret string) bool {
	return c.Deliver(ctx, Request{
		URL:         url,
		Secret:      secret,
		Envelope:    env,
		MaxAttempts: 1,
	}).Success
}

// SendWebhookWithRetry delivers env with the retry policy, honoring any
// per-call overrides in opts.
func (c *Client) SendWebhookWithRetry(ctx context.Context, url string, env Envelope, secret string, opts SendOptions) Result {
	return c.Deliver(ctx, Request{
		URL:             url,
		Secret:          secret,
		Envelope:        env,
		DeliveryID:      opts.DeliveryID,
		MaxAttempts:     opts.MaxAttempts,
		BackoffSchedule: opts.BackoffSchedule,
		Trace:           opts.Trace,
		Refresh:         opts.Refresh,
	})
}

func (c *Client) Deliver(ctx context.Context, req Request) Result {
	return c.orchestrator.Run(ctx, req)
}

func (c *Client) CheckWebhookHealth(ctx context.Context, url string) HealthResult {
	return c.prober.Probe(ctx, url)
}

func (c *Client) GenerateSecretKey() string {
	return GenerateSecret()
}

func (c *Client) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return Verify(payload, signature, secret)
}
