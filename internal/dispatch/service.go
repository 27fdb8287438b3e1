// Package dispatch binds the webhook client to endpoint configuration: it
// refuses inactive endpoints, keeps per-endpoint counters and hands
// exhausted deliveries to the dead letter topic.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/stats"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/webhook"
)

var ErrEndpointInactive = errors.New("endpoint is inactive")

const (
	StatusDelivered  = "delivered"
	StatusExhausted  = "exhausted"
	StatusInvalidURL = "invalid_url"
	StatusCanceled   = "canceled"
	StatusInactive   = "inactive"
	StatusAborted    = "aborted"
)

const (
	testEventMessage = "This is a test webhook from hookline"
	statsTimeout     = 5 * time.Second
)

// Client is the part of *webhook.Client the service drives.
type Client interface {
	Deliver(ctx context.Context, req webhook.Request) webhook.Result
	CheckWebhookHealth(ctx context.Context, url string) webhook.HealthResult
}

// EndpointSource loads the current configuration of an endpoint.
// *stats.PostgresStore satisfies it.
type EndpointSource interface {
	GetEndpoint(ctx context.Context, endpointID string) (webhook.Endpoint, error)
}

// DeadLetterPublisher receives deliveries that resolved without success.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

type Service struct {
	client    Client
	recorder  stats.Recorder
	endpoints EndpointSource
	dlq       DeadLetterPublisher
	logger    *logging.Logger
	now       func() time.Time
	trace     bool
}

type Option func(*Service)

// WithRecorder sets where resolved deliveries are counted.
func WithRecorder(r stats.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithEndpointSource enables DeliverTask and re-reads the endpoint before
// every retry so deactivation and URL changes take effect mid-delivery.
func WithEndpointSource(src EndpointSource) Option {
	return func(s *Service) { s.endpoints = src }
}

func WithDeadLetters(p DeadLetterPublisher) Option {
	return func(s *Service) { s.dlq = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAttemptTrace keeps the per-attempt record in every Result.
func WithAttemptTrace(on bool) Option {
	return func(s *Service) { s.trace = on }
}

func New(client Client, opts ...Option) *Service {
	s := &Service{
		client: client,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver sends env to ep with the configured retry policy. Delivery failures
// are reported in the Result. The error is set when ep is inactive or when
// re-reading the endpoint between attempts stopped the delivery.
func (s *Service) Deliver(ctx context.Context, ep webhook.Endpoint, env webhook.Envelope, deliveryID string) (webhook.Result, error) {
	return s.deliver(ctx, ep, env, deliveryID, 0, true)
}

func (s *Service) deliver(ctx context.Context, ep webhook.Endpoint, env webhook.Envelope, deliveryID string, maxAttempts int, countStats bool) (webhook.Result, error) {
	if !ep.IsActive {
		metrics.RecordDelivery(StatusInactive)
		s.logger.WithContext(ctx).WithEndpoint(ep.ID).WithEvent(string(env.Type)).
			Info("skipping inactive endpoint")
		return webhook.Result{}, fmt.Errorf("%w: %s", ErrEndpointInactive, ep.ID)
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.deliver",
		attribute.String("endpoint_id", ep.ID),
		attribute.String("account_id", env.AccountID),
		attribute.String("event_type", string(env.Type)),
	)
	defer span.End()

	req := webhook.Request{
		URL:         ep.URL,
		Secret:      ep.Secret,
		Envelope:    env,
		DeliveryID:  deliveryID,
		MaxAttempts: maxAttempts,
		Trace:       s.trace,
	}
	// Refresh runs on this goroutine between attempts. A store that cannot be
	// read keeps the last known URL; only a deleted or deactivated endpoint
	// stops the delivery.
	var refreshErr error
	if s.endpoints != nil {
		lastURL := ep.URL
		req.Refresh = func(ctx context.Context) (string, error) {
			url, err := s.currentURL(ctx, ep.ID)
			switch {
			case err == nil:
				lastURL = url
				return url, nil
			case errors.Is(err, ErrEndpointInactive), errors.Is(err, stats.ErrEndpointNotFound):
				refreshErr = err
				return "", err
			default:
				s.logger.WithContext(ctx).WithEndpoint(ep.ID).WithDelivery(deliveryID).WithError(err).
					Warn("endpoint refresh failed, retrying with last known url")
				return lastURL, nil
			}
		}
	}

	res := s.client.Deliver(ctx, req)
	status := Status(res)
	if errors.Is(refreshErr, ErrEndpointInactive) {
		status = StatusInactive
	}
	metrics.RecordDelivery(status)
	span.SetAttributes(
		attribute.String("delivery.status", status),
		attribute.Int("delivery.attempts", res.Attempts),
	)

	if countStats && resolved(res) {
		s.recordStats(ctx, ep.ID)
	}
	if refreshErr != nil {
		tracing.SetSpanError(ctx, refreshErr)
		return res, fmt.Errorf("refresh endpoint: %w", refreshErr)
	}
	return res, nil
}

// resolved reports whether res is final for its delivery id and reached the
// receiver at least once. Canceled deliveries are redelivered by the queue and
// counted when that redelivery resolves.
func resolved(res webhook.Result) bool {
	if res.Attempts == 0 {
		return false
	}
	switch res.State {
	case webhook.StateDelivered, webhook.StateExhausted, webhook.StateAborted:
		return true
	}
	return false
}

func (s *Service) currentURL(ctx context.Context, endpointID string) (string, error) {
	ep, err := s.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return "", err
	}
	if !ep.IsActive {
		return "", fmt.Errorf("%w: %s", ErrEndpointInactive, endpointID)
	}
	return ep.URL, nil
}

// recordStats runs detached from ctx so a delivery that was made is counted
// even when the caller has gone away.
func (s *Service) recordStats(ctx context.Context, endpointID string) {
	if s.recorder == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
	defer cancel()

	if err := s.recorder.RecordDelivery(sctx, endpointID, s.now()); err != nil {
		metrics.RecordStatsUpdateError()
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEndpoint(endpointID).WithError(err).
			Error("endpoint stats update failed")
	}
}

// DeliverTask resolves the endpoint named by a queued task and delivers it.
// Exhausted deliveries are published as dead letters when a publisher is set.
// Lookup failures are returned so the caller can decide to requeue.
func (s *Service) DeliverTask(ctx context.Context, t delivery.Task) (webhook.Result, error) {
	if s.endpoints == nil {
		return webhook.Result{}, errors.New("dispatch: no endpoint source configured")
	}
	ep, err := s.endpoints.GetEndpoint(ctx, t.EndpointID)
	if err != nil {
		return webhook.Result{}, fmt.Errorf("load endpoint: %w", err)
	}
	env, err := t.Envelope()
	if err != nil {
		return webhook.Result{}, fmt.Errorf("%w: %v", delivery.ErrInvalidTask, err)
	}

	res, err := s.Deliver(ctx, ep, env, t.DeliveryID)
	if err != nil {
		return res, err
	}
	if !res.Success && res.State == webhook.StateExhausted {
		s.deadLetter(ctx, t, res)
	}
	return res, nil
}

func (s *Service) deadLetter(ctx context.Context, t delivery.Task, res webhook.Result) {
	if s.dlq == nil {
		return
	}
	reason := fmt.Sprintf("max attempts reached (%d)", res.Attempts)
	if res.LastClass == webhook.ClassInvalidURL {
		reason = "invalid url: " + res.LastReason
	}
	dl := delivery.NewDeadLetter(t, res, reason)
	if err := s.dlq.PublishDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithEndpoint(t.EndpointID).
			WithError(err).Error("dead letter publish failed")
		return
	}
	s.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithEndpoint(t.EndpointID).
		WithField("reason", reason).Info("dead letter published")
}

// Test sends a single webhook.test event to ep. It does not retry and does
// not count towards the endpoint's stats.
func (s *Service) Test(ctx context.Context, ep webhook.Endpoint) (webhook.Result, error) {
	env, err := webhook.NewEnvelope(webhook.EventWebhookTest, webhook.WebhookTest{
		Message:    testEventMessage,
		EndpointID: ep.ID,
	}, ep.AccountID, ep.OwnerID)
	if err != nil {
		return webhook.Result{}, err
	}
	return s.deliver(ctx, ep, env, "", 1, false)
}

// Probe checks whether ep answers at all. It never counts as a delivery.
func (s *Service) Probe(ctx context.Context, ep webhook.Endpoint) webhook.HealthResult {
	return s.client.CheckWebhookHealth(ctx, ep.URL)
}

// Status maps a Result to the deliveries_total status label.
func Status(res webhook.Result) string {
	switch {
	case res.Success:
		return StatusDelivered
	case res.State == webhook.StateCanceled:
		return StatusCanceled
	case res.State == webhook.StateAborted:
		return StatusAborted
	case res.LastClass == webhook.ClassInvalidURL:
		return StatusInvalidURL
	default:
		return StatusExhausted
	}
}
