package webhook

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/tracing"
)

const DefaultMaxAttempts = 3

// DefaultBackoffSchedule is the wait before attempts 2, 3 and 4. Attempts
// past the end reuse the last entry.
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
}

// State is the lifecycle position of one logical delivery.
type State string

const (
	StatePending    State = "PENDING"
	StateAttempting State = "ATTEMPTING"
	StateWaiting    State = "WAITING"
	StateDelivered  State = "DELIVERED"
	StateExhausted  State = "EXHAUSTED"
	StateCanceled   State = "CANCELED"
	// StateAborted: the caller's Refresh refused to continue, e.g. the
	// endpoint was deactivated or deleted between attempts.
	StateAborted State = "ABORTED"
)

// RetryPolicy reports whether a failed outcome may be retried.
type RetryPolicy func(Outcome) bool

// RetryAllFailures retries every failure class except an unusable URL.
func RetryAllFailures(o Outcome) bool {
	return o.Kind != OutcomeDelivered && o.Kind != OutcomeCanceled && o.Class != ClassInvalidURL
}

// RetryServerErrorsOnly stops on 4xx rejections other than 408 and 429.
func RetryServerErrorsOnly(o Outcome) bool {
	if !RetryAllFailures(o) {
		return false
	}
	if o.Kind != OutcomeRejected {
		return true
	}
	switch o.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return o.StatusCode >= 500
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// SleepContext waits on a timer without holding any lock.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AttemptExecutor runs a single attempt. *Executor satisfies it.
type AttemptExecutor interface {
	Attempt(ctx context.Context, req AttemptRequest) Outcome
}

// Request describes one logical delivery of an envelope to an endpoint.
type Request struct {
	URL      string
	Secret   string
	Envelope Envelope

	// DeliveryID is reused on every attempt. Generated when empty.
	DeliveryID string
	// MaxAttempts and BackoffSchedule override the orchestrator defaults when set.
	MaxAttempts     int
	BackoffSchedule []time.Duration
	// Trace asks for a per-attempt record in Result.Attempts.
	Trace bool
	// Refresh, when set, is called before every attempt after the first to
	// pick up the current endpoint URL. An error stops the delivery.
	Refresh func(ctx context.Context) (string, error)
}

// Result is the terminal outcome of a logical delivery.
type Result struct {
	Success    bool
	Attempts   int
	DeliveryID string
	State      State
	LastError  string
	LastReason string // diagnostic of the final failed attempt
	LastClass  ErrorClass
	LastStatus int
	Warnings   []string
	Trace      []Attempt
}

// Orchestrator drives an executor until success or the attempt budget is spent.
type Orchestrator struct {
	executor    AttemptExecutor
	validator   Validator
	policy      RetryPolicy
	maxAttempts int
	schedule    []time.Duration
	jitterPct   float64
	wait        WaitFunc
	logger      *logging.Logger
	newID       func() string
}

type OrchestratorOption func(*Orchestrator)

func WithMaxAttempts(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithBackoffSchedule(schedule []time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if len(schedule) > 0 {
			o.schedule = append([]time.Duration(nil), schedule...)
		}
	}
}

// WithJitter spreads each delay by +/- pct (0.0-1.0).
func WithJitter(pct float64) OrchestratorOption {
	return func(o *Orchestrator) {
		if pct >= 0 && pct <= 1 {
			o.jitterPct = pct
		}
	}
}

func WithRetryPolicy(p RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithWaitFunc replaces the timer based wait, mainly for tests.
func WithWaitFunc(w WaitFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		if w != nil {
			o.wait = w
		}
	}
}

func WithValidator(v Validator) OrchestratorOption {
	return func(o *Orchestrator) { o.validator = v }
}

func WithLogger(l *logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithIDGenerator(f func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if f != nil {
			o.newID = f
		}
	}
}

func NewOrchestrator(exec AttemptExecutor, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		executor:    exec,
		policy:      RetryAllFailures,
		maxAttempts: DefaultMaxAttempts,
		schedule:    DefaultBackoffSchedule(),
		wait:        SleepContext,
		logger:      logging.Nop(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Delay returns the wait before attempt number next (2-based), clamped to
// the last schedule entry.
func Delay(next int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	idx := next - 2
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

func (o *Orchestrator) delay(next int, schedule []time.Duration) time.Duration {
	base := Delay(next, schedule)
	if o.jitterPct == 0 || base == 0 {
		return base
	}
	j := 1 + (rand.Float64()*2-1)*o.jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// Run delivers req.Envelope. It returns when the delivery succeeds, the
// budget is exhausted, a non-retryable failure occurs or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	maxAttempts := o.maxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}
	schedule := o.schedule
	if len(req.BackoffSchedule) > 0 {
		schedule = req.BackoffSchedule
	}
	deliveryID := req.DeliveryID
	if deliveryID == "" {
		deliveryID = o.newID()
	}

	ctx, span := tracing.StartSpan(ctx, "webhook.delivery",
		attribute.String("delivery_id", deliveryID),
		attribute.String("event_type", string(req.Envelope.Type)),
		attribute.Int("max_attempts", maxAttempts),
	)
	defer span.End()

	log := func() *logging.LogEntry {
		return o.logger.WithContext(ctx).
			WithDelivery(deliveryID).
			WithEvent(string(req.Envelope.Type)).
			WithAccount(req.Envelope.AccountID)
	}

	res := Result{DeliveryID: deliveryID, State: StatePending}
	url := req.URL

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && req.Refresh != nil {
			fresh, err := req.Refresh(ctx)
			if err != nil {
				res.State = StateAborted
				res.LastError = fmt.Sprintf("delivery aborted after %d attempts: %v", res.Attempts, err)
				log().WithError(err).Warn("endpoint refresh stopped delivery")
				return o.finish(ctx, res)
			}
			url = fresh
		}

		v := o.validator.Check(url)
		if attempt == 1 {
			res.Warnings = v.Warnings
		}
		if !v.Valid {
			res.State = StateExhausted
			res.LastClass = ClassInvalidURL
			res.LastReason = v.Reason
			res.LastError = "invalid webhook url: " + v.Reason
			log().WithField("reason", v.Reason).Warn("webhook url rejected")
			return o.finish(ctx, res)
		}
		url = v.URL

		var retry *RetryInfo
		if attempt > 1 {
			retry = &RetryInfo{Attempt: attempt, MaxAttempts: maxAttempts}
		}
		body, err := req.Envelope.Marshal(retry)
		if err != nil {
			res.State = StateExhausted
			res.LastError = "encode envelope: " + err.Error()
			log().WithError(err).Error("envelope encode failed")
			return o.finish(ctx, res)
		}

		res.State = StateAttempting
		started := time.Now()
		out := o.executor.Attempt(ctx, AttemptRequest{
			URL:           url,
			Body:          body,
			Signature:     SignatureHeader(body, req.Secret),
			EventType:     req.Envelope.Type,
			Timestamp:     req.Envelope.Timestamp,
			AccountID:     req.Envelope.AccountID,
			DeliveryID:    deliveryID,
			AttemptNumber: attempt,
		})

		if out.Kind == OutcomeCanceled {
			res.State = StateCanceled
			res.LastError = out.Reason
			log().WithAttempt(attempt).Info("delivery canceled during attempt")
			return o.finish(ctx, res)
		}
		// No request could be built, so nothing was sent.
		if out.Class == ClassInvalidURL {
			res.State = StateExhausted
			res.LastClass = ClassInvalidURL
			res.LastReason = out.Reason
			res.LastError = "invalid webhook url: " + out.Reason
			log().WithAttempt(attempt).WithField("reason", out.Reason).Warn("webhook url rejected")
			return o.finish(ctx, res)
		}

		res.Attempts = attempt
		res.LastStatus = out.StatusCode
		metrics.RecordAttempt(string(out.Kind), string(out.Class), out.ResponseTime)
		if req.Trace {
			res.Trace = append(res.Trace, Attempt{
				DeliveryID:     deliveryID,
				AttemptNumber:  attempt,
				StartedAt:      started,
				HTTPStatus:     out.StatusCode,
				ErrorClass:     out.Class,
				Reason:         out.Reason,
				ResponseTimeMs: out.ResponseTime.Milliseconds(),
				Outcome:        out.Kind,
			})
		}

		if out.Delivered() {
			res.Success = true
			res.State = StateDelivered
			res.LastClass = ClassNone
			log().WithAttempt(attempt).WithField("status", out.StatusCode).
				WithField("response_ms", out.ResponseTime.Milliseconds()).
				Info("webhook delivered")
			return o.finish(ctx, res)
		}

		res.LastClass = out.Class
		res.LastReason = out.Reason
		log().WithAttempt(attempt).WithField("class", string(out.Class)).
			WithField("status", out.StatusCode).
			Warnf("webhook attempt failed: %s", out.Reason)

		if attempt >= maxAttempts || !o.policy(out) {
			break
		}

		wait := o.delay(attempt+1, schedule)
		res.State = StateWaiting
		metrics.RecordRetry(string(out.Class))
		tracing.AddSpanEvent(ctx, "delivery.backoff",
			attribute.Int("next_attempt", attempt+1),
			attribute.String("delay", wait.String()),
		)
		if err := o.wait(ctx, wait); err != nil {
			res.State = StateCanceled
			res.LastError = "delivery canceled: " + err.Error()
			log().WithAttempt(attempt).Info("delivery canceled during backoff")
			return o.finish(ctx, res)
		}
	}

	res.State = StateExhausted
	res.LastError = fmt.Sprintf("Failed after %d attempts", res.Attempts)
	return o.finish(ctx, res)
}

func (o *Orchestrator) finish(ctx context.Context, res Result) Result {
	tracing.AddSpanEvent(ctx, "delivery.resolved",
		attribute.String("state", string(res.State)),
		attribute.Int("attempts", res.Attempts),
	)
	if !res.Success && res.State != StateCanceled {
		o.logger.WithContext(ctx).WithDelivery(res.DeliveryID).
			WithField("attempts", res.Attempts).
			WithField("class", string(res.LastClass)).
			Error(res.LastError)
	}
	return res
}
