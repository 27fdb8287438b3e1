package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/tracing"
)

const (
	HeaderSignature    = "X-Webhook-Signature" // sha256=<hex>
	HeaderEvent        = "X-Webhook-Event"
	HeaderTimestamp    = "X-Webhook-Timestamp" // unix seconds
	HeaderDeliveryID   = "X-Webhook-Delivery-Id"
	HeaderAccountID    = "X-Webhook-Account-Id"
	HeaderRetryAttempt = "X-Webhook-Retry-Attempt" // retries only
	HeaderTraceID      = "X-Trace-Id"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "hookline/1.0"

	maxResponseBody = 1024 // kept for diagnostics
	maxDrainBody    = 64 << 10
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns a client that does not follow redirects, so a 3xx
// is reported as a rejection rather than silently re-posted elsewhere.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// AttemptRequest carries everything one POST needs. Body must be the exact
// bytes Signature was computed over.
type AttemptRequest struct {
	URL           string
	Body          []byte
	Signature     string // full header value, sha256=<hex>
	EventType     EventType
	Timestamp     int64
	AccountID     string
	DeliveryID    string
	AttemptNumber int
}

// Executor performs exactly one delivery attempt per call. It never retries.
type Executor struct {
	client    Doer
	timeout   time.Duration
	userAgent string
}

type ExecutorOption func(*Executor)

func WithHTTPClient(c Doer) ExecutorOption {
	return func(e *Executor) {
		if c != nil {
			e.client = c
		}
	}
}

// WithTimeout bounds the wall-clock time of a single attempt.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithUserAgent(ua string) ExecutorOption {
	return func(e *Executor) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:    NewHTTPClient(),
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the per-attempt bound.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Attempt POSTs req.Body to req.URL. Ordinary failures are reported in the
// returned Outcome. If ctx is canceled by the caller the outcome is
// OutcomeCanceled.
func (e *Executor) Attempt(ctx context.Context, req AttemptRequest) Outcome {
	ctx, span := tracing.StartSpan(ctx, "webhook.attempt",
		attribute.String("delivery_id", req.DeliveryID),
		attribute.String("event_type", string(req.EventType)),
		attribute.Int("attempt", req.AttemptNumber),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Outcome{
			Kind:   OutcomeTransportError,
			Class:  ClassInvalidURL,
			Reason: "build request: " + err.Error(),
			Err:    err,
		}
	}
	e.setHeaders(ctx, httpReq, req)

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	elapsed := time.Since(start)

	if err != nil {
		out := classifyError(ctx, attemptCtx, err, e.timeout)
		out.ResponseTime = elapsed
		span.SetAttributes(
			attribute.String("webhook.outcome", string(out.Kind)),
			attribute.String("webhook.error_class", string(out.Class)),
		)
		tracing.SetSpanError(ctx, err)
		return out
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBody))

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", elapsed.Milliseconds()),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{
			Kind:         OutcomeDelivered,
			StatusCode:   resp.StatusCode,
			Reason:       "HTTP " + strconv.Itoa(resp.StatusCode),
			ResponseTime: elapsed,
			ResponseBody: string(body),
		}
	}

	class, reason := classifyStatus(resp.StatusCode)
	span.SetAttributes(attribute.String("webhook.error_class", string(class)))
	return Outcome{
		Kind:         OutcomeRejected,
		StatusCode:   resp.StatusCode,
		Class:        class,
		Reason:       reason,
		ResponseTime: elapsed,
		ResponseBody: string(body),
	}
}

func (e *Executor) setHeaders(ctx context.Context, httpReq *http.Request, req AttemptRequest) {
	h := httpReq.Header
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", e.userAgent)
	h.Set(HeaderSignature, req.Signature)
	h.Set(HeaderEvent, string(req.EventType))
	h.Set(HeaderTimestamp, strconv.FormatInt(req.Timestamp, 10))
	h.Set(HeaderDeliveryID, req.DeliveryID)
	if req.AccountID != "" {
		h.Set(HeaderAccountID, req.AccountID)
	}
	if req.AttemptNumber > 1 {
		h.Set(HeaderRetryAttempt, strconv.Itoa(req.AttemptNumber))
	}

	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		h.Set(HeaderTraceID, traceID)
	}
	tracing.InjectHTTP(ctx, h)
}

// classifyError maps a client.Do error to an outcome. parent is the caller's
// context, attemptCtx the per-attempt context derived from it.
func classifyError(parent, attemptCtx context.Context, err error, bound time.Duration) Outcome {
	if parent.Err() != nil {
		return Outcome{Kind: OutcomeCanceled, Reason: "delivery canceled: " + parent.Err().Error(), Err: err}
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return Outcome{
			Kind:   OutcomeTimeout,
			Class:  ClassTimeout,
			Reason: "no response within " + bound.String(),
			Err:    err,
		}
	}

	class := classifyTransport(err)
	return Outcome{
		Kind:   OutcomeTransportError,
		Class:  class,
		Reason: transportReason(class, err),
		Err:    err,
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classifyTransport(err error) ErrorClass {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return ClassDNSFailure
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ClassConnectionReset
	}

	// Some transports flatten the cause into the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return ClassConnectionRefused
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "server misbehaving"):
		return ClassDNSFailure
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return ClassConnectionReset
	}
	return ClassUnknownTransportError
}

func transportReason(class ErrorClass, err error) string {
	switch class {
	case ClassConnectionRefused:
		return "connection refused"
	case ClassDNSFailure:
		return "dns resolution failed"
	case ClassConnectionReset:
		return "connection reset by peer"
	}
	return "transport error: " + err.Error()
}
