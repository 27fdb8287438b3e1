package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/dispatch"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/stats"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/webhook"
)

const (
	DefaultTouchInterval = 20 * time.Second
	DefaultRequeueDelay  = 5 * time.Second
)

// TaskDeliverer is satisfied by *dispatch.Service.
type TaskDeliverer interface {
	DeliverTask(ctx context.Context, t delivery.Task) (webhook.Result, error)
}

// Action is what happens to a message once its task is handled.
type Action int

const (
	ActionFinish Action = iota
	ActionRequeue
)

func (a Action) String() string {
	if a == ActionRequeue {
		return "requeue"
	}
	return "finish"
}

// Decide finishes every delivery that resolved and every task that can never
// succeed. Interrupted deliveries and store failures go back to NSQ, which
// redelivers them with the same delivery id.
func Decide(res webhook.Result, err error) Action {
	switch {
	case err == nil:
		if res.State == webhook.StateCanceled {
			return ActionRequeue
		}
		return ActionFinish
	case errors.Is(err, delivery.ErrInvalidTask),
		errors.Is(err, stats.ErrEndpointNotFound),
		errors.Is(err, dispatch.ErrEndpointInactive):
		return ActionFinish
	default:
		return ActionRequeue
	}
}

// Handler is an nsq.Handler that delivers one task per message. A message is
// acknowledged only after its delivery resolves; while the orchestrator
// backs off the message is touched so nsqd does not time it out.
type Handler struct {
	svc           TaskDeliverer
	ctx           context.Context
	logger        *logging.Logger
	touchInterval time.Duration
	requeueDelay  time.Duration
}

type HandlerOption func(*Handler)

// WithBaseContext sets the context every delivery derives from. Canceling
// it interrupts in-flight deliveries, which are then requeued.
func WithBaseContext(ctx context.Context) HandlerOption {
	return func(h *Handler) {
		if ctx != nil {
			h.ctx = ctx
		}
	}
}

func WithHandlerLogger(l *logging.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithTouchInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.touchInterval = d
		}
	}
}

func WithRequeueDelay(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d >= 0 {
			h.requeueDelay = d
		}
	}
}

func NewHandler(svc TaskDeliverer, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:           svc,
		ctx:           context.Background(),
		logger:        logging.Nop(),
		touchInterval: DefaultTouchInterval,
		requeueDelay:  DefaultRequeueDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	t, err := delivery.ParseTask(m.Body)
	if err != nil {
		h.logger.Plain().WithField("nsq_attempts", m.Attempts).WithError(err).Error("bad task payload")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractHeaders(h.ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("event_id", t.EventID),
		attribute.String("account_id", t.AccountID),
		attribute.String("endpoint_id", t.EndpointID),
		attribute.String("event_type", t.EventType),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	stop := h.keepAlive(m)
	res, err := h.svc.DeliverTask(ctx, t)
	stop()

	action := Decide(res, err)
	span.SetAttributes(attribute.String("nsq.action", action.String()))

	log := h.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithEndpoint(t.EndpointID)
	switch action {
	case ActionFinish:
		if err != nil {
			log.WithError(err).Warn("dropping undeliverable task")
		}
		m.Finish()
	case ActionRequeue:
		if err != nil {
			tracing.SetSpanError(ctx, err)
			log.WithError(err).WithField("delay", h.requeueDelay.String()).Warn("requeue task")
			m.Requeue(h.requeueDelay)
		} else {
			// Shutdown, not a failure of the task: no consumer backoff.
			log.Info("requeue interrupted delivery")
			m.RequeueWithoutBackoff(0)
		}
	}
	return nil
}

// keepAlive touches m until the returned stop func is called. stop waits
// for the toucher to exit so no touch races the final response.
func (h *Handler) keepAlive(m *nsq.Message) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.touchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.Touch()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// LogFailedMessage is called by go-nsq when a message exceeds the consumer's
// MaxAttempts and is about to be dropped.
func (h *Handler) LogFailedMessage(m *nsq.Message) {
	entry := h.logger.Plain().WithField("nsq_attempts", m.Attempts)
	if t, err := delivery.ParseTask(m.Body); err == nil {
		entry = entry.WithDelivery(t.DeliveryID).WithEndpoint(t.EndpointID)
	}
	entry.Error("task exceeded redelivery limit, dropping")
}
