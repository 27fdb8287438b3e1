// Package queue moves delivery tasks through NSQ: a publisher that fans an
// envelope out to endpoint tasks, and a consumer handler that drives each
// task to resolution before acknowledging it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/webhook"
)

var ErrNoEndpoints = errors.New("no endpoints to publish to")

// Producer is the subset of *nsq.Producer the publisher uses.
type Producer interface {
	Publish(topic string, body []byte) error
	Ping() error
}

type Publisher struct {
	prod     Producer
	topic    string
	dlqTopic string
}

func NewPublisher(prod Producer, topic, dlqTopic string) *Publisher {
	return &Publisher{prod: prod, topic: topic, dlqTopic: dlqTopic}
}

// PublishTask enqueues t, stamping the caller's trace context on it when the
// task does not carry one yet.
func (p *Publisher) PublishTask(ctx context.Context, t delivery.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if len(t.TraceHeaders) == 0 {
		t.TraceHeaders = tracing.InjectHeaders(ctx)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	metrics.RecordEventPublished(t.EventType)
	return nil
}

// PublishEnvelope creates one task per endpoint for env and enqueues them.
// Tasks published before a failure stay published.
func (p *Publisher) PublishEnvelope(ctx context.Context, env webhook.Envelope, endpointIDs ...string) ([]delivery.Task, error) {
	if len(endpointIDs) == 0 {
		return nil, ErrNoEndpoints
	}
	ctx, span := tracing.StartSpan(ctx, "queue.PublishEnvelope",
		attribute.String("event_type", string(env.Type)),
		attribute.String("account_id", env.AccountID),
		attribute.Int("endpoint_count", len(endpointIDs)),
	)
	defer span.End()

	tasks := make([]delivery.Task, 0, len(endpointIDs))
	for _, id := range endpointIDs {
		t, err := delivery.NewTask(env, id)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return tasks, err
		}
		if err := p.PublishTask(ctx, t); err != nil {
			tracing.SetSpanError(ctx, err)
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_tasks", attribute.Int("count", len(tasks)))
	return tasks, nil
}

// PublishDeadLetter writes dl to the dead letter topic.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	if p.dlqTopic == "" {
		return errors.New("dead letter topic not configured")
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.prod.Publish(p.dlqTopic, b); err != nil {
		return fmt.Errorf("nsq publish dlq: %w", err)
	}
	reason := dl.ErrorClass
	if reason == "" {
		reason = "unknown"
	}
	metrics.RecordDLQ(reason)
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.dlqTopic))
	return nil
}

// Ping reports whether nsqd answers. Used by health checks.
func (p *Publisher) Ping(context.Context) error {
	return p.prod.Ping()
}
