package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/dispatch"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/stats"
	"github.com/austindbirch/hookline/internal/webhook"
)

type published struct {
	topic string
	body  []byte
}

type fakeProducer struct {
	mu      sync.Mutex
	msgs    []published
	failOn  int // 1-based publish that fails, 0 never
	pingErr error
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.msgs)+1 == f.failOn {
		return errors.New("nsqd unavailable")
	}
	f.msgs = append(f.msgs, published{topic: topic, body: body})
	return nil
}

func (f *fakeProducer) Ping() error { return f.pingErr }

func testEnvelope(t *testing.T) webhook.Envelope {
	t.Helper()
	env, err := webhook.NewEnvelope(webhook.EventMessageRead, webhook.MessageRead{
		MessageID: "wamid.1",
		To:        "+15550002222",
	}, "waba-5", "user-5")
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestPublishEnvelopeFansOut(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, "webhook_events", "webhook_events_dlq")
	before := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("message.read"))

	tasks, err := p.PublishEnvelope(context.Background(), testEnvelope(t), "ep-1", "ep-2")
	if err != nil {
		t.Fatalf("PublishEnvelope() error = %v", err)
	}
	if len(tasks) != 2 || len(prod.msgs) != 2 {
		t.Fatalf("tasks = %d, published = %d, want 2", len(tasks), len(prod.msgs))
	}
	if tasks[0].DeliveryID == tasks[1].DeliveryID {
		t.Error("endpoints share a delivery id")
	}
	for i, m := range prod.msgs {
		if m.topic != "webhook_events" {
			t.Errorf("topic = %q", m.topic)
		}
		got, err := delivery.ParseTask(m.body)
		if err != nil {
			t.Fatalf("ParseTask() error = %v", err)
		}
		if got.DeliveryID != tasks[i].DeliveryID || got.EndpointID != tasks[i].EndpointID {
			t.Errorf("published task %d = %+v", i, got)
		}
	}
	if got := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("message.read")) - before; got != 2 {
		t.Errorf("published metric delta = %v, want 2", got)
	}
}

func TestPublishEnvelopeErrors(t *testing.T) {
	p := NewPublisher(&fakeProducer{}, "t", "d")
	if _, err := p.PublishEnvelope(context.Background(), testEnvelope(t)); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("PublishEnvelope(no endpoints) error = %v", err)
	}

	prod := &fakeProducer{failOn: 2}
	tasks, err := NewPublisher(prod, "t", "d").PublishEnvelope(context.Background(), testEnvelope(t), "a", "b", "c")
	if err == nil {
		t.Fatal("PublishEnvelope() expected error")
	}
	if len(tasks) != 1 || tasks[0].EndpointID != "a" {
		t.Errorf("tasks before failure = %+v", tasks)
	}
}

func TestPublishTaskRejectsInvalid(t *testing.T) {
	prod := &fakeProducer{}
	err := NewPublisher(prod, "t", "d").PublishTask(context.Background(), delivery.Task{EndpointID: "e"})
	if !errors.Is(err, delivery.ErrInvalidTask) {
		t.Errorf("PublishTask() error = %v", err)
	}
	if len(prod.msgs) != 0 {
		t.Error("invalid task was published")
	}
}

func TestPublishDeadLetter(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, "webhook_events", "webhook_events_dlq")
	before := testutil.ToFloat64(metrics.DLQTotal.WithLabelValues("TIMEOUT"))

	dl := delivery.NewDeadLetter(delivery.Task{DeliveryID: "d-1"}, webhook.Result{
		Attempts: 3, LastError: "Failed after 3 attempts", LastClass: webhook.ClassTimeout,
	}, "max attempts reached (3)")
	if err := p.PublishDeadLetter(context.Background(), dl); err != nil {
		t.Fatalf("PublishDeadLetter() error = %v", err)
	}
	if len(prod.msgs) != 1 || prod.msgs[0].topic != "webhook_events_dlq" {
		t.Fatalf("published = %+v", prod.msgs)
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(prod.msgs[0].body, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Task.DeliveryID != "d-1" || got.Type != delivery.DLQType {
		t.Errorf("dead letter = %+v", got)
	}
	if delta := testutil.ToFloat64(metrics.DLQTotal.WithLabelValues("TIMEOUT")) - before; delta != 1 {
		t.Errorf("dlq metric delta = %v, want 1", delta)
	}

	if err := NewPublisher(prod, "t", "").PublishDeadLetter(context.Background(), dl); err == nil {
		t.Error("PublishDeadLetter() without topic succeeded")
	}
}

func TestPublisherPing(t *testing.T) {
	down := errors.New("no route")
	if err := NewPublisher(&fakeProducer{pingErr: down}, "t", "d").Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		res  webhook.Result
		err  error
		want Action
	}{
		{name: "delivered", res: webhook.Result{Success: true, State: webhook.StateDelivered}, want: ActionFinish},
		{name: "exhausted", res: webhook.Result{State: webhook.StateExhausted}, want: ActionFinish},
		{name: "canceled", res: webhook.Result{State: webhook.StateCanceled}, want: ActionRequeue},
		{name: "bad task", err: fmt.Errorf("%w: x", delivery.ErrInvalidTask), want: ActionFinish},
		{name: "endpoint deleted", err: fmt.Errorf("load endpoint: %w", stats.ErrEndpointNotFound), want: ActionFinish},
		{name: "endpoint inactive", err: dispatch.ErrEndpointInactive, want: ActionFinish},
		{
			name: "deactivated mid-delivery",
			res:  webhook.Result{Attempts: 1, State: webhook.StateAborted},
			err:  fmt.Errorf("refresh endpoint: %w", dispatch.ErrEndpointInactive),
			want: ActionFinish,
		},
		{
			name: "deleted mid-delivery",
			res:  webhook.Result{Attempts: 2, State: webhook.StateAborted},
			err:  fmt.Errorf("refresh endpoint: %w", stats.ErrEndpointNotFound),
			want: ActionFinish,
		},
		{name: "store down", err: errors.New("connection refused"), want: ActionRequeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.res, tt.err); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

// recordingDelegate captures how a message was answered.
type recordingDelegate struct {
	mu       sync.Mutex
	finished int
	requeued int
	backoff  bool
	delay    time.Duration
	touches  int
}

func (d *recordingDelegate) OnFinish(*nsq.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished++
}

func (d *recordingDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, backoff bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requeued++
	d.delay = delay
	d.backoff = backoff
}

func (d *recordingDelegate) OnTouch(*nsq.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touches++
}

func (d *recordingDelegate) snapshot() recordingDelegate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return recordingDelegate{finished: d.finished, requeued: d.requeued, backoff: d.backoff, delay: d.delay, touches: d.touches}
}

func newMessage(t *testing.T, body []byte) (*nsq.Message, *recordingDelegate) {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &recordingDelegate{}
	m.Delegate = d
	return m, d
}

type fakeDeliverer struct {
	res   webhook.Result
	err   error
	hold  time.Duration
	tasks []delivery.Task
}

func (f *fakeDeliverer) DeliverTask(ctx context.Context, t delivery.Task) (webhook.Result, error) {
	f.tasks = append(f.tasks, t)
	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return webhook.Result{State: webhook.StateCanceled}, nil
		}
	}
	return f.res, f.err
}

func taskBody(t *testing.T) []byte {
	t.Helper()
	task, err := delivery.NewTask(testEnvelope(t), "ep-1")
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return b
}

func TestHandlerFinishesResolvedDelivery(t *testing.T) {
	svc := &fakeDeliverer{res: webhook.Result{Success: true, State: webhook.StateDelivered}}
	m, d := newMessage(t, taskBody(t))

	if err := NewHandler(svc).HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	got := d.snapshot()
	if got.finished != 1 || got.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d", got.finished, got.requeued)
	}
	if len(svc.tasks) != 1 || svc.tasks[0].EndpointID != "ep-1" {
		t.Errorf("delivered tasks = %+v", svc.tasks)
	}
}

func TestHandlerFinishesBadPayload(t *testing.T) {
	svc := &fakeDeliverer{}
	m, d := newMessage(t, []byte(`{"delivery_id":""}`))

	if err := NewHandler(svc).HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if got := d.snapshot(); got.finished != 1 {
		t.Errorf("finished = %d, want 1", got.finished)
	}
	if len(svc.tasks) != 0 {
		t.Error("bad payload reached the deliverer")
	}
}

func TestHandlerRequeuesStoreFailure(t *testing.T) {
	svc := &fakeDeliverer{err: errors.New("too many connections")}
	m, d := newMessage(t, taskBody(t))

	_ = NewHandler(svc, WithRequeueDelay(2*time.Second)).HandleMessage(m)

	got := d.snapshot()
	if got.requeued != 1 || got.finished != 0 {
		t.Fatalf("finished = %d, requeued = %d", got.finished, got.requeued)
	}
	if got.delay != 2*time.Second || !got.backoff {
		t.Errorf("requeue delay = %v backoff = %v, want 2s with backoff", got.delay, got.backoff)
	}
}

func TestHandlerRequeuesInterruptedDeliveryWithoutBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &fakeDeliverer{hold: time.Minute}
	m, d := newMessage(t, taskBody(t))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = NewHandler(svc, WithBaseContext(ctx)).HandleMessage(m)

	got := d.snapshot()
	if got.requeued != 1 || got.backoff || got.delay != 0 {
		t.Errorf("requeued = %d backoff = %v delay = %v, want immediate requeue", got.requeued, got.backoff, got.delay)
	}
}

func TestHandlerTouchesWhileDelivering(t *testing.T) {
	svc := &fakeDeliverer{
		res:  webhook.Result{Success: true, State: webhook.StateDelivered},
		hold: 120 * time.Millisecond,
	}
	m, d := newMessage(t, taskBody(t))

	_ = NewHandler(svc, WithTouchInterval(20*time.Millisecond)).HandleMessage(m)

	got := d.snapshot()
	if got.touches < 2 {
		t.Errorf("touches = %d, want at least 2", got.touches)
	}
	if got.finished != 1 {
		t.Errorf("finished = %d, want 1", got.finished)
	}

	// No touch may follow the final response.
	time.Sleep(60 * time.Millisecond)
	if after := d.snapshot().touches; after != got.touches {
		t.Errorf("touched %d more times after finish", after-got.touches)
	}
}
