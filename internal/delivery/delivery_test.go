package delivery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/hookline/internal/webhook"
)

func testEnvelope(t *testing.T) webhook.Envelope {
	t.Helper()
	env, err := webhook.NewEnvelope(webhook.EventTemplateStatusUpdate, webhook.TemplateStatusUpdate{
		TemplateID: "tmpl-1",
		Name:       "order_update",
		Language:   "en_US",
		Status:     "APPROVED",
	}, "waba-9", "user-3")
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestNewTask(t *testing.T) {
	env := testEnvelope(t)

	task, err := NewTask(env, "ep-1")
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	if task.DeliveryID == "" || task.EventID == "" || task.DeliveryID == task.EventID {
		t.Errorf("ids = %q / %q", task.DeliveryID, task.EventID)
	}
	if task.EndpointID != "ep-1" || task.AccountID != "waba-9" || task.OwnerID != "user-3" {
		t.Errorf("NewTask() = %+v", task)
	}
	if task.EventType != "template.status_update" || task.Timestamp != env.Timestamp {
		t.Errorf("event fields = %q/%d", task.EventType, task.Timestamp)
	}
	if _, err := time.Parse(time.RFC3339, task.PublishedAt); err != nil {
		t.Errorf("PublishedAt %q is not RFC3339: %v", task.PublishedAt, err)
	}

	if _, err := NewTask(webhook.Envelope{Type: webhook.EventAccountAlert}, "ep-1"); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("NewTask(no data) error = %v, want ErrInvalidTask", err)
	}
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	task, err := NewTask(env, "ep-1")
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}

	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	parsed, err := ParseTask(b)
	if err != nil {
		t.Fatalf("ParseTask() error = %v", err)
	}

	got, err := parsed.Envelope()
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	if got.Type != env.Type || got.Timestamp != env.Timestamp || got.AccountID != env.AccountID || got.OwnerID != env.OwnerID {
		t.Errorf("Envelope() = %+v, want %+v", got, env)
	}
	if got.Data != env.Data {
		t.Errorf("Data = %+v, want %+v", got.Data, env.Data)
	}
}

func TestTaskEnvelopeRejectsBadData(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr error
	}{
		{
			name:    "unknown event type",
			task:    Task{DeliveryID: "d", EndpointID: "e", EventType: "user.created", Data: json.RawMessage(`{}`)},
			wantErr: webhook.ErrUnknownEventType,
		},
		{
			name:    "schema violation",
			task:    Task{DeliveryID: "d", EndpointID: "e", EventType: "payment.confirmation", Data: json.RawMessage(`{"paymentId":"p"}`)},
			wantErr: webhook.ErrInvalidEventData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.task.Envelope(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Envelope() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTask(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"delivery_id":"d","endpoint_id":"e","event_type":"webhook.test","data":{"message":"hi"}}`},
		{name: "not json", body: `not json`, wantErr: true},
		{name: "missing delivery id", body: `{"endpoint_id":"e","event_type":"webhook.test","data":{}}`, wantErr: true},
		{name: "missing endpoint", body: `{"delivery_id":"d","event_type":"webhook.test","data":{}}`, wantErr: true},
		{name: "missing event type", body: `{"delivery_id":"d","endpoint_id":"e","data":{}}`, wantErr: true},
		{name: "missing data", body: `{"delivery_id":"d","endpoint_id":"e","event_type":"webhook.test"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTask([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTask) {
					t.Errorf("ParseTask() error = %v, want ErrInvalidTask", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseTask() error = %v", err)
			}
		})
	}
}

func TestNewDeadLetter(t *testing.T) {
	task := Task{
		DeliveryID: "delivery-123",
		EventID:    "event-456",
		EndpointID: "endpoint-abc",
		EventType:  "message.failed",
		TraceHeaders: map[string]string{
			"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		},
	}
	res := webhook.Result{
		Attempts:   3,
		LastError:  "Failed after 3 attempts",
		LastReason: "HTTP 503: receiver server error",
		LastClass:  webhook.ClassHTTPServerError,
		LastStatus: 503,
	}

	before := time.Now()
	dl := NewDeadLetter(task, res, "max attempts reached (3)")

	if dl.Type != DLQType || dl.Version != "v1" {
		t.Errorf("Type/Version = %q/%q", dl.Type, dl.Version)
	}
	if dl.Attempts != 3 || dl.HTTPStatus != 503 || dl.ErrorClass != "HTTP_SERVER_ERROR" {
		t.Errorf("NewDeadLetter() = %+v", dl)
	}
	if dl.LastError != "Failed after 3 attempts: HTTP 503: receiver server error" {
		t.Errorf("LastError = %q", dl.LastError)
	}
	if dl.Task.DeliveryID != "delivery-123" || dl.Task.TraceHeaders["traceparent"] == "" {
		t.Errorf("Task snapshot = %+v", dl.Task)
	}
	at, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Fatalf("At %q not RFC3339Nano: %v", dl.At, err)
	}
	if at.Before(before.Add(-time.Second)) {
		t.Errorf("At = %v, before the call", at)
	}
}

func TestDeadLetterJSONFieldNames(t *testing.T) {
	dl := NewDeadLetter(Task{DeliveryID: "d"}, webhook.Result{Attempts: 1, LastError: "x"}, "r")
	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, k := range []string{"type", "version", "at", "reason", "attempts", "last_error", "task"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing JSON field %q in %s", k, b)
		}
	}
	if _, ok := m["http_status"]; ok {
		t.Error("http_status should be omitted when zero")
	}
}

func TestDLQTypeConstant(t *testing.T) {
	if DLQType != "delivery.dlq" {
		t.Errorf("DLQType = %q, want delivery.dlq", DLQType)
	}
}
