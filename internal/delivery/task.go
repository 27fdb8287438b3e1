package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/webhook"
)

var ErrInvalidTask = errors.New("invalid task")

// Task is the queue message for one envelope bound for one endpoint.
// DeliveryID is fixed at publish time so a redelivered message keeps the id
// the receiver deduplicates on.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	EventID      string            `json:"event_id"`
	AccountID    string            `json:"account_id"`
	OwnerID      string            `json:"owner_id"`
	EndpointID   string            `json:"endpoint_id"`
	EventType    string            `json:"event_type"`
	Timestamp    int64             `json:"timestamp"` // envelope time, unix seconds
	Data         json.RawMessage   `json:"data"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask wraps env for delivery to endpointID.
func NewTask(env webhook.Envelope, endpointID string) (Task, error) {
	if env.Data == nil {
		return Task{}, fmt.Errorf("%w: envelope has no data", ErrInvalidTask)
	}
	data, err := json.Marshal(env.Data)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s data: %w", env.Type, err)
	}
	t := Task{
		DeliveryID:  uuid.NewString(),
		EventID:     uuid.NewString(),
		AccountID:   env.AccountID,
		OwnerID:     env.OwnerID,
		EndpointID:  endpointID,
		EventType:   string(env.Type),
		Timestamp:   env.Timestamp,
		Data:        data,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return t, t.Validate()
}

// Validate checks the fields every consumer relies on.
func (t Task) Validate() error {
	switch {
	case t.DeliveryID == "":
		return fmt.Errorf("%w: missing delivery_id", ErrInvalidTask)
	case t.EndpointID == "":
		return fmt.Errorf("%w: missing endpoint_id", ErrInvalidTask)
	case t.EventType == "":
		return fmt.Errorf("%w: missing event_type", ErrInvalidTask)
	case len(t.Data) == 0:
		return fmt.Errorf("%w: missing data", ErrInvalidTask)
	}
	return nil
}

// Envelope rebuilds the typed envelope, validating data against its event schema.
func (t Task) Envelope() (webhook.Envelope, error) {
	typ, err := webhook.ParseEventType(t.EventType)
	if err != nil {
		return webhook.Envelope{}, err
	}
	data, err := webhook.DecodeData(typ, t.Data)
	if err != nil {
		return webhook.Envelope{}, err
	}
	return webhook.Envelope{
		Type:      typ,
		Timestamp: t.Timestamp,
		Data:      data,
		AccountID: t.AccountID,
		OwnerID:   t.OwnerID,
	}, nil
}

// ParseTask decodes and validates a queue message body.
func ParseTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return t, t.Validate()
}
