package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// EventType identifies the kind of platform event carried by an Envelope.
type EventType string

const (
	EventMessageSent          EventType = "message.sent"
	EventMessageDelivered     EventType = "message.delivered"
	EventMessageRead          EventType = "message.read"
	EventMessageFailed        EventType = "message.failed"
	EventMessageReceived      EventType = "message.received"
	EventCampaignSent         EventType = "campaign.sent"
	EventTemplateStatusUpdate EventType = "template.status_update"
	EventAccountAlert         EventType = "account.alert"
	EventPaymentConfirmation  EventType = "payment.confirmation"
	EventWebhookTest          EventType = "webhook.test"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrEventMismatch    = errors.New("event data does not match event type")
	ErrNilEventData     = errors.New("event data is nil")
)

// EventData is the payload of one event type. The set of implementations is
// closed: each one is registered in eventRegistry under its own type.
type EventData interface {
	EventType() EventType
	isEventData()
}

type MessageSent struct {
	MessageID    string `json:"messageId"`
	To           string `json:"to"`
	TemplateName string `json:"templateName,omitempty"`
	CampaignID   string `json:"campaignId,omitempty"`
	SentAt       int64  `json:"sentAt"`
}

type MessageDelivered struct {
	MessageID   string `json:"messageId"`
	To          string `json:"to"`
	DeliveredAt int64  `json:"deliveredAt"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	ReadAt    int64  `json:"readAt"`
}

type MessageFailed struct {
	MessageID    string `json:"messageId"`
	To           string `json:"to"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	FailedAt     int64  `json:"failedAt"`
}

type MessageReceived struct {
	MessageID   string `json:"messageId"`
	From        string `json:"from"`
	MessageType string `json:"messageType"`
	Text        string `json:"text,omitempty"`
	ReceivedAt  int64  `json:"receivedAt"`
}

type CampaignSent struct {
	CampaignID string `json:"campaignId"`
	Name       string `json:"name"`
	Recipients int    `json:"recipients"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
}

type TemplateStatusUpdate struct {
	TemplateID string `json:"templateId"`
	Name       string `json:"name"`
	Language   string `json:"language"`
	Status     string `json:"status"` // APPROVED, REJECTED, PAUSED, ...
	Reason     string `json:"reason,omitempty"`
}

type AccountAlert struct {
	Severity string `json:"severity"` // info, warning, critical
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// PaymentConfirmation amounts are in minor currency units.
type PaymentConfirmation struct {
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

type WebhookTest struct {
	Message    string `json:"message"`
	EndpointID string `json:"endpointId,omitempty"`
}

func (MessageSent) EventType() EventType          { return EventMessageSent }
func (MessageDelivered) EventType() EventType     { return EventMessageDelivered }
func (MessageRead) EventType() EventType          { return EventMessageRead }
func (MessageFailed) EventType() EventType        { return EventMessageFailed }
func (MessageReceived) EventType() EventType      { return EventMessageReceived }
func (CampaignSent) EventType() EventType         { return EventCampaignSent }
func (TemplateStatusUpdate) EventType() EventType { return EventTemplateStatusUpdate }
func (AccountAlert) EventType() EventType         { return EventAccountAlert }
func (PaymentConfirmation) EventType() EventType  { return EventPaymentConfirmation }
func (WebhookTest) EventType() EventType          { return EventWebhookTest }

func (MessageSent) isEventData()          {}
func (MessageDelivered) isEventData()     {}
func (MessageRead) isEventData()          {}
func (MessageFailed) isEventData()        {}
func (MessageReceived) isEventData()      {}
func (CampaignSent) isEventData()         {}
func (TemplateStatusUpdate) isEventData() {}
func (AccountAlert) isEventData()         {}
func (PaymentConfirmation) isEventData()  {}
func (WebhookTest) isEventData()          {}

// eventRegistry maps each known event type to a decoder for its payload.
var eventRegistry = map[EventType]func(json.RawMessage) (EventData, error){
	EventMessageSent:          decodeAs[MessageSent],
	EventMessageDelivered:     decodeAs[MessageDelivered],
	EventMessageRead:          decodeAs[MessageRead],
	EventMessageFailed:        decodeAs[MessageFailed],
	EventMessageReceived:      decodeAs[MessageReceived],
	EventCampaignSent:         decodeAs[CampaignSent],
	EventTemplateStatusUpdate: decodeAs[TemplateStatusUpdate],
	EventAccountAlert:         decodeAs[AccountAlert],
	EventPaymentConfirmation:  decodeAs[PaymentConfirmation],
	EventWebhookTest:          decodeAs[WebhookTest],
}

func decodeAs[T EventData](raw json.RawMessage) (EventData, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EventTypes returns every registered event type in lexical order.
func EventTypes() []EventType {
	types := make([]EventType, 0, len(eventRegistry))
	for t := range eventRegistry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ParseEventType returns the registered EventType named s.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if _, ok := eventRegistry[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Envelope is the logical event prior to serialization. It is immutable once
// built; retry annotations are applied only to the serialized bytes.
type Envelope struct {
	Type      EventType
	Timestamp int64 // unix seconds
	Data      EventData
	AccountID string
	OwnerID   string
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(t EventType, data EventData, accountID, ownerID string) (Envelope, error) {
	if _, ok := eventRegistry[t]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if data == nil {
		return Envelope{}, ErrNilEventData
	}
	if data.EventType() != t {
		return Envelope{}, fmt.Errorf("%w: %s carries %s", ErrEventMismatch, t, data.EventType())
	}
	return Envelope{
		Type:      t,
		Timestamp: time.Now().Unix(),
		Data:      data,
		AccountID: accountID,
		OwnerID:   ownerID,
	}, nil
}

// RetryInfo is merged into the data object of retried deliveries as "_retry".
type RetryInfo struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
}

type wireEnvelope struct {
	Event     EventType       `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	WabaID    string          `json:"wabaId"`
	UserID    string          `json:"userId"`
}

// Marshal serializes the envelope to its wire form. A non-nil retry adds the
// retry context to the data object.
func (e Envelope) Marshal(retry *RetryInfo) ([]byte, error) {
	if e.Data == nil {
		return nil, ErrNilEventData
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", e.Type, err)
	}
	if retry != nil {
		data, err = annotate(data, retry)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(wireEnvelope{
		Event:     e.Type,
		Timestamp: e.Timestamp,
		Data:      data,
		WabaID:    e.AccountID,
		UserID:    e.OwnerID,
	})
}

func annotate(data []byte, retry *RetryInfo) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("annotate retry: %w", err)
	}
	info, err := json.Marshal(retry)
	if err != nil {
		return nil, err
	}
	fields["_retry"] = info
	return json.Marshal(fields)
}

// DecodeData validates raw against the schema for t and decodes it into the
// payload type registered for t.
func DecodeData(t EventType, raw json.RawMessage) (EventData, error) {
	decode, ok := eventRegistry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err := defaultCatalog.Validate(t, raw); err != nil {
		return nil, err
	}
	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", t, err)
	}
	return data, nil
}

// DecodeEnvelope parses wire bytes produced by Marshal. Any "_retry"
// annotation is dropped.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	data, err := DecodeData(w.Event, w.Data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      w.Event,
		Timestamp: w.Timestamp,
		Data:      data,
		AccountID: w.WabaID,
		OwnerID:   w.UserID,
	}, nil
}
