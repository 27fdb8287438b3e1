package webhook

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
)

func testEnvelope(t *testing.T) Envelope {
	t.Helper()
	env, err := NewEnvelope(EventMessageSent, MessageSent{
		MessageID: "wamid.HBgLMTU1NTAwMDExMTE",
		To:        "+15550001111",
		SentAt:    1700000000,
	}, "waba-123", "user-42")
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	env.Timestamp = 1700000000
	return env
}

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		typ     EventType
		data    EventData
		wantErr error
	}{
		{name: "matching type", typ: EventPaymentConfirmation, data: PaymentConfirmation{PaymentID: "p1", Amount: 100, Currency: "INR"}},
		{name: "mismatched type", typ: EventMessageSent, data: MessageRead{MessageID: "m"}, wantErr: ErrEventMismatch},
		{name: "unknown type", typ: EventType("message.exploded"), data: MessageSent{}, wantErr: ErrUnknownEventType},
		{name: "nil data", typ: EventAccountAlert, data: nil, wantErr: ErrNilEventData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.typ, tt.data, "waba", "user")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewEnvelope() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEnvelope() error = %v", err)
			}
			if env.Type != tt.typ || env.Timestamp == 0 || env.AccountID != "waba" || env.OwnerID != "user" {
				t.Errorf("NewEnvelope() = %+v", env)
			}
		})
	}
}

func TestEnvelopeMarshalWireFormat(t *testing.T) {
	env := testEnvelope(t)

	b, err := env.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	keys := make([]string, 0, len(wire))
	for k := range wire {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{"data", "event", "timestamp", "userId", "wabaId"}
	if len(keys) != len(want) {
		t.Fatalf("wire keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("wire keys = %v, want %v", keys, want)
		}
	}

	if string(wire["event"]) != `"message.sent"` {
		t.Errorf("event = %s", wire["event"])
	}
	if string(wire["wabaId"]) != `"waba-123"` || string(wire["userId"]) != `"user-42"` {
		t.Errorf("ids = %s / %s", wire["wabaId"], wire["userId"])
	}
	if string(wire["timestamp"]) != "1700000000" {
		t.Errorf("timestamp = %s", wire["timestamp"])
	}

	var data map[string]any
	_ = json.Unmarshal(wire["data"], &data)
	if _, ok := data["_retry"]; ok {
		t.Error("first attempt payload carries _retry annotation")
	}
}

func TestEnvelopeMarshalRetryAnnotation(t *testing.T) {
	env := testEnvelope(t)

	b, err := env.Marshal(&RetryInfo{Attempt: 2, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var wire struct {
		Data struct {
			MessageID string    `json:"messageId"`
			Retry     RetryInfo `json:"_retry"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Data.Retry != (RetryInfo{Attempt: 2, MaxAttempts: 3}) {
		t.Errorf("_retry = %+v, want {2 3}", wire.Data.Retry)
	}
	if wire.Data.MessageID != "wamid.HBgLMTU1NTAwMDExMTE" {
		t.Errorf("messageId lost during annotation: %q", wire.Data.MessageID)
	}

	// The envelope itself is unchanged.
	plain, _ := env.Marshal(nil)
	if string(plain) == string(b) {
		t.Error("retry annotation did not change the payload")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env := testEnvelope(t)
	b, _ := env.Marshal(&RetryInfo{Attempt: 3, MaxAttempts: 3})

	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.Type != env.Type || got.Timestamp != env.Timestamp || got.AccountID != env.AccountID || got.OwnerID != env.OwnerID {
		t.Errorf("DecodeEnvelope() = %+v, want %+v", got, env)
	}
	sent, ok := got.Data.(MessageSent)
	if !ok {
		t.Fatalf("Data is %T, want MessageSent", got.Data)
	}
	if sent != env.Data.(MessageSent) {
		t.Errorf("Data = %+v, want %+v", sent, env.Data)
	}
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name    string
		typ     EventType
		raw     string
		wantErr error
	}{
		{name: "valid message.failed", typ: EventMessageFailed, raw: `{"messageId":"m1","to":"+1555","errorCode":"131026"}`},
		{name: "missing required field", typ: EventMessageSent, raw: `{"messageId":"m1"}`, wantErr: ErrInvalidEventData},
		{name: "wrong field type", typ: EventCampaignSent, raw: `{"campaignId":"c1","recipients":"ten"}`, wantErr: ErrInvalidEventData},
		{name: "bad currency", typ: EventPaymentConfirmation, raw: `{"paymentId":"p","amount":5,"currency":"inr"}`, wantErr: ErrInvalidEventData},
		{name: "bad template status", typ: EventTemplateStatusUpdate, raw: `{"templateId":"t","status":"MAYBE"}`, wantErr: ErrInvalidEventData},
		{name: "not an object", typ: EventAccountAlert, raw: `[1,2]`, wantErr: ErrInvalidEventData},
		{name: "retry annotation allowed", typ: EventWebhookTest, raw: `{"message":"ping","_retry":{"attempt":2,"maxAttempts":3}}`},
		{name: "unknown type", typ: EventType("nope"), raw: `{}`, wantErr: ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := DecodeData(tt.typ, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeData() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeData() error = %v", err)
			}
			if data.EventType() != tt.typ {
				t.Errorf("decoded %s, want %s", data.EventType(), tt.typ)
			}
		})
	}
}

func TestEventRegistry(t *testing.T) {
	types := EventTypes()
	if len(types) != 10 {
		t.Fatalf("EventTypes() returned %d types, want 10", len(types))
	}
	if !sort.SliceIsSorted(types, func(i, j int) bool { return types[i] < types[j] }) {
		t.Error("EventTypes() not sorted")
	}
	for _, typ := range types {
		if _, ok := eventSchemas[typ]; !ok {
			t.Errorf("event type %s has no schema", typ)
		}
		got, err := ParseEventType(string(typ))
		if err != nil || got != typ {
			t.Errorf("ParseEventType(%q) = %q, %v", typ, got, err)
		}
	}
	if _, err := ParseEventType("message.exploded"); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("ParseEventType(unknown) error = %v", err)
	}
}
