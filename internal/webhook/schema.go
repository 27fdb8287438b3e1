package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidEventData = errors.New("invalid event data")

const schemaBaseURL = "https://hookline.local/schemas/"

// eventSchemas holds the JSON Schema for the data object of each event type.
// Unknown properties are allowed so retry annotations pass through.
var eventSchemas = map[EventType]string{
	EventMessageSent: `{
		"type": "object",
		"required": ["messageId", "to"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1},
			"templateName": {"type": "string"},
			"campaignId": {"type": "string"},
			"sentAt": {"type": "integer", "minimum": 0}
		}
	}`,
	EventMessageDelivered: `{
		"type": "object",
		"required": ["messageId", "to"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1},
			"deliveredAt": {"type": "integer", "minimum": 0}
		}
	}`,
	EventMessageRead: `{
		"type": "object",
		"required": ["messageId", "to"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1},
			"readAt": {"type": "integer", "minimum": 0}
		}
	}`,
	EventMessageFailed: `{
		"type": "object",
		"required": ["messageId", "to", "errorCode"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1},
			"errorCode": {"type": "string", "minLength": 1},
			"errorMessage": {"type": "string"},
			"failedAt": {"type": "integer", "minimum": 0}
		}
	}`,
	EventMessageReceived: `{
		"type": "object",
		"required": ["messageId", "from", "messageType"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"from": {"type": "string", "minLength": 1},
			"messageType": {"type": "string", "minLength": 1},
			"text": {"type": "string"},
			"receivedAt": {"type": "integer", "minimum": 0}
		}
	}`,
	EventCampaignSent: `{
		"type": "object",
		"required": ["campaignId", "recipients"],
		"properties": {
			"campaignId": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"recipients": {"type": "integer", "minimum": 0},
			"sent": {"type": "integer", "minimum": 0},
			"failed": {"type": "integer", "minimum": 0}
		}
	}`,
	EventTemplateStatusUpdate: `{
		"type": "object",
		"required": ["templateId", "status"],
		"properties": {
			"templateId": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"language": {"type": "string"},
			"status": {"type": "string", "enum": ["APPROVED", "REJECTED", "PENDING", "PAUSED", "DISABLED"]},
			"reason": {"type": "string"}
		}
	}`,
	EventAccountAlert: `{
		"type": "object",
		"required": ["severity", "message"],
		"properties": {
			"severity": {"type": "string", "enum": ["info", "warning", "critical"]},
			"code": {"type": "string"},
			"message": {"type": "string", "minLength": 1}
		}
	}`,
	EventPaymentConfirmation: `{
		"type": "object",
		"required": ["paymentId", "amount", "currency"],
		"properties": {
			"paymentId": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 0},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"status": {"type": "string"}
		}
	}`,
	EventWebhookTest: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string"},
			"endpointId": {"type": "string"}
		}
	}`,
}

// schemaCatalog compiles the event schemas once and validates raw payloads.
type schemaCatalog struct {
	once    sync.Once
	err     error
	schemas map[EventType]*jsonschema.Schema
}

var defaultCatalog = &schemaCatalog{}

func schemaURL(t EventType) string {
	return schemaBaseURL + string(t) + ".json"
}

func (c *schemaCatalog) compile() {
	c.schemas = make(map[EventType]*jsonschema.Schema, len(eventSchemas))
	compiler := jsonschema.NewCompiler()

	for t, src := range eventSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			c.err = fmt.Errorf("parse %s schema: %w", t, err)
			return
		}
		if err := compiler.AddResource(schemaURL(t), doc); err != nil {
			c.err = fmt.Errorf("add %s schema: %w", t, err)
			return
		}
	}

	for t := range eventSchemas {
		sch, err := compiler.Compile(schemaURL(t))
		if err != nil {
			c.err = fmt.Errorf("compile %s schema: %w", t, err)
			return
		}
		c.schemas[t] = sch
	}
}

// Validate checks raw against the schema registered for t.
func (c *schemaCatalog) Validate(t EventType, raw []byte) error {
	c.once.Do(c.compile)
	if c.err != nil {
		return c.err
	}

	sch, ok := c.schemas[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEventData, t, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEventData, t, err)
	}
	return nil
}

// ValidateData checks a raw data object against the schema for t without decoding it.
func ValidateData(t EventType, raw []byte) error {
	return defaultCatalog.Validate(t, raw)
}
