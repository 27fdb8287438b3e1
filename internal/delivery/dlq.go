package delivery

import (
	"time"

	"github.com/austindbirch/hookline/internal/webhook"
)

const DLQType = "delivery.dlq"

type DeadLetter struct {
	Type       string `json:"type"`    // "delivery.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string `json:"reason"`  // human/debug text
	Attempts   int    `json:"attempts"`
	HTTPStatus int    `json:"http_status,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Task       Task   `json:"task"` // full delivery snapshot
}

// NewDeadLetter records a delivery that resolved without success.
func NewDeadLetter(t Task, res webhook.Result, reason string) DeadLetter {
	lastErr := res.LastError
	if res.LastReason != "" {
		lastErr += ": " + res.LastReason
	}
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempts:   res.Attempts,
		HTTPStatus: res.LastStatus,
		ErrorClass: string(res.LastClass),
		LastError:  lastErr,
		Task:       t,
	}
}
