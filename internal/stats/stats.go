// Package stats keeps per-endpoint delivery counters. Every backend applies
// the increment and the last-triggered timestamp in a single atomic
// statement so concurrent deliveries to one endpoint never lose updates.
package stats

import (
	"context"
	"errors"
	"time"
)

var ErrEndpointNotFound = errors.New("endpoint not found")

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// EndpointStats is the counter state of one endpoint.
type EndpointStats struct {
	TotalEvents     int64
	LastTriggeredAt *time.Time
}

// Recorder applies one resolved delivery to an endpoint's counters.
type Recorder interface {
	RecordDelivery(ctx context.Context, endpointID string, at time.Time) error
	Stats(ctx context.Context, endpointID string) (EndpointStats, error)
}
