package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/hookline/internal/webhook"
)

// compile-time interface check
var _ Recorder = (*PostgresStore)(nil)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads endpoint configuration and updates its counters in
// the hookline.endpoints table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordDeliverySQL = `
	UPDATE hookline.endpoints
	SET total_events = total_events + 1,
	    last_triggered_at = GREATEST(last_triggered_at, $2),
	    updated_at = now()
	WHERE id = $1`

// RecordDelivery increments total_events and moves last_triggered_at forward.
func (s *PostgresStore) RecordDelivery(ctx context.Context, endpointID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, recordDeliverySQL, endpointID, at.UTC())
	if err != nil {
		return fmt.Errorf("record delivery for %s: %w", endpointID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, endpointID string) (EndpointStats, error) {
	var st EndpointStats
	err := s.db.QueryRow(ctx, `
		SELECT total_events, last_triggered_at
		FROM hookline.endpoints WHERE id = $1`, endpointID).
		Scan(&st.TotalEvents, &st.LastTriggeredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return EndpointStats{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	}
	if err != nil {
		return EndpointStats{}, fmt.Errorf("read stats for %s: %w", endpointID, err)
	}
	return st, nil
}

// GetEndpoint loads the current configuration of an endpoint, secret included.
func (s *PostgresStore) GetEndpoint(ctx context.Context, endpointID string) (webhook.Endpoint, error) {
	var ep webhook.Endpoint
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, account_id, url, secret, is_active, total_events, last_triggered_at
		FROM hookline.endpoints WHERE id = $1`, endpointID).
		Scan(&ep.ID, &ep.OwnerID, &ep.AccountID, &ep.URL, &ep.Secret, &ep.IsActive, &ep.TotalEvents, &ep.LastTriggeredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	}
	if err != nil {
		return webhook.Endpoint{}, fmt.Errorf("load endpoint %s: %w", endpointID, err)
	}
	return ep, nil
}
