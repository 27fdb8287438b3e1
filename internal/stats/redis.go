package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ Recorder = (*RedisStore)(nil)

// RedisClient is the subset of *redis.Client the store uses.
type RedisClient interface {
	goredis.Scripter
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

const (
	fieldTotalEvents     = "total_events"
	fieldLastTriggeredAt = "last_triggered_at" // unix milliseconds
)

// recordScript increments the counter and keeps the newest timestamp.
// KEYS[1] = hookline:endpoint:<id>:stats
// ARGV[1] = delivery time in unix milliseconds
var recordScript = goredis.NewScript(`
local total = redis.call('HINCRBY', KEYS[1], 'total_events', 1)
local cur = tonumber(redis.call('HGET', KEYS[1], 'last_triggered_at') or '0')
local ts = tonumber(ARGV[1])
if ts > cur then
    redis.call('HSET', KEYS[1], 'last_triggered_at', ARGV[1])
end
return total
`)

// RedisStore keeps endpoint counters in one hash per endpoint.
type RedisStore struct {
	rdb RedisClient
}

func NewRedisStore(rdb RedisClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func statsKey(endpointID string) string {
	return "hookline:endpoint:" + endpointID + ":stats"
}

// RecordDelivery creates the counters of an endpoint id it has not seen
// before. Unlike PostgresStore it cannot tell an unknown endpoint from a new
// one, so callers resolve the endpoint first (dispatch loads it from
// postgres before delivering). Stats of an id never recorded return
// ErrEndpointNotFound.
func (s *RedisStore) RecordDelivery(ctx context.Context, endpointID string, at time.Time) error {
	err := recordScript.Run(ctx, s.rdb, []string{statsKey(endpointID)}, at.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("hookline/redis: record delivery for %s: %w", endpointID, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, endpointID string) (EndpointStats, error) {
	m, err := s.rdb.HGetAll(ctx, statsKey(endpointID)).Result()
	if err != nil {
		return EndpointStats{}, fmt.Errorf("hookline/redis: read stats for %s: %w", endpointID, err)
	}
	if len(m) == 0 {
		return EndpointStats{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	}

	var st EndpointStats
	if v, ok := m[fieldTotalEvents]; ok {
		st.TotalEvents, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return EndpointStats{}, fmt.Errorf("hookline/redis: parse %s: %w", fieldTotalEvents, err)
		}
	}
	if v, ok := m[fieldLastTriggeredAt]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return EndpointStats{}, fmt.Errorf("hookline/redis: parse %s: %w", fieldLastTriggeredAt, err)
		}
		ts := time.UnixMilli(ms).UTC()
		st.LastTriggeredAt = &ts
	}
	return st, nil
}
