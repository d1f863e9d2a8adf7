package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shieldstaff/callsignal/internal/signal"
)

// mailboxTTL bounds how long undrained events survive. A recipient that
// stays away longer than this has lost the call anyway; the pending-invite
// key carries the reconnect path.
const mailboxTTL = time.Hour

// drainBatchSize caps how many extra events one drain pops after the
// blocking read returns.
const drainBatchSize = 63

// RedisMailbox is the production Mailbox: one Redis list per recipient plus
// a TTL-bounded pending-invite key.
type RedisMailbox struct {
	rdb *redis.Client
}

// NewRedisMailbox connects to Redis at the given URL
// (e.g. "redis://localhost:6379/0") and verifies the connection.
func NewRedisMailbox(ctx context.Context, url string) (*RedisMailbox, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	slog.Info("redis mailbox connected", "addr", opts.Addr)
	return &RedisMailbox{rdb: rdb}, nil
}

// Close releases the Redis connection.
func (m *RedisMailbox) Close() error {
	return m.rdb.Close()
}

func mailboxKey(userID string) string { return "callsignal:mbox:" + userID }
func pendingKey(userID string) string { return "callsignal:pending:" + userID }

// Append pushes ev onto the recipient's list and refreshes its TTL.
func (m *RedisMailbox) Append(ctx context.Context, userID string, ev signal.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.RPush(ctx, mailboxKey(userID), data)
	pipe.Expire(ctx, mailboxKey(userID), mailboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending to mailbox: %w", err)
	}
	return nil
}

// Drain blocks up to wait for the first event, then pops whatever else is
// already buffered.
func (m *RedisMailbox) Drain(ctx context.Context, userID string, wait time.Duration) ([]signal.Event, error) {
	key := mailboxKey(userID)

	vals, err := m.rdb.BLPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocking pop: %w", err)
	}

	// BLPop returns [key, value].
	events := make([]signal.Event, 0, 4)
	var first signal.Event
	if err := json.Unmarshal([]byte(vals[1]), &first); err != nil {
		return nil, fmt.Errorf("decoding mailbox event: %w", err)
	}
	events = append(events, first)

	rest, err := m.rdb.LPopCount(ctx, key, drainBatchSize).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("draining mailbox: %w", err)
	}
	for _, raw := range rest {
		var ev signal.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			slog.Warn("skipping undecodable mailbox event", "user_id", userID, "error", err)
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// SetPending stores the recipient's pending invite with the given TTL.
func (m *RedisMailbox) SetPending(ctx context.Context, userID string, ev signal.Event, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling pending invite: %w", err)
	}
	if err := m.rdb.Set(ctx, pendingKey(userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing pending invite: %w", err)
	}
	return nil
}

// Pending returns the recipient's pending invite, or nil if none or expired.
func (m *RedisMailbox) Pending(ctx context.Context, userID string) (*signal.Event, error) {
	raw, err := m.rdb.Get(ctx, pendingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending invite: %w", err)
	}

	var ev signal.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decoding pending invite: %w", err)
	}
	return &ev, nil
}

// ClearPending removes the recipient's pending invite.
func (m *RedisMailbox) ClearPending(ctx context.Context, userID string) error {
	if err := m.rdb.Del(ctx, pendingKey(userID)).Err(); err != nil {
		return fmt.Errorf("clearing pending invite: %w", err)
	}
	return nil
}
