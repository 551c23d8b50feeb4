// Package eventbridge optionally mirrors forwarded domain events onto a
// Redis pub/sub channel, so a second process (an external indexer, a
// second hub instance) can observe them without holding a direct connection
// to any editor peer. It is a live mirror, never a durable store: a restart
// loses all bridge state exactly like the rest of the hub, matching
// spec.md's Non-goal against persistence across restarts. Connection setup
// mirrors the teacher's NewRedisCache.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"echohub/internal/router"
)

// Bridge publishes domain events to Redis. A nil *Bridge is valid: Run on
// it returns at once and Close on it returns nil.
type Bridge struct {
	client *redis.Client
}

// Dial connects to redisURL (format redis://[:password@]host:port/db) and
// verifies connectivity with a bounded ping, matching the teacher's
// connection-pool settings.
func Dial(redisURL string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("eventbridge: invalid redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbridge: redis connection failed: %w", err)
	}
	return &Bridge{client: client}, nil
}

// Close releases the underlying Redis connection pool.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	return b.client.Close()
}

// Run reads domain events from events (a channel obtained from the hub's
// SubscribeDomainEvent) and publishes each one to echohub:events:<type>
// until ctx is cancelled or events is closed.
func (b *Bridge) Run(ctx context.Context, events <-chan router.DomainEvent) {
	if b == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.publish(ctx, e)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, e router.DomainEvent) {
	payload, err := json.Marshal(struct {
		ConnID  string         `json:"conn_id"`
		Session string         `json:"session"`
		Type    string         `json:"type"`
		Body    map[string]any `json:"body"`
	}{
		ConnID:  e.Peer.ConnID,
		Session: e.Peer.SessionID,
		Type:    e.Envelope.Type,
		Body:    e.Envelope.Body,
	})
	if err != nil {
		slog.Warn("eventbridge: failed to marshal domain event", "type", e.Envelope.Type, "error", err)
		return
	}

	channel := "echohub:events:" + e.Envelope.Type
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("eventbridge: publish failed", "channel", channel, "error", err)
	}
}
