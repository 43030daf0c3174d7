package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSink wraps an InMemory sink and additionally fans each Snapshot
// out over a Redis pub/sub channel, the way redisclient.Client wraps a
// plain *redis.Client for the gateway's own Redis use. This is a
// one-way publish: the pool never reads metrics back from Redis, so it
// does not violate the no-persisted-state design (a restarted process
// always starts its InMemory counters at zero).
type RedisSink struct {
	*InMemory
	rdb     *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisSink wraps an existing go-redis client. channel is the pub/sub
// channel snapshots are published to on every Publish call.
func NewRedisSink(rdb *redis.Client, channel string, log zerolog.Logger) *RedisSink {
	return &RedisSink{
		InMemory: NewInMemory(),
		rdb:      rdb,
		channel:  channel,
		log:      log.With().Str("component", "metrics").Logger(),
	}
}

// Publish serializes the current snapshot and publishes it. Failures are
// logged, never returned: a metrics-publish failure must never affect
// pool borrow/return behavior.
func (r *RedisSink) Publish(ctx context.Context) {
	snap := r.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to marshal metrics snapshot")
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn().Err(err).Msg("failed to publish metrics snapshot")
	}
}

// StartPublishing runs Publish on interval until ctx is cancelled.
func (r *RedisSink) StartPublishing(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Publish(ctx)
			}
		}
	}()
}
