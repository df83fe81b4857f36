package redisq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Reclaimer puts entries that stayed unacknowledged for longer than MinIdle
// back on the stream, so jobs claimed by a consumer that died are run again.
type Reclaimer struct {
	C        *Client
	Interval time.Duration
	MinIdle  time.Duration
}

func NewReclaimer(c *Client, interval, minIdle time.Duration) *Reclaimer {
	return &Reclaimer{C: c, Interval: interval, MinIdle: minIdle}
}

func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		n, err := r.requeueStale(ctx)
		if err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Err(err).Msg("reclaiming stale jobs failed")
		}
		if n > 0 {
			log.Ctx(ctx).Info().Int("count", n).Msg("requeued stale jobs")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reclaimer) requeueStale(ctx context.Context) (int, error) {
	cfg := r.C.Cfg
	msgs, _, err := r.C.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   cfg.StreamKey,
		Group:    cfg.Group,
		Consumer: "reclaimer",
		MinIdle:  r.MinIdle,
		Start:    "0-0",
		Count:    128,
	}).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, msg := range msgs {
		if _, err := r.C.Rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: cfg.StreamKey,
			Values: msg.Values,
		}).Result(); err != nil {
			return n, err
		}
		_ = r.C.Rdb.XAck(ctx, cfg.StreamKey, cfg.Group, msg.ID).Err()
		n++
	}
	return n, nil
}
