package redisq

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const jobField = "job"

var _ ports.Queue = (*Client)(nil)

func (c *Client) Enqueue(ctx context.Context, j domain.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	id, err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{jobField: b},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	log.Ctx(ctx).Debug().Str("stream_id", id).Str("task_id", j.TaskID).Msg("job published")
	return nil
}

func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Job, string, error) {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, "", nil
	}

	msg := res[0].Messages[0]
	j, err := decodeJob(msg.Values[jobField])
	if err != nil {
		// A message that can never be decoded is acked so it does not
		// come back forever.
		_ = c.Ack(ctx, msg.ID)
		return nil, "", fmt.Errorf("stream entry %s: %w", msg.ID, err)
	}
	return j, msg.ID, nil
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
}

func decodeJob(raw any) (*domain.Job, error) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return nil, fmt.Errorf("unexpected job type: %T", v)
	}
	var j domain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
