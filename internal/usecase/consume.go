package usecase

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"agentq/pkg/backoff"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Handler func(ctx context.Context, j domain.Job) error

// Consumer is the bounded worker pool: Concurrency goroutines, each claiming
// and running one job at a time.
type Consumer struct {
	Q            ports.Queue
	ConsumerName string
	Concurrency  int
	Block        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// Run blocks until ctx is done and every in-flight job has returned.
func (c Consumer) Run(ctx context.Context, handle Handler) error {
	n := c.Concurrency
	if n <= 0 {
		n = 1
	}
	name := c.ConsumerName
	if name == "" {
		name = "worker"
	}

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			c.loop(ctx, consumer, handle)
		}(fmt.Sprintf("%s-%d", name, i))
	}
	log.Ctx(ctx).Info().Int("concurrency", n).Msg("worker pool started")

	wg.Wait()
	log.Ctx(ctx).Info().Msg("worker pool stopped")
	return ctx.Err()
}

func (c Consumer) loop(ctx context.Context, consumer string, handle Handler) {
	logger := log.Ctx(ctx).With().Str("consumer", consumer).Logger()
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		j, id, err := c.Q.Claim(ctx, consumer, c.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, failures)
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("claim failed")
			if !wait(ctx, delay) {
				return
			}
			continue
		}
		failures = 0
		if j == nil {
			continue
		}

		if err := handle(ctx, *j); err != nil {
			logger.Error().Err(err).Str("task_id", j.TaskID).Msg("job handler failed")
		}
		// Task outcomes live in the registry, so a job is never redelivered
		// after its handler returned.
		if err := c.Q.Ack(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn().Err(err).Str("task_id", j.TaskID).Msg("ack failed")
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
