package usecase

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	// ErrPublish wraps any failure to hand a job to the queue.
	ErrPublish = errors.New("failed to queue task")
)

type Enqueuer struct {
	Q        ports.Queue
	Registry ports.Registry
	// Wait bounds how long Submit blocks on a full queue. Zero means until
	// ctx ends.
	Wait time.Duration
}

// Submit registers a pending task for the trimmed prompt and queues it for
// execution. A non-positive timeout leaves the executor default in place.
//
// When publishing fails the task is kept, marked failed, and its id is
// returned alongside an error wrapping ErrPublish.
func (e Enqueuer) Submit(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if timeout < 0 {
		timeout = 0
	}

	t := e.Registry.Create(prompt)
	pubCtx := ctx
	if e.Wait > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, e.Wait)
		defer cancel()
	}
	err := e.Q.Enqueue(pubCtx, domain.Job{TaskID: t.ID, Prompt: t.Prompt, Timeout: timeout})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", t.ID).Msg("failed to queue task")
		e.Registry.SetError(t.ID, fmt.Sprintf("Failed to queue task: %v", err))
		return t.ID, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	log.Ctx(ctx).Info().Str("task_id", t.ID).Msg("task queued")
	return t.ID, nil
}
