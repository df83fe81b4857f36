package usecase

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"context"
	"errors"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

// Wait polls the registry until the task is terminal, calling onLog once for
// every log line in order. It returns the final snapshot. Lines appended right
// after the terminal transition are picked up by one more poll.
func Wait(ctx context.Context, reg ports.Registry, id string, poll time.Duration, onLog func(string)) (domain.Task, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	seen := 0
	terminal := false
	for {
		t, ok := reg.Get(id)
		if !ok {
			return domain.Task{}, ErrTaskNotFound
		}
		if onLog != nil {
			for ; seen < len(t.Logs); seen++ {
				onLog(t.Logs[seen])
			}
		}
		if terminal {
			return t, nil
		}
		terminal = t.Status.IsTerminal()

		select {
		case <-ctx.Done():
			if terminal {
				return t, nil
			}
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}
