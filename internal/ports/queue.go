package ports

import (
	"agentq/internal/domain"
	"context"
	"time"
)

// Queue carries jobs from submission to the bounded worker pool.
type Queue interface {
	Enqueue(ctx context.Context, j domain.Job) error
	// Claim waits up to block for a job; it returns a nil job when none arrived.
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Job, string /*deliveryID*/, error)
	Ack(ctx context.Context, deliveryID string) error
	Close() error
}
