package memq

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Enqueue and Claim once the queue is closed.
var ErrClosed = errors.New("queue closed")

var _ ports.Queue = (*Queue)(nil)

// Queue is a bounded in-process job queue backed by a channel.
type Queue struct {
	ch     chan domain.Job
	done   chan struct{}
	once   sync.Once
	nextID atomic.Uint64
}

func New(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		ch:   make(chan domain.Job, size),
		done: make(chan struct{}),
	}
}

// Enqueue blocks while the queue is full until ctx ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, j domain.Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case q.ch <- j:
		return nil
	}
}

func (q *Queue) Claim(ctx context.Context, _ string, block time.Duration) (*domain.Job, string, error) {
	var timeout <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-q.done:
		return nil, "", ErrClosed
	case j := <-q.ch:
		return &j, strconv.FormatUint(q.nextID.Add(1), 10), nil
	case <-timeout:
		return nil, "", nil
	}
}

// Ack is a no-op: a claimed job has already left the channel.
func (q *Queue) Ack(context.Context, string) error { return nil }

// Len returns the number of jobs waiting to be claimed.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
