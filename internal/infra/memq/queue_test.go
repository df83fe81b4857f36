package memq

import (
	"agentq/internal/domain"
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueClaim(t *testing.T) {
	q := New(2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.Job{TaskID: "a", Prompt: "p"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, id, err := q.Claim(ctx, "c1", time.Second)
	if err != nil || j == nil {
		t.Fatalf("claim: job=%v err=%v", j, err)
	}
	if j.TaskID != "a" || id == "" {
		t.Fatalf("unexpected claim: %+v %q", j, id)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestClaimTimesOutEmpty(t *testing.T) {
	q := New(1)
	start := time.Now()
	j, _, err := q.Claim(context.Background(), "c1", 50*time.Millisecond)
	if err != nil || j != nil {
		t.Fatalf("expected empty claim, got %v %v", j, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("claim returned before block elapsed")
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q := New(1)
	if err := q.Enqueue(context.Background(), domain.Job{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, domain.Job{TaskID: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestClosed(t *testing.T) {
	q := New(1)
	_ = q.Close()
	_ = q.Close()

	if err := q.Enqueue(context.Background(), domain.Job{TaskID: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue err = %v", err)
	}
	if _, _, err := q.Claim(context.Background(), "c1", 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("claim err = %v", err)
	}
}

func TestFIFO(t *testing.T) {
	q := New(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = q.Enqueue(ctx, domain.Job{TaskID: id})
	}
	for _, want := range []string{"a", "b", "c"} {
		j, _, _ := q.Claim(ctx, "c1", time.Second)
		if j == nil || j.TaskID != want {
			t.Fatalf("claimed %v, want %s", j, want)
		}
	}
}
