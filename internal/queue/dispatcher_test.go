package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingHandler struct {
	mu      sync.Mutex
	calls   int32
	failFor int32 // fail this many times, then succeed
}

func (h *countingHandler) Handle(ctx context.Context, job Job) error {
	n := atomic.AddInt32(&h.calls, 1)
	if n <= h.failFor {
		return errors.New("simulated worker failure")
	}
	return nil
}

func newDispatcherTestQueue(t *testing.T) *Queue {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "verification", nil)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	q := newDispatcherTestQueue(t)
	handler := &countingHandler{failFor: 1}
	d := NewDispatcher(q, handler, Config{Concurrency: 1, MaxAttempts: 3, BackoffMS: 1}, nil)
	d.pollEvery = time.Millisecond

	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{JobID: "retry-task"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&handler.calls) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&handler.calls); got < 2 {
		t.Fatalf("handler called %d times, want >= 2 (one failure then a retry)", got)
	}
}

func TestDispatcherDropsAfterMaxAttempts(t *testing.T) {
	q := newDispatcherTestQueue(t)
	handler := &countingHandler{failFor: 100}
	d := NewDispatcher(q, handler, Config{Concurrency: 1, MaxAttempts: 2, BackoffMS: 1}, nil)
	d.pollEvery = time.Millisecond

	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{JobID: "doomed-task"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&handler.calls) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Give the dispatcher a moment past the attempts limit to drop the job.
	time.Sleep(50 * time.Millisecond)

	job, err := q.claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim() error = %v", err)
	}
	if job != nil {
		t.Fatalf("job still claimable after exhausting retries: %+v", job)
	}
}
