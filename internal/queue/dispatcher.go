package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dstack-verify/attestor/infrastructure/resilience"
	"github.com/dstack-verify/attestor/internal/platform/logger"
	"github.com/dstack-verify/attestor/internal/platform/service"
)

// Handler processes one claimed Job. A returned error is a worker-level
// failure (spec.md §4.7 "Retry" — "on thrown failure of the job function
// itself"); it triggers the queue's own retry/backoff, not a verification
// failure, which the handler must record itself and return nil for.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

var _ service.Service = (*Dispatcher)(nil)

// Dispatcher runs a bounded pool of worker goroutines pulling jobs off a
// Queue, following spec.md §4.7's scheduling model and the teacher's own
// oracle.Dispatcher / marble.WorkerGroup shape: a ticking poll loop per
// worker slot, each independently claiming and running at most one job at
// a time.
type Dispatcher struct {
	queue       *Queue
	handler     Handler
	log         *logger.Logger
	concurrency int
	maxAttempts int
	backoff     time.Duration
	pollEvery   time.Duration
	lease       time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher constructs a worker pool of size cfg.Concurrency against
// queue, dispatching each claimed job to handler.
func NewDispatcher(queue *Queue, handler Handler, cfg Config, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("queue-dispatcher")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := time.Duration(cfg.BackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Dispatcher{
		queue:       queue,
		handler:     handler,
		log:         log,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		pollEvery:   250 * time.Millisecond,
		lease:       10 * time.Minute,
	}
}

func (d *Dispatcher) Name() string { return "task-queue-dispatcher" }

// Descriptor advertises this dispatcher's placement, following the
// teacher's Descriptor convention.
func (d *Dispatcher) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         d.Name(),
		Domain:       "verification",
		Layer:        service.LayerEngine,
		Capabilities: []string{"dispatch", "retry", "backoff"},
	}
}

// Start launches the worker pool. Each slot runs its own poll loop so one
// slow job never starves the others' polling.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.runSlot(runCtx)
	}

	d.log.WithField("concurrency", d.concurrency).Info("task queue dispatcher started")
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.Info("task queue dispatcher stopped")
	return nil
}

func (d *Dispatcher) runSlot(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if d.queue.Paused() {
		return
	}

	job, err := d.queue.claim(ctx, d.lease)
	if err != nil {
		d.log.WithError(err).Warn("queue claim failed")
		return
	}
	if job == nil {
		return
	}

	if err := d.handler.Handle(ctx, *job); err != nil {
		d.retryOrDrop(ctx, *job, err)
		return
	}

	if err := d.queue.Ack(ctx, job.JobID); err != nil {
		d.log.WithError(err).WithField("job_id", job.JobID).Warn("queue ack failed")
	}
}

// retryOrDrop implements spec.md §4.7's "Retry": up to maxAttempts with
// exponential backoff `backoffDelay * 2^(attempt-1)`. Once attempts are
// exhausted the job is dropped from the queue; the caller's handler is
// responsible for having already marked the durable task row failed.
func (d *Dispatcher) retryOrDrop(ctx context.Context, job Job, cause error) {
	attempt, aErr := d.queue.nextAttempt(ctx, job.JobID)
	if aErr != nil {
		d.log.WithError(aErr).Warn("queue attempt counter failed")
		attempt = d.maxAttempts
	}

	if attempt >= d.maxAttempts {
		d.log.WithError(cause).
			WithField("job_id", job.JobID).
			WithField("attempt", attempt).
			Warn("job exhausted retries, dropping")
		if err := d.queue.Ack(ctx, job.JobID); err != nil {
			d.log.WithError(err).Warn("queue ack (exhausted) failed")
		}
		return
	}

	backoffCfg := resilience.RetryConfig{
		InitialDelay: d.backoff,
		MaxDelay:     d.backoff * time.Duration(1<<uint(d.maxAttempts)),
		Multiplier:   2,
	}
	delay := backoffCfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = resilience.NextDelay(delay, backoffCfg)
	}
	d.log.WithError(cause).
		WithField("job_id", job.JobID).
		WithField("attempt", attempt).
		WithField("delay", delay).
		Warn("job failed, scheduling retry")
	if err := d.queue.EnqueueAfter(ctx, job, delay); err != nil {
		d.log.WithError(err).Warn("queue retry enqueue failed")
	}
}
