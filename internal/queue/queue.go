// Package queue implements the job-queue binding of §4.4: at-least-once
// dispatch to a worker pool, deduplication by job id, retry with
// exponential backoff, a process-wide rate limit on job starts, and
// bounded retention of completed/failed job records.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trackcore/internal/monitoring"
	"github.com/banshee-data/trackcore/internal/timeutil"
)

// Handler processes one job (identified by raw sample id). A returned
// error triggers a retry per Config.MaxAttempts, unless the error
// reports itself as non-retriable via the retriable interface below —
// invariant violations (negative distance, NaN coords) are logged and
// dead-lettered on the first attempt instead of being retried with
// backoff (§7). Errors that don't implement retriable, or that return
// true, are retried up to MaxAttempts as before.
type Handler func(ctx context.Context, jobID string) error

// retriable is implemented by handler errors that can classify
// themselves (see internal/processor.Fault). An error that doesn't
// implement it is treated as retriable, the conservative default for
// an unclassified failure.
type retriable interface {
	Retriable() bool
}

func isRetriable(err error) bool {
	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return true
}

// Config configures the worker pool.
type Config struct {
	Workers         int           // W, default 10
	RateLimitPerSec int           // job starts/sec, process-wide, default 100
	MaxAttempts     int           // default 3
	BaseBackoff     time.Duration // default 2s, doubled per retry (2s, 4s with 3 attempts)
	CompletedRetain int           // default 1000
	CompletedTTL    time.Duration // default 24h
	FailedRetain    int           // default 5000
	Clock           timeutil.Clock
}

// WithDefaults fills in zero fields with the §4.4/§6 defaults.
func (c Config) WithDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.CompletedRetain <= 0 {
		c.CompletedRetain = 1000
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = 24 * time.Hour
	}
	if c.FailedRetain <= 0 {
		c.FailedRetain = 5000
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

type jobRecord struct {
	id         string
	enqueuedAt time.Time
	finishedAt time.Time
	attempts   int
	err        error
}

// Stats is a point-in-time snapshot of queue health, exposed so an
// operator can watch dead-letter growth per §7 without a full metrics
// system (SPEC_FULL §12).
type Stats struct {
	Queued          int
	InFlight        int
	Completed       int
	Failed          int
	MeanLatencySecs float64
}

// Queue is the job-queue binding. Zero value is not usable; construct
// with New.
type Queue struct {
	cfg     Config
	handler Handler

	mu        sync.Mutex
	pending   map[string]struct{} // queued or in-flight, for dedup
	inFlight  map[string]struct{}
	jobs      chan string
	completed []jobRecord
	failed    []jobRecord

	limiterTokens chan struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a Queue. handler is invoked once per dispatched job,
// possibly more than once on retry (at-least-once, §4.4).
func New(cfg Config, handler Handler) *Queue {
	cfg = cfg.WithDefaults()
	return &Queue{
		cfg:           cfg,
		handler:       handler,
		pending:       make(map[string]struct{}),
		inFlight:      make(map[string]struct{}),
		jobs:          make(chan string, 4096),
		limiterTokens: make(chan struct{}, cfg.RateLimitPerSec),
		stopCh:        make(chan struct{}),
	}
}

// Enqueue accepts a job keyed by rawSampleID. Re-enqueues of an id
// already queued or in flight are coalesced (§4.4 Deduplication).
func (q *Queue) Enqueue(rawSampleID string) {
	q.mu.Lock()
	if _, dup := q.pending[rawSampleID]; dup {
		q.mu.Unlock()
		return
	}
	q.pending[rawSampleID] = struct{}{}
	q.mu.Unlock()

	q.jobs <- rawSampleID
}

// Start launches Config.Workers worker goroutines and a token-bucket
// refill loop enforcing the process-wide rate limit, and returns
// without blocking. Once ctx is cancelled or Stop is called, workers
// finish their current job and stop pulling new ones (graceful drain, §5).
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.refillLimiter(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
}

// Stop signals all workers to drain and waits for them to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) refillLimiter(ctx context.Context) {
	defer q.wg.Done()
	interval := time.Second / time.Duration(q.cfg.RateLimitPerSec)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := q.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C():
			select {
			case q.limiterTokens <- struct{}{}:
			default:
			}
		}
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case jobID := <-q.jobs:
			q.waitForToken(ctx)
			q.run(ctx, jobID)
		}
	}
}

func (q *Queue) waitForToken(ctx context.Context) {
	select {
	case <-q.limiterTokens:
	case <-ctx.Done():
	case <-q.stopCh:
	}
}

func (q *Queue) run(ctx context.Context, jobID string) {
	q.mu.Lock()
	q.inFlight[jobID] = struct{}{}
	q.mu.Unlock()

	started := q.cfg.Clock.Now()
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < q.cfg.MaxAttempts; attempt++ {
		attempts++
		err := q.handler(ctx, jobID)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		monitoring.Logf("queue: job %s attempt %d/%d failed: %v", jobID, attempt+1, q.cfg.MaxAttempts, err)

		if !isRetriable(err) {
			monitoring.Logw("queue: non-retriable fault, skipping remaining attempts", "jobId", jobID, "attempt", attempt+1, "err", err)
			break
		}
		if attempt == q.cfg.MaxAttempts-1 {
			break
		}
		backoff := q.cfg.BaseBackoff * time.Duration(1<<uint(attempt))
		select {
		case <-q.cfg.Clock.After(backoff):
		case <-ctx.Done():
			lastErr = fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			attempt = q.cfg.MaxAttempts
		}
	}

	record := jobRecord{id: jobID, enqueuedAt: started, finishedAt: q.cfg.Clock.Now(), attempts: attempts, err: lastErr}

	q.mu.Lock()
	delete(q.inFlight, jobID)
	delete(q.pending, jobID)
	if lastErr == nil {
		q.completed = append(q.completed, record)
		q.completed = evictCompleted(q.completed, q.cfg.CompletedRetain, q.cfg.CompletedTTL, q.cfg.Clock.Now())
	} else {
		q.failed = append(q.failed, record)
		if len(q.failed) > q.cfg.FailedRetain {
			q.failed = q.failed[len(q.failed)-q.cfg.FailedRetain:]
		}
		monitoring.Logw("queue: job dead-lettered", "jobId", jobID, "attempts", attempts, "err", lastErr)
	}
	q.mu.Unlock()
}

func evictCompleted(records []jobRecord, maxCount int, ttl time.Duration, now time.Time) []jobRecord {
	if len(records) > maxCount {
		records = records[len(records)-maxCount:]
	}
	cutoff := now.Add(-ttl)
	i := 0
	for ; i < len(records); i++ {
		if records[i].finishedAt.After(cutoff) {
			break
		}
	}
	return records[i:]
}

// Stats returns a point-in-time snapshot of queue health.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	latencies := make([]float64, 0, len(q.completed))
	for _, r := range q.completed {
		latencies = append(latencies, r.finishedAt.Sub(r.enqueuedAt).Seconds())
	}
	var mean float64
	if len(latencies) > 0 {
		mean = stat.Mean(latencies, nil)
	}

	return Stats{
		Queued:          len(q.jobs),
		InFlight:        len(q.inFlight),
		Completed:       len(q.completed),
		Failed:          len(q.failed),
		MeanLatencySecs: mean,
	}
}
