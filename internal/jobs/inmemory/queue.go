package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dvloznov/finance-intel/internal/jobs"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/google/uuid"
)

// ErrQueueClosed is returned when publishing to a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

// QueueOptions configures a Queue. Zero values fall back to the defaults below.
type QueueOptions struct {
	Workers        int
	BufferSize     int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultWorkers        = 4
	defaultBufferSize     = 100
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	drainPollInterval     = 10 * time.Millisecond
)

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// Failed jobs are re-enqueued after an exponential backoff delay.
type Queue struct {
	opts      QueueOptions
	jobChan   chan *jobs.RecomputeJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool

	// outstanding counts jobs that are queued, running or waiting for a retry.
	outstanding atomic.Int64

	backoffMu sync.Mutex
	backoffs  map[string]*backoff.ExponentialBackOff
}

// NewQueue creates a new in-memory job queue. store may be nil.
func NewQueue(opts QueueOptions, store jobs.JobStore) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.InitialBackoff {
			opts.MaxBackoff = opts.InitialBackoff
		}
	}

	return &Queue{
		opts:      opts,
		jobChan:   make(chan *jobs.RecomputeJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
	}
}

// Publish implements the Publisher interface.
func (q *Queue) Publish(ctx context.Context, job *jobs.RecomputeJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	q.outstanding.Add(1)
	if err := q.enqueue(ctx, job); err != nil {
		q.outstanding.Add(-1)
		return fmt.Errorf("Publish: %w", err)
	}
	return nil
}

func (q *Queue) enqueue(ctx context.Context, job *jobs.RecomputeJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrQueueClosed
	}
}

// Start implements the Consumer interface.
// It starts the configured number of workers, each calling handler for one job at a time.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	return nil
}

// worker processes jobs from the queue.
func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}

			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single attempt of a job and schedules a retry on failure.
func (q *Queue) processJob(ctx context.Context, job *jobs.RecomputeJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("kind", string(job.Kind)).
		Str("user_id", job.UserID).
		Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	job.CompletedAt = nil
	q.save(ctx, job)

	err := handler(ctx, job)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	if err == nil {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		q.save(ctx, job)
		q.finish(job)
		log.Debug().Int("retries", job.RetryCount).Msg("Job completed")
		return
	}

	job.Error = err.Error()

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) || job.RetryCount >= job.MaxRetries {
		job.Status = jobs.JobStatusFailed
		q.save(ctx, job)
		q.finish(job)
		log.Error().Err(err).Int("retries", job.RetryCount).Msg("Job failed")
		return
	}

	job.RetryCount++
	job.Status = jobs.JobStatusRetrying
	q.save(ctx, job)

	delay := q.nextDelay(job.JobID)
	log.Warn().Err(err).Int("retry", job.RetryCount).Dur("delay", delay).Msg("Job failed, retrying")

	time.AfterFunc(delay, func() {
		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		if err := q.enqueue(ctx, job); err != nil {
			job.Status = jobs.JobStatusFailed
			job.Error = fmt.Sprintf("requeue: %v", err)
			q.save(context.Background(), job)
			q.finish(job)
		}
	})
}

// nextDelay returns the job's next exponential backoff interval.
func (q *Queue) nextDelay(jobID string) time.Duration {
	q.backoffMu.Lock()
	defer q.backoffMu.Unlock()

	b, ok := q.backoffs[jobID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = q.opts.InitialBackoff
		b.MaxInterval = q.opts.MaxBackoff
		b.MaxElapsedTime = 0
		b.Reset()
		q.backoffs[jobID] = b
	}
	return b.NextBackOff()
}

func (q *Queue) finish(job *jobs.RecomputeJob) {
	q.backoffMu.Lock()
	delete(q.backoffs, job.JobID)
	q.backoffMu.Unlock()
	q.outstanding.Add(-1)
}

func (q *Queue) save(ctx context.Context, job *jobs.RecomputeJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Outstanding returns the number of jobs queued, running or waiting for a retry.
func (q *Queue) Outstanding() int {
	return int(q.outstanding.Load())
}

// Drain blocks until every published job has completed or failed for good.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if q.outstanding.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("Drain: %d jobs outstanding: %w", q.outstanding.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop implements the Consumer interface.
// It stops the queue and waits for all in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
