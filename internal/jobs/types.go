package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intel/internal/datecalc"
)

// ErrJobNotFound is returned by a JobStore for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// JobKind names the engine operation a job runs.
type JobKind string

const (
	KindRecomputeRecurring JobKind = "recompute_recurring"
	KindRecomputeTransfers JobKind = "recompute_transfers"
	KindApplyRule          JobKind = "apply_rule"
	KindCategorize         JobKind = "categorize"
	KindRecomputeBudgets   JobKind = "recompute_budgets"
	KindCloseBudgetMonth   JobKind = "close_budget_month"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed and will not be retried.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is waiting for a retry.
	JobStatusRetrying JobStatus = "retrying"
)

// RecomputeJob asks the engine to run one operation for one user.
type RecomputeJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	Kind   JobKind `json:"kind"`
	UserID string  `json:"user_id"`

	// RuleID is set for apply_rule.
	RuleID string `json:"rule_id,omitempty"`

	// TransactionIDs is set for categorize.
	TransactionIDs []string `json:"transaction_ids,omitempty"`

	// Period is set for recompute_budgets and close_budget_month.
	Period *datecalc.Period `json:"period,omitempty"`

	// CategoryID narrows close_budget_month to one budget.
	CategoryID string `json:"category_id,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the latest attempt started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the latest attempt finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains the error of the latest failed attempt.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// Validate checks that the job carries the arguments its kind needs.
func (j *RecomputeJob) Validate() error {
	if j.UserID == "" {
		return fmt.Errorf("job %s: user id is required", j.JobID)
	}
	switch j.Kind {
	case KindRecomputeRecurring, KindRecomputeTransfers:
	case KindApplyRule:
		if j.RuleID == "" {
			return fmt.Errorf("job %s: rule id is required for %s", j.JobID, j.Kind)
		}
	case KindCategorize:
		if len(j.TransactionIDs) == 0 {
			return fmt.Errorf("job %s: transaction ids are required for %s", j.JobID, j.Kind)
		}
	case KindRecomputeBudgets, KindCloseBudgetMonth:
		if j.Period == nil {
			return fmt.Errorf("job %s: period is required for %s", j.JobID, j.Kind)
		}
		if err := j.Period.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", j.JobID, err)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.JobID, j.Kind)
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *RecomputeJob) Clone() *RecomputeJob {
	c := *j
	c.TransactionIDs = append([]string(nil), j.TransactionIDs...)
	if j.Period != nil {
		p := *j.Period
		c.Period = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// Publish enqueues a job.
	Publish(ctx context.Context, job *RecomputeJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error is retried unless it is
// wrapped with backoff.Permanent.
type JobHandler func(ctx context.Context, job *RecomputeJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RecomputeJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*RecomputeJob, error)

	// ListJobs retrieves jobs with optional filtering, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RecomputeJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	UserID string
	Kind   JobKind
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
