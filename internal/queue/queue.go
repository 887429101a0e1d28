// Package queue dispatches named jobs to handlers with per-job retry policies.
//
// Two transports implement Queue: Memory (in-process channels) and
// queue/kafka (a topic shared by several processes). Both retry a failed job
// after Policy.Delay until Policy.Attempts is exhausted or the handler
// returns a Permanent error.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/metrics"
)

// Logger is the minimal logging interface used by queues.
type Logger interface {
	Printf(format string, v ...any)
}

// Policy is a job's retry budget.
type Policy struct {
	// Attempts is the total number of tries, first one included. Values
	// below 1 mean a single try.
	Attempts int
	// Backoff is the delay before the second try; it doubles per retry.
	Backoff time.Duration
}

// Delay is the wait before retrying a job whose attempt-th try failed.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt < 1 {
		return 0
	}
	return p.Backoff << (attempt - 1)
}

// Exhausted reports whether attempt was the last allowed try.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= max(1, p.Attempts)
}

// Job is one unit of work. Attempt starts at 1.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
	Policy  Policy          `json:"policy"`
}

// NewJob marshals payload into a first-attempt job.
func NewJob(name string, payload any, p Policy) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: encode %s payload: %w", name, err)
	}
	return Job{ID: uuid.NewString(), Name: name, Payload: raw, Attempt: 1, Policy: p}, nil
}

// Handler runs a job. Returning an error schedules a retry unless the error
// is Permanent or the policy is exhausted.
type Handler func(ctx context.Context, job Job) error

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue stops retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrUnknownJob is returned when adding a job whose name has no handler.
var ErrUnknownJob = errors.New("queue: no handler registered")

// ErrClosed is returned when adding to a closed queue.
var ErrClosed = errors.New("queue: closed")

// Queue is a job transport.
type Queue interface {
	// Register binds name to h with at most concurrency simultaneous runs.
	// Call before Start.
	Register(name string, h Handler, concurrency int)
	Add(ctx context.Context, job Job) error
	AddBulk(ctx context.Context, jobs []Job) error
	// Start launches the workers and returns; they stop when ctx ends or
	// Close is called.
	Start(ctx context.Context) error
	Close() error
}

// FailureHook observes failed tries. final is true when the job will not be
// retried.
type FailureHook func(job Job, err error, final bool)

// Outcome of one try.
type Outcome int

const (
	Succeeded Outcome = iota
	Retry
	Failed
)

// Classify decides what happens after a try of job returned err.
func Classify(job Job, err error) Outcome {
	switch {
	case err == nil:
		return Succeeded
	case IsPermanent(err) || job.Policy.Exhausted(job.Attempt):
		return Failed
	default:
		return Retry
	}
}

// Reporter logs and counts job outcomes the same way for every transport.
type Reporter struct {
	Logger    Logger
	Metrics   metrics.Backend
	OnFailure FailureHook
}

// Report records the outcome of one try.
func (r Reporter) Report(job Job, err error, o Outcome) {
	status := map[Outcome]string{Succeeded: "ok", Retry: "retry", Failed: "failed"}[o]
	metrics.OrNop(r.Metrics).IncCounter(metrics.Jobs, 1, metrics.Labels{"job": job.Name, "status": status})
	if o == Succeeded {
		return
	}
	if r.Logger != nil {
		r.Logger.Printf("job=%s id=%s attempt=%d final=%t err=%v", job.Name, job.ID, job.Attempt, o == Failed, err)
	}
	if r.OnFailure != nil {
		r.OnFailure(job, err, o == Failed)
	}
}
