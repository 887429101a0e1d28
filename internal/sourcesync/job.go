package sourcesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"schemaflow/internal/queue"
)

// JobSyncSource is the queue name of per-source sync jobs.
const JobSyncSource = "sync-source"

// SyncJob is the payload of a JobSyncSource job.
type SyncJob struct {
	URL string `json:"url"`
}

// EnqueueAll enqueues one JobSyncSource job per source (URLs plus the links
// discovered on IndexURL) with FetchPolicy as the job's retry budget.
// It returns the number of jobs enqueued.
func (s *Syncer) EnqueueAll(ctx context.Context) (int, error) {
	urls := s.sources(ctx)
	if len(urls) == 0 {
		return 0, nil
	}
	jobs := make([]queue.Job, 0, len(urls))
	for _, u := range urls {
		job, err := queue.NewJob(JobSyncSource, SyncJob{URL: u}, s.FetchPolicy)
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, job)
	}
	if err := s.Queue.AddBulk(ctx, jobs); err != nil {
		return 0, fmt.Errorf("sync: enqueue %d source job(s): %w", len(jobs), err)
	}
	return len(jobs), nil
}

// HandleSyncJob is the queue.Handler for JobSyncSource. Transient fetch
// failures are left to the job's retry policy; anything else fails for good.
func (s *Syncer) HandleSyncJob(ctx context.Context, job queue.Job) error {
	var in SyncJob
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return queue.Permanent(fmt.Errorf("decode %s job %s: %w", job.Name, job.ID, err))
	}
	if in.URL == "" {
		return queue.Permanent(fmt.Errorf("%s job %s: missing url", job.Name, job.ID))
	}
	res, err := s.SyncSource(ctx, in.URL)
	if err == nil {
		return nil
	}
	s.logf("stage=sync source=%s job=%s attempt=%d enqueued=%d err=%v", res.Source, job.ID, job.Attempt, res.Enqueued, err)
	var tfe *TransientFetchError
	if errors.As(err, &tfe) {
		return err
	}
	return queue.Permanent(err)
}

