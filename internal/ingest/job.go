package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"schemaflow/internal/document"
	"schemaflow/internal/queue"
)

// JobIngestOne is the queue name of single-record ingestion jobs.
const JobIngestOne = "ingest-one"

// IngestJob is the payload of a JobIngestOne job: {"source": ..., "item": {...}}.
type IngestJob struct {
	Source string           `json:"source"`
	Item   *document.Object `json:"item"`
}

// NewIngestJob builds a JobIngestOne job.
func NewIngestJob(source string, item *document.Object, p queue.Policy) (queue.Job, error) {
	return queue.NewJob(JobIngestOne, IngestJob{Source: source, Item: item}, p)
}

// HandleIngestJob is the queue.Handler for JobIngestOne. Rejected payloads
// and undecodable jobs fail permanently; storage errors are retried.
func (e *Engine) HandleIngestJob(ctx context.Context, job queue.Job) error {
	var in IngestJob
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return queue.Permanent(fmt.Errorf("decode %s job %s: %w", job.Name, job.ID, err))
	}
	_, err := e.IngestRecord(ctx, in.Source, in.Item)
	if IsRejection(err) || errors.Is(err, ErrEmptySource) || errors.Is(err, ErrNoPayload) {
		return queue.Permanent(err)
	}
	return err
}
