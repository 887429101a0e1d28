package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"schemaflow/internal/config"
	"schemaflow/internal/ingest"
	"schemaflow/internal/metrics"
	"schemaflow/internal/metrics/datadog"
	"schemaflow/internal/queue"
	"schemaflow/internal/queue/kafka"
	"schemaflow/internal/sourcesync"
	"schemaflow/internal/storage"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg     config.Config
	logger  *log.Logger
	metrics metrics.Backend
	store   storage.Store
	engine  *ingest.Engine
}

func newApp(ctx context.Context, c config.Config) (*app, error) {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

	st, err := storage.Open(ctx, storage.Config{Kind: c.StoreKind, DSN: c.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := newMetrics(ctx, c, logger)
	engine := ingest.New(st, ingest.Options{AutoWiden: c.AutoWiden})
	engine.Metrics = m
	engine.Logger = logger

	return &app{cfg: c, logger: logger, metrics: m, store: st, engine: engine}, nil
}

// newMetrics picks the backend named by METRICS_BACKEND.
func newMetrics(ctx context.Context, c config.Config, logger *log.Logger) metrics.Backend {
	switch c.MetricsBackend {
	case "datadog":
		logger.Printf("metrics: backend=datadog tags=%v", c.MetricsTags)
		// The exit flush runs after ctx is cancelled.
		return datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{Tags: c.MetricsTags})
	default:
		return metrics.Nop{}
	}
}

// newQueue builds the configured queue with the ingestion handler
// registered. Workers run only after Start.
func (a *app) newQueue() (queue.Queue, error) {
	r := queue.Reporter{Logger: a.logger, Metrics: a.metrics}

	var q queue.Queue
	switch a.cfg.QueueKind {
	case "kafka":
		kq, err := kafka.New(kafka.Config{
			Brokers:  a.cfg.KafkaBrokers,
			Topic:    a.cfg.KafkaTopic,
			GroupID:  a.cfg.KafkaGroupID,
			ClientID: "schemaflow",
		}, r)
		if err != nil {
			return nil, err
		}
		q = kq
	default:
		q = queue.NewMemory(queue.DefaultCapacity, r)
	}
	q.Register(ingest.JobIngestOne, a.engine.HandleIngestJob, a.cfg.IngestConcurrency)
	return q, nil
}

// newSyncer builds a syncer producing into q and registers its per-source
// job handler there, so the queue must not be started yet.
func (a *app) newSyncer(q queue.Queue, urls []string) *sourcesync.Syncer {
	s := &sourcesync.Syncer{
		Client:      sourcesync.NewHTTPClient(a.cfg.HTTPTimeout),
		Queue:       q,
		URLs:        urls,
		IndexURL:    a.cfg.SourceIndexURL,
		BatchSize:   a.cfg.SyncBatchSize,
		JobPolicy:   queue.Policy{Attempts: a.cfg.JobAttempts, Backoff: a.cfg.JobBackoff},
		FetchPolicy: queue.Policy{Attempts: a.cfg.FetchAttempts, Backoff: a.cfg.JobBackoff},
		Concurrency: a.cfg.SyncConcurrency,
		Distribute:  a.cfg.SyncDistributed,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}
	q.Register(sourcesync.JobSyncSource, s.HandleSyncJob, a.cfg.SyncConcurrency)
	return s
}

func (a *app) close() {
	if err := a.metrics.Flush(); err != nil {
		a.logger.Printf("metrics: flush error: %v", err)
	}
	if err := a.metrics.Close(); err != nil {
		a.logger.Printf("metrics: close error: %v", err)
	}
	a.store.Close()
}
