package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"schemaflow/internal/queue"
	"schemaflow/internal/sourcesync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [url...]",
	Short: "Sync sources once and wait for their records to be ingested",
	Long: `Sync streams every source (the arguments, or SOURCE_URLS and SOURCE_INDEX_URL
when none are given) into ingestion jobs. With the in-process queue it then
waits until every job has finished; with kafka it only publishes.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	q, err := a.newQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	urls := cfg.SourceURLs
	if len(args) > 0 {
		urls = args
	}
	syncer := a.newSyncer(q, urls)
	if len(args) > 0 {
		syncer.IndexURL = ""
	}

	mem, local := q.(*queue.Memory)
	if local {
		if err := q.Start(ctx); err != nil {
			return fmt.Errorf("start queue: %w", err)
		}
	}

	results, err := syncer.SyncAll(ctx)
	if err != nil {
		return err
	}
	if local {
		if err := mem.Drain(ctx); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	if n := countFailed(results); n > 0 {
		return fmt.Errorf("%d of %d source(s) failed", n, len(results))
	}
	return nil
}

func countFailed(results []sourcesync.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != "" {
			n++
		}
	}
	return n
}
