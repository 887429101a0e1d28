package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"schemaflow/internal/api"
	"schemaflow/internal/scheduler"
)

var serveNoCron bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the ingestion workers and the sync schedule",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoCron, "no-cron", false, "disable the scheduled sync")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
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
	syncer := a.newSyncer(q, cfg.SourceURLs)
	defer syncer.Wait()
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if !serveNoCron {
		sched, err := scheduler.New(ctx, cfg.SyncCron, cfg.SyncTimezone, syncer, a.logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		a.logger.Printf("stage=schedule spec=%q tz=%s next=%s", cfg.SyncCron, cfg.SyncTimezone, sched.Next().Format(time.RFC3339))
	}

	srv := api.New(ctx, a.engine, syncer, a.logger).HTTPServer(fmt.Sprintf(":%d", cfg.Port))
	errCh := make(chan error, 1)
	go func() {
		a.logger.Printf("stage=http listening addr=%s store=%s queue=%s", srv.Addr, cfg.StoreKind, cfg.QueueKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	a.logger.Printf("stage=http shutting_down=true")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
