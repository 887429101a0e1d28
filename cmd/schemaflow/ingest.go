package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"schemaflow/internal/document"
	"schemaflow/internal/ingest"
	jsonparser "schemaflow/internal/parser/json"
	"schemaflow/internal/sourcesync"
)

var ingestSource string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.json]",
	Short: "Ingest a local JSON array directly through the engine",
	Long: `Ingest streams a JSON array (or an object wrapping one) from a file, or from
stdin when the argument is "-" or missing, and ingests every element without
going through the job queue. The source defaults to the file name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source name (default: derived from the file name)")
	rootCmd.AddCommand(ingestCmd)
}

type ingestTally struct {
	ok, rejected, skipped atomic.Int64
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	source := ingestSource
	if source == "" {
		if path == "-" {
			return fmt.Errorf("--source is required when reading stdin")
		}
		source = sourcesync.FileSourceName(path)
	}

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	tally, err := ingestStream(ctx, a.engine, source, in, cfg.IngestConcurrency, a.logger)
	fmt.Fprintf(cmd.OutOrStdout(), "source=%s ok=%d rejected=%d skipped=%d\n",
		source, tally.ok.Load(), tally.rejected.Load(), tally.skipped.Load())
	return err
}

// ingestStream feeds every array element of r to the engine with at most
// concurrency ingestions in flight. Rejected payloads are counted, not fatal.
func ingestStream(ctx context.Context, e *ingest.Engine, source string, r io.Reader, concurrency int, logger ingest.Logger) (*ingestTally, error) {
	tally := &ingestTally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))

	streamErr := jsonparser.StreamArray(gctx, r,
		func(index int, obj *document.Object) error {
			g.Go(func() error {
				_, err := e.IngestRecord(gctx, source, obj)
				switch {
				case err == nil:
					tally.ok.Add(1)
				case ingest.IsRejection(err):
					tally.rejected.Add(1)
					logger.Printf("stage=ingest source=%s index=%d rejected=true err=%v", source, index, err)
				default:
					return fmt.Errorf("element %d: %w", index, err)
				}
				return nil
			})
			return nil
		},
		func(index int, err error) {
			tally.skipped.Add(1)
			logger.Printf("stage=ingest source=%s index=%d skipped=true err=%v", source, index, err)
		},
	)
	if err := g.Wait(); err != nil {
		return tally, err
	}
	return tally, streamErr
}
