package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"schemaflow/internal/probe"
	"schemaflow/internal/sourcesync"
)

var (
	probeSource     string
	probeMaxRecords int
	probeJSON       bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <url|file>",
	Short: "Preview the catalog a source would produce, without storing anything",
	Long: `Probe reads the first --max-records elements of a source (http(s) URL,
file:// URL or local path) through a throwaway in-memory engine seeded with the
source's catalog versions from the configured store. It prints the versions
the sample would add and per-field value statistics. The store is not written.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeSource, "source", "", "source name (default: derived from the URL)")
	f.IntVar(&probeMaxRecords, "max-records", probe.DefaultMaxRecords, "elements to sample")
	f.BoolVar(&probeJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	target := args[0]

	remote := strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
	path := filepath.Clean(strings.TrimPrefix(target, "file://"))

	source := probeSource
	if source == "" {
		if remote {
			source = sourcesync.SourceName(target)
		} else {
			source = sourcesync.FileSourceName(path)
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	lineage, err := a.store.List(ctx, source)
	if err != nil {
		return fmt.Errorf("load catalogs of %s: %w", source, err)
	}

	var in io.ReadCloser
	if remote {
		body, err := sourcesync.Open(ctx, sourcesync.NewHTTPClient(cfg.HTTPTimeout), target)
		if err != nil {
			return err
		}
		in = body
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", target, err)
		}
		in = f
	}
	defer in.Close()

	rep, err := probe.Run(ctx, in, probe.Options{
		Source:     source,
		MaxRecords: probeMaxRecords,
		AutoWiden:  cfg.AutoWiden,
		Lineage:    lineage,
	})
	if err != nil {
		return err
	}

	if probeJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rep.Format())
	return err
}
