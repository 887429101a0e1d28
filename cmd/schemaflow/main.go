// Command schemaflow ingests schema-less JSON from HTTP sources, evolves a
// per-source catalog as the payload shape drifts, and serves the stored
// records over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"schemaflow/internal/config"

	// register all backends with the storage factory.
	_ "schemaflow/internal/storage/all"
)

var (
	cfg config.Config

	storeKindFlg string
	dsnFlg       string
	queueKindFlg string
)

var rootCmd = &cobra.Command{
	Use:           "schemaflow",
	Short:         "Schema-evolving JSON ingestion service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		// Flags override the environment.
		if storeKindFlg != "" {
			loaded.StoreKind = storeKindFlg
		}
		if dsnFlg != "" {
			loaded.DatabaseURL = dsnFlg
		}
		if queueKindFlg != "" {
			loaded.QueueKind = queueKindFlg
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&storeKindFlg, "store", "", "storage backend: memory, postgres, sqlite or mssql (overrides STORE_KIND)")
	pf.StringVar(&dsnFlg, "dsn", "", "storage connection string (overrides DATABASE_URL)")
	pf.StringVar(&queueKindFlg, "queue", "", "job queue: memory or kafka (overrides QUEUE_KIND)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
