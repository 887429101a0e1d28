package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sourcesVerbose bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List known sources with their latest catalog version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		sources, err := a.engine.FindSources(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tVERSION\tFIELDS")
		for _, s := range sources {
			c, err := a.store.Latest(ctx, s)
			if err != nil {
				return fmt.Errorf("latest catalog of %s: %w", s, err)
			}
			fields := fmt.Sprint(len(c.FieldMap))
			if sourcesVerbose {
				fields = strings.Join(c.FieldMap.Names(), ",")
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\n", s, c.Version, fields)
		}
		return tw.Flush()
	},
}

func init() {
	sourcesCmd.Flags().BoolVarP(&sourcesVerbose, "verbose", "v", false, "list field names instead of a count")
	rootCmd.AddCommand(sourcesCmd)
}
