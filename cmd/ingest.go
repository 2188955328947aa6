package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/ingest"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

// newIngestCmd loads a discovery manifest into the store.
func newIngestCmd(factory service.ComponentFactory) *cobra.Command {
	var strict, asJSON bool
	cmd := &cobra.Command{
		Use:   "ingest <manifest>",
		Short: "Load a discovery manifest (YAML or JSON) into the knowledge store",
		Long: `Loads an experiment's repositories, resources, properties, connections and
findings from a manifest. Loading is idempotent; bad records are counted and
reported without stopping the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ingest.LoadManifest(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				sum, err := c.Ingester.Ingest(ctx, m)
				if err != nil {
					return err
				}
				if err := printIngestSummary(cmd, sum, asJSON); err != nil {
					return err
				}
				if strict && sum.Failed() > 0 {
					return fmt.Errorf("%d records were rejected", sum.Failed())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit with an error when any record is rejected")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func printIngestSummary(cmd *cobra.Command, sum *ingest.Summary, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, sum)
	}
	fmt.Fprintf(out, "Experiment %s\n", sum.ExperimentID)
	tw := newTable(out)
	fmt.Fprintln(tw, "KIND\tSTORED\tUNCHANGED\tREJECTED")
	kinds := []struct {
		name string
		sum  findings.Summary
	}{
		{"repositories", sum.Repositories},
		{"resources", sum.Resources},
		{"properties", sum.Properties},
		{"connections", sum.Connections},
		{"findings", sum.Findings},
	}
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", k.name, k.sum.Succeeded, k.sum.Skipped, k.sum.Failed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, k := range kinds {
		for _, e := range k.sum.Errors {
			fmt.Fprintf(out, "rejected (%s): %s\n", k.name, e)
		}
	}
	return nil
}

func newRepoCmd() *cobra.Command {
	repoCmd := &cobra.Command{
		Use:   "repo",
		Short: "Inspect scanned repositories",
	}
	repoCmd.AddCommand(&cobra.Command{
		Use:   "describe <dir>",
		Short: "Report a repository's origin, kind and file counts",
		Args:  cobra.ExactArgs(1),
		// Reads the directory only; the store is not needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			facts, err := ingest.DescribeRepository(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), facts)
		},
	})
	return repoCmd
}
