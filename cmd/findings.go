package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/knowledgegraph"
	"github.com/xkilldash9x/riskgraph/internal/results"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

func newFindingsCmd(factory service.ComponentFactory) *cobra.Command {
	findingsCmd := &cobra.Command{
		Use:   "findings",
		Short: "Query, import and triage findings",
	}
	findingsCmd.AddCommand(
		newFindingsListCmd(factory),
		newFindingsImportCmd(factory),
		newFindingsAggregateCmd(factory),
		newFindingsCompoundCmd(factory),
		newFindingsStatusCmd(factory),
	)
	return findingsCmd
}

func newFindingsListCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experiments []string
		sources     []string
		minScore    int
		category    string
		status      string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List findings in the order they were recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := schemas.FindingFilter{
				ExperimentIDs: experiments,
				MinScore:      minScore,
				Category:      category,
				Status:        schemas.FindingStatus(status),
			}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown finding status %q", status)
			}
			for _, s := range sources {
				filter.Sources = append(filter.Sources, schemas.FindingSource(s))
			}
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				found, err := c.Store.QueryFindings(ctx, filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if found == nil {
						found = []schemas.Finding{}
					}
					return printJSON(out, found)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tEXPERIMENT\tSCORE\tSTATUS\tRESOURCE\tTITLE")
				for _, f := range found {
					resource := "-"
					if f.ResourceType != "" {
						resource = f.ResourceType + "/" + f.ResourceName
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", f.ID, f.ExperimentID, scoreText(f.SeverityScore), f.Status, resource, f.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVarP(&experiments, "experiment", "e", nil, "Experiments to include (repeatable, default all)")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Finding sources to include: cloud, code, repository")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "Only findings scored at least this")
	cmd.Flags().StringVar(&category, "category", "", "Only findings in this category")
	cmd.Flags().StringVar(&status, "status", "", "Only findings with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newFindingsImportCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experimentID string
		kind         string
	)
	cmd := &cobra.Command{
		Use:   "import <path>...",
		Short: "Record authored finding documents against an experiment",
		Long: `Reads YAML or JSON finding documents (files, or directories walked
recursively) and records them against the experiment. Findings already
recorded are skipped, so importing the same documents twice is harmless.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, logger *zap.Logger) error {
				batch, err := results.FileSource{Paths: args, Kind: schemas.FindingSource(kind)}.Load(ctx)
				if err != nil {
					return err
				}
				for _, failure := range batch.Failures {
					logger.Warn("Skipping unreadable finding.", zap.String("reason", failure))
				}
				sum, err := c.Ingester.ImportFindings(ctx, experimentID, batch.Findings)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d findings into %s (%d already recorded, %d rejected, %d unreadable records)\n",
					sum.Succeeded, experimentID, sum.Skipped, sum.Failed, len(batch.Failures))
				for _, e := range sum.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "rejected: %s\n", e)
				}
				for _, failure := range batch.Failures {
					fmt.Fprintf(cmd.OutOrStdout(), "unreadable: %s\n", failure)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&experimentID, "experiment", "e", "", "Experiment to record against (required)")
	cmd.Flags().StringVar(&kind, "kind", string(schemas.SourceCode), "Source recorded on findings that do not name one")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

func newFindingsAggregateCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experiments []string
		by          string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Summarize findings by category or by resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				var (
					groups []findings.Aggregate
					err    error
				)
				switch by {
				case "category":
					groups, err = c.Ledger.ByCategory(ctx, experiments...)
				case "resource":
					groups, err = c.Ledger.ByResource(ctx, experiments...)
				default:
					return fmt.Errorf("cannot aggregate by %q, use category or resource", by)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if groups == nil {
						groups = []findings.Aggregate{}
					}
					return printJSON(out, groups)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "KEY\tCOUNT\tMAX\tAVG\tUNPARSEABLE")
				for _, g := range groups {
					highest := "-"
					if g.Scored > 0 {
						highest = string(g.MaxLabel) + " " + strconv.Itoa(g.MaxScore)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%.2f\t%d\n", g.Key, g.Count, highest, g.AverageScore, g.Unparseable)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVarP(&experiments, "experiment", "e", nil, "Experiments to include (repeatable, default all)")
	cmd.Flags().StringVar(&by, "by", "category", "Group by category or resource")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newFindingsCompoundCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experimentID string
		minCombined  int
	)
	cmd := &cobra.Command{
		Use:   "compound",
		Short: "Pair findings on a resource with findings on its children",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, logger *zap.Logger) error {
				g, err := knowledgegraph.Load(ctx, c.Store, experimentID, logger, knowledgegraph.WithMetrics(c.Metrics))
				if err != nil {
					return err
				}
				risks, err := g.CompoundRisks(ctx, c.Store, minCombined)
				if err != nil {
					return err
				}
				if risks == nil {
					risks = []knowledgegraph.CompoundRisk{}
				}
				return printJSON(cmd.OutOrStdout(), risks)
			})
		},
	}
	cmd.Flags().StringVarP(&experimentID, "experiment", "e", "", "Experiment to analyse (required)")
	cmd.Flags().IntVar(&minCombined, "min-combined", 0, "Only pairs whose combined score is at least this")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

func newFindingsStatusCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status <finding-id> <open|fixed|accepted|false_positive>",
		Short: "Set a finding's triage status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("finding id must be an integer, got %q", args[0])
			}
			status := schemas.FindingStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown finding status %q", args[1])
			}
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				return c.Store.SetFindingStatus(ctx, id, status)
			})
		},
	}
}
