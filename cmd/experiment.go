package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

func newExperimentCmd(factory service.ComponentFactory) *cobra.Command {
	experimentCmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Create, list and update experiments",
	}
	experimentCmd.AddCommand(
		newExperimentListCmd(factory),
		newExperimentShowCmd(factory),
		newExperimentCreateCmd(factory),
		newExperimentStatusCmd(factory),
		newExperimentRecomputeCmd(factory),
	)
	return experimentCmd
}

func newExperimentListCmd(factory service.ComponentFactory) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				exps, err := c.Store.ListExperiments(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, exps)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tPARENT\tSTATUS\tFINDINGS\tAVG SCORE\tCREATED")
				for _, e := range exps {
					parent, avg := "-", "-"
					if e.ParentID != nil {
						parent = *e.ParentID
					}
					if e.AverageScore != nil {
						avg = fmt.Sprintf("%.2f", *e.AverageScore)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, parent, e.Status, e.FindingCount, avg, e.CreatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newExperimentShowCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Show one experiment with its repositories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				exp, err := c.Store.GetExperiment(ctx, args[0])
				if err != nil {
					return err
				}
				repos, err := c.Store.ListRepositories(ctx, exp.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					schemas.Experiment
					Repositories []schemas.Repository `json:"repositories"`
				}{exp, repos})
			})
		},
	}
}

func newExperimentCreateCmd(factory service.ComponentFactory) *cobra.Command {
	var id, parent string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment; the id is generated when omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, logger *zap.Logger) error {
				exp := schemas.Experiment{ID: id}
				if parent != "" {
					exp.ParentID = &parent
				}
				created, err := c.Store.CreateExperiment(ctx, exp)
				if err != nil {
					return err
				}
				logger.Info("Experiment created.", zap.String("experiment_id", created.ID))
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Experiment id")
	cmd.Flags().StringVar(&parent, "parent", "", "Experiment this one iterates on")
	return cmd
}

func newExperimentStatusCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status <experiment-id> <running|completed|failed>",
		Short: "Set an experiment's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := schemas.ExperimentStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown experiment status %q", args[1])
			}
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				return c.Store.SetExperimentStatus(ctx, args[0], status)
			})
		},
	}
}

func newExperimentRecomputeCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <experiment-id>",
		Short: "Recompute an experiment's finding count and average score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, _ config.Interface, c *service.Components, _ *zap.Logger) error {
				m, err := c.Store.RecomputeExperimentMetrics(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
}
