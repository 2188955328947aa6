package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/knowledgegraph"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

func newBlastRadiusCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experimentID string
		resourceRef  string
		depth        int
		mode         string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "blast-radius",
		Short: "List the resources reachable from one resource",
		Long: `Walks the experiment's graph from a resource and lists everything within
--depth hops. "connections" follows outgoing connections, "dependents"
follows them backwards, "hierarchy" follows parent/child links.

The resource is a numeric id, "type/name", or a name unique in the experiment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, cfg config.Interface, c *service.Components, logger *zap.Logger) error {
				if depth <= 0 {
					depth = cfg.Graph().DefaultMaxDepth
				}
				start, err := resolveResource(ctx, c.Store, experimentID, resourceRef)
				if err != nil {
					return err
				}
				g, err := knowledgegraph.Load(ctx, c.Store, experimentID, logger, knowledgegraph.WithMetrics(c.Metrics))
				if err != nil {
					return err
				}

				var reached []schemas.ReachedResource
				switch mode {
				case knowledgegraph.ModeConnections:
					reached, err = g.BlastRadius(ctx, start.ID, depth)
				case knowledgegraph.ModeDependents:
					reached, err = g.Dependents(ctx, start.ID, depth)
				case knowledgegraph.ModeHierarchy:
					reached, err = g.HierarchyRadius(ctx, start.ID, depth)
				default:
					return fmt.Errorf("unknown traversal mode %q", mode)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					if reached == nil {
						reached = []schemas.ReachedResource{}
					}
					return printJSON(out, reached)
				}
				fmt.Fprintf(out, "%s/%s reaches %d resources within %d hops (%s)\n", start.Type, start.Name, len(reached), depth, mode)
				tw := newTable(out)
				fmt.Fprintln(tw, "DEPTH\tTYPE\tNAME\tID")
				for _, r := range reached {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", r.Depth, r.Resource.Type, r.Resource.Name, r.Resource.ID)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&experimentID, "experiment", "e", "", "Experiment to query (required)")
	cmd.Flags().StringVarP(&resourceRef, "resource", "r", "", "Start resource (required)")
	cmd.Flags().IntVarP(&depth, "depth", "d", 0, "Maximum hops (default from graph.default_max_depth)")
	cmd.Flags().StringVarP(&mode, "mode", "m", knowledgegraph.ModeConnections, "connections, dependents or hierarchy")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	_ = cmd.MarkFlagRequired("experiment")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
