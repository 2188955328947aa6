package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/diagram"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

func newDiagramCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experimentID string
		startRef     string
		depth        int
		minSeverity  int
		mode         string
		format       string
		output       string
	)
	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Describe an experiment's resources as a diagram",
		Long: `Projects an experiment, or the part of it reachable from --start, into a
node/edge description annotated with each resource's category and worst
finding. JSON is for external renderers; mermaid and dot render directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := diagram.ParseFormat(format)
			if err != nil {
				return err
			}
			return withComponents(cmd, factory, func(ctx context.Context, cfg config.Interface, c *service.Components, logger *zap.Logger) error {
				if depth <= 0 {
					depth = cfg.Graph().DefaultMaxDepth
				}
				scope := diagram.Scope{
					ExperimentID: experimentID,
					MaxDepth:     depth,
					MinSeverity:  minSeverity,
					Mode:         schemas.DiagramMode(mode),
				}
				if startRef != "" {
					start, err := resolveResource(ctx, c.Store, experimentID, startRef)
					if err != nil {
						return err
					}
					scope.StartResourceID = &start.ID
				}

				d, err := diagram.NewProjector(c.Store, c.Classifier, logger).Project(ctx, scope)
				if err != nil {
					return err
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "stdout" {
					file, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create output file %s: %w", output, err)
					}
					defer file.Close()
					w = file
				}
				return diagram.Encode(w, d, f)
			})
		},
	}
	cmd.Flags().StringVarP(&experimentID, "experiment", "e", "", "Experiment to draw (required)")
	cmd.Flags().StringVar(&startRef, "start", "", "Only draw what this resource reaches")
	cmd.Flags().IntVarP(&depth, "depth", "d", 0, "Maximum hops from --start (default from the graph settings)")
	cmd.Flags().IntVar(&minSeverity, "min-severity", 0, "Only resources with a finding scored at least this")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(schemas.ModeConnections), "Edges to draw: connections or hierarchy")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json, mermaid or dot")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}
