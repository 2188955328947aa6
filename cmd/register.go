package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/knowledgegraph"
	"github.com/xkilldash9x/riskgraph/internal/reporting"
	"github.com/xkilldash9x/riskgraph/internal/results"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

func newRegisterCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		experiments []string
		files       []string
		kind        string
		format      string
		output      string
		top         int
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Build the deduplicated, ranked risk register",
		Long: `Collects findings from the store and from authored finding documents,
merges duplicates, classifies the affected resources and ranks everything
into one register. With --weighted, findings on resources that reach more of
the graph rank higher among findings of equal severity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, cfg config.Interface, c *service.Components, logger *zap.Logger) error {
				ids := experiments
				if len(ids) == 0 {
					exps, err := c.Store.ListExperiments(ctx)
					if err != nil {
						return err
					}
					for _, e := range exps {
						ids = append(ids, e.ID)
					}
				}

				var sources []results.FindingSource
				if len(ids) > 0 {
					sources = append(sources, results.StoreSource{Querier: c.Store, ExperimentIDs: ids})
				}
				if len(files) > 0 {
					sources = append(sources, results.FileSource{Paths: files, Kind: schemas.FindingSource(kind)})
				}

				opts := []results.Option{results.WithClassifier(c.Classifier), results.WithMetrics(c.Metrics)}
				if cfg.Register().BlastRadiusWeighting {
					opts = append(opts, results.WithWeigher(knowledgegraph.NewBlastRadiusWeigher(c.Store, cfg.Graph().DefaultMaxDepth, logger)))
				}
				reg, err := results.NewPipeline(logger, opts...).Build(ctx, sources...)
				if err != nil {
					return err
				}
				reg.Rows = reg.Top(top)

				var reporter reporting.Reporter
				if output == "" || output == "stdout" {
					reporter, err = reporting.NewForWriter(format, cmd.OutOrStdout(), Version, logger)
				} else {
					reporter, err = reporting.New(format, output, Version, logger)
				}
				if err != nil {
					return err
				}
				if err := reporter.Write(reg); err != nil {
					_ = reporter.Close()
					return err
				}
				if err := reporter.Close(); err != nil {
					return err
				}
				logger.Info("Risk register written.",
					zap.Int("rows", len(reg.Rows)),
					zap.Int("duplicates_merged", reg.DuplicatesMerged),
					zap.String("format", format),
					zap.String("output", output))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&experiments, "experiment", "e", nil, "Experiments to include (repeatable, default all)")
	cmd.Flags().StringSliceVar(&files, "files", nil, "Finding documents or directories to include")
	cmd.Flags().StringVar(&kind, "kind", string(schemas.SourceCode), "Source recorded on file findings that do not name one")
	cmd.Flags().StringVarP(&format, "format", "f", "text", fmt.Sprintf("Output format: %v", reporting.Formats))
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().IntVar(&top, "top", 0, "Only the first N rows (0 means all)")
	cmd.Flags().Bool("weighted", false, "Weight equal severities by blast radius (overrides register.blast_radius_weighting)")
	return cmd
}
