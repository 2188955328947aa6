package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

// newInitCmd creates the store file, or brings an existing one up to the
// current schema.
func newInitCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the knowledge store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, cfg config.Interface, c *service.Components, logger *zap.Logger) error {
				exps, err := c.Store.ListExperiments(ctx)
				if err != nil {
					return err
				}
				logger.Info("Knowledge store ready.", zap.String("path", cfg.Database().Path), zap.Int("experiments", len(exps)))
				fmt.Fprintf(cmd.OutOrStdout(), "Knowledge store ready at %s (%d experiments)\n", cfg.Database().Path, len(exps))
				return nil
			})
		},
	}
}
