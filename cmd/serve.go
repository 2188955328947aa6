package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/api"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API",
		Long: `Starts the HTTP query API over the knowledge store. Experiments,
resources, traversals, findings, diagrams and the risk register are served
under /v1; /healthz and /metrics sit at the root. Stops on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, cfg config.Interface, c *service.Components, logger *zap.Logger) error {
				return api.NewServer(c.Store, cfg, c.Classifier, c.Metrics, logger).Run(ctx)
			})
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on (overrides server.listen_addr)")
	return cmd
}
