// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

type contextKey string

// configKey stores the loaded configuration in a command's context.
const configKey contextKey = "config"

// flagBindings maps command flags onto the config keys they override. A
// flag only takes part when the running command defines it.
var flagBindings = map[string]string{
	"db":       "database.path",
	"listen":   "server.listen_addr",
	"weighted": "register.blast_radius_weighting",
}

// NewRootCommand builds a fresh command tree. Each call returns an
// independent tree so flags never leak between interactive invocations.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "riskgraph",
		Short:         "riskgraph is a local knowledge store and risk prioritization engine for security triage.",
		Long:          `riskgraph records the resources, connections and findings of each triage run in one local file and derives blast radius, a ranked risk register and diagrams from them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "riskgraph"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting riskgraph", zap.String("version", Version), zap.String("command", cmd.CommandPath()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "knowledge store file (overrides database.path)")
	rootCmd.SetVersionTemplate(`{{printf "riskgraph version %s\n" .Version}}`)

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(factory),
		newExperimentCmd(factory),
		newIngestCmd(factory),
		newRepoCmd(),
		newBlastRadiusCmd(factory),
		newFindingsCmd(factory),
		newRegisterCmd(factory),
		newDiagramCmd(factory),
		newServeCmd(factory),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args. The error is logged here;
// callers only choose the exit code.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file, RISKGRAPH_ environment variables
// and flag overrides into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("RISKGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars.
	}

	for name, key := range flagBindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration loaded by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	if ctx == nil {
		return nil, errors.New("command context is nil")
	}
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}

// withComponents creates the component set for one command run and shuts
// it down afterwards.
func withComponents(cmd *cobra.Command, factory service.ComponentFactory, fn func(ctx context.Context, cfg config.Interface, c *service.Components, logger *zap.Logger) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()
	return fn(ctx, cfg, components, logger)
}
