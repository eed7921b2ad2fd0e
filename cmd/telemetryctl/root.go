package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/app"
	"github.com/upb/agent-telemetry/config"
	"github.com/upb/agent-telemetry/internal/observability"
)

// opener builds the dependency container a command runs against
type opener func(ctx context.Context) (*app.Dependencies, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "telemetryctl",
		Short: "Administer the agent telemetry store",
		Long: `telemetryctl manages the storage schema and user accounts of the
agent telemetry gateway. It reads the same environment (and .env file)
as the gateway itself.`,
		SilenceUsage: true,
	}

	root.AddCommand(newSchemaCmd(open))
	root.AddCommand(newUserCmd(open))
	return root
}

// openDependencies loads configuration from the environment. Logging goes to
// stderr at warn level unless LOG_LEVEL says otherwise.
func openDependencies(ctx context.Context) (*app.Dependencies, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.Observability.LogLevel = "warn"
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == config.StorageMemory {
		logger.Warn("memory storage selected, changes will not outlive this command")
	}
	return app.NewDependencies(ctx, cfg, logger)
}

// withDependencies opens the container, runs fn and closes it again
func withDependencies(cmd *cobra.Command, open opener, fn func(ctx context.Context, deps *app.Dependencies) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	deps, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(ctx); cerr != nil {
			deps.Logger.Warn("failed to close dependencies", zap.Error(cerr))
		}
	}()

	return fn(ctx, deps)
}
