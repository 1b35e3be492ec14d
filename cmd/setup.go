package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orcaflow/orcaflow/internal/config"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/persistence"
	"github.com/orcaflow/orcaflow/internal/persistence/sqlitestore"
	"github.com/orcaflow/orcaflow/internal/transport"
	"github.com/orcaflow/orcaflow/internal/transport/memq"
	"github.com/orcaflow/orcaflow/internal/transport/redisq"
)

// setup loads config and returns a context carrying the configured logger,
// canceled on SIGINT/SIGTERM.
func setup(cmd *cobra.Command) (*config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	var opts []logger.Option
	if cfg.Log.Debug {
		opts = append(opts, logger.WithDebug())
	}
	opts = append(opts, logger.WithFormat(cfg.Log.Format))
	lg := logger.NewLogger(opts...)

	ctx := logger.WithLogger(cmd.Context(), lg)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return cfg, ctx, cancel, nil
}

// openBroker builds the configured broker backend.
func openBroker(ctx context.Context, cfg *config.Config) (transport.Broker, error) {
	if cfg.Transport.Backend == "memory" {
		return memq.New(), nil
	}
	return redisq.New(ctx, redisq.Config{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		MinIdle:  cfg.Transport.RedeliveryMinIdle,
	})
}

// openStore opens the durable execution state store.
func openStore(cfg *config.Config) (persistence.Store, error) {
	return sqlitestore.New(cfg.Store.Path)
}
