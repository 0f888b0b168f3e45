package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/pkg/cluster"
	"github.com/marmos91/mimic/pkg/config"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/metrics"
	"github.com/marmos91/mimic/pkg/registry"
	"github.com/marmos91/mimic/pkg/schema"
	"github.com/marmos91/mimic/pkg/schema/kv"
	"github.com/marmos91/mimic/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mimic server",
	Long: `Start the mimic server with the specified configuration.

Examples:
  # Start with ./mimic.yaml (or pure defaults when absent)
  mimic start

  # Start with a custom config file
  mimic start --config /etc/mimic/mimic.yaml

  # Override any option through the environment
  MIMIC_LOGGING_LEVEL=DEBUG mimic start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	logger.Info("starting mimic",
		"version", Version,
		"listen", cfg.Server.Listen,
		"base_path", cfg.Server.BasePath,
		"hot_store", cfg.Store.Hot.Driver,
		"cold_store", cfg.Store.Cold.Driver,
		"cluster", cfg.Cluster.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hotStore, err := cfg.CreateHotStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := hotStore.Close(); err != nil {
			logger.Error("closing hot store failed", logger.KeyError, err)
		}
	}()

	coldStore, err := cfg.CreateColdStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := coldStore.Close(); err != nil {
			logger.Error("closing cold store failed", logger.KeyError, err)
		}
	}()

	provider, err := cfg.CreateAuthProvider()
	if err != nil {
		return err
	}

	docSchema := kv.New()

	reg := registry.New(document.Config{
		Schema:                       docSchema,
		Hot:                          hotStore,
		Cold:                         coldStore,
		Initial:                      schema.StaticInitialState(json.RawMessage(`{}`)),
		MaxTransactionHistory:        cfg.Document.MaxTransactionHistory,
		SubscriberQueueSize:          cfg.Document.SubscriberQueueSize,
		StorageTimeout:               cfg.Document.StorageTimeout,
		SnapshotInterval:             cfg.Snapshot.Interval,
		SnapshotTransactionThreshold: cfg.Snapshot.TransactionThreshold,
		CheckedAppend:                cfg.Cluster.Enabled,
	}, registry.Options{
		IdleThreshold: cfg.Registry.MaxIdleTime,
		SweepInterval: cfg.Registry.SweepInterval,
	})

	var (
		service      server.DocumentService
		shardEngine  *cluster.Engine
		clusterRoute chi.Router
	)
	if cfg.Cluster.Enabled {
		peers := make([]cluster.Node, 0, len(cfg.Cluster.Peers))
		for _, p := range cfg.Cluster.Peers {
			peers = append(peers, cluster.Node{ID: p.ID, Addr: p.Addr})
		}
		shardEngine, err = cluster.NewEngine(cluster.Config{
			Self:           cluster.Node{ID: cfg.Cluster.Self.ID, Addr: cfg.Cluster.Self.Addr},
			Peers:          peers,
			Registry:       reg,
			Schema:         docSchema,
			ShardGroup:     cfg.Cluster.ShardGroup,
			VirtualNodes:   cfg.Cluster.VirtualNodes,
			MailboxSize:    cfg.Cluster.MailboxSize,
			RequestTimeout: cfg.Cluster.RequestTimeout,
		})
		if err != nil {
			return err
		}
		service = shardEngine
		clusterRoute = shardEngine.RPCHandler().Routes()
	} else {
		service = server.NewLocalService(reg)
	}

	srv, err := server.New(server.Config{
		Service:           service,
		Schema:            docSchema,
		Auth:              provider,
		BasePath:          cfg.Server.BasePath,
		Presence:          cfg.Server.Presence,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		SendQueueSize:     cfg.Server.SendQueueSize,
	})
	if err != nil {
		return err
	}

	mux := srv.Router()
	if clusterRoute != nil {
		mux.Mount("/cluster", clusterRoute)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", logger.KeyError, err)
	}

	if shardEngine != nil {
		shardEngine.Close()
	}

	// Final snapshots for every resident document; required for clean exit.
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown finished with errors", logger.KeyError, err)
	}

	logger.Info("mimic stopped")
	return nil
}
