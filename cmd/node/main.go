// Package main implements the Tessera region server. A region server owns
// a backing database, splits its tables into key ranges served by local
// regions and keeps itself registered with the leading coordinator.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Region server              │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /sql          - Execute a statement  │
//	│    /regions      - Regions and ranges   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Assigner      - Ranges and regions   │
//	│    Engine        - Backing database     │
//	│    Registration  - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Startup:
//  1. Open the engine (PostgreSQL, or in memory without a DSN)
//  2. Size every table and assign its ranges to regions
//  3. Publish the shard map under <root>/regions/<node id>
//  4. Serve HTTP, register with the coordinator and start heartbeating
//
// The coordinator is either given with --coordinator or found through the
// election record in etcd.
//
// Example usage:
//
//	# Start a region server against a local coordinator
//	node --id=rs-1 --host=127.0.0.1 --port=9001 --listen=:9001 \
//	  --replica-key=rk-1 --coordinator=http://localhost:8080
//
//	# Run a statement on it
//	curl -X POST localhost:9001/sql \
//	  -d '{"type":"SQL","sql":"SELECT * FROM users WHERE id = 42"}'
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/storage"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Run a Tessera region server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringP("config", "c", "", "Path to a YAML config file")
	fl.String("id", "", "Region server id")
	fl.StringP("listen", "l", "", "Address the HTTP API listens on")
	fl.String("host", "", "Host clients and the coordinator reach this node on")
	fl.IntP("port", "p", 0, "Port clients and the coordinator reach this node on")
	fl.String("replica-key", "", "Key shared by all replicas of this storage node")
	fl.String("coordinator", "", "Coordinator URL; discovered through etcd when empty")
	fl.StringSlice("etcd", nil, "etcd endpoints (comma-separated)")
	fl.String("root", "", "Root path of Tessera's nodes in the coordination store")
	fl.String("engine-dsn", "", "PostgreSQL DSN of the backing database; in memory when empty")
	fl.Duration("heartbeat-interval", 0, "Interval between heartbeats")
	fl.String("log-level", "", "Log level (debug, info, warn, error)")
	return cmd
}

// loadConfig layers the flags the user set over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	fl := cmd.Flags()
	path, _ := fl.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	strs := map[string]*string{
		"id":          &cfg.Node.ID,
		"listen":      &cfg.Node.Listen,
		"host":        &cfg.Node.Host,
		"replica-key": &cfg.Node.ReplicaKey,
		"coordinator": &cfg.Node.CoordinatorURL,
		"root":        &cfg.Coordination.Root,
		"engine-dsn":  &cfg.Node.EngineDSN,
		"log-level":   &cfg.Log.Level,
	}
	for name, dst := range strs {
		if fl.Changed(name) {
			*dst, _ = fl.GetString(name)
		}
	}
	if fl.Changed("port") {
		cfg.Node.Port, _ = fl.GetInt("port")
	}
	if fl.Changed("etcd") {
		cfg.Coordination.Endpoints, _ = fl.GetStringSlice("etcd")
	}
	if fl.Changed("heartbeat-interval") {
		cfg.Node.HeartbeatInterval, _ = fl.GetDuration("heartbeat-interval")
	}
	if err := cfg.ValidateNode(); err != nil {
		return nil, err
	}
	if cfg.Node.CoordinatorURL == "" && len(cfg.Coordination.Endpoints) == 0 {
		return nil, ErrNoCoordinator
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log, "node")
	if err != nil {
		return err
	}
	logger = logger.With().Str("node", cfg.Node.ID).Logger()

	store, err := coordstore.Dial(ctx, coordstore.EtcdConfig{
		Logger:      logging.Component(logger, "coordstore"),
		Endpoints:   cfg.Coordination.Endpoints,
		DialTimeout: cfg.Coordination.DialTimeout,
		SessionTTL:  cfg.Coordination.SessionTTL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := openEngine(ctx, cfg.Node.EngineDSN)
	if err != nil {
		return err
	}
	defer engine.Close()

	assigner := shard.NewAssigner(engine, cfg.Node.ID, shard.Config{
		MaxRegions: cfg.Sharding.MaxRegions,
		ShardSize:  cfg.Sharding.ShardSize,
	}, logging.Component(logger, "shard"))
	if err := assigner.Assign(ctx); err != nil {
		return err
	}
	if err := assigner.Publish(ctx, store, cfg.Coordination.RegionsPath()); err != nil {
		return err
	}

	node := NewNode(cfg.Node, assigner,
		WithLogger(logger),
		WithLeaderSource(store, cfg.Coordination.ElectionPath()),
	)
	if err := node.Serve(ctx); err != nil {
		return err
	}
	logger.Info().Msg("node stopped")
	return nil
}

func openEngine(ctx context.Context, dsn string) (storage.Engine, error) {
	if dsn == "" {
		return storage.NewMemoryEngine(), nil
	}
	pg, err := storage.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open engine")
	}
	return pg, nil
}
