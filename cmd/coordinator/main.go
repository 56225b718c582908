// Command coordinator runs a Tessera coordinator. Every coordinator joins
// the leader election; the one that wins tracks the region servers and
// answers routing requests until it loses leadership.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/election"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metastore"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run a Tessera coordinator",
		Long: `Run a Tessera coordinator.

The coordinator enrolls in the leader election held in etcd. While it leads
it accepts region server registrations and heartbeats and tells clients
which region server a SQL statement should be sent to.

Examples:
  # Single process, in-memory coordination
  coordinator --listen=:8080

  # Clustered
  coordinator --etcd=10.0.0.1:2379,10.0.0.2:2379 --advertise-host=coord-1`,
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
	fl.String("id", "", "Coordinator id (random when empty)")
	fl.StringP("listen", "l", "", "Address the HTTP API listens on while leading")
	fl.String("advertise-host", "", "Host published in the coordinator record")
	fl.Int("advertise-port", 0, "Port published in the coordinator record")
	fl.StringSlice("etcd", nil, "etcd endpoints (comma-separated); in-memory store when empty")
	fl.String("root", "", "Root path of Tessera's nodes in the coordination store")
	fl.String("metadata-dsn", "", "PostgreSQL DSN of the metadata store")
	fl.Duration("heartbeat-timeout", 0, "Evict endpoints silent for longer than this")
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
		"id":             &cfg.Coordinator.ID,
		"listen":         &cfg.Coordinator.Listen,
		"advertise-host": &cfg.Coordinator.AdvertiseHost,
		"root":           &cfg.Coordination.Root,
		"metadata-dsn":   &cfg.Metadata.DSN,
		"log-level":      &cfg.Log.Level,
	}
	for name, dst := range strs {
		if fl.Changed(name) {
			*dst, _ = fl.GetString(name)
		}
	}
	if fl.Changed("advertise-port") {
		cfg.Coordinator.AdvertisePort, _ = fl.GetInt("advertise-port")
	}
	if fl.Changed("etcd") {
		cfg.Coordination.Endpoints, _ = fl.GetStringSlice("etcd")
	}
	if fl.Changed("heartbeat-timeout") {
		cfg.Coordinator.HeartbeatTimeout, _ = fl.GetDuration("heartbeat-timeout")
	}
	if err := cfg.ValidateCoordinator(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log, "coordinator")
	if err != nil {
		return err
	}

	store, err := coordstore.Dial(ctx, coordstore.EtcdConfig{
		Logger:      logging.Component(logger, "coordstore"),
		Endpoints:   cfg.Coordination.Endpoints,
		DialTimeout: cfg.Coordination.DialTimeout,
		SessionTTL:  cfg.Coordination.SessionTTL,
	})
	if err != nil {
		return err
	}
	meta, err := openMetastore(ctx, cfg.Metadata.DSN)
	if err != nil {
		_ = store.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := newServer(store, meta, cfg, logger, reg)
	el := election.New(store, cfg.Coordination.ElectionPath(), srv.record(), srv,
		election.WithLogger(logging.Component(logger, "election")))
	el.Start()
	logger.Info().Str("election", cfg.Coordination.ElectionPath()).Msg("coordinator started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := el.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("leave election")
	}
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("close coordination store")
	}
	meta.Close()
	logger.Info().Msg("coordinator stopped")
	return nil
}

func openMetastore(ctx context.Context, dsn string) (metastore.Store, error) {
	if dsn == "" {
		return metastore.NewMemory(), nil
	}
	pg, err := metastore.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open metadata store")
	}
	return pg, nil
}

// coordinatorRecord builds the election value from the advertised address,
// falling back to the listen address and the hostname.
func coordinatorRecord(cfg config.Coordinator) cluster.CoordinatorRecord {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	host, portStr, _ := net.SplitHostPort(cfg.Listen)
	port, _ := strconv.Atoi(portStr)
	if cfg.AdvertiseHost != "" {
		host = cfg.AdvertiseHost
	}
	if cfg.AdvertisePort > 0 {
		port = cfg.AdvertisePort
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return cluster.CoordinatorRecord{CoordinatorID: id, Host: host, Port: port}
}
