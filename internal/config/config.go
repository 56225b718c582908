// Package config loads Tessera process configuration from a YAML file,
// environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/logging"
)

// Defaults.
const (
	DefaultRoot              = "/tessera"
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSessionTTL        = 10 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultMaxRegions        = 10
	DefaultShardSize         = 10
	DefaultMaxConnections    = 64
)

var (
	ErrCoordinatorListenRequired = errors.New("config: coordinator.listen is required")
	ErrNodeIDRequired            = errors.New("config: node.id is required")
	ErrNodeAddressRequired       = errors.New("config: node.host and node.port are required")
	ErrReplicaKeyRequired        = errors.New("config: node.replica_key is required")
	ErrInvalidHeartbeatTimeout   = errors.New("config: heartbeat timeout must be positive")
	ErrInvalidSharding           = errors.New("config: sharding.max_regions and sharding.shard_size must be positive")
)

// Config is the full configuration shared by both binaries. Each binary
// reads only the sections it needs.
type Config struct {
	Log          logging.Config `yaml:"log"`
	Coordination Coordination   `yaml:"coordination"`
	Metadata     Metadata       `yaml:"metadata"`
	Coordinator  Coordinator    `yaml:"coordinator"`
	Node         Node           `yaml:"node"`
	Sharding     Sharding       `yaml:"sharding"`
}

// Coordination locates the coordination store. With no endpoints the
// process runs against an in-process store, which only makes sense for a
// single-process development setup.
type Coordination struct {
	Root        string        `yaml:"root"`
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
}

// ReplicaSetsPath is the parent of one ephemeral node per replica set.
func (c Coordination) ReplicaSetsPath() string {
	return coordstore.Join(c.Root, "region-servers-meta")
}

// RegionsPath is the parent of the per-node shard map documents.
func (c Coordination) RegionsPath() string {
	return coordstore.Join(c.Root, "regions")
}

// ElectionPath is where coordinators campaign.
func (c Coordination) ElectionPath() string {
	return coordstore.Join(c.Root, "election")
}

// Metadata configures the durable replica-set registry. An empty DSN
// keeps the registry in memory.
type Metadata struct {
	DSN string `yaml:"dsn"`
}

// Coordinator configures the coordinator process.
type Coordinator struct {
	ID               string        `yaml:"id"`
	Listen           string        `yaml:"listen"`
	AdvertiseHost    string        `yaml:"advertise_host"`
	AdvertisePort    int           `yaml:"advertise_port"`
	MaxConnections   int           `yaml:"max_connections"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Node configures a region server.
type Node struct {
	ID                string        `yaml:"id"`
	Listen            string        `yaml:"listen"`
	Host              string        `yaml:"host"`
	ReplicaKey        string        `yaml:"replica_key"`
	CoordinatorURL    string        `yaml:"coordinator_url"`
	EngineDSN         string        `yaml:"engine_dsn"`
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Sharding tunes how a region server splits its tables.
type Sharding struct {
	MaxRegions int `yaml:"max_regions"`
	ShardSize  int `yaml:"shard_size"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "json"},
		Coordination: Coordination{
			Root:        DefaultRoot,
			DialTimeout: DefaultDialTimeout,
			SessionTTL:  DefaultSessionTTL,
		},
		Coordinator: Coordinator{
			Listen:           ":8080",
			MaxConnections:   DefaultMaxConnections,
			HeartbeatTimeout: DefaultHeartbeatTimeout,
			SweepInterval:    DefaultHeartbeatTimeout,
		},
		Node: Node{
			Listen:            ":9001",
			MaxConnections:    DefaultMaxConnections,
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		Sharding: Sharding{
			MaxRegions: DefaultMaxRegions,
			ShardSize:  DefaultShardSize,
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := getenv("TESSERA_ETCD_ENDPOINTS", ""); v != "" {
		cfg.Coordination.Endpoints = strings.Split(v, ",")
	}
	cfg.Coordination.Root = getenv("TESSERA_ROOT", cfg.Coordination.Root)
	cfg.Metadata.DSN = getenv("TESSERA_METADATA_DSN", cfg.Metadata.DSN)
	cfg.Log.Level = getenv("TESSERA_LOG_LEVEL", cfg.Log.Level)

	cfg.Coordinator.ID = getenv("TESSERA_COORDINATOR_ID", cfg.Coordinator.ID)
	cfg.Coordinator.Listen = getenv("TESSERA_COORDINATOR_LISTEN", cfg.Coordinator.Listen)
	cfg.Coordinator.AdvertiseHost = getenv("TESSERA_COORDINATOR_HOST", cfg.Coordinator.AdvertiseHost)

	cfg.Node.ID = getenv("TESSERA_NODE_ID", cfg.Node.ID)
	cfg.Node.Listen = getenv("TESSERA_NODE_LISTEN", cfg.Node.Listen)
	cfg.Node.Host = getenv("TESSERA_NODE_HOST", cfg.Node.Host)
	cfg.Node.ReplicaKey = getenv("TESSERA_REPLICA_KEY", cfg.Node.ReplicaKey)
	cfg.Node.CoordinatorURL = getenv("TESSERA_COORDINATOR_URL", cfg.Node.CoordinatorURL)
	cfg.Node.EngineDSN = getenv("TESSERA_ENGINE_DSN", cfg.Node.EngineDSN)
	if v := getenv("TESSERA_NODE_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "TESSERA_NODE_PORT %q", v)
		}
		cfg.Node.Port = port
	}
	return nil
}

// ValidateCoordinator checks the sections the coordinator depends on.
func (c *Config) ValidateCoordinator() error {
	if c.Coordinator.Listen == "" {
		return ErrCoordinatorListenRequired
	}
	if c.Coordinator.HeartbeatTimeout <= 0 {
		return ErrInvalidHeartbeatTimeout
	}
	if c.Coordinator.SweepInterval <= 0 {
		c.Coordinator.SweepInterval = c.Coordinator.HeartbeatTimeout
	}
	return nil
}

// ValidateNode checks the sections a region server depends on.
func (c *Config) ValidateNode() error {
	if c.Node.ID == "" {
		return ErrNodeIDRequired
	}
	if c.Node.Host == "" || c.Node.Port <= 0 {
		return ErrNodeAddressRequired
	}
	if c.Node.ReplicaKey == "" {
		return ErrReplicaKeyRequired
	}
	if c.Sharding.MaxRegions <= 0 || c.Sharding.ShardSize <= 0 {
		return ErrInvalidSharding
	}
	return nil
}

// getenv returns the environment variable k, or def when it is unset or
// empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
