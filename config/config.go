// Package config loads node configuration from a YAML file with flag
// overrides, the way cmd/syncd wires it into cobra's persistent flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CachePolicy names an eviction policy recognized by package cache.
type CachePolicy string

const (
	CacheLRU  CachePolicy = "LRU"
	CacheLFU  CachePolicy = "LFU"
	CacheFIFO CachePolicy = "FIFO"
)

// Peer identifies another cluster member by id, host and port; an empty
// host defaults to the node's own node_host.
type Peer struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config holds every recognized runtime option, plus the ambient knobs
// (data_dir, metrics_addr, log_json) needed to run a node in practice.
// lease_expiry and lock_sweep_interval are parsed and defaulted but not
// read by package node: the queue lease (60s) and the lock timeout sweep
// interval (5s) are fixed constants in packages queue and lockmgr.
type Config struct {
	NodeID   string `yaml:"node_id"`
	NodeHost string `yaml:"node_host"`
	NodePort int    `yaml:"node_port"`

	ClusterNodes []Peer `yaml:"cluster_nodes"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
	LockSweepInterval   time.Duration `yaml:"lock_sweep_interval"`
	LeaseExpiry         time.Duration `yaml:"lease_expiry"`
	FailureDetectorT    float64       `yaml:"phi_threshold"`

	CacheSize     int         `yaml:"cache_size"`
	CachePolicy   CachePolicy `yaml:"cache_policy"`
	CacheProtocol string      `yaml:"cache_protocol"`

	QueueReplicationFactor int `yaml:"queue_replication_factor"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool    `yaml:"log_json"`

	DataDir     string `yaml:"data_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config populated with sane cluster defaults:
// election timeout 3-5s, heartbeat 1s, replication factor 2, phi
// threshold 8.0, lease expiry 60s.
func Default() Config {
	return Config{
		NodeHost:               "127.0.0.1",
		NodePort:               8001,
		HeartbeatInterval:      time.Second,
		ElectionTimeoutMin:     3 * time.Second,
		ElectionTimeoutMax:     5 * time.Second,
		LockSweepInterval:      5 * time.Second,
		LeaseExpiry:            60 * time.Second,
		FailureDetectorT:       8.0,
		CacheSize:              1000,
		CachePolicy:            CacheLRU,
		CacheProtocol:          "MESI",
		QueueReplicationFactor: 2,
		LogLevel:               "info",
		DataDir:                "./data",
		MetricsAddr:            "",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configs that would fail to bind a port or form a
// cluster, so a bad config fails fast at startup instead of mid-run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.NodePort <= 0 {
		return fmt.Errorf("node_port must be positive")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("election_timeout_min/max must satisfy 0 < min <= max")
	}
	switch c.CachePolicy {
	case CacheLRU, CacheLFU, CacheFIFO:
	default:
		return fmt.Errorf("unknown cache_policy %q", c.CachePolicy)
	}
	return nil
}

// QueuePort is the queue RPC listener port for this node (node_port+100).
func (c Config) QueuePort() int { return c.NodePort + 100 }

// CachePort is the cache RPC listener port for this node (node_port+200).
func (c Config) CachePort() int { return c.NodePort + 200 }
