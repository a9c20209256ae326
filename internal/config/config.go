// Package config loads broker and worker configuration from a YAML
// file with QUARRY_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Store  StoreConfig  `yaml:"store"`
	Events EventsConfig `yaml:"events"`
	Worker WorkerConfig `yaml:"worker"`
}

type BrokerConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	ScanLimit         int    `yaml:"scan_limit"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	DefaultMaxRetries int    `yaml:"default_max_retries"`
	// FailurePolicy applies to workflows that name none:
	// fail_fast, continue or compensate.
	FailurePolicy string `yaml:"failure_policy"`

	WorkerTTL        time.Duration `yaml:"worker_ttl"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepMinAge      time.Duration `yaml:"sweep_min_age"`
}

type StoreConfig struct {
	// Backend selects the shared state store: "memory" or "etcd".
	Backend       string   `yaml:"backend"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

type EventsConfig struct {
	// DBPath is the DuckDB file for the event log and outbox; empty
	// keeps everything in memory.
	DBPath string `yaml:"db_path"`
	// Destination is the webhook endpoint terminal events are pushed
	// to; empty disables outbox delivery.
	Destination string `yaml:"destination"`
	// AuthToken may be stored enc:-prefixed; Load decrypts it.
	AuthToken string `yaml:"auth_token"`

	MaxRetries       int           `yaml:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerOpenFor   time.Duration `yaml:"breaker_open_for"`
}

type WorkerConfig struct {
	BrokerURL         string        `yaml:"broker_url"`
	WorkerID          string        `yaml:"worker_id"`
	MachineID         string        `yaml:"machine_id"`
	Connector         string        `yaml:"connector"`
	CapabilitiesFile  string        `yaml:"capabilities_file"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			ListenAddr:        ":8080",
			ScanLimit:         50,
			DefaultTimeoutSec: 600,
			DefaultMaxRetries: 3,
			FailurePolicy:     "fail_fast",
			WorkerTTL:         60 * time.Second,
			WatchdogInterval:  10 * time.Second,
			SweepInterval:     30 * time.Second,
			SweepMinAge:       time.Minute,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Events: EventsConfig{
			MaxRetries:       5,
			BackoffBase:      2 * time.Second,
			BackoffCap:       5 * time.Minute,
			PollInterval:     time.Second,
			BreakerThreshold: 5,
			BreakerOpenFor:   30 * time.Second,
		},
		Worker: WorkerConfig{
			BrokerURL:         "http://localhost:8080",
			Connector:         "simulation",
			CapabilitiesFile:  "capabilities.json",
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 20 * time.Second,
		},
	}
}

// Load reads the YAML file (if path is non-empty and exists), applies
// environment overrides and decrypts the webhook auth token.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if strings.HasPrefix(cfg.Events.AuthToken, encPrefix) {
		key, err := NewSecretKey()
		if err != nil {
			return cfg, err
		}
		token, err := key.Decrypt(cfg.Events.AuthToken)
		if err != nil {
			return cfg, fmt.Errorf("failed to decrypt webhook auth token: %w", err)
		}
		cfg.Events.AuthToken = token
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory", "etcd":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "etcd" && len(c.Store.EtcdEndpoints) == 0 {
		return fmt.Errorf("etcd backend requires at least one endpoint")
	}
	switch c.Broker.FailurePolicy {
	case "fail_fast", "continue", "compensate":
	default:
		return fmt.Errorf("unknown failure policy %q", c.Broker.FailurePolicy)
	}
	switch c.Worker.Connector {
	case "simulation", "docker":
	default:
		return fmt.Errorf("unknown connector %q", c.Worker.Connector)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Broker.ListenAddr, "QUARRY_LISTEN_ADDR")
	setInt(&cfg.Broker.ScanLimit, "QUARRY_SCAN_LIMIT")
	setString(&cfg.Broker.FailurePolicy, "QUARRY_FAILURE_POLICY")
	setString(&cfg.Store.Backend, "QUARRY_STORE_BACKEND")
	if v := os.Getenv("QUARRY_ETCD_ENDPOINTS"); v != "" {
		cfg.Store.EtcdEndpoints = strings.Split(v, ",")
	}
	setString(&cfg.Events.DBPath, "QUARRY_DB_PATH")
	setString(&cfg.Events.Destination, "QUARRY_WEBHOOK_URL")
	setString(&cfg.Events.AuthToken, "QUARRY_WEBHOOK_TOKEN")
	setString(&cfg.Worker.BrokerURL, "QUARRY_BROKER_URL")
	setString(&cfg.Worker.WorkerID, "QUARRY_WORKER_ID")
	setString(&cfg.Worker.MachineID, "QUARRY_MACHINE_ID")
	setString(&cfg.Worker.Connector, "QUARRY_CONNECTOR")
	setString(&cfg.Worker.CapabilitiesFile, "QUARRY_CAPABILITIES_FILE")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
