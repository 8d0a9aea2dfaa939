package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Processor ProcessorConfig `yaml:"processor"`
	TSEs      []TSEConfig     `yaml:"tses"`
	Policy    PolicyConfig    `yaml:"policy"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Alert     AlertConfig     `yaml:"alert"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ProcessorConfig holds the settings of the signature processor loop.
type ProcessorConfig struct {
	WakeIntervalSeconds     int           `yaml:"wake_interval_seconds"`
	WakeInterval            time.Duration `yaml:"-"`
	ReassignEnabled         bool          `yaml:"reassign_enabled"`
	ReassignIntervalSeconds int           `yaml:"reassign_interval_seconds"`
	ReassignInterval        time.Duration `yaml:"-"`
}

// TSEConfig describes one configured signing device.
type TSEConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"ws_url"`
	Password string `yaml:"password"`
	// Driver selects the driver variant: "websocket" or "dummy".
	Driver    string `yaml:"driver"`
	DummyPath string `yaml:"dummy_path"`
}

// PolicyConfig holds the tunable load-balancing and timeout constants.
type PolicyConfig struct {
	MaxClientsPerTSE        int           `yaml:"max_clients_per_tse"`
	BacklogWarn             int           `yaml:"backlog_warn"`
	BacklogReject           int           `yaml:"backlog_reject"`
	RequestTimeoutSeconds   int           `yaml:"request_timeout_seconds"`
	RequestTimeout          time.Duration `yaml:"-"`
	SignTimeoutSeconds      int           `yaml:"sign_timeout_seconds"`
	SignTimeout             time.Duration `yaml:"-"`
	ReconnectBackoffSeconds int           `yaml:"reconnect_backoff_seconds"`
	ReconnectBackoff        time.Duration `yaml:"-"`
}

// MonitorConfig holds the settings of the read-only monitor API.
type MonitorConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// AlertConfig holds the VAPID keys for operator web push alerts.
type AlertConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
	PoolSize   int    `yaml:"pool_size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn must be configured")
	}

	if cfg.Processor.WakeIntervalSeconds <= 0 {
		cfg.Processor.WakeIntervalSeconds = 5
	}
	cfg.Processor.WakeInterval = time.Duration(cfg.Processor.WakeIntervalSeconds) * time.Second

	if cfg.Processor.ReassignIntervalSeconds <= 0 {
		cfg.Processor.ReassignIntervalSeconds = 10
	}
	cfg.Processor.ReassignInterval = time.Duration(cfg.Processor.ReassignIntervalSeconds) * time.Second

	if cfg.Policy.MaxClientsPerTSE <= 0 {
		cfg.Policy.MaxClientsPerTSE = 100
	}
	if cfg.Policy.BacklogWarn <= 0 {
		cfg.Policy.BacklogWarn = 8
	}
	if cfg.Policy.BacklogReject <= 0 {
		cfg.Policy.BacklogReject = 32
	}
	if cfg.Policy.RequestTimeoutSeconds <= 0 {
		cfg.Policy.RequestTimeoutSeconds = 5
	}
	cfg.Policy.RequestTimeout = time.Duration(cfg.Policy.RequestTimeoutSeconds) * time.Second

	if cfg.Policy.SignTimeoutSeconds <= 0 {
		cfg.Policy.SignTimeoutSeconds = 30
	}
	cfg.Policy.SignTimeout = time.Duration(cfg.Policy.SignTimeoutSeconds) * time.Second

	if cfg.Policy.ReconnectBackoffSeconds <= 0 {
		cfg.Policy.ReconnectBackoffSeconds = 2
	}
	cfg.Policy.ReconnectBackoff = time.Duration(cfg.Policy.ReconnectBackoffSeconds) * time.Second

	for i := range cfg.TSEs {
		if cfg.TSEs[i].Name == "" {
			return nil, fmt.Errorf("tses[%d].name must not be empty", i)
		}
		if cfg.TSEs[i].Driver == "" {
			cfg.TSEs[i].Driver = "websocket"
		}
	}

	if cfg.Alert.TTL <= 0 {
		cfg.Alert.TTL = 3600
	}
	if cfg.Alert.PoolSize <= 0 {
		if cfg.Alert.Enabled {
			log.Printf("alert.pool_size is not set or invalid; defaulting to 1")
		}
		cfg.Alert.PoolSize = 1
	}

	if cfg.Monitor.RateLimitPerSec <= 0 {
		cfg.Monitor.RateLimitPerSec = 10
	}
	if cfg.Monitor.CacheTTLSeconds <= 0 {
		cfg.Monitor.CacheTTLSeconds = 5
	}
	if cfg.Monitor.Port <= 0 {
		cfg.Monitor.Port = 8082
	}

	return &cfg, nil
}
