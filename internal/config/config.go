package config

import (
	"errors"
	"fmt"
	"time"
)

// Ledger drivers
const (
	LedgerPostgres = "postgres"
	LedgerMongo    = "mongo"
	LedgerMemory   = "memory"
)

// Config represents the fleetd configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Control     ControlConfig     `mapstructure:"control"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Nodes       NodesConfig       `mapstructure:"nodes"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LedgerConfig selects the subscription ledger backend
type LedgerConfig struct {
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// DatabaseConfig represents PostgreSQL ledger configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MongoConfig represents MongoDB ledger configuration
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig represents the Redis run guard configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// ControlConfig represents the node control channel configuration
type ControlConfig struct {
	InboundTag        string        `mapstructure:"inbound_tag"`
	Flow              string        `mapstructure:"flow"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	KeepaliveTime     time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// SchedulerConfig represents the periodic job configuration
type SchedulerConfig struct {
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	LedgerTimeout      time.Duration `mapstructure:"ledger_timeout"`
	RunOnStart         bool          `mapstructure:"run_on_start"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ExpiryInterval     time.Duration `mapstructure:"expiry_interval"`
	UsageInterval      time.Duration `mapstructure:"usage_interval"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	StatsInterval      time.Duration `mapstructure:"stats_interval"`
	NodeChangeCooldown time.Duration `mapstructure:"node_change_cooldown"`
}

// NodesConfig represents the node seed configuration
type NodesConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// RateLimiterConfig represents admin API rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig represents the liveness/readiness probe server
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	switch c.Ledger.Driver {
	case LedgerPostgres:
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case LedgerMongo:
		if c.Mongo.URI == "" {
			return errors.New("mongo.uri is required")
		}
		if c.Mongo.Database == "" {
			return errors.New("mongo.database is required")
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("ledger.driver must be one of: postgres, mongo, memory (got %q)", c.Ledger.Driver)
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Control.InboundTag == "" {
		return errors.New("control.inbound_tag is required")
	}
	if c.Control.CallTimeout <= 0 {
		return errors.New("control.call_timeout must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("scheduler.workers must be positive")
	}
	if c.Scheduler.LedgerTimeout <= 0 {
		return errors.New("scheduler.ledger_timeout must be positive")
	}
	for name, d := range map[string]time.Duration{
		"reconcile_interval": c.Scheduler.ReconcileInterval,
		"expiry_interval":    c.Scheduler.ExpiryInterval,
		"usage_interval":     c.Scheduler.UsageInterval,
		"health_interval":    c.Scheduler.HealthInterval,
		"sweep_interval":     c.Scheduler.SweepInterval,
		"stats_interval":     c.Scheduler.StatsInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("scheduler.%s must be positive", name)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Driver:      LedgerPostgres,
			AutoMigrate: true,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "fleet",
			User:            "fleetd",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "fleet",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
			LockTTL:  3 * time.Hour,
		},
		Control: ControlConfig{
			InboundTag:        "vless-in",
			Flow:              "xtls-rprx-vision",
			CallTimeout:       10 * time.Second,
			KeepaliveTime:     30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
		},
		Scheduler: SchedulerConfig{
			Workers:            8,
			QueueSize:          64,
			LedgerTimeout:      30 * time.Second,
			RunOnStart:         false,
			ReconcileInterval:  2 * time.Hour,
			ExpiryInterval:     time.Hour,
			UsageInterval:      30 * time.Minute,
			HealthInterval:     5 * time.Minute,
			SweepInterval:      24 * time.Hour,
			StatsInterval:      6 * time.Hour,
			NodeChangeCooldown: 24 * time.Hour,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
