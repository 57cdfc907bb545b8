// Package config loads billing tunables from an optional YAML file overlaid with TOLLGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tollgate-video/tollgate/pkg/money"
	"gopkg.in/yaml.v3"
)

const envPrefix = "tollgate"

// Durable ledger drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	// UnitCost is the price of one billable media segment, decimal major units ("0.0002").
	UnitCost string `yaml:"unitCost" split_words:"true"`
	// EarningsBasisPoints is the creator share of each settled deduction; 10000 = 1:1.
	EarningsBasisPoints int64 `yaml:"earningsBasisPoints" split_words:"true"`

	SettlementPeriod time.Duration `yaml:"settlementPeriod" split_words:"true"`
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout" split_words:"true"`
	ReaperInterval   time.Duration `yaml:"reaperInterval"   split_words:"true"`
	TeardownTimeout  time.Duration `yaml:"teardownTimeout"  split_words:"true"`
	SettleTimeout    time.Duration `yaml:"settleTimeout"    split_words:"true"`
	LeaseTimeout     time.Duration `yaml:"leaseTimeout"     split_words:"true"`

	PendingTTL   time.Duration `yaml:"pendingTtl"   envconfig:"PENDING_TTL"`
	SessionTTL   time.Duration `yaml:"sessionTtl"   envconfig:"SESSION_TTL"`
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl" envconfig:"HEARTBEAT_TTL"`

	DurableDriver string `yaml:"durableDriver" split_words:"true"`
	SQLitePath    string `yaml:"sqlitePath"    envconfig:"SQLITE_PATH"`

	NotifyWorkers   int `yaml:"notifyWorkers"   split_words:"true"`
	NotifyQueueSize int `yaml:"notifyQueueSize" split_words:"true"`
	SettleWorkers   int `yaml:"settleWorkers"   split_words:"true"`
	RetryMaxAttempt int `yaml:"retryMaxAttempt" split_words:"true"`

	JWTSecret  string `yaml:"-" envconfig:"JWT_SECRET"`
	AdminToken string `yaml:"-" split_words:"true"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		UnitCost:            "0.0002",
		EarningsBasisPoints: 10000,
		SettlementPeriod:    10 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		ReaperInterval:      30 * time.Second,
		TeardownTimeout:     5 * time.Second,
		SettleTimeout:       10 * time.Second,
		LeaseTimeout:        30 * time.Second,
		PendingTTL:          24 * time.Hour,
		SessionTTL:          time.Hour,
		HeartbeatTTL:        5 * time.Minute,
		DurableDriver:       DriverPostgres,
		SQLitePath:          "tollgate.db",
		NotifyWorkers:       4,
		NotifyQueueSize:     1024,
		SettleWorkers:       8,
		RetryMaxAttempt:     10,
		AdminToken:          "devtoken",
		JWTSecret:           "change-me-please",
	}
}

// Load reads path (when non-empty) then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnitCostAmount returns UnitCost as an integer amount. Validate guarantees it parses.
func (c *Config) UnitCostAmount() money.Amount {
	a, _ := money.Parse(c.UnitCost)
	return a
}

func (c *Config) Validate() error {
	var errs []error
	cost, err := money.Parse(c.UnitCost)
	if err != nil {
		errs = append(errs, fmt.Errorf("unitCost: %w", err))
	} else if cost <= 0 {
		errs = append(errs, errors.New("unitCost must be positive"))
	}
	if c.EarningsBasisPoints < 0 || c.EarningsBasisPoints > 10000 {
		errs = append(errs, fmt.Errorf("earningsBasisPoints %d outside [0,10000]", c.EarningsBasisPoints))
	}
	for name, d := range map[string]time.Duration{
		"settlementPeriod": c.SettlementPeriod,
		"heartbeatTimeout": c.HeartbeatTimeout,
		"reaperInterval":   c.ReaperInterval,
		"teardownTimeout":  c.TeardownTimeout,
		"settleTimeout":    c.SettleTimeout,
		"leaseTimeout":     c.LeaseTimeout,
		"pendingTtl":       c.PendingTTL,
		"sessionTtl":       c.SessionTTL,
		"heartbeatTtl":     c.HeartbeatTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.HeartbeatTTL < c.HeartbeatTimeout {
		errs = append(errs, errors.New("heartbeatTtl must not be shorter than heartbeatTimeout"))
	}
	// A lease younger than leaseTimeout may still belong to a commit running under settleTimeout.
	if c.LeaseTimeout < 2*c.SettleTimeout {
		errs = append(errs, fmt.Errorf("leaseTimeout %s must be at least twice settleTimeout %s", c.LeaseTimeout, c.SettleTimeout))
	}
	if c.PendingTTL < c.SettlementPeriod {
		errs = append(errs, errors.New("pendingTtl must outlive settlementPeriod"))
	}
	switch c.DurableDriver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("durableDriver %q must be %q or %q", c.DurableDriver, DriverPostgres, DriverSQLite))
	}
	return errors.Join(errs...)
}
