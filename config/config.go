// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the validator watcher.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Broker     BrokerConfig     `yaml:"broker"`
	Storage    StorageConfig    `yaml:"storage"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Chain      ChainConfig      `yaml:"chain"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Health     HealthConfig     `yaml:"health"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Otel       OtelConfig       `yaml:"otel"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BrokerConfig holds durable queue broker settings.
type BrokerConfig struct {
	Type         string        `yaml:"type"` // memory, redis
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	MaxRetries   int           `yaml:"max_retries"` // client-side command retries before a call fails
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"` // workers per queue
	DrainOnOpen  bool          `yaml:"drain_on_open"`
}

// StorageConfig holds outbox store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, sqlite, postgres

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// SQL settings (sqlite file path or postgres URL)
	DSN string `yaml:"dsn"`
}

// TelegramConfig holds notifier settings.
type TelegramConfig struct {
	Token          string               `yaml:"token"`
	APIURL         string               `yaml:"api_url"`
	ChatIDs        []string             `yaml:"chat_ids"`
	Timeout        time.Duration        `yaml:"timeout"`
	Rate           float64              `yaml:"rate"` // messages per second
	Burst          int                  `yaml:"burst"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ChainConfig describes the watched validator and the chain endpoints.
type ChainConfig struct {
	VoterAddress     string          `yaml:"voter_address"`
	OperatorAddress  string          `yaml:"operator_address"`
	ConsensusAddress string          `yaml:"consensus_address"`
	Moniker          string          `yaml:"moniker"`
	Denom            string          `yaml:"denom"`
	LCDURLs          []string        `yaml:"lcd_urls"`
	WSURLs           []string        `yaml:"ws_urls"`
	RPCEndpoints     []RPCEndpoint   `yaml:"rpc_endpoints"`
	BalanceThreshold float64         `yaml:"balance_threshold"`
	UptimeThreshold  UptimeThreshold `yaml:"uptime_threshold"`
	PollVoteLookback time.Duration   `yaml:"poll_vote_lookback"`
	RequestTimeout   time.Duration   `yaml:"request_timeout"`
	MaxBlockLag      time.Duration   `yaml:"max_block_lag"`
}

// RPCEndpoint is a named RPC endpoint probed by the RPC health checker.
type RPCEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// UptimeThreshold holds uptime percentages. Uptime below High is reported,
// and each lower bound marks a more severe level.
type UptimeThreshold struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// JobsConfig holds the repeat interval of every recurring job.
type JobsConfig struct {
	SendNotifications time.Duration `yaml:"send_notifications"`
	Uptime            time.Duration `yaml:"uptime"`
	PollVote          time.Duration `yaml:"poll_vote"`
	RPCHealth         time.Duration `yaml:"rpc_health"`
	Balance           time.Duration `yaml:"balance"`
}

// DispatcherConfig holds notification delivery settings.
type DispatcherConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryPriority int           `yaml:"retry_priority"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Concurrency   int           `yaml:"concurrency"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	JobCheckInterval time.Duration `yaml:"job_check_interval"`
	AppCheckInterval time.Duration `yaml:"app_check_interval"`
	HTTPEnabled      bool          `yaml:"http_enabled"`
	HTTPAddr         string        `yaml:"http_addr"`
}

// LifecycleConfig holds startup and shutdown settings.
type LifecycleConfig struct {
	MaxStartAttempts int           `yaml:"max_start_attempts"`
	StartBaseDelay   time.Duration `yaml:"start_base_delay"`
	JobRetryInterval time.Duration `yaml:"job_retry_interval"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Broker: BrokerConfig{
			Type:         "redis",
			Addr:         "localhost:6379",
			Prefix:       "valwatch",
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			PollInterval: 500 * time.Millisecond,
			Concurrency:  1,
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/valwatch/data",
		},
		Telegram: TelegramConfig{
			APIURL:  "https://api.telegram.org",
			Timeout: 10 * time.Second,
			Rate:    25, // Bot API allows ~30 msg/s
			Burst:   5,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Chain: ChainConfig{
			Denom:            "uaxl",
			BalanceThreshold: 5_000_000,
			UptimeThreshold: UptimeThreshold{
				Low:    80,
				Medium: 90,
				High:   98,
			},
			PollVoteLookback: 12 * time.Hour,
			RequestTimeout:   10 * time.Second,
			MaxBlockLag:      time.Minute,
		},
		Jobs: JobsConfig{
			SendNotifications: 10 * time.Second,
			Uptime:            time.Minute,
			PollVote:          time.Minute,
			RPCHealth:         time.Minute,
			Balance:           time.Hour,
		},
		Dispatcher: DispatcherConfig{
			MaxRetries:    3,
			RetryPriority: 10,
			RetryAttempts: 3,
			RetryBackoff:  2 * time.Second,
			Concurrency:   8,
		},
		Health: HealthConfig{
			JobCheckInterval: 5 * time.Minute,
			AppCheckInterval: time.Minute,
			HTTPEnabled:      true,
			HTTPAddr:         ":8081",
		},
		Lifecycle: LifecycleConfig{
			MaxStartAttempts: 3,
			StartBaseDelay:   time.Second,
			JobRetryInterval: 5 * time.Second,
			ShutdownTimeout:  30 * time.Second,
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "valwatch",
			ServiceVersion:  "0.1.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file and overlays environment variables.
// If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := FromEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Broker.Type {
	case "memory":
	case "redis":
		if c.Broker.Addr == "" {
			return fmt.Errorf("broker.addr required when type is redis")
		}
	default:
		return fmt.Errorf("broker.type must be one of: memory, redis")
	}
	if c.Broker.PollInterval <= 0 {
		return fmt.Errorf("broker.poll_interval must be positive")
	}
	if c.Broker.Concurrency < 1 {
		return fmt.Errorf("broker.concurrency must be at least 1")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when type is badger")
		}
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required when type is %s", c.Storage.Type)
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger, sqlite, postgres")
	}

	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token cannot be empty")
	}
	if err := validateURL(c.Telegram.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("telegram.api_url: %w", err)
	}
	if c.Telegram.Rate <= 0 || c.Telegram.Burst < 1 {
		return fmt.Errorf("telegram.rate must be positive and telegram.burst at least 1")
	}
	if c.Telegram.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("telegram.circuit_breaker.failure_threshold must be at least 1")
	}

	if !strings.HasPrefix(c.Chain.VoterAddress, "axelar1") {
		return fmt.Errorf("chain.voter_address must be an axelar1... account address")
	}
	if len(c.Chain.LCDURLs) == 0 {
		return fmt.Errorf("chain.lcd_urls cannot be empty")
	}
	for i, u := range c.Chain.LCDURLs {
		if err := validateURL(u, "http", "https"); err != nil {
			return fmt.Errorf("chain.lcd_urls[%d]: %w", i, err)
		}
	}
	for i, u := range c.Chain.WSURLs {
		if err := validateURL(u, "ws", "wss"); err != nil {
			return fmt.Errorf("chain.ws_urls[%d]: %w", i, err)
		}
	}
	for i, ep := range c.Chain.RPCEndpoints {
		if ep.Name == "" {
			return fmt.Errorf("chain.rpc_endpoints[%d].name cannot be empty", i)
		}
		if err := validateURL(ep.URL, "http", "https"); err != nil {
			return fmt.Errorf("chain.rpc_endpoints[%d].url: %w", i, err)
		}
	}
	if c.Chain.BalanceThreshold <= 0 {
		return fmt.Errorf("chain.balance_threshold must be positive")
	}
	ut := c.Chain.UptimeThreshold
	if !(0 < ut.Low && ut.Low <= ut.Medium && ut.Medium <= ut.High && ut.High <= 100) {
		return fmt.Errorf("chain.uptime_threshold must satisfy 0 < low <= medium <= high <= 100")
	}

	intervals := map[string]time.Duration{
		"jobs.send_notifications":   c.Jobs.SendNotifications,
		"jobs.uptime":               c.Jobs.Uptime,
		"jobs.poll_vote":            c.Jobs.PollVote,
		"jobs.rpc_health":           c.Jobs.RPCHealth,
		"jobs.balance":              c.Jobs.Balance,
		"health.job_check_interval": c.Health.JobCheckInterval,
		"health.app_check_interval": c.Health.AppCheckInterval,
	}
	for name, d := range intervals {
		if d < time.Second {
			return fmt.Errorf("%s must be at least 1 second", name)
		}
	}

	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries cannot be negative")
	}
	if c.Dispatcher.RetryAttempts < 1 {
		return fmt.Errorf("dispatcher.retry_attempts must be at least 1")
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be at least 1")
	}

	if c.Lifecycle.MaxStartAttempts < 1 {
		return fmt.Errorf("lifecycle.max_start_attempts must be at least 1")
	}
	if c.Lifecycle.JobRetryInterval <= 0 {
		return fmt.Errorf("lifecycle.job_retry_interval must be positive")
	}

	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of the schemes %v", raw, schemes)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
