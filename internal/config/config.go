// Package config loads client and server settings from defaults, an
// optional TOML file and KEEPER_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ClientConfig configures a client session.
type ClientConfig struct {
	Address        string        `toml:"address"         env:"KEEPER_ADDRESS"`
	SessionTimeout time.Duration `toml:"session_timeout" env:"KEEPER_SESSION_TIMEOUT"`
	ConnectTimeout time.Duration `toml:"connect_timeout" env:"KEEPER_CONNECT_TIMEOUT"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"KEEPER_REQUEST_TIMEOUT"`
	RetryBudget    time.Duration `toml:"retry_budget"    env:"KEEPER_RETRY_BUDGET"`
	RetryDelay     time.Duration `toml:"retry_delay"     env:"KEEPER_RETRY_DELAY"`
	// MaxConcurrentHandlers bounds parallel watch handlers; 0 is unbounded.
	MaxConcurrentHandlers int `toml:"max_concurrent_handlers" env:"KEEPER_MAX_CONCURRENT_HANDLERS"`
}

// ServerConfig configures a keeperd process.
type ServerConfig struct {
	Addr              string        `toml:"addr"                env:"KEEPER_LISTEN"`
	DataDir           string        `toml:"data_dir"            env:"KEEPER_DATA_DIR"`
	TickInterval      time.Duration `toml:"tick_interval"       env:"KEEPER_TICK_INTERVAL"`
	MinSessionTimeout time.Duration `toml:"min_session_timeout" env:"KEEPER_MIN_SESSION_TIMEOUT"`
	MaxSessionTimeout time.Duration `toml:"max_session_timeout" env:"KEEPER_MAX_SESSION_TIMEOUT"`
	MaxPollWait       time.Duration `toml:"max_poll_wait"       env:"KEEPER_MAX_POLL_WAIT"`
}

// DefaultClientConfig returns settings suitable for a local server.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:        "127.0.0.1:2281",
		SessionTimeout: 10 * time.Second,
		ConnectTimeout: 15 * time.Second,
		RequestTimeout: 2 * time.Second,
		RetryBudget:    3 * time.Second,
		RetryDelay:     50 * time.Millisecond,
	}
}

// DefaultServerConfig returns in-memory server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":2281",
		TickInterval:      200 * time.Millisecond,
		MinSessionTimeout: 500 * time.Millisecond,
		MaxSessionTimeout: 60 * time.Second,
		MaxPollWait:       5 * time.Second,
	}
}

// LoadClientConfig applies the TOML file at path (skipped when empty) and
// then the environment on top of the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadServerConfig is LoadClientConfig for the server.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := env.Parse(out); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings the client cannot run with.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("client config missing address")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("client config session_timeout must be positive")
	}
	if c.RetryBudget <= 0 {
		return fmt.Errorf("client config retry_budget must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("client config retry_delay must be positive")
	}
	if c.MaxConcurrentHandlers < 0 {
		return fmt.Errorf("client config max_concurrent_handlers must not be negative")
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("server config tick_interval must be positive")
	}
	if c.MinSessionTimeout <= 0 || c.MaxSessionTimeout < c.MinSessionTimeout {
		return fmt.Errorf("server config session timeout bounds are invalid")
	}
	if c.MaxPollWait <= 0 {
		return fmt.Errorf("server config max_poll_wait must be positive")
	}
	return nil
}
