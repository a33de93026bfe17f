// Package config loads and validates the realtime client configuration.
//
// Config files are YAML or JSON5. Environment variables are expanded before
// parsing, so secrets can be referenced as ${BAZAAR_TOKEN}. Zero values are
// replaced by defaults on load, and a watcher can hot-reload tunables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bazaarhq/realtime/internal/observability"
)

// Config is the top-level client configuration.
type Config struct {
	// Gateway configures the realtime websocket endpoint.
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`

	// API configures the REST endpoint.
	API APIConfig `yaml:"api" json:"api"`

	// Reconnect configures the bounded automatic reconnection policy.
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`

	// Typing configures the typing-indicator windows.
	Typing TypingConfig `yaml:"typing" json:"typing"`

	// Log configures structured logging.
	Log observability.LogConfig `yaml:"log" json:"log"`

	// Trace configures OpenTelemetry tracing.
	Trace observability.TraceConfig `yaml:"trace" json:"trace"`
}

// GatewayConfig configures the websocket transport.
type GatewayConfig struct {
	// URL is the websocket endpoint, e.g. "wss://gateway.bazaar.example/ws".
	URL string `yaml:"url" json:"url"`

	// DialTimeout bounds one connection attempt (default 10s).
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// PingInterval is the client keepalive ping cadence (default 15s).
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`

	// PongWait is how long to wait for a pong before declaring the
	// connection dead (default 45s).
	PongWait time.Duration `yaml:"pong_wait" json:"pong_wait"`

	// OutboundRate limits outbound events per second (default 25).
	// Bursts up to OutboundBurst are allowed (default 50).
	OutboundRate  float64 `yaml:"outbound_rate" json:"outbound_rate"`
	OutboundBurst int     `yaml:"outbound_burst" json:"outbound_burst"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	// BaseURL is the REST API root, e.g. "https://api.bazaar.example/v1".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Timeout bounds one REST request (default 30s).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// PageSize is the default history page size (default 50, max 200).
	PageSize int `yaml:"page_size" json:"page_size"`
}

// ReconnectConfig configures automatic reconnection. The server can tune
// these via config hot-reload.
type ReconnectConfig struct {
	// MaxAttempts bounds consecutive reconnection attempts before the
	// connection is declared failed (default 5).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Delay is the fixed delay between attempts (default 2s).
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// TypingConfig configures typing-indicator behavior.
type TypingConfig struct {
	// DebounceWindow is the minimum interval between repeated local
	// typing-start emissions (default 3s).
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window"`

	// IdleTimeout is how long after the last keystroke a typing-stop is
	// emitted automatically (default 2500ms).
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// RemoteTTL is how long a remote typing-start stays visible without a
	// refresh or stop (default 5s). Guards against dropped stop events.
	RemoteTTL time.Duration `yaml:"remote_ttl" json:"remote_ttl"`
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Gateway.DialTimeout <= 0 {
		c.Gateway.DialTimeout = 10 * time.Second
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = 15 * time.Second
	}
	if c.Gateway.PongWait <= 0 {
		c.Gateway.PongWait = 45 * time.Second
	}
	if c.Gateway.OutboundRate <= 0 {
		c.Gateway.OutboundRate = 25
	}
	if c.Gateway.OutboundBurst <= 0 {
		c.Gateway.OutboundBurst = 50
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.PageSize <= 0 {
		c.API.PageSize = 50
	}
	if c.API.PageSize > 200 {
		c.API.PageSize = 200
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = 2 * time.Second
	}
	if c.Typing.DebounceWindow <= 0 {
		c.Typing.DebounceWindow = 3 * time.Second
	}
	if c.Typing.IdleTimeout <= 0 {
		c.Typing.IdleTimeout = 2500 * time.Millisecond
	}
	if c.Typing.RemoteTTL <= 0 {
		c.Typing.RemoteTTL = 5 * time.Second
	}
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Gateway.URL == "" {
		problems = append(problems, "gateway.url is required")
	} else if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		problems = append(problems, "gateway.url must use ws:// or wss://")
	}
	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	} else if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		problems = append(problems, "api.base_url must use http:// or https://")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
