package viewsync

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Default configuration values.
const (
	// DefaultPingInterval is the keepalive ping cadence
	DefaultPingInterval = 15 * time.Second
	// DefaultHandshakeTimeout bounds the websocket dial
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write
	DefaultWriteTimeout = 5 * time.Second
	// DefaultMaxEntriesPerView caps entries held per view
	DefaultMaxEntriesPerView = 10000
	// DefaultUpdateBufferSize is the per-consumer update channel capacity
	DefaultUpdateBufferSize = 1024
)

// DefaultReconnectSchedule returns the default backoff schedule between
// connection attempts.
func DefaultReconnectSchedule() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
}

// Config holds client configuration.
//
// Use DefaultConfig() to create a configuration with sensible defaults:
//
//	cfg := viewsync.DefaultConfig("wss://sync.example.com/ws").
//	    WithAutoReconnect(false).
//	    WithMaxEntriesPerView(500)
type Config struct {
	// URL is the websocket endpoint (required, ws:// or wss:// scheme)
	URL string

	// ReconnectSchedule lists waits between successive connection attempts.
	// A schedule of N waits permits N+1 attempts per connect cycle.
	ReconnectSchedule []time.Duration

	// AutoReconnect re-runs the connect cycle after an established
	// connection drops
	AutoReconnect bool

	// PingInterval is the keepalive cadence; zero disables keepalive
	PingInterval time.Duration

	// HandshakeTimeout bounds the websocket dial
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound write
	WriteTimeout time.Duration

	// Headers are sent with the websocket handshake
	Headers http.Header

	// MaxEntriesPerView caps entries held per view; zero means unbounded
	MaxEntriesPerView int

	// UpdateBufferSize is the capacity of each Updates channel
	UpdateBufferSize int

	// Logger receives client log output; nil uses the logrus standard logger
	Logger *logrus.Logger

	// Observer receives lifecycle callbacks; nil means no observation
	Observer Observer
}

// DefaultConfig returns a configuration for the given endpoint with default
// values applied.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		ReconnectSchedule: DefaultReconnectSchedule(),
		AutoReconnect:     true,
		PingInterval:      DefaultPingInterval,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		Headers:           http.Header{},
		MaxEntriesPerView: DefaultMaxEntriesPerView,
		UpdateBufferSize:  DefaultUpdateBufferSize,
		Observer:          &NoopObserver{},
	}
}

// WithReconnectSchedule sets the waits between connection attempts.
func (c *Config) WithReconnectSchedule(schedule []time.Duration) *Config {
	c.ReconnectSchedule = schedule
	return c
}

// WithAutoReconnect toggles automatic reconnection after a drop.
func (c *Config) WithAutoReconnect(enabled bool) *Config {
	c.AutoReconnect = enabled
	return c
}

// WithPingInterval sets the keepalive cadence. Zero disables keepalive.
func (c *Config) WithPingInterval(d time.Duration) *Config {
	c.PingInterval = d
	return c
}

// WithHandshakeTimeout sets the websocket dial bound.
func (c *Config) WithHandshakeTimeout(d time.Duration) *Config {
	c.HandshakeTimeout = d
	return c
}

// WithWriteTimeout sets the outbound write bound.
func (c *Config) WithWriteTimeout(d time.Duration) *Config {
	c.WriteTimeout = d
	return c
}

// WithHeader adds a handshake header.
func (c *Config) WithHeader(key, value string) *Config {
	if c.Headers == nil {
		c.Headers = http.Header{}
	}
	c.Headers.Set(key, value)
	return c
}

// WithMaxEntriesPerView caps entries held per view. Zero means unbounded.
func (c *Config) WithMaxEntriesPerView(n int) *Config {
	c.MaxEntriesPerView = n
	return c
}

// WithUpdateBufferSize sets the per-consumer update channel capacity.
func (c *Config) WithUpdateBufferSize(n int) *Config {
	c.UpdateBufferSize = n
	return c
}

// WithLogger sets the logger.
func (c *Config) WithLogger(l *logrus.Logger) *Config {
	c.Logger = l
	return c
}

// WithObserver sets the observer.
func (c *Config) WithObserver(o Observer) *Config {
	c.Observer = o
	return c
}

// Validate checks the configuration, returning an error wrapping
// ErrInvalidConfig when a value is unusable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return &ConfigError{Field: "URL", Reason: "URL is required"}
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return &ConfigError{Field: "URL", Reason: "URL must use ws:// or wss:// scheme"}
	}
	for _, d := range c.ReconnectSchedule {
		if d < 0 {
			return &ConfigError{Field: "ReconnectSchedule", Reason: "schedule waits must be non-negative"}
		}
	}
	if c.PingInterval < 0 {
		return &ConfigError{Field: "PingInterval", Reason: "ping interval must be non-negative"}
	}
	if c.MaxEntriesPerView < 0 {
		return &ConfigError{Field: "MaxEntriesPerView", Reason: "entry cap must be non-negative"}
	}
	if c.UpdateBufferSize <= 0 {
		return &ConfigError{Field: "UpdateBufferSize", Reason: "update buffer size must be positive"}
	}
	return nil
}

// logger returns the configured logger or the logrus standard logger.
func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// observer returns the configured observer or a no-op.
func (c *Config) observer() Observer {
	if c.Observer != nil {
		return c.Observer
	}
	return &NoopObserver{}
}
