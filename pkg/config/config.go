// Package config provides configuration management for the edge-stream
// relay engine, in the same torrc-style Config/LoadFromFile shape the
// original client used.
package config

import (
	"fmt"
	"time"
)

// Config represents the relay engine's configuration.
//
// cmd/tor-edge-relay reads SocksPort, ListenAddress, DataDirectory,
// LogLevel, HalfCloseEnabled, ResolveTimeout and ConnectTimeout. The other
// fields are loaded and validated but nothing outside this package reads
// them: the stream and circuit windows are pkg/flowctl's fixed constants,
// and the outbuf level that withholds SENDMEs is bytebuf.OutbufHighWaterMark.
type Config struct {
	// Network settings
	SocksPort     int    // SOCKS4 proxy port (default: 9050)
	ListenAddress string // Address the SOCKS listener binds (default: 127.0.0.1)
	DataDirectory string // Directory for persistent state

	// Flow control (spec section 3/7.4)
	StreamWindowStart     int // Initial per-stream package/deliver window
	StreamWindowIncrement int // SENDME credit granted per stream-level SENDME
	CircWindowStart       int // Initial per-circuit package/deliver window
	CircWindowIncrement   int // SENDME credit granted per circuit-level SENDME

	// Buffering (spec section 4.2/4.3)
	OutbufHighWaterMark int // outbuf bytes above which SENDME emission is withheld

	// HalfCloseEnabled allows a stream to keep flushing already-buffered
	// data after done_sending is set instead of closing immediately,
	// matching the original's half-open shutdown extension. Default off.
	HalfCloseEnabled bool

	// ConnLimit caps concurrent edge connections (default: 1000)
	ConnLimit int

	// Circuit isolation
	IsolationLevel      string // Isolation level: "none", "destination", "credential", "port", "session" (default: "none")
	IsolateDestinations bool   // Isolate circuits by destination host:port (default: false)
	IsolateSOCKSAuth    bool   // Isolate circuits by SOCKS4 userid (default: false)
	IsolateClientPort   bool   // Isolate circuits by client source port (default: false)

	// ResolveTimeout bounds the exit-side DNS lookup a RELAY_BEGIN triggers.
	ResolveTimeout time.Duration
	// ConnectTimeout bounds the exit-side TCP connect a RELAY_BEGIN triggers.
	ConnectTimeout time.Duration

	// Logging
	LogLevel string // Log level: debug, info, warn, error (default: info)

	// Monitoring
	MetricsPort   int  // HTTP metrics server port (default: 0 = disabled)
	EnableMetrics bool // Enable HTTP metrics endpoint (default: false)

	EnableBufferPooling bool // Enable buffer pooling for cell/payload operations (default: true)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SocksPort:             9050,
		ListenAddress:         "127.0.0.1",
		DataDirectory:         "./go-tor-edge-data",
		StreamWindowStart:     500,
		StreamWindowIncrement: 50,
		CircWindowStart:       1000,
		CircWindowIncrement:   100,
		OutbufHighWaterMark:   32 * 1024,
		HalfCloseEnabled:      false,
		ConnLimit:             1000,
		IsolationLevel:        "none",
		IsolateDestinations:   false,
		IsolateSOCKSAuth:      false,
		IsolateClientPort:     false,
		ResolveTimeout:        10 * time.Second,
		ConnectTimeout:        30 * time.Second,
		LogLevel:              "info",
		MetricsPort:           0,
		EnableMetrics:         false,
		EnableBufferPooling:   true,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SocksPort < 0 || c.SocksPort > 65535 {
		return fmt.Errorf("invalid SocksPort: %d", c.SocksPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid MetricsPort: %d", c.MetricsPort)
	}
	if c.SocksPort > 0 && c.SocksPort == c.MetricsPort {
		return fmt.Errorf("port conflict: SocksPort and MetricsPort both %d", c.SocksPort)
	}
	if c.StreamWindowStart <= 0 || c.StreamWindowIncrement <= 0 {
		return fmt.Errorf("StreamWindowStart/StreamWindowIncrement must be positive")
	}
	if c.CircWindowStart <= 0 || c.CircWindowIncrement <= 0 {
		return fmt.Errorf("CircWindowStart/CircWindowIncrement must be positive")
	}
	if c.OutbufHighWaterMark <= 0 {
		return fmt.Errorf("OutbufHighWaterMark must be positive")
	}
	if c.ConnLimit < 1 {
		return fmt.Errorf("ConnLimit must be at least 1")
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("ResolveTimeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("ConnectTimeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validIsolationLevels := map[string]bool{
		"none": true, "destination": true, "credential": true, "port": true, "session": true,
	}
	if !validIsolationLevels[c.IsolationLevel] {
		return fmt.Errorf("invalid IsolationLevel: %s (must be none, destination, credential, port, or session)", c.IsolationLevel)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
