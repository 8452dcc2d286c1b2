// Package transport owns the websocket session with the recognition service:
// the handshake, the paced send path, the receive path and reconnection.
package transport

import (
	"fmt"
	"net/url"
	"time"

	"ai-speech-turn-client/internal/service/protocol"
)

// Config is the immutable session configuration, credentials included.
type Config struct {
	Endpoint string
	APIKey   string

	Model             string
	Encoding          string
	SampleRate        int
	EOTThreshold      float64
	EagerEOTThreshold float64
	EOTTimeout        time.Duration

	QueueCapacity int
	PushTimeout   time.Duration

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	IdleTimeout    time.Duration
	CloseGrace     time.Duration
	PingInterval   time.Duration

	MaxReconnects    int
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration

	MaxDecodeFailures int
	MaxInFlight       int
}

// DefaultConfig returns the Flux defaults. Endpoint and APIKey are left to the caller.
func DefaultConfig() Config {
	return Config{
		Model:             "flux-general-en",
		Encoding:          "linear16",
		SampleRate:        16000,
		EOTThreshold:      0.8,
		EagerEOTThreshold: 0.6,
		EOTTimeout:        5 * time.Second,
		QueueCapacity:     256,
		PushTimeout:       2 * time.Second,
		ConnectTimeout:    10 * time.Second,
		SendTimeout:       5 * time.Second,
		IdleTimeout:       30 * time.Second,
		CloseGrace:        3 * time.Second,
		PingInterval:      10 * time.Second,
		MaxReconnects:     5,
		ReconnectBackoff:  250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		MaxDecodeFailures: 10,
		MaxInFlight:       1024,
	}
}

// Validate fails fast with a BadConfig ConnectError.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return &ConnectError{Kind: BadConfig, Err: fmt.Errorf(format, args...)}
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return bad("invalid endpoint: %v", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return bad("endpoint must be a ws:// or wss:// URL, got %q", c.Endpoint)
	}
	// NaN compares false, so the ranges are written as negations.
	if !(c.EOTThreshold >= 0 && c.EOTThreshold <= 1) {
		return bad("eot threshold %v outside [0,1]", c.EOTThreshold)
	}
	if !(c.EagerEOTThreshold >= 0 && c.EagerEOTThreshold <= c.EOTThreshold) {
		return bad("eager eot threshold %v must be within [0,%v]", c.EagerEOTThreshold, c.EOTThreshold)
	}
	// eot_timeout_ms is sent in whole milliseconds.
	if c.EOTTimeout < time.Millisecond {
		return bad("eot timeout must be at least 1ms, got %v", c.EOTTimeout)
	}
	if c.SampleRate <= 0 {
		return bad("sample rate must be positive")
	}
	if c.Encoding == "" {
		return bad("encoding is required")
	}
	if c.QueueCapacity <= 0 {
		return bad("queue capacity must be positive")
	}
	if c.ConnectTimeout <= 0 || c.SendTimeout <= 0 || c.IdleTimeout <= 0 || c.CloseGrace <= 0 {
		return bad("connect, send, idle and close timeouts must be positive")
	}
	if c.MaxReconnects < 0 || c.MaxDecodeFailures < 0 {
		return bad("reconnect and decode failure limits must not be negative")
	}
	if c.MaxInFlight <= 0 {
		return bad("max in-flight frames must be positive")
	}
	return nil
}

// Params returns the parameters sent in the Configure message.
func (c Config) Params() protocol.Params {
	return protocol.Params{
		Model:             c.Model,
		Encoding:          c.Encoding,
		SampleRate:        c.SampleRate,
		EOTThreshold:      c.EOTThreshold,
		EagerEOTThreshold: c.EagerEOTThreshold,
		EOTTimeoutMs:      c.EOTTimeout.Milliseconds(),
	}
}

// URL returns the endpoint with the session parameters in its query string.
func (c Config) URL() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range protocol.ConfigQuery(c.Params()) {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
