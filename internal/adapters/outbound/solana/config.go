package solana

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SubscriberConfig holds the configuration for the websocket slot feed.
type SubscriberConfig struct {
	// WebSocketURL is the Solana websocket endpoint URL.
	// Example: wss://api.mainnet-beta.solana.com
	WebSocketURL string

	// InitialBackoff is the initial delay before reconnecting after a disconnect.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between reconnection attempts.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each failed attempt.
	BackoffFactor float64

	// PingInterval is how often to send ping messages to keep the connection alive.
	PingInterval time.Duration

	// PongTimeout bounds how long a ping write may take.
	PongTimeout time.Duration

	// ReadTimeout is the maximum time to wait for a message before considering the connection dead.
	ReadTimeout time.Duration

	// ChannelBufferSize is the size of the notification channel buffer.
	ChannelBufferSize int

	// HealthTimeout is how long without a message before the feed is unhealthy.
	HealthTimeout time.Duration

	// OnReconnect runs after every successful reconnect, before notifications resume.
	// It is not called for the first connection. Optional.
	OnReconnect func(ctx context.Context)

	// Logger is the structured logger for the subscriber.
	Logger *slog.Logger
}

// SubscriberConfigDefaults returns a config with default values.
func SubscriberConfigDefaults() SubscriberConfig {
	return SubscriberConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffFactor:     2.0,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		ReadTimeout:       60 * time.Second,
		ChannelBufferSize: 1024,
		HealthTimeout:     30 * time.Second,
		Logger:            slog.Default(),
	}
}

// Validate checks that all required configuration fields are set.
func (c *SubscriberConfig) Validate() error {
	if c.WebSocketURL == "" {
		return errors.New("WebSocketURL is required")
	}
	return nil
}

// applyDefaults sets default values for unset configuration fields.
func (c *SubscriberConfig) applyDefaults() {
	defaults := SubscriberConfigDefaults()
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = defaults.BackoffFactor
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = defaults.PongTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.ChannelBufferSize == 0 {
		c.ChannelBufferSize = defaults.ChannelBufferSize
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = defaults.HealthTimeout
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}
