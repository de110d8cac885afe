// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package natsjs

import (
	"time"
)

// Config holds the NATS JetStream transport configuration.
type Config struct {
	// URL is the NATS server connection URL. Ignored when Embedded is set;
	// the transport then connects to the embedded server instead.
	URL string

	// Embedded starts an in-process NATS server. Single-binary deployments
	// get a durable broker without an external dependency.
	Embedded bool

	// Server configures the embedded server. Only read when Embedded is set.
	Server ServerConfig

	// Publisher configures the connection publishing envelopes.
	Publisher PublisherConfig

	// Subscriber configures every subscription the transport opens.
	Subscriber SubscriberConfig

	// Stream configures the JetStream stream the transport provisions and
	// binds to. Every subject passed to Send, Publish, or Subscribe must
	// match one of its subject filters.
	Stream StreamConfig

	// Breaker guards publishes against a downed broker. Disabled breakers
	// publish directly.
	Breaker BreakerConfig

	// CloseTimeout bounds graceful shutdown.
	CloseTimeout time.Duration
}

// DefaultConfig returns production defaults: external broker at the standard
// port, one stream covering the herald subject hierarchy, publish breaker on.
func DefaultConfig() Config {
	return Config{
		URL:          "nats://127.0.0.1:4222",
		Embedded:     false,
		Server:       DefaultServerConfig(),
		Publisher:    DefaultPublisherConfig(),
		Subscriber:   DefaultSubscriberConfig(),
		Stream:       DefaultStreamConfig(),
		Breaker:      DefaultBreakerConfig("natsjs-publish"),
		CloseTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	c.Server = c.Server.withDefaults()
	c.Publisher = c.Publisher.withDefaults()
	c.Subscriber = c.Subscriber.withDefaults()
	c.Stream = c.Stream.withDefaults()
	return c
}

// ServerConfig holds embedded NATS server settings.
type ServerConfig struct {
	// Name is the server name reported to clients.
	Name string

	// Host and Port form the listen address.
	Host string
	Port int

	// StoreDir is the JetStream storage directory.
	StoreDir string

	// MaxMemory caps JetStream memory storage in bytes.
	MaxMemory int64

	// MaxStore caps JetStream disk storage in bytes.
	MaxStore int64

	// MaxPayload caps a single message in bytes.
	MaxPayload int32

	// ReadyTimeout bounds the wait for the server to accept connections.
	ReadyTimeout time.Duration
}

// DefaultServerConfig returns production defaults for the embedded server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:         "herald",
		Host:         "127.0.0.1",
		Port:         4222,
		StoreDir:     "/data/herald/jetstream",
		MaxMemory:    1 << 30,  // 1GB
		MaxStore:     10 << 30, // 10GB
		MaxPayload:   8 * 1024 * 1024,
		ReadyTimeout: 30 * time.Second,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	def := DefaultServerConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.StoreDir == "" {
		c.StoreDir = def.StoreDir
	}
	if c.MaxMemory <= 0 {
		c.MaxMemory = def.MaxMemory
	}
	if c.MaxStore <= 0 {
		c.MaxStore = def.MaxStore
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	return c
}

// PublisherConfig holds publish-side connection settings.
type PublisherConfig struct {
	// MaxReconnects is the reconnect attempt limit. -1 retries forever.
	MaxReconnects int

	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration

	// ReconnectBuffer is the client-side buffer, in bytes, holding writes
	// made while disconnected.
	ReconnectBuffer int

	// TrackMsgID stamps every publish with the envelope's message ID as
	// Nats-Msg-Id, letting the stream's duplicate window drop re-publishes.
	TrackMsgID bool

	// RetryAttempts and RetryWait govern JetStream publish retries on
	// no-responder errors.
	RetryAttempts int
	RetryWait     time.Duration
}

// DefaultPublisherConfig returns production defaults for the publisher.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		MaxReconnects:   -1, // unlimited
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024, // 8MB
		TrackMsgID:      true,
		RetryAttempts:   3,
		RetryWait:       100 * time.Millisecond,
	}
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	def := DefaultPublisherConfig()
	if c.MaxReconnects == 0 {
		c.MaxReconnects = def.MaxReconnects
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
	if c.ReconnectBuffer <= 0 {
		c.ReconnectBuffer = def.ReconnectBuffer
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryWait <= 0 {
		c.RetryWait = def.RetryWait
	}
	return c
}

// SubscriberConfig holds settings applied to every subscription.
type SubscriberConfig struct {
	// SubscribersCount is the number of concurrent consumers feeding one
	// subscription. Values above 1 trade per-subject ordering for
	// throughput.
	SubscribersCount int

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver caps deliveries per message. The inbox consumer usually
	// parks messages earlier; this is the broker-side backstop.
	MaxDeliver int

	// MaxAckPending caps unacknowledged messages in flight.
	MaxAckPending int

	// CloseTimeout bounds a subscription's graceful close.
	CloseTimeout time.Duration

	// MaxReconnects and ReconnectWait mirror the publisher settings.
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultSubscriberConfig returns production defaults for subscriptions.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		SubscribersCount: 4,
		AckWait:          30 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    1000,
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
	}
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	def := DefaultSubscriberConfig()
	if c.SubscribersCount <= 0 {
		c.SubscribersCount = def.SubscribersCount
	}
	if c.AckWait <= 0 {
		c.AckWait = def.AckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = def.MaxDeliver
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = def.MaxAckPending
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = def.MaxReconnects
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
	return c
}

// StreamConfig defines the stream the transport provisions and binds to.
type StreamConfig struct {
	// Name is the stream name. Wildcards are not allowed here.
	Name string

	// Subjects are the subject filters the stream captures.
	Subjects []string

	// MaxAge drops messages older than this.
	MaxAge time.Duration

	// MaxBytes and MaxMsgs cap the stream; -1 or 0 means unlimited.
	MaxBytes int64
	MaxMsgs  int64

	// DuplicateWindow is how far back the server deduplicates Nats-Msg-Id.
	// With TrackMsgID on, outbox re-publishes inside this window collapse
	// into one stored message.
	DuplicateWindow time.Duration

	// Replicas is the stream replication factor; raise for clustering.
	Replicas int
}

// DefaultStreamConfig returns one stream over the herald subject hierarchy.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "HERALD",
		Subjects:        []string{"herald.>"},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        10 * 1024 * 1024 * 1024, // 10GB
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	def := DefaultStreamConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if len(c.Subjects) == 0 {
		c.Subjects = def.Subjects
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = def.DuplicateWindow
	}
	if c.Replicas <= 0 {
		c.Replicas = def.Replicas
	}
	return c
}

// BreakerConfig holds publish circuit breaker settings.
type BreakerConfig struct {
	// Enabled turns the breaker on.
	Enabled bool

	// Name identifies the breaker in state change logs.
	Name string

	// MaxRequests is the probe allowance in half-open state.
	MaxRequests uint32

	// Interval resets the failure counts while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold uint32
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}
