// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package config loads Herald's configuration from layered sources with a
// clear precedence: environment variables over an optional YAML file over a
// named profile over built-in defaults. The result is one validated Config
// tree the host hands to herald.New.
package config

import (
	"fmt"
	"time"
)

// Profile names. A profile is an opinionated preset applied underneath the
// file and environment layers, so explicit keys always win.
const (
	// ProfileDevelopment runs everything in memory with admission control
	// off and console debug logging.
	ProfileDevelopment = "development"

	// ProfileProduction runs the embedded NATS transport over a Badger
	// store with balanced limits.
	ProfileProduction = "production"

	// ProfileConservative favors stability: low limits, an aggressive
	// breaker, long retention, synchronous writes.
	ProfileConservative = "conservative"

	// ProfileHighPerformance favors throughput: batching, compression,
	// sampled logging, admission wide open, asynchronous writes.
	ProfileHighPerformance = "high-performance"
)

// Config is the root of the configuration tree.
type Config struct {
	// Profile selects a preset; empty applies none.
	Profile string `koanf:"profile" validate:"omitempty,oneof=development production conservative high-performance"`

	Logging    LoggingConfig    `koanf:"logging"`
	Admission  AdmissionConfig  `koanf:"admission"`
	Retry      RetryConfig      `koanf:"retry"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Transport  TransportConfig  `koanf:"transport"`
	Outbox     OutboxConfig     `koanf:"outbox"`
	Inbox      InboxConfig      `koanf:"inbox"`
	DeadLetter DeadLetterConfig `koanf:"dead_letter"`
	Store      StoreConfig      `koanf:"store"`
	Ops        OpsConfig        `koanf:"ops"`
}

// LoggingConfig mirrors the logging package settings.
type LoggingConfig struct {
	Level       string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal disabled"`
	Format      string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller      bool   `koanf:"caller"`
	SampleEvery uint32 `koanf:"sample_every"`
}

// AdmissionConfig tunes the process-wide send gate.
type AdmissionConfig struct {
	// Enabled turns the whole gate off in one switch.
	Enabled     bool                   `koanf:"enabled"`
	Rate        RateConfig             `koanf:"rate"`
	Breaker     BreakerConfig          `koanf:"breaker"`
	Concurrency ConcurrencyLimitConfig `koanf:"concurrency"`
}

// RateConfig holds token bucket settings.
type RateConfig struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	Interval         time.Duration `koanf:"interval"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
	HalfOpenProbes   uint32        `koanf:"half_open_probes"`
}

// ConcurrencyLimitConfig holds in-flight cap settings.
type ConcurrencyLimitConfig struct {
	MaxInFlight int64 `koanf:"max_in_flight"`
	Wait        bool  `koanf:"wait"`
}

// RetryConfig tunes the retry behavior's backoff.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=1,lte=100"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	JitterFraction float64       `koanf:"jitter_fraction" validate:"gte=0,lte=1"`
}

// PipelineConfig selects and tunes the per-type behaviors.
type PipelineConfig struct {
	// Deadline bounds each dispatch; 0 leaves the caller's context alone.
	Deadline time.Duration `koanf:"deadline"`

	// PerTypeRate and PerTypeBurst feed one token bucket per request type;
	// 0 disables per-type rate limiting.
	PerTypeRate  float64 `koanf:"per_type_rate"`
	PerTypeBurst int     `koanf:"per_type_burst"`

	// PerTypeBreaker enables one circuit breaker per request type.
	PerTypeBreaker BreakerConfig `koanf:"per_type_breaker"`

	// Validation enables struct tag validation on requests.
	Validation bool `koanf:"validation"`
}

// TransportConfig selects and tunes the wire.
type TransportConfig struct {
	// Kind selects the transport: inmemory, nats, or redis.
	Kind string `koanf:"kind" validate:"oneof=inmemory nats redis"`

	// BufferSize, Overflow, PublishTimeout, and DrainTimeout tune the
	// in-memory transport.
	BufferSize     int           `koanf:"buffer_size" validate:"gte=1"`
	Overflow       string        `koanf:"overflow" validate:"oneof=block reject"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	DrainTimeout   time.Duration `koanf:"drain_timeout"`

	Batch       BatchConfig          `koanf:"batch"`
	Compression CompressionSettings  `koanf:"compression"`
	NATS        NATSTransportConfig  `koanf:"nats"`
	Redis       RedisTransportConfig `koanf:"redis"`
}

// BatchConfig tunes the publish batcher wrapper.
type BatchConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MaxBatch      int           `koanf:"max_batch"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	FlushTimeout  time.Duration `koanf:"flush_timeout"`
}

// CompressionSettings tunes the payload compression wrapper.
type CompressionSettings struct {
	Enabled   bool   `koanf:"enabled"`
	Algorithm string `koanf:"algorithm" validate:"omitempty,oneof=gzip zstd lz4"`
	Threshold int    `koanf:"threshold" validate:"gte=0"`
}

// NATSTransportConfig tunes the JetStream transport.
type NATSTransportConfig struct {
	URL              string        `koanf:"url"`
	Embedded         bool          `koanf:"embedded"`
	StoreDir         string        `koanf:"store_dir"`
	MaxMemory        int64         `koanf:"max_memory"`
	MaxStore         int64         `koanf:"max_store"`
	StreamName       string        `koanf:"stream_name"`
	StreamSubjects   []string      `koanf:"stream_subjects"`
	StreamMaxAge     time.Duration `koanf:"stream_max_age"`
	DuplicateWindow  time.Duration `koanf:"duplicate_window"`
	Replicas         int           `koanf:"replicas" validate:"gte=1,lte=5"`
	SubscribersCount int           `koanf:"subscribers_count" validate:"gte=1,lte=32"`
	AckWait          time.Duration `koanf:"ack_wait"`
	MaxDeliver       int           `koanf:"max_deliver"`
	MaxAckPending    int           `koanf:"max_ack_pending"`
	TrackMsgID       bool          `koanf:"track_msg_id"`
	BreakerEnabled   bool          `koanf:"breaker_enabled"`
}

// RedisTransportConfig tunes the Redis Streams transport.
type RedisTransportConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	StartID  string `koanf:"start_id"`
	MaxLen   int64  `koanf:"max_len"`
}

// OutboxConfig tunes the transactional outbox relay.
type OutboxConfig struct {
	Enabled        bool          `koanf:"enabled"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	BatchSize      int           `koanf:"batch_size" validate:"gte=1,lte=10000"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=1,lte=100"`
	LeaseTTL       time.Duration `koanf:"lease_ttl"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	JitterFraction float64       `koanf:"jitter_fraction"`
}

// InboxConfig tunes the exactly-once-effect consumer.
type InboxConfig struct {
	LockTTL              time.Duration `koanf:"lock_ttl"`
	MaxDeliveries        int           `koanf:"max_deliveries" validate:"gte=1,lte=100"`
	IdempotencyRetention time.Duration `koanf:"idempotency_retention"`
	PurgeInterval        time.Duration `koanf:"purge_interval"`
}

// DeadLetterConfig tunes the parking lot for poison messages.
type DeadLetterConfig struct {
	Capacity int `koanf:"capacity" validate:"gte=1"`
}

// StoreConfig selects and tunes the persistence layer.
type StoreConfig struct {
	// Kind selects the store: memory or badger.
	Kind   string            `koanf:"kind" validate:"oneof=memory badger"`
	Badger BadgerStoreConfig `koanf:"badger"`
}

// BadgerStoreConfig tunes the BadgerDB store.
type BadgerStoreConfig struct {
	Path        string        `koanf:"path"`
	SyncWrites  bool          `koanf:"sync_writes"`
	Compression bool          `koanf:"compression"`
	GCInterval  time.Duration `koanf:"gc_interval"`
}

// OpsConfig tunes the operational HTTP endpoint.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// defaultConfig returns built-in defaults: infrastructure-free (in-memory
// transport and store) with production-grade limits, so a zero-config Bus
// runs anywhere. Profiles and explicit keys layer on top.
func defaultConfig() *Config {
	return &Config{
		Profile: "",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Admission: AdmissionConfig{
			Enabled: true,
			Rate: RateConfig{
				PerSecond: 0, // unlimited
				Burst:     0,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Interval:         60 * time.Second,
				OpenTimeout:      30 * time.Second,
				HalfOpenProbes:   3,
			},
			Concurrency: ConcurrencyLimitConfig{
				MaxInFlight: 1024,
				Wait:        false,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      50 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			JitterFraction: 0.2,
		},
		Pipeline: PipelineConfig{
			Deadline:     30 * time.Second,
			PerTypeRate:  0, // unlimited
			PerTypeBurst: 0,
			PerTypeBreaker: BreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				Interval:         60 * time.Second,
				OpenTimeout:      30 * time.Second,
				HalfOpenProbes:   3,
			},
			Validation: true,
		},
		Transport: TransportConfig{
			Kind:           "inmemory",
			BufferSize:     256,
			Overflow:       "block",
			PublishTimeout: 5 * time.Second,
			DrainTimeout:   10 * time.Second,
			Batch: BatchConfig{
				Enabled:       false,
				MaxBatch:      64,
				FlushInterval: 50 * time.Millisecond,
				FlushTimeout:  5 * time.Second,
			},
			Compression: CompressionSettings{
				Enabled:   false,
				Algorithm: "zstd",
				Threshold: 1024,
			},
			NATS: NATSTransportConfig{
				URL:              "nats://127.0.0.1:4222",
				Embedded:         true,
				StoreDir:         "/data/herald/jetstream",
				MaxMemory:        1 << 30,  // 1GB
				MaxStore:         10 << 30, // 10GB
				StreamName:       "HERALD",
				StreamSubjects:   []string{"herald.>"},
				StreamMaxAge:     7 * 24 * time.Hour,
				DuplicateWindow:  2 * time.Minute,
				Replicas:         1,
				SubscribersCount: 4,
				AckWait:          30 * time.Second,
				MaxDeliver:       5,
				MaxAckPending:    1000,
				TrackMsgID:       true,
				BreakerEnabled:   true,
			},
			Redis: RedisTransportConfig{
				Addr:    "127.0.0.1:6379",
				DB:      0,
				StartID: "$",
				MaxLen:  0, // unbounded
			},
		},
		Outbox: OutboxConfig{
			Enabled:        true,
			PollInterval:   time.Second,
			BatchSize:      64,
			MaxAttempts:    5,
			LeaseTTL:       30 * time.Second,
			PublishTimeout: 10 * time.Second,
			BaseDelay:      time.Second,
			MaxDelay:       time.Minute,
			JitterFraction: 0.2,
		},
		Inbox: InboxConfig{
			LockTTL:              30 * time.Second,
			MaxDeliveries:        5,
			IdempotencyRetention: 24 * time.Hour,
			PurgeInterval:        5 * time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			Capacity: 10000,
		},
		Store: StoreConfig{
			Kind: "memory",
			Badger: BadgerStoreConfig{
				Path:        "/data/herald",
				SyncWrites:  true,
				Compression: true,
				GCInterval:  10 * time.Minute,
			},
		},
		Ops: OpsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// applyProfile mutates cfg with a profile's preset values. Called on the
// defaults layer only, before the file and environment layers load, so
// explicitly set keys always override preset values.
func applyProfile(cfg *Config, profile string) error {
	switch profile {
	case "":
		return nil

	case ProfileDevelopment:
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
		cfg.Admission.Enabled = false
		cfg.Transport.Kind = "inmemory"
		cfg.Store.Kind = "memory"
		cfg.Pipeline.Deadline = 0

	case ProfileProduction:
		cfg.Transport.Kind = "nats"
		cfg.Store.Kind = "badger"
		cfg.Ops.Enabled = true

	case ProfileConservative:
		cfg.Transport.Kind = "nats"
		cfg.Store.Kind = "badger"
		cfg.Ops.Enabled = true
		cfg.Admission.Rate.PerSecond = 100
		cfg.Admission.Rate.Burst = 100
		cfg.Admission.Breaker.FailureThreshold = 3
		cfg.Admission.Breaker.OpenTimeout = 60 * time.Second
		cfg.Admission.Concurrency.MaxInFlight = 128
		cfg.Admission.Concurrency.Wait = true
		cfg.Retry.MaxAttempts = 5
		cfg.Retry.BaseDelay = 200 * time.Millisecond
		cfg.Retry.MaxDelay = 2 * time.Minute
		cfg.Transport.Compression.Enabled = true
		cfg.Transport.Compression.Threshold = 512
		cfg.Outbox.MaxAttempts = 8
		cfg.Outbox.LeaseTTL = 60 * time.Second
		cfg.Outbox.PollInterval = 2 * time.Second
		cfg.Inbox.MaxDeliveries = 3
		cfg.Inbox.IdempotencyRetention = 72 * time.Hour
		cfg.Store.Badger.SyncWrites = true

	case ProfileHighPerformance:
		cfg.Transport.Kind = "nats"
		cfg.Store.Kind = "badger"
		cfg.Ops.Enabled = true
		cfg.Logging.SampleEvery = 10
		cfg.Admission.Enabled = false
		cfg.Transport.BufferSize = 4096
		cfg.Transport.Batch.Enabled = true
		cfg.Transport.Batch.MaxBatch = 256
		cfg.Transport.Batch.FlushInterval = 20 * time.Millisecond
		cfg.Transport.Compression.Enabled = true
		cfg.Transport.Compression.Threshold = 4096
		cfg.Outbox.BatchSize = 256
		cfg.Outbox.PollInterval = 250 * time.Millisecond
		cfg.Store.Badger.SyncWrites = false

	default:
		return fmt.Errorf("unknown profile %q", profile)
	}
	return nil
}
