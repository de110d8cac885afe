// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"herald.yaml",
	"herald.yml",
	"/etc/herald/config.yaml",
	"/etc/herald/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "HERALD_CONFIG_PATH"

// Load builds the configuration from layered sources:
//
//  1. Built-in defaults, overlaid with the selected profile's preset
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
//
// The profile itself may come from the file or HERALD_PROFILE, so those
// layers are peeked first; the preset then sits underneath them and explicit
// keys always win over preset values.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	profile, err := peekProfile(path)
	if err != nil {
		return nil, err
	}

	defaults := defaultConfig()
	if err := applyProfile(defaults, profile); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// peekProfile reads only the profile key from the file and environment
// layers, before the real load applies its preset.
func peekProfile(path string) (string, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return "", fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return "", fmt.Errorf("load environment: %w", err)
	}
	return k.String("profile"), nil
}

// findConfigFile returns the first config file that exists: the path named
// by HERALD_CONFIG_PATH, then the default search paths. Empty when none do.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// they arrive as strings from the environment.
var sliceConfigPaths = []string{
	"transport.nats.stream_subjects",
}

// processSliceFields converts comma-separated string values into slices for
// the known slice fields. YAML-sourced slices pass through untouched.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps HERALD_* environment variables onto config paths.
// Unmapped variables are dropped so unrelated environment noise cannot leak
// into the configuration.
//
// Examples:
//   - HERALD_PROFILE        -> profile
//   - HERALD_LOG_LEVEL      -> logging.level
//   - HERALD_NATS_URL       -> transport.nats.url
//   - HERALD_OUTBOX_ENABLED -> outbox.enabled
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"herald_profile": "profile",

		// Logging
		"herald_log_level":        "logging.level",
		"herald_log_format":       "logging.format",
		"herald_log_caller":       "logging.caller",
		"herald_log_sample_every": "logging.sample_every",

		// Admission gate
		"herald_admission_enabled":              "admission.enabled",
		"herald_admission_rate":                 "admission.rate.per_second",
		"herald_admission_burst":                "admission.rate.burst",
		"herald_admission_breaker_enabled":      "admission.breaker.enabled",
		"herald_admission_breaker_threshold":    "admission.breaker.failure_threshold",
		"herald_admission_breaker_interval":     "admission.breaker.interval",
		"herald_admission_breaker_open_timeout": "admission.breaker.open_timeout",
		"herald_admission_breaker_probes":       "admission.breaker.half_open_probes",
		"herald_admission_max_in_flight":        "admission.concurrency.max_in_flight",
		"herald_admission_wait":                 "admission.concurrency.wait",

		// Retry backoff
		"herald_retry_max_attempts": "retry.max_attempts",
		"herald_retry_base_delay":   "retry.base_delay",
		"herald_retry_max_delay":    "retry.max_delay",
		"herald_retry_jitter":       "retry.jitter_fraction",

		// Pipeline behaviors
		"herald_pipeline_deadline":        "pipeline.deadline",
		"herald_pipeline_rate":            "pipeline.per_type_rate",
		"herald_pipeline_burst":           "pipeline.per_type_burst",
		"herald_pipeline_breaker_enabled": "pipeline.per_type_breaker.enabled",
		"herald_pipeline_validation":      "pipeline.validation",

		// Transport selection and in-memory tuning
		"herald_transport":                 "transport.kind",
		"herald_transport_buffer":          "transport.buffer_size",
		"herald_transport_overflow":        "transport.overflow",
		"herald_transport_publish_timeout": "transport.publish_timeout",
		"herald_transport_drain_timeout":   "transport.drain_timeout",

		// Batching and compression wrappers
		"herald_batch_enabled":         "transport.batch.enabled",
		"herald_batch_max":             "transport.batch.max_batch",
		"herald_batch_flush_interval":  "transport.batch.flush_interval",
		"herald_batch_flush_timeout":   "transport.batch.flush_timeout",
		"herald_compression_enabled":   "transport.compression.enabled",
		"herald_compression_algorithm": "transport.compression.algorithm",
		"herald_compression_threshold": "transport.compression.threshold",

		// NATS JetStream transport
		"herald_nats_url":              "transport.nats.url",
		"herald_nats_embedded":         "transport.nats.embedded",
		"herald_nats_store_dir":        "transport.nats.store_dir",
		"herald_nats_max_memory":       "transport.nats.max_memory",
		"herald_nats_max_store":        "transport.nats.max_store",
		"herald_nats_stream_name":      "transport.nats.stream_name",
		"herald_nats_stream_subjects":  "transport.nats.stream_subjects",
		"herald_nats_stream_max_age":   "transport.nats.stream_max_age",
		"herald_nats_duplicate_window": "transport.nats.duplicate_window",
		"herald_nats_replicas":         "transport.nats.replicas",
		"herald_nats_subscribers":      "transport.nats.subscribers_count",
		"herald_nats_ack_wait":         "transport.nats.ack_wait",
		"herald_nats_max_deliver":      "transport.nats.max_deliver",
		"herald_nats_max_ack_pending":  "transport.nats.max_ack_pending",
		"herald_nats_track_msg_id":     "transport.nats.track_msg_id",
		"herald_nats_breaker":          "transport.nats.breaker_enabled",

		// Redis Streams transport
		"herald_redis_addr":     "transport.redis.addr",
		"herald_redis_password": "transport.redis.password",
		"herald_redis_db":       "transport.redis.db",
		"herald_redis_start_id": "transport.redis.start_id",
		"herald_redis_max_len":  "transport.redis.max_len",

		// Outbox relay
		"herald_outbox_enabled":         "outbox.enabled",
		"herald_outbox_poll_interval":   "outbox.poll_interval",
		"herald_outbox_batch_size":      "outbox.batch_size",
		"herald_outbox_max_attempts":    "outbox.max_attempts",
		"herald_outbox_lease_ttl":       "outbox.lease_ttl",
		"herald_outbox_publish_timeout": "outbox.publish_timeout",
		"herald_outbox_base_delay":      "outbox.base_delay",
		"herald_outbox_max_delay":       "outbox.max_delay",

		// Inbox consumer
		"herald_inbox_lock_ttl":       "inbox.lock_ttl",
		"herald_inbox_max_deliveries": "inbox.max_deliveries",
		"herald_inbox_retention":      "inbox.idempotency_retention",
		"herald_inbox_purge_interval": "inbox.purge_interval",

		// Dead letters
		"herald_dead_letter_capacity": "dead_letter.capacity",

		// Store
		"herald_store":              "store.kind",
		"herald_badger_path":        "store.badger.path",
		"herald_badger_sync_writes": "store.badger.sync_writes",
		"herald_badger_compression": "store.badger.compression",
		"herald_badger_gc_interval": "store.badger.gc_interval",

		// Ops endpoint
		"herald_ops_enabled": "ops.enabled",
		"herald_ops_addr":    "ops.addr",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped entirely.
	return ""
}

// Watch invokes callback whenever the config file changes. The callback
// reloads with Load (or LoadFile) under its own locking; a watch event
// carries no payload.
func Watch(path string, callback func()) error {
	provider := file.Provider(path)
	return provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
