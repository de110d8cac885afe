// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tomtom215/herald/validation"
)

// Limits enforced beyond struct tags.
const (
	minLeaseHeadroom = time.Second
	natsMinMemory    = 64 * 1024 * 1024  // 64MB
	natsMinStore     = 100 * 1024 * 1024 // 100MB
)

// Validate checks struct tags first, then the cross-field rules tags cannot
// express. The first violation found is returned.
func (c *Config) Validate() error {
	if violations := validation.Violations(c); len(violations) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(violations, "; "))
	}

	validators := []func() error{
		c.validateAdmission,
		c.validateRetry,
		c.validateTransport,
		c.validateOutbox,
		c.validateInbox,
		c.validateStore,
		c.validateOps,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateAdmission() error {
	if c.Admission.Rate.PerSecond < 0 {
		return fmt.Errorf("admission.rate.per_second must not be negative")
	}
	if c.Admission.Rate.Burst < 0 {
		return fmt.Errorf("admission.rate.burst must not be negative")
	}
	if c.Admission.Concurrency.MaxInFlight < 0 {
		return fmt.Errorf("admission.concurrency.max_in_flight must not be negative")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.Transport.Kind == "nats" {
		return c.validateNATS()
	}
	if c.Transport.Kind == "redis" && c.Transport.Redis.Addr == "" {
		return fmt.Errorf("transport.redis.addr is required with the redis transport")
	}
	return nil
}

func (c *Config) validateNATS() error {
	n := c.Transport.NATS
	if !n.Embedded && n.URL == "" {
		return fmt.Errorf("transport.nats.url is required when the embedded server is off")
	}
	if n.Embedded && n.StoreDir == "" {
		return fmt.Errorf("transport.nats.store_dir is required with the embedded server")
	}
	if n.Embedded && n.MaxMemory < natsMinMemory {
		return fmt.Errorf("transport.nats.max_memory must be at least 64MB (67108864 bytes)")
	}
	if n.Embedded && n.MaxStore < natsMinStore {
		return fmt.Errorf("transport.nats.max_store must be at least 100MB (104857600 bytes)")
	}
	if n.StreamName == "" {
		return fmt.Errorf("transport.nats.stream_name is required")
	}
	if len(n.StreamSubjects) == 0 {
		return fmt.Errorf("transport.nats.stream_subjects must list at least one subject filter")
	}
	return nil
}

func (c *Config) validateOutbox() error {
	o := c.Outbox
	if !o.Enabled {
		return nil
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be positive")
	}
	// A lease shorter than the publish timeout reopens records that may
	// still be publishing, double-sending them.
	if o.LeaseTTL < o.PublishTimeout+minLeaseHeadroom {
		return fmt.Errorf("outbox.lease_ttl must exceed outbox.publish_timeout by at least %s", minLeaseHeadroom)
	}
	if o.MaxDelay < o.BaseDelay {
		return fmt.Errorf("outbox.max_delay must be at least outbox.base_delay")
	}
	if o.JitterFraction < 0 || o.JitterFraction > 1 {
		return fmt.Errorf("outbox.jitter_fraction must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateInbox() error {
	if c.Inbox.LockTTL <= 0 {
		return fmt.Errorf("inbox.lock_ttl must be positive")
	}
	if c.Inbox.IdempotencyRetention <= 0 {
		return fmt.Errorf("inbox.idempotency_retention must be positive")
	}
	if c.Inbox.PurgeInterval <= 0 {
		return fmt.Errorf("inbox.purge_interval must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Kind == "badger" && c.Store.Badger.Path == "" {
		return fmt.Errorf("store.badger.path is required with the badger store")
	}
	return nil
}

func (c *Config) validateOps() error {
	if !c.Ops.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Ops.Addr); err != nil {
		return fmt.Errorf("ops.addr must be host:port: %w", err)
	}
	return nil
}
