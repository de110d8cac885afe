// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package herald assembles the mediator, the codec and type registries, a
// transport, the outbox relay, inbox consumers, and the dead-letter store
// into one supervised Bus.
//
// A Bus is built from config, loaded with handlers and bindings, then run:
//
//	cfg, err := config.Load()
//	bus, err := herald.New(ctx, *cfg)
//	herald.RegisterRequest(bus, newPlaceOrderHandler)
//	herald.RegisterEvent(bus, newOrderPlacedProjector)
//	herald.BindEvent[OrderPlaced](bus, "herald.orders.placed")
//	err = bus.Run(ctx)
//
// Run blocks serving the supervision tree until ctx is cancelled. Hosts that
// manage their own lifecycle call Start and Stop instead.
package herald

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/herald/badgerstore"
	"github.com/tomtom215/herald/codec"
	"github.com/tomtom215/herald/config"
	"github.com/tomtom215/herald/dlq"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/inbox"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/mediator"
	"github.com/tomtom215/herald/ops"
	"github.com/tomtom215/herald/outbox"
	"github.com/tomtom215/herald/transport"
	"github.com/tomtom215/herald/transport/natsjs"
	"github.com/tomtom215/herald/transport/redisstream"
)

// defaultGroup is the delivery group consumers join when the host sets none.
// Instances sharing a group compete for deliveries; give each service its own
// group so services do not steal each other's messages.
const defaultGroup = "herald"

var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("herald: bus already started")

	// ErrNilEvent indicates Publish was called with a nil event.
	ErrNilEvent = errors.New("herald: nil event")
)

// Bus wires every Herald component behind one lifecycle. Construct with New,
// register handlers and bindings, then Run or Start; registration after Start
// errors.
type Bus struct {
	cfg   config.Config
	group string

	mediator *mediator.Mediator
	codecs   *codec.Registry
	types    *typeRegistry

	// base is the subscribe and relay path: the raw transport, compression-
	// wrapped when enabled. publish is the outward fire-and-forget path and
	// adds the batcher when enabled. The outbox relay always publishes
	// through base: batching acknowledges before delivery, which would break
	// the relay's at-least-once accounting.
	base    transport.Transport
	publish transport.Transport
	batcher *transport.Batcher

	outboxStore outbox.Store
	relay       *outbox.Publisher

	inboxStore inbox.Store
	idem       inbox.IdempotencyStore
	consumers  []*inbox.Consumer

	deadLetters dlq.Store
	durable     *badgerstore.Store

	checker   *health.Checker
	opsServer *ops.Server

	resolver    mediator.Resolver
	extraCodecs []codec.Codec

	lifecycle lifecycle
}

// Option customizes Bus construction. Options run before config-driven
// assembly, so anything an option injects wins over what the config would
// have built.
type Option func(*Bus)

// WithTransport injects a transport, overriding the configured kind. The bus
// still applies the configured compression and batching wrappers on top.
func WithTransport(t transport.Transport) Option {
	return func(b *Bus) { b.base = t }
}

// WithResolver installs the host dependency resolver handed to handler
// factories through their Scope.
func WithResolver(r mediator.Resolver) Option {
	return func(b *Bus) { b.resolver = r }
}

// WithGroup sets the default delivery group for event bindings. Deploy each
// service with its own group name.
func WithGroup(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.group = name
		}
	}
}

// WithCodec registers an additional payload codec alongside the JSON and gob
// built-ins.
func WithCodec(c codec.Codec) Option {
	return func(b *Bus) { b.extraCodecs = append(b.extraCodecs, c) }
}

// WithOutboxStore injects the outbox store, overriding the configured kind.
func WithOutboxStore(s outbox.Store) Option {
	return func(b *Bus) { b.outboxStore = s }
}

// WithInboxStore injects the inbox store, overriding the configured kind.
func WithInboxStore(s inbox.Store) Option {
	return func(b *Bus) { b.inboxStore = s }
}

// WithIdempotencyStore injects the idempotency ledger, overriding the
// configured kind.
func WithIdempotencyStore(s inbox.IdempotencyStore) Option {
	return func(b *Bus) { b.idem = s }
}

// WithDeadLetterStore injects the dead-letter store, overriding the
// configured kind.
func WithDeadLetterStore(s dlq.Store) Option {
	return func(b *Bus) { b.deadLetters = s }
}

// New assembles a Bus from cfg. It initializes logging, builds the admission
// gate and behavior pipeline, connects the configured transport, and opens
// the configured stores. ctx bounds connection work during assembly; broker
// transports fail fast here rather than at first publish.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Bus, error) {
	logging.Init(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Caller:      cfg.Logging.Caller,
		Timestamp:   true,
		SampleEvery: cfg.Logging.SampleEvery,
	})

	b := &Bus{
		cfg:     cfg,
		group:   defaultGroup,
		codecs:  codec.NewDefaultRegistry(),
		types:   newTypeRegistry(),
		checker: health.NewChecker(health.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, c := range b.extraCodecs {
		if err := b.codecs.Register(c); err != nil {
			return nil, err
		}
	}

	var medOpts []mediator.Option
	if b.resolver != nil {
		medOpts = append(medOpts, mediator.WithResolver(b.resolver))
	}
	if cfg.Admission.Enabled {
		medOpts = append(medOpts, mediator.WithGate(mediator.NewGate(gateConfig(cfg.Admission))))
	}
	b.mediator = mediator.New(medOpts...)
	if err := b.installBehaviors(); err != nil {
		return nil, err
	}

	if err := b.buildTransportStack(ctx); err != nil {
		return nil, err
	}
	if err := b.buildStores(); err != nil {
		b.closeTransportQuietly()
		return nil, err
	}

	if cfg.Outbox.Enabled {
		b.relay = outbox.NewPublisher(b.outboxStore, b.base, b.deadLetters, outbox.PublisherConfig{
			PollInterval:   cfg.Outbox.PollInterval,
			BatchSize:      cfg.Outbox.BatchSize,
			MaxAttempts:    cfg.Outbox.MaxAttempts,
			LeaseTTL:       cfg.Outbox.LeaseTTL,
			PublishTimeout: cfg.Outbox.PublishTimeout,
			BaseDelay:      cfg.Outbox.BaseDelay,
			MaxDelay:       cfg.Outbox.MaxDelay,
			JitterFraction: cfg.Outbox.JitterFraction,
		})
	}

	if cfg.Ops.Enabled {
		b.opsServer = ops.New(ops.Config{Addr: cfg.Ops.Addr}, b.checker)
	}

	logging.Info().
		Str("transport", transportKind(cfg.Transport.Kind)).
		Str("store", storeKind(cfg.Store.Kind)).
		Bool("outbox", cfg.Outbox.Enabled).
		Bool("ops", cfg.Ops.Enabled).
		Str("group", b.group).
		Msg("Bus assembled")
	return b, nil
}

// installBehaviors builds the pipeline from config. Logging and retry are
// always present; deadline, per-type rate limiting, per-type breakers, and
// struct validation are opt-in.
func (b *Bus) installBehaviors() error {
	cfg := b.cfg

	behaviors := []mediator.Behavior{
		mediator.NewLoggingBehavior(),
		mediator.NewRetryBehavior(mediator.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			JitterFraction: cfg.Retry.JitterFraction,
		}),
	}
	if cfg.Pipeline.Deadline > 0 {
		behaviors = append(behaviors, mediator.NewDeadlineBehavior(cfg.Pipeline.Deadline, nil))
	}
	if cfg.Pipeline.PerTypeRate > 0 {
		behaviors = append(behaviors, mediator.NewRateLimitBehavior(mediator.RateLimitConfig{
			RatePerSecond: cfg.Pipeline.PerTypeRate,
			Burst:         cfg.Pipeline.PerTypeBurst,
		}))
	}
	if cfg.Pipeline.PerTypeBreaker.Enabled {
		behaviors = append(behaviors, mediator.NewCircuitBreakerBehavior(mediator.BreakerConfig{
			FailureThreshold: cfg.Pipeline.PerTypeBreaker.FailureThreshold,
			Interval:         cfg.Pipeline.PerTypeBreaker.Interval,
			Timeout:          cfg.Pipeline.PerTypeBreaker.OpenTimeout,
			MaxRequests:      cfg.Pipeline.PerTypeBreaker.HalfOpenProbes,
		}))
	}
	if cfg.Pipeline.Validation {
		behaviors = append(behaviors, mediator.NewValidationBehavior())
	}

	for _, bh := range behaviors {
		if err := b.mediator.Use(bh); err != nil {
			return err
		}
	}
	return nil
}

// buildTransportStack connects the configured transport unless one was
// injected, then layers compression and batching per config.
func (b *Bus) buildTransportStack(ctx context.Context) error {
	if b.base == nil {
		tr, err := buildTransport(ctx, b.cfg.Transport)
		if err != nil {
			return err
		}
		b.base = tr
	}

	if b.cfg.Transport.Compression.Enabled {
		wrapped, err := transport.Compressed(b.base, transport.CompressionConfig{
			Algorithm: transport.CompressionAlgorithm(b.cfg.Transport.Compression.Algorithm),
			Threshold: b.cfg.Transport.Compression.Threshold,
		})
		if err != nil {
			b.closeTransportQuietly()
			return err
		}
		b.base = wrapped
	}

	b.publish = b.base
	if b.cfg.Transport.Batch.Enabled {
		b.batcher = transport.NewBatcher(b.base, transport.BatcherConfig{
			MaxBatch:      b.cfg.Transport.Batch.MaxBatch,
			FlushInterval: b.cfg.Transport.Batch.FlushInterval,
			FlushTimeout:  b.cfg.Transport.Batch.FlushTimeout,
		})
		b.publish = b.batcher
	}
	return nil
}

func buildTransport(ctx context.Context, cfg config.TransportConfig) (transport.Transport, error) {
	switch transportKind(cfg.Kind) {
	case "inmemory":
		return transport.NewInMemory(transport.MemoryConfig{
			BufferSize:     cfg.BufferSize,
			Overflow:       transport.ParseOverflowMode(cfg.Overflow),
			PublishTimeout: cfg.PublishTimeout,
			DrainTimeout:   cfg.DrainTimeout,
		}), nil

	case "nats":
		nc := natsjs.Config{
			URL:      cfg.NATS.URL,
			Embedded: cfg.NATS.Embedded,
			Server: natsjs.ServerConfig{
				StoreDir:  cfg.NATS.StoreDir,
				MaxMemory: cfg.NATS.MaxMemory,
				MaxStore:  cfg.NATS.MaxStore,
			},
			Publisher: natsjs.PublisherConfig{
				TrackMsgID: cfg.NATS.TrackMsgID,
			},
			Subscriber: natsjs.SubscriberConfig{
				SubscribersCount: cfg.NATS.SubscribersCount,
				AckWait:          cfg.NATS.AckWait,
				MaxDeliver:       cfg.NATS.MaxDeliver,
				MaxAckPending:    cfg.NATS.MaxAckPending,
			},
			Stream: natsjs.StreamConfig{
				Name:            cfg.NATS.StreamName,
				Subjects:        cfg.NATS.StreamSubjects,
				MaxAge:          cfg.NATS.StreamMaxAge,
				DuplicateWindow: cfg.NATS.DuplicateWindow,
				Replicas:        cfg.NATS.Replicas,
			},
			Breaker: natsjs.DefaultBreakerConfig("natsjs-publish"),
		}
		nc.Breaker.Enabled = cfg.NATS.BreakerEnabled
		return natsjs.New(ctx, nc)

	case "redis":
		return redisstream.New(ctx, redisstream.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			StartID:  cfg.Redis.StartID,
			MaxLen:   cfg.Redis.MaxLen,
		})

	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// buildStores fills every store slot an option left empty. The badger store
// opens once and backs all durable slots; memory stores back the rest.
func (b *Bus) buildStores() error {
	needDurable := storeKind(b.cfg.Store.Kind) == "badger" &&
		(b.outboxStore == nil || b.inboxStore == nil || b.idem == nil || b.deadLetters == nil)
	if needDurable {
		st, err := badgerstore.Open(badgerstore.Config{
			Path:        b.cfg.Store.Badger.Path,
			SyncWrites:  b.cfg.Store.Badger.SyncWrites,
			Compression: b.cfg.Store.Badger.Compression,
			GCInterval:  b.cfg.Store.Badger.GCInterval,
		})
		if err != nil {
			return fmt.Errorf("open badger store: %w", err)
		}
		b.durable = st
	}

	if b.outboxStore == nil {
		if b.durable != nil {
			b.outboxStore = b.durable.Outbox()
		} else {
			b.outboxStore = outbox.NewMemoryStore()
		}
	}
	if b.inboxStore == nil {
		if b.durable != nil {
			b.inboxStore = b.durable.Inbox()
		} else {
			b.inboxStore = inbox.NewMemoryStore()
		}
	}
	if b.idem == nil {
		if b.durable != nil {
			idem, err := b.durable.Idempotency(b.cfg.Inbox.IdempotencyRetention)
			if err != nil {
				return fmt.Errorf("open idempotency ledger: %w", err)
			}
			b.idem = idem
		} else {
			b.idem = inbox.NewMemoryIdempotencyStore(0, b.cfg.Inbox.IdempotencyRetention)
		}
	}
	if b.deadLetters == nil {
		if b.durable != nil {
			b.deadLetters = b.durable.DeadLetters(b.cfg.DeadLetter.Capacity)
		} else {
			b.deadLetters = dlq.NewMemoryStore(b.cfg.DeadLetter.Capacity)
		}
	}
	return nil
}

// closeTransportQuietly tears the transport stack down during failed
// assembly, where there is no caller context to honor.
func (b *Bus) closeTransportQuietly() {
	tr := b.publish
	if tr == nil {
		tr = b.base
	}
	if tr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Close(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
		logging.Warn().Err(err).Msg("Transport close during failed assembly")
	}
}

// Mediator exposes the dispatch core for hosts composing their own behaviors
// or registering handlers directly.
func (b *Bus) Mediator() *mediator.Mediator {
	return b.mediator
}

// Codecs exposes the codec registry.
func (b *Bus) Codecs() *codec.Registry {
	return b.codecs
}

// HealthChecker exposes the component health aggregator. Hosts may register
// their own components; the bus registers its transport, relay, consumers,
// and store during Start.
func (b *Bus) HealthChecker() *health.Checker {
	return b.checker
}

// DeadLetters exposes the dead-letter store for inspection and requeueing.
func (b *Bus) DeadLetters() dlq.Store {
	return b.deadLetters
}

func gateConfig(a config.AdmissionConfig) mediator.GateConfig {
	return mediator.GateConfig{
		RatePerSecond:           a.Rate.PerSecond,
		RateBurst:               a.Rate.Burst,
		BreakerEnabled:          a.Breaker.Enabled,
		BreakerFailureThreshold: a.Breaker.FailureThreshold,
		BreakerInterval:         a.Breaker.Interval,
		BreakerTimeout:          a.Breaker.OpenTimeout,
		BreakerMaxRequests:      a.Breaker.HalfOpenProbes,
		MaxConcurrent:           a.Concurrency.MaxInFlight,
		WaitForSlot:             a.Concurrency.Wait,
	}
}

func transportKind(kind string) string {
	if kind == "" {
		return "inmemory"
	}
	return kind
}

func storeKind(kind string) string {
	if kind == "" {
		return "memory"
	}
	return kind
}
