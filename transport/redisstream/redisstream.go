// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package redisstream is the Redis Streams transport. Envelopes are appended
// with XADD; subscriptions with a group become consumer groups reading via
// XREADGROUP (competing, acked with XACK), and subscriptions without a group
// fan out via XREAD. Redis persistence is whatever the server is configured
// for; pair this transport with the outbox when durability matters.
package redisstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmRedis "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/transport"
)

const transportName = "redisstream"

// Config holds the Redis Streams transport configuration.
type Config struct {
	// Addr is the Redis server address as host:port.
	Addr string

	// Password authenticates the connection; empty for none.
	Password string

	// DB selects the logical database.
	DB int

	// StartID is where a consumer group (or fan-out reader) begins on first
	// attach. "$" starts at new messages; "0" replays stream history.
	StartID string

	// MaxLen caps each stream's length with approximate trimming on XADD.
	// Zero keeps streams unbounded.
	MaxLen int64

	// BlockTime is how long a read blocks waiting for messages.
	BlockTime time.Duration

	// ClaimInterval is how often idle pending messages are checked for claim.
	ClaimInterval time.Duration

	// MaxIdleTime is how long a pending message may sit with a dead consumer
	// before another group member claims it.
	MaxIdleTime time.Duration

	// NackResendSleep is the pause before a nacked message is retried.
	NackResendSleep time.Duration

	// CloseTimeout bounds graceful shutdown.
	CloseTimeout time.Duration
}

// DefaultConfig returns production defaults: local Redis, new-message start,
// unbounded streams.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:6379",
		StartID:         "$",
		BlockTime:       time.Second,
		ClaimInterval:   5 * time.Second,
		MaxIdleTime:     60 * time.Second,
		NackResendSleep: 100 * time.Millisecond,
		CloseTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.StartID == "" {
		c.StartID = def.StartID
	}
	if c.BlockTime <= 0 {
		c.BlockTime = def.BlockTime
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = def.ClaimInterval
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = def.MaxIdleTime
	}
	if c.NackResendSleep <= 0 {
		c.NackResendSleep = def.NackResendSleep
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}

// Transport is a Redis Streams transport. Like the JetStream transport it
// does not implement transport.BatchSender: XADD is per-message with no
// atomic multi-stream batch.
type Transport struct {
	cfg      Config
	client   redis.UniversalClient
	pub      message.Publisher
	wmLogger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// New connects to Redis, verifies the connection with a ping, and returns a
// ready transport.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	t := &Transport{
		cfg:      cfg,
		client:   client,
		wmLogger: logging.NewWatermillAdapter(),
		subs:     make(map[*subscription]struct{}),
	}

	pub, err := wmRedis.NewPublisher(
		wmRedis.PublisherConfig{
			Client:        client,
			Marshaller:    &wmRedis.DefaultMarshallerUnmarshaller{},
			DefaultMaxlen: cfg.MaxLen,
		},
		t.wmLogger,
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}
	t.pub = pub

	logging.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Int64("max_len", cfg.MaxLen).
		Msg("Redis Streams transport ready")
	return t, nil
}

// Send appends the envelope for exactly one consumer-group member. On Redis
// Streams the distinction lives on the consumer side, so the publish path is
// identical to Publish; only the metric mode differs.
func (t *Transport) Send(ctx context.Context, subject string, env *envelope.Envelope) error {
	return t.publish(ctx, subject, env, "send")
}

// Publish appends the envelope to the subject's stream for every consumer.
func (t *Transport) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	return t.publish(ctx, subject, env, "publish")
}

func (t *Transport) publish(_ context.Context, subject string, env *envelope.Envelope, mode string) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if subject == "" {
		return fmt.Errorf("%s: empty subject", mode)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%s %s: %w", mode, subject, err)
	}

	start := time.Now()
	if err := t.pub.Publish(subject, env.ToMessage()); err != nil {
		metrics.RecordTransportPublishError(transportName)
		return fmt.Errorf("%s %s: %w", mode, subject, err)
	}
	metrics.RecordTransportPublish(transportName, mode, time.Since(start))
	return nil
}

// Subscribe binds a handler to a subject. A non-empty group creates a Redis
// consumer group: members compete and idle pending entries migrate to live
// members after MaxIdleTime. An empty group reads the stream fan-out style,
// one copy per subscription, with no ack tracking.
func (t *Transport) Subscribe(ctx context.Context, subject, group string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if subject == "" {
		return nil, fmt.Errorf("subscribe: empty subject")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", subject)
	}

	wmSub, err := wmRedis.NewSubscriber(
		wmRedis.SubscriberConfig{
			Client:          t.client,
			Unmarshaller:    &wmRedis.DefaultMarshallerUnmarshaller{},
			Consumer:        watermill.NewShortUUID(),
			ConsumerGroup:   group,
			BlockTime:       t.cfg.BlockTime,
			ClaimInterval:   t.cfg.ClaimInterval,
			MaxIdleTime:     t.cfg.MaxIdleTime,
			NackResendSleep: t.cfg.NackResendSleep,
			OldestId:        t.cfg.StartID,
		},
		t.wmLogger,
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	msgs, err := wmSub.Subscribe(ctx, subject)
	if err != nil {
		_ = wmSub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	s := &subscription{
		transport: t,
		inner:     wmSub,
		subject:   subject,
		group:     group,
		handler:   h,
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = wmSub.Close()
		return nil, transport.ErrClosed
	}
	t.subs[s] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go s.run(msgs)

	logging.Debug().
		Str("subject", subject).
		Str("group", group).
		Msg("Subscription opened")
	return s, nil
}

// Close stops subscriptions, waits for in-flight handlers, then closes the
// publisher and the client.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.closeInner(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close transport: %w", ctx.Err())
	case <-time.After(t.cfg.CloseTimeout):
		return fmt.Errorf("close transport: handlers still running after %s", t.cfg.CloseTimeout)
	}

	if t.pub != nil {
		if err := t.pub.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close publisher: %w", err)
		}
	}
	if err := t.client.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close redis client: %w", err)
	}

	logging.Info().Msg("Redis Streams transport closed")
	return firstErr
}

// HealthCheck pings Redis and reports subscription count.
func (t *Transport) HealthCheck(ctx context.Context) health.ComponentHealth {
	h := health.ComponentHealth{
		Name:      "transport-redisstream",
		LastCheck: time.Now().UTC(),
	}

	if t.closed.Load() {
		h.Error = "transport is closed"
		return h
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		h.Error = fmt.Sprintf("ping: %v", err)
		return h
	}

	t.mu.Lock()
	active := len(t.subs)
	t.mu.Unlock()

	h.Healthy = true
	h.Message = "connected"
	h.Details = map[string]interface{}{
		"addr":          t.cfg.Addr,
		"db":            t.cfg.DB,
		"subscriptions": active,
	}
	return h
}

// subscription is one live consumer binding.
type subscription struct {
	transport *Transport
	inner     message.Subscriber
	subject   string
	group     string
	handler   transport.Handler
	closeOnce sync.Once
	closeErr  error
}

// run drains the message channel until the subscriber closes it.
func (s *subscription) run(msgs <-chan *message.Message) {
	defer s.transport.wg.Done()
	for msg := range msgs {
		s.handle(msg)
	}
}

func (s *subscription) handle(msg *message.Message) {
	env, err := envelope.FromMessage(msg)
	if err != nil {
		// Broken identity metadata cannot be repaired by redelivery.
		logging.Error().
			Err(err).
			Str("subject", s.subject).
			Str("uuid", msg.UUID).
			Msg("Discarding undecodable message")
		msg.Ack()
		return
	}

	if err := s.invoke(msg.Context(), env); err != nil {
		logging.Warn().
			Err(err).
			Str("subject", s.subject).
			Str("message_id", env.MessageID).
			Str("message_type", env.MessageType).
			Msg("Handler failed, message nacked for redelivery")
		msg.Nack()
		return
	}
	msg.Ack()
}

// invoke runs the handler with panic isolation.
func (s *subscription) invoke(ctx context.Context, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, env)
}

func (s *subscription) closeInner() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.inner.Close()
	})
	return s.closeErr
}

// Unsubscribe closes the consumer and stops its handler loop. Consumer group
// state stays in Redis; resubscribing with the same group resumes from the
// group's last delivered ID.
func (s *subscription) Unsubscribe() error {
	t := s.transport
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()

	return s.closeInner()
}
