// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package natsjs is the NATS JetStream transport. Envelopes are published to
// a provisioned stream; subscriptions are durable queue-group consumers when
// a group is given and ephemeral broadcast consumers when it is not. With
// message ID tracking on, the stream's duplicate window collapses outbox
// re-publishes into a single stored message.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/transport"
)

const transportName = "natsjs"

// Transport is a JetStream-backed transport. It does not implement
// transport.BatchSender: JetStream has no atomic multi-message publish, so
// the all-or-nothing batch contract cannot be met.
type Transport struct {
	cfg      Config
	url      string
	embedded *EmbeddedServer
	pub      message.Publisher
	breaker  *gobreaker.CircuitBreaker[interface{}]
	wmLogger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// New connects to NATS, provisions the configured stream, and returns a
// ready transport. With cfg.Embedded set it boots an in-process server first
// and connects to that instead of cfg.URL.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	t := &Transport{
		cfg:      cfg,
		url:      cfg.URL,
		wmLogger: logging.NewWatermillAdapter(),
		subs:     make(map[*subscription]struct{}),
	}

	if cfg.Embedded {
		srv, err := StartEmbeddedServer(cfg.Server)
		if err != nil {
			return nil, err
		}
		t.embedded = srv
		t.url = srv.ClientURL()
	}

	if err := t.provisionStream(ctx); err != nil {
		t.shutdownEmbedded()
		return nil, err
	}

	pub, err := wmNats.NewPublisher(
		wmNats.PublisherConfig{
			URL:         t.url,
			NatsOptions: t.natsOptions("publisher", cfg.Publisher.ReconnectBuffer),
			Marshaler:   &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				Disabled:      false,
				AutoProvision: false, // stream is provisioned above
				TrackMsgId:    cfg.Publisher.TrackMsgID,
				PublishOptions: []natsgo.PubOpt{
					natsgo.RetryAttempts(cfg.Publisher.RetryAttempts),
					natsgo.RetryWait(cfg.Publisher.RetryWait),
				},
			},
		},
		t.wmLogger,
	)
	if err != nil {
		t.shutdownEmbedded()
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}
	t.pub = pub

	if cfg.Breaker.Enabled {
		t.breaker = newPublishBreaker(cfg.Breaker)
	}

	logging.Info().
		Str("url", t.url).
		Str("stream", cfg.Stream.Name).
		Bool("embedded", cfg.Embedded).
		Bool("track_msg_id", cfg.Publisher.TrackMsgID).
		Msg("NATS JetStream transport ready")

	return t, nil
}

// provisionStream opens a short-lived connection to converge the stream on
// the configured shape.
func (t *Transport) provisionStream(ctx context.Context) error {
	nc, err := natsgo.Connect(t.url, t.natsOptions("provisioner", 0)...)
	if err != nil {
		return fmt.Errorf("connect for stream provisioning: %w", err)
	}
	defer nc.Close()

	return ensureStream(ctx, nc, t.cfg.Stream)
}

// natsOptions builds connection options shared by all roles. bufSize > 0
// enables the client-side reconnect buffer.
func (t *Transport) natsOptions(role string, bufSize int) []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(t.cfg.Publisher.MaxReconnects),
		natsgo.ReconnectWait(t.cfg.Publisher.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Str("role", role).Msg("NATS connection lost")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("role", role).Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if bufSize > 0 {
		opts = append(opts, natsgo.ReconnectBufSize(bufSize))
	}
	return opts
}

// newPublishBreaker builds the publish circuit breaker. Open state sheds
// publishes as back-pressure instead of queueing them against a dead broker.
func newPublishBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[interface{}] {
	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publish circuit breaker state changed")
			if to == gobreaker.StateOpen {
				metrics.RecordCircuitOpen(transportName)
			}
		},
	})
}

// Send publishes to exactly one logical consumer set. On JetStream the
// send/publish distinction lives on the consumer side: queue-group
// subscriptions compete, plain subscriptions each get a copy. The publish
// path is therefore identical to Publish; only the metric mode differs.
func (t *Transport) Send(ctx context.Context, subject string, env *envelope.Envelope) error {
	return t.publish(ctx, subject, env, "send")
}

// Publish appends the envelope to the stream for every consumer.
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

	msg := env.ToMessage()
	if t.cfg.Publisher.TrackMsgID {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	start := time.Now()
	var err error
	if t.breaker != nil {
		_, err = t.breaker.Execute(func() (interface{}, error) {
			return nil, t.pub.Publish(subject, msg)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordBackpressure(transportName)
			return fmt.Errorf("%s %s: circuit open: %w", mode, subject, transport.ErrBackpressure)
		}
	} else {
		err = t.pub.Publish(subject, msg)
	}
	if err != nil {
		metrics.RecordTransportPublishError(transportName)
		return fmt.Errorf("%s %s: %w", mode, subject, err)
	}

	metrics.RecordTransportPublish(transportName, mode, time.Since(start))
	return nil
}

// Subscribe binds a handler to a subject. A non-empty group creates a durable
// queue-group consumer: instances sharing the group compete for messages and
// resume from their ack floor after restarts. An empty group creates an
// ephemeral consumer that starts at new messages and receives every one.
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

	wmSub, err := t.newSubscriber(group)
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

// newSubscriber builds a watermill subscriber bound to the provisioned
// stream. The group doubles as queue group and durable name prefix.
func (t *Transport) newSubscriber(group string) (message.Subscriber, error) {
	cfg := t.cfg.Subscriber

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverNew(),
		natsgo.BindStream(t.cfg.Stream.Name),
	}

	return wmNats.NewSubscriber(
		wmNats.SubscriberConfig{
			URL:              t.url,
			QueueGroupPrefix: group,
			SubscribersCount: cfg.SubscribersCount,
			AckWaitTimeout:   cfg.AckWait,
			CloseTimeout:     cfg.CloseTimeout,
			NatsOptions:      t.natsOptions("subscriber", 0),
			Unmarshaler:      &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				Disabled:         false,
				AutoProvision:    false, // bound to the provisioned stream
				AckAsync:         false,
				SubscribeOptions: subOpts,
				DurablePrefix:    group,
			},
		},
		t.wmLogger,
	)
}

// Close stops subscriptions, waits for in-flight handlers, then closes the
// publisher and any embedded server.
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
	if err := t.shutdownEmbedded(); err != nil && firstErr == nil {
		firstErr = err
	}

	logging.Info().Msg("NATS JetStream transport closed")
	return firstErr
}

func (t *Transport) shutdownEmbedded() error {
	if t.embedded == nil {
		return nil
	}
	return t.embedded.Shutdown(t.cfg.CloseTimeout)
}

// HealthCheck reports connectivity and breaker state.
func (t *Transport) HealthCheck(_ context.Context) health.ComponentHealth {
	h := health.ComponentHealth{
		Name:      "transport-natsjs",
		LastCheck: time.Now().UTC(),
	}

	if t.closed.Load() {
		h.Error = "transport is closed"
		return h
	}
	if t.embedded != nil && !t.embedded.Running() {
		h.Error = "embedded nats server not running"
		return h
	}

	t.mu.Lock()
	active := len(t.subs)
	t.mu.Unlock()

	h.Healthy = true
	h.Message = "connected"
	h.Details = map[string]interface{}{
		"url":           t.url,
		"stream":        t.cfg.Stream.Name,
		"subscriptions": active,
	}

	if t.breaker != nil && t.breaker.State() != gobreaker.StateClosed {
		h.Degraded = true
		h.Message = fmt.Sprintf("publish breaker %s", t.breaker.State())
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

// run drains the message channel until the subscriber closes it. Handler
// outcomes map directly onto the ack protocol: nil acks, anything else nacks
// for redelivery.
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

// invoke runs the handler with panic isolation so one bad message cannot
// take down the consumer loop.
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

// Unsubscribe closes the consumer and stops its handler loop. Durable
// consumer state stays on the server; resubscribing with the same group
// resumes from the ack floor.
func (s *subscription) Unsubscribe() error {
	t := s.transport
	t.mu.Lock()
	if _, tracked := t.subs[s]; tracked {
		delete(t.subs, s)
	}
	t.mu.Unlock()

	return s.closeInner()
}
