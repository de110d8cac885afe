// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package metrics exposes Prometheus collectors for every Herald component.
// Collectors register on the default registry at package load; components call
// the helper functions rather than touching collectors directly, which keeps
// label cardinality decisions in one place.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dispatchBuckets covers in-process dispatch latencies from microseconds up to
// multi-second retry loops.
var dispatchBuckets = []float64{
	.000005, .00001, .000025, .00005, .0001, .00025, .0005,
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// transportBuckets covers broker round trips.
var transportBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "requests_total",
		Help:      "Mediator send dispatches by request type and outcome kind.",
	}, []string{"type", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "herald",
		Name:      "request_duration_seconds",
		Help:      "End-to-end send latency through the pipeline.",
		Buckets:   dispatchBuckets,
	}, []string{"type"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "events_published_total",
		Help:      "Mediator publish calls by event type.",
	}, []string{"type"})

	eventHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "event_handler_failures_total",
		Help:      "Event handler errors and panics, isolated per handler.",
	}, []string{"type"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "retries_total",
		Help:      "Retry attempts by message type and stage (pipeline or outbox).",
	}, []string{"type", "stage"})

	circuitOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "circuit_open_total",
		Help:      "Calls rejected by an open circuit breaker.",
	}, []string{"scope"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "rate_limited_total",
		Help:      "Calls rejected by a token bucket.",
	}, []string{"scope"})

	overloadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "overloaded_total",
		Help:      "Calls rejected by the concurrency cap.",
	})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "duplicates_total",
		Help:      "Messages suppressed by idempotency checks.",
	}, []string{"source"})

	transportPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "transport_publish_total",
		Help:      "Envelopes handed to a transport.",
	}, []string{"transport", "mode"})

	transportPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "transport_publish_errors_total",
		Help:      "Transport publish failures.",
	}, []string{"transport"})

	transportPublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "herald",
		Name:      "transport_publish_duration_seconds",
		Help:      "Broker publish latency.",
		Buckets:   transportBuckets,
	}, []string{"transport"})

	transportBackpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "transport_backpressure_total",
		Help:      "Envelopes rejected or delayed by full buffers.",
	}, []string{"transport"})

	transportDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "transport_dropped_total",
		Help:      "Envelopes dropped because no subscriber existed.",
	}, []string{"transport"})

	batchFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "batch_flush_total",
		Help:      "Batcher flushes by trigger (size, timeout, close).",
	}, []string{"trigger"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "herald",
		Name:      "batch_size",
		Help:      "Envelopes per flushed batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	compressionRatio = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "herald",
		Name:      "compression_ratio",
		Help:      "Compressed size over original size for compressed payloads.",
		Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	}, []string{"algorithm"})

	outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "herald",
		Name:      "outbox_pending",
		Help:      "Records currently pending in the outbox.",
	})

	outboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "outbox_published_total",
		Help:      "Outbox records published to the transport.",
	})

	outboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "outbox_failed_total",
		Help:      "Outbox records abandoned after exhausting attempts.",
	})

	outboxLeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "outbox_lease_conflicts_total",
		Help:      "Claim attempts that lost to another publisher's lease.",
	})

	inboxDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "inbox_dedup_hits_total",
		Help:      "Redeliveries suppressed by the idempotency store.",
	})

	inboxLocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "inbox_locked_total",
		Help:      "Deliveries deferred because another consumer held the lock.",
	})

	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "dead_letter_total",
		Help:      "Messages moved to the dead-letter store by source.",
	}, []string{"source"})

	storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "herald",
		Name:      "store_op_duration_seconds",
		Help:      "Durable store operation latency.",
		Buckets:   dispatchBuckets,
	}, []string{"store", "op"})
)

// RecordRequest records one send dispatch with its outcome kind and latency.
func RecordRequest(requestType, outcome string, duration time.Duration) {
	requestsTotal.WithLabelValues(requestType, outcome).Inc()
	requestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// RecordPublish records one event publish.
func RecordPublish(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventHandlerFailure records one isolated event handler failure.
func RecordEventHandlerFailure(eventType string) {
	eventHandlerFailures.WithLabelValues(eventType).Inc()
}

// RecordRetry records one retry attempt. Stage is "pipeline" or "outbox".
func RecordRetry(messageType, stage string) {
	retriesTotal.WithLabelValues(messageType, stage).Inc()
}

// RecordCircuitOpen records one short-circuited call. Scope is "admission" or
// the request type for per-type breakers.
func RecordCircuitOpen(scope string) {
	circuitOpenTotal.WithLabelValues(scope).Inc()
}

// RecordRateLimited records one token bucket denial.
func RecordRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

// RecordOverloaded records one concurrency cap denial.
func RecordOverloaded() {
	overloadedTotal.Inc()
}

// RecordDuplicate records one idempotency suppression. Source is "pipeline"
// or "inbox".
func RecordDuplicate(source string) {
	duplicatesTotal.WithLabelValues(source).Inc()
}

// RecordTransportPublish records one envelope handed to a transport. Mode is
// "send", "publish", or "batch".
func RecordTransportPublish(transport, mode string, duration time.Duration) {
	transportPublishTotal.WithLabelValues(transport, mode).Inc()
	transportPublishDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordTransportPublishError records one transport publish failure.
func RecordTransportPublishError(transport string) {
	transportPublishErrors.WithLabelValues(transport).Inc()
}

// RecordBackpressure records one buffer overflow event.
func RecordBackpressure(transport string) {
	transportBackpressure.WithLabelValues(transport).Inc()
}

// RecordDropped records one envelope dropped for lack of subscribers.
func RecordDropped(transport string) {
	transportDropped.WithLabelValues(transport).Inc()
}

// RecordBatchFlush records one batch flush and its size.
func RecordBatchFlush(trigger string, size int) {
	batchFlushTotal.WithLabelValues(trigger).Inc()
	batchSize.Observe(float64(size))
}

// RecordCompression records the ratio achieved for one compressed payload.
func RecordCompression(algorithm string, originalSize, compressedSize int) {
	if originalSize <= 0 {
		return
	}
	compressionRatio.WithLabelValues(algorithm).Observe(float64(compressedSize) / float64(originalSize))
}

// SetOutboxPending sets the pending-records gauge.
func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

// RecordOutboxPublished records one successfully relayed outbox record.
func RecordOutboxPublished() {
	outboxPublished.Inc()
}

// RecordOutboxFailed records one permanently failed outbox record.
func RecordOutboxFailed() {
	outboxFailed.Inc()
}

// RecordOutboxLeaseConflict records one lost claim race.
func RecordOutboxLeaseConflict() {
	outboxLeaseConflicts.Inc()
}

// RecordInboxDedupHit records one suppressed redelivery.
func RecordInboxDedupHit() {
	inboxDedupHits.Inc()
}

// RecordInboxLocked records one delivery deferred by a held lock.
func RecordInboxLocked() {
	inboxLocked.Inc()
}

// RecordDeadLetter records one dead-lettered message. Source is "outbox" or
// "inbox".
func RecordDeadLetter(source string) {
	deadLetterTotal.WithLabelValues(source).Inc()
}

// ObserveStoreOp records one durable store operation's latency.
func ObserveStoreOp(store, op string, duration time.Duration) {
	storeOpDuration.WithLabelValues(store, op).Observe(duration.Seconds())
}
