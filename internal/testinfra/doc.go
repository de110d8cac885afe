// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package testinfra manages broker containers for transport integration
// tests.
//
// This package uses testcontainers-go to run real NATS and Redis servers,
// so the JetStream and Redis Streams transports are tested against the same
// brokers they talk to in production.
//
// # Broker Containers
//
// Each transport integration test boots its own container:
//
//	func TestJetStreamTransport(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//
//	    ctx := context.Background()
//	    broker, err := testinfra.NewNATSContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, broker.Container)
//
//	    tr, err := natsjs.New(ctx, natsjs.Config{URL: broker.URL})
//	    // ...
//	}
//
// # CI Considerations
//
// These tests require Docker and are guarded by the integration build tag:
//
//	go test -tags integration ./transport/...
//
// Tests skip gracefully when Docker is unavailable. First runs download the
// broker images; later runs use the cache.
package testinfra
