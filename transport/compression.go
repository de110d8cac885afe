// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/metrics"
)

// HeaderContentEncoding marks a compressed payload and names its algorithm.
const HeaderContentEncoding = "content-encoding"

// CompressionAlgorithm selects the payload compression codec.
type CompressionAlgorithm string

const (
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionZstd CompressionAlgorithm = "zstd"
	CompressionLZ4  CompressionAlgorithm = "lz4"
)

// ParseCompressionAlgorithm converts a config string to an algorithm.
func ParseCompressionAlgorithm(s string) (CompressionAlgorithm, error) {
	switch CompressionAlgorithm(s) {
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression algorithm %q", s)
	}
}

// CompressionConfig holds compression wrapper tuning.
type CompressionConfig struct {
	// Algorithm used on the outbound path. The inbound path decodes every
	// supported algorithm regardless, so mixed fleets interoperate during
	// a rollout that changes the algorithm.
	Algorithm CompressionAlgorithm

	// Threshold is the minimum payload size in bytes worth compressing.
	// Smaller payloads pass through untouched.
	Threshold int
}

// DefaultCompressionConfig returns production defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		Algorithm: CompressionZstd,
		Threshold: 1024,
	}
}

// compressed decorates a Transport with threshold-gated payload compression.
type compressed struct {
	inner Transport
	cfg   CompressionConfig

	// zstd coders are allocated once; EncodeAll and DecodeAll are safe for
	// concurrent use.
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// Compressed wraps a transport so payloads at or above the threshold travel
// compressed, marked by the content-encoding header. Subscriptions created
// through the wrapper decompress transparently before the handler runs.
// Envelopes below the threshold, and envelopes already carrying a
// content-encoding header, pass through unchanged.
func Compressed(inner Transport, cfg CompressionConfig) (Transport, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultCompressionConfig().Algorithm
	}
	if _, err := ParseCompressionAlgorithm(string(cfg.Algorithm)); err != nil {
		return nil, fmt.Errorf("compression: %w", err)
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCompressionConfig().Threshold
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: init zstd decoder: %w", err)
	}

	return &compressed{inner: inner, cfg: cfg, zstdEnc: enc, zstdDec: dec}, nil
}

func (c *compressed) Send(ctx context.Context, subject string, env *envelope.Envelope) error {
	out, err := c.maybeCompress(env)
	if err != nil {
		return err
	}
	return c.inner.Send(ctx, subject, out)
}

func (c *compressed) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	out, err := c.maybeCompress(env)
	if err != nil {
		return err
	}
	return c.inner.Publish(ctx, subject, out)
}

// SendBatch compresses each envelope then delegates. When the inner transport
// implements BatchSender the batch keeps its atomicity guarantees; otherwise
// envelopes are sent one by one and the first failure aborts the remainder.
func (c *compressed) SendBatch(ctx context.Context, subject string, envs []*envelope.Envelope) error {
	out := make([]*envelope.Envelope, len(envs))
	for i, env := range envs {
		ce, err := c.maybeCompress(env)
		if err != nil {
			return err
		}
		out[i] = ce
	}
	if bs, ok := c.inner.(BatchSender); ok {
		return bs.SendBatch(ctx, subject, out)
	}
	for i, env := range out {
		if err := c.inner.Send(ctx, subject, env); err != nil {
			return fmt.Errorf("batch send aborted at %d of %d: %w", i, len(out), err)
		}
	}
	return nil
}

func (c *compressed) Subscribe(ctx context.Context, subject, group string, h Handler) (Subscription, error) {
	wrapped := func(ctx context.Context, env *envelope.Envelope) error {
		if err := c.maybeDecompress(env); err != nil {
			return err
		}
		return h(ctx, env)
	}
	return c.inner.Subscribe(ctx, subject, group, wrapped)
}

func (c *compressed) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}

// HealthCheck forwards to the inner transport when it reports health, so
// wrapping never hides the broker from the health aggregator.
func (c *compressed) HealthCheck(ctx context.Context) health.ComponentHealth {
	if hc, ok := c.inner.(health.Checkable); ok {
		return hc.HealthCheck(ctx)
	}
	return health.ComponentHealth{Healthy: true, Message: "compression wrapper"}
}

// maybeCompress returns the envelope to put on the wire. The original is
// never mutated; a compressed copy is derived when the payload qualifies.
func (c *compressed) maybeCompress(env *envelope.Envelope) (*envelope.Envelope, error) {
	if len(env.Payload) < c.cfg.Threshold || env.Header(HeaderContentEncoding) != "" {
		return env, nil
	}

	var (
		packed []byte
		err    error
	)
	switch c.cfg.Algorithm {
	case CompressionGzip:
		packed, err = gzipCompress(env.Payload)
	case CompressionZstd:
		packed = c.zstdEnc.EncodeAll(env.Payload, make([]byte, 0, len(env.Payload)/2))
	case CompressionLZ4:
		packed, err = lz4Compress(env.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("compress %s payload: %w", c.cfg.Algorithm, err)
	}
	metrics.RecordCompression(string(c.cfg.Algorithm), len(env.Payload), len(packed))

	// Compression can inflate incompressible payloads. Ship the original
	// when the compressed form is not smaller.
	if len(packed) >= len(env.Payload) {
		return env, nil
	}

	out := env.Clone()
	out.Payload = packed
	out.SetHeader(HeaderContentEncoding, string(c.cfg.Algorithm))
	return out, nil
}

// maybeDecompress restores the payload in place on a delivery-owned envelope.
func (c *compressed) maybeDecompress(env *envelope.Envelope) error {
	encoding := env.Header(HeaderContentEncoding)
	if encoding == "" {
		return nil
	}

	var (
		plain []byte
		err   error
	)
	switch CompressionAlgorithm(encoding) {
	case CompressionGzip:
		plain, err = gzipDecompress(env.Payload)
	case CompressionZstd:
		plain, err = c.zstdDec.DecodeAll(env.Payload, nil)
	case CompressionLZ4:
		plain, err = lz4Decompress(env.Payload)
	default:
		return fmt.Errorf("decompress: unknown content-encoding %q", encoding)
	}
	if err != nil {
		return fmt.Errorf("decompress %s payload: %w", encoding, err)
	}

	env.Payload = plain
	env.DeleteHeader(HeaderContentEncoding)
	return nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}
