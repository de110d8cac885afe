// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// JSON is the default codec. It uses goccy/go-json, a drop-in replacement for
// encoding/json with substantially better throughput. Map keys are emitted in
// sorted order, so encoding is deterministic.
type JSON struct{}

// ContentType returns "application/json".
func (JSON) ContentType() string {
	return ContentTypeJSON
}

// Marshal encodes v as compact JSON.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes exactly one JSON value from data into v. Anything beyond
// the first value, other than whitespace, is rejected.
func (JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("unmarshal json payload: %w", err)
	}
	// A second token means the payload held more than one value.
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unmarshal json payload: %w", ErrTrailingData)
	}
	return nil
}
