// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Gob is the binary codec for Go-to-Go deployments. Payloads are roughly half
// the size of JSON for struct-heavy messages and carry Go type information.
//
// Values containing maps encode in map iteration order and are therefore not
// byte-deterministic; messages relying on fingerprint equality must be
// map-free structs. JSON has no such restriction.
type Gob struct{}

// ContentType returns "application/x-gob".
func (Gob) ContentType() string {
	return ContentTypeGob
}

// Marshal encodes v with encoding/gob. A fresh encoder per call keeps the
// stream self-describing so any decoder instance can read it.
func (Gob) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("marshal gob payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one gob value from data into v.
func (Gob) Unmarshal(data []byte, v any) error {
	reader := bytes.NewReader(data)
	if err := gob.NewDecoder(reader).Decode(v); err != nil {
		return fmt.Errorf("unmarshal gob payload: %w", err)
	}
	if reader.Len() > 0 {
		return fmt.Errorf("unmarshal gob payload: %w", ErrTrailingData)
	}
	return nil
}
