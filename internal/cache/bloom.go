// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package cache

import (
	"hash/fnv"
	"math/bits"
	"sync"
)

// BloomFilter is a probabilistic set membership filter with a configurable
// false positive rate.
//
// Key characteristics:
//   - No false negatives: if Test() returns false, the key was never added
//   - Possible false positives: if Test() returns true, verify elsewhere
//   - Space efficient: about 10 bits per key at a 1% false positive rate
//   - Keys cannot be removed
//
// It fronts the durable idempotency ledger: a negative answer skips the
// database read entirely, a positive answer falls through to the
// authoritative store.
//
//	if !bloom.Test(key) {
//	    return false // definitely never recorded
//	}
//	return store.Seen(ctx, key)
type BloomFilter struct {
	mu       sync.RWMutex
	bits     []uint64
	size     uint64 // number of bits
	hashFns  int
	count    int // keys added, duplicates included
	capacity int
}

// NewBloomFilter creates a filter sized for expectedItems unique keys at the
// given target false positive probability (for example 0.01 for 1%).
// Non-positive or out-of-range arguments fall back to 10000 keys at 1%.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -n * ln(p) / (ln(2)^2) bits, k = (m/n) * ln(2) hash functions.
	ln2 := 0.693147
	ln2Squared := ln2 * ln2
	lnP := approximateLn(falsePositiveRate)

	m := int(-float64(expectedItems) * lnP / ln2Squared)
	if m < 64 {
		m = 64
	}

	k := int(float64(m) / float64(expectedItems) * ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10 // cap hashing cost
	}

	// Round up to a multiple of 64 for word-aligned storage.
	words := (m + 63) / 64

	return &BloomFilter{
		bits:     make([]uint64, words),
		size:     uint64(words * 64),
		hashFns:  k,
		capacity: expectedItems,
	}
}

// Add records a key in the filter.
func (bf *BloomFilter) Add(key string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	for _, h := range bf.getHashes(key) {
		idx := h % bf.size
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
	bf.count++
}

// Test reports whether a key might be in the filter. false means the key was
// definitely never added; true means it might have been.
func (bf *BloomFilter) Test(key string) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	for _, h := range bf.getHashes(key) {
		idx := h % bf.size
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// AddAndTest records a key and reports whether it was possibly already
// present, in one lock acquisition.
func (bf *BloomFilter) AddAndTest(key string) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	hashes := bf.getHashes(key)

	allSet := true
	for _, h := range hashes {
		idx := h % bf.size
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			allSet = false
			break
		}
	}

	for _, h := range hashes {
		idx := h % bf.size
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
	bf.count++

	return allSet
}

// Clear resets the filter.
func (bf *BloomFilter) Clear() {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	for i := range bf.bits {
		bf.bits[i] = 0
	}
	bf.count = 0
}

// Count returns the number of Add calls, duplicates included.
func (bf *BloomFilter) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.count
}

// Capacity returns the expected key count the filter was sized for.
func (bf *BloomFilter) Capacity() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.capacity
}

// ApproximateFillRatio returns the fraction of bits set. Ratios past ~0.5
// mean the filter is overloaded and its false positive rate is degrading.
func (bf *BloomFilter) ApproximateFillRatio() float64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	setBits := 0
	for _, word := range bf.bits {
		setBits += bits.OnesCount64(word)
	}
	return float64(setBits) / float64(bf.size)
}

// getHashes derives hashFns hash values via double hashing: h(i) = h1 + i*h2.
// Cheaper than k independent hash functions with equivalent distribution.
func (bf *BloomFilter) getHashes(key string) []uint64 {
	h1 := fnv.New64a()
	h1.Write([]byte(key))
	hash1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write([]byte(key))
	h2.Write([]byte{0xff}) // salt to decorrelate from h1
	hash2 := h2.Sum64()

	hashes := make([]uint64, bf.hashFns)
	for i := 0; i < bf.hashFns; i++ {
		hashes[i] = hash1 + uint64(i)*hash2
	}
	return hashes
}

// approximateLn looks up ln(x) for the false positive rates used in sizing.
func approximateLn(x float64) float64 {
	switch {
	case x >= 0.1:
		return -2.303 // ln(0.1)
	case x >= 0.05:
		return -2.996 // ln(0.05)
	case x >= 0.01:
		return -4.605 // ln(0.01)
	case x >= 0.005:
		return -5.298 // ln(0.005)
	case x >= 0.001:
		return -6.908 // ln(0.001)
	default:
		return -9.210 // ln(0.0001)
	}
}
