// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shardlimit holds the pure domain core of the sharded rate limiter:
// limit definitions, integer token-bucket arithmetic over milli-units, name
// validation, and the error taxonomy. It has no dependencies and performs no
// I/O; the durable side lives under internal/limiter.
package shardlimit

import (
	"fmt"
	"time"
)

// Milli is the internal scaling factor: one token is stored as 1000
// milli-tokens so that fractional refill can be carried in integers.
const Milli = 1000

// WCULimitName is the reserved name of the infrastructure limit that is
// auto-injected on every bucket. It approximates the backing store's
// per-partition write-capacity ceiling: each admission consumes one wcu
// token, and exhaustion signals that the bucket needs more shards rather
// than that the caller is over a policy limit. It never appears in any
// user-visible status, snapshot, or error.
const WCULimitName = "wcu"

// Limit defines one named token bucket in caller units (whole tokens).
type Limit struct {
	// Name identifies the bucket within its (entity, resource), e.g. "rpm"
	// or "tpm". Validated by ValidateLimitName; "wcu" is reserved.
	Name string

	// Capacity is the steady-state number of tokens.
	Capacity int64

	// Burst is the ceiling the bucket may refill to. Zero means Capacity.
	// Must be >= Capacity when set.
	Burst int64

	// RefillAmount tokens are added every RefillPeriod. The refill rate is
	// the exact fraction RefillAmount/RefillPeriod; no float arithmetic is
	// involved at any point.
	RefillAmount int64

	// RefillPeriod is the period over which RefillAmount is granted.
	RefillPeriod time.Duration
}

// Validate checks the limit definition for internal consistency.
func (l Limit) Validate() error {
	if err := ValidateLimitName(l.Name); err != nil {
		return err
	}
	if l.Capacity <= 0 {
		return Errorf(KindValidation, "limit %q: capacity must be positive, got %d", l.Name, l.Capacity)
	}
	if l.Burst != 0 && l.Burst < l.Capacity {
		return Errorf(KindValidation, "limit %q: burst %d below capacity %d", l.Name, l.Burst, l.Capacity)
	}
	if l.RefillAmount <= 0 {
		return Errorf(KindValidation, "limit %q: refill amount must be positive, got %d", l.Name, l.RefillAmount)
	}
	if l.RefillPeriod <= 0 {
		return Errorf(KindValidation, "limit %q: refill period must be positive, got %s", l.Name, l.RefillPeriod)
	}
	return nil
}

// EffectiveBurst returns the burst ceiling, defaulting to Capacity.
func (l Limit) EffectiveBurst() int64 {
	if l.Burst == 0 {
		return l.Capacity
	}
	return l.Burst
}

// Milli converts the limit to its stored milli-unit form.
func (l Limit) Milli() LimitMilli {
	return LimitMilli{
		Name:         l.Name,
		Capacity:     l.Capacity * Milli,
		Burst:        l.EffectiveBurst() * Milli,
		RefillAmount: l.RefillAmount * Milli,
		RefillPeriod: l.RefillPeriod.Milliseconds(),
	}
}

// LimitMilli is a limit in the representation persisted on bucket and config
// items: token fields scaled by Milli, the refill period in milliseconds.
// These are the cp/bx/ra/rp attribute values.
type LimitMilli struct {
	Name         string
	Capacity     int64 // cp
	Burst        int64 // bx
	RefillAmount int64 // ra
	RefillPeriod int64 // rp, milliseconds
}

// Tokens converts back to caller units. Lossy if the stored values were not
// produced by Limit.Milli, which only happens on hand-written items.
func (m LimitMilli) Tokens() Limit {
	return Limit{
		Name:         m.Name,
		Capacity:     m.Capacity / Milli,
		Burst:        m.Burst / Milli,
		RefillAmount: m.RefillAmount / Milli,
		RefillPeriod: time.Duration(m.RefillPeriod) * time.Millisecond,
	}
}

// Sharded returns the limit as seen by one shard of a bucket split
// shardCount ways: capacity, burst and refill are divided so the shards sum
// to the configured whole. The wcu limit is never sharded because it models
// a per-partition property, not a policy.
func (m LimitMilli) Sharded(shardCount int) LimitMilli {
	if shardCount <= 1 || m.Name == WCULimitName {
		return m
	}
	n := int64(shardCount)
	out := m
	out.Capacity = m.Capacity / n
	out.Burst = m.Burst / n
	out.RefillAmount = m.RefillAmount / n
	return out
}

// WCULimit returns the reserved infrastructure limit definition:
// 1000 tokens refilling at 1000 tokens per second.
func WCULimit() Limit {
	return Limit{
		Name:         WCULimitName,
		Capacity:     1000,
		RefillAmount: 1000,
		RefillPeriod: time.Second,
	}
}

// Consume maps limit name to the number of whole tokens an admission intends
// to take from each bucket.
type Consume map[string]int64

// Milli returns the consumption scaled to milli-units.
func (c Consume) Milli() map[string]int64 {
	out := make(map[string]int64, len(c))
	for name, tokens := range c {
		out[name] = tokens * Milli
	}
	return out
}

// Validate rejects empty, negative, and reserved-name consumption.
func (c Consume) Validate() error {
	if len(c) == 0 {
		return Errorf(KindValidation, "consume map is empty")
	}
	for name, tokens := range c {
		if name == WCULimitName {
			return Errorf(KindValidation, "limit name %q is reserved", WCULimitName)
		}
		if err := ValidateLimitName(name); err != nil {
			return err
		}
		if tokens < 0 {
			return Errorf(KindValidation, "consume for %q is negative: %d", name, tokens)
		}
	}
	return nil
}

// LimitStatus is the user-visible snapshot of one limit on one
// (entity, resource), aggregated across shards. Token fields are in whole
// tokens with milli precision retained as fractions.
type LimitStatus struct {
	// Name of the limit, never "wcu".
	Name string `json:"name"`

	// Capacity and Burst echo the governing configuration.
	Capacity int64 `json:"capacity"`
	Burst    int64 `json:"burst"`

	// Remaining tokens at observation time. Negative when adjust has put
	// the bucket into debt.
	Remaining float64 `json:"remaining"`

	// Requested tokens for the admission this status describes; zero for
	// pure introspection.
	Requested int64 `json:"requested,omitempty"`

	// RetryAfter is how long until the bucket has refilled enough tokens to
	// cover Requested. Zero when the limit is not violated.
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds reports RetryAfter in seconds for JSON payloads.
func (s LimitStatus) RetryAfterSeconds() float64 {
	return s.RetryAfter.Seconds()
}

func (s LimitStatus) String() string {
	return fmt.Sprintf("%s: %.3f/%d remaining", s.Name, s.Remaining, s.Capacity)
}
