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

// Bucket arithmetic. Everything here is integer math over milli-units; the
// scaling keeps lazy-refill truncation below one milli-token per write, which
// is why no remainder bookkeeping is needed on the shared rf timestamp.
package shardlimit

import (
	"math"
	"time"
)

// LimitState is the per-limit slice of a bucket item: the b_{name}_tk and
// b_{name}_tc attributes. The refill timestamp rf is shared by every limit in
// the item and therefore lives on the bucket, not here.
type LimitState struct {
	// Tokens currently available, milli-units. Negative only after a
	// post-hoc adjust; admission alone can never take it below zero.
	Tokens int64

	// Consumed is the monotone total of milli-tokens ever taken from this
	// limit. The stream aggregator diffs it across images to measure rate.
	Consumed int64
}

// mulDiv computes a*b/c without intermediate overflow, saturating at
// MaxInt64. a, b, c must be non-negative, c non-zero.
func mulDiv(a, b, c int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		hi := a / c
		rem := a % c
		if hi != 0 && hi > math.MaxInt64/b {
			return math.MaxInt64
		}
		out := hi * b
		tail := rem * b / c
		if out > math.MaxInt64-tail {
			return math.MaxInt64
		}
		return out + tail
	}
	return a * b / c
}

func addClamped(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// RefillMilli returns the token value of one limit after lazy refill from the
// shared timestamp rfMs to nowMs, capped at the limit's burst. It never
// lowers the token value: a clock that appears to run backwards yields no
// refill rather than a debit.
func RefillMilli(tokens, rfMs int64, lim LimitMilli, nowMs int64) int64 {
	if tokens >= lim.Burst {
		return tokens
	}
	elapsed := nowMs - rfMs
	if elapsed <= 0 {
		return tokens
	}
	refilled := mulDiv(elapsed, lim.RefillAmount, lim.RefillPeriod)
	tokens = addClamped(tokens, refilled)
	if tokens > lim.Burst {
		tokens = lim.Burst
	}
	return tokens
}

// TimeToTokens reports how long the limit needs to refill deficitMilli
// milli-tokens. This is the retry_after source: a deficit of zero or less
// maps to zero.
func TimeToTokens(deficitMilli int64, lim LimitMilli) time.Duration {
	if deficitMilli <= 0 {
		return 0
	}
	ms := mulDiv(deficitMilli, lim.RefillPeriod, lim.RefillAmount)
	// round up so callers that sleep for the returned duration always find
	// the token present
	if mulDiv(ms, lim.RefillAmount, lim.RefillPeriod) < deficitMilli {
		ms++
	}
	return time.Duration(ms) * time.Millisecond
}

// TimeToFill reports how long the limit takes to refill from empty to
// capacity.
func TimeToFill(lim LimitMilli) time.Duration {
	return time.Duration(mulDiv(lim.Capacity, lim.RefillPeriod, lim.RefillAmount)) * time.Millisecond
}

// BucketExpiry computes the TTL epoch-seconds for a bucket governed only by
// non-entity default config: now plus the slowest limit's time-to-fill times
// multiplier. A multiplier of zero disables expiry (returns 0). Buckets with
// entity-specific config never expire and must not call this.
func BucketExpiry(limits []LimitMilli, now time.Time, multiplier int) int64 {
	if multiplier <= 0 {
		return 0
	}
	var slowest time.Duration
	for _, lim := range limits {
		if d := TimeToFill(lim); d > slowest {
			slowest = d
		}
	}
	return now.Add(slowest * time.Duration(multiplier)).Unix()
}
