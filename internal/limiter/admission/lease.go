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

package admission

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/store"
	"shardlimit/internal/limiter/telemetry"
)

// Lease represents one successful admission: the buckets actually consumed
// (child, plus parent under cascade) and the per-limit deltas taken from each.
// The consumption is durable before the lease is handed out, so Commit is a
// no-op; Rollback compensates with unconditional add-backs.
type Lease struct {
	repo         *store.Repository
	log          *logrus.Entry
	consumeMilli map[string]int64
	buckets      []heldBucket
	closed       atomic.Bool
}

func (l *Limiter) newLease(buckets []heldBucket, consumeMilli map[string]int64) *Lease {
	return &Lease{
		repo:         l.repo,
		log:          l.log,
		consumeMilli: consumeMilli,
		buckets:      buckets,
	}
}

// Buckets reports how many bucket shards the lease holds. Zero for a lease
// admitted under the fail-open policy.
func (l *Lease) Buckets() int { return len(l.buckets) }

// Commit finalizes the lease. The tokens were consumed durably at admission,
// so this only closes the lease; calling it twice is harmless.
func (l *Lease) Commit() {
	l.closed.Store(true)
}

// Rollback returns the full admission consumption on every held bucket.
// Idempotent: the first of Commit/Rollback wins. Write failures are logged
// and swallowed; retrying a compensation that may have landed would
// double-credit the bucket.
func (l *Lease) Rollback(ctx context.Context) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	tokens := make(map[string]int64, len(l.consumeMilli))
	consumed := make(map[string]int64, len(l.consumeMilli))
	for name, amount := range l.consumeMilli {
		tokens[name] = amount
		consumed[name] = -amount
	}
	l.writeAll(ctx, tokens, consumed, "rollback")
}

// Adjust reconciles the lease against actual usage: deltaTokens > 0 returns
// tokens (the admission overestimated), deltaTokens < 0 takes more (the
// admission underestimated, and the bucket may go negative). Applied to every
// held bucket. May be called repeatedly while the lease is open; write
// failures are swallowed because the adds are unconditional and a retry
// could double-apply.
func (l *Lease) Adjust(ctx context.Context, name string, deltaTokens int64) error {
	if l.closed.Load() {
		return shardlimit.Errorf(shardlimit.KindValidation, "adjust on a closed lease")
	}
	if err := shardlimit.ValidateLimitName(name); err != nil {
		return err
	}
	if _, ok := l.consumeMilli[name]; !ok {
		return shardlimit.Errorf(shardlimit.KindValidation, "limit %q is not held by this lease", name)
	}
	deltaMilli := deltaTokens * shardlimit.Milli
	l.writeAll(ctx,
		map[string]int64{name: deltaMilli},
		map[string]int64{name: -deltaMilli},
		"adjust")
	return nil
}

func (l *Lease) writeAll(ctx context.Context, tokens, consumed map[string]int64, op string) {
	if len(l.buckets) == 0 {
		return
	}
	writes := make([]store.AdjustWrite, 0, len(l.buckets))
	for _, b := range l.buckets {
		writes = append(writes, store.AdjustWrite{
			Entity: b.entity, Resource: b.resource, Shard: b.shard,
			TokensMilli: tokens, ConsumedMilli: consumed,
		})
	}
	for i, err := range l.repo.WriteEach(ctx, writes) {
		if err != nil {
			telemetry.ObserveAdjustError()
			l.log.WithError(err).WithFields(logrus.Fields{
				"op": op, "entity": writes[i].Entity, "resource": writes[i].Resource, "shard": writes[i].Shard,
			}).Error("lease write failed")
		}
	}
}
