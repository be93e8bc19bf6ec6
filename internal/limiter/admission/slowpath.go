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

	"shardlimit"
	"shardlimit/internal/limiter/config"
	"shardlimit/internal/limiter/store"
)

// slowAdmit is the fully transactional admission used when speculative
// writes are disabled. The planner picks per attempt: create when the bucket
// is missing, normal (refill + consume under the rf lock) on the first try
// against an existing bucket, retry (consume only) after losing the lock.
func (l *Limiter) slowAdmit(ctx context.Context, t target, consumeMilli map[string]int64, resolved config.Resolved) admitOutcome {
	tried := map[int]bool{}
	shardRetries := 0
	shard := l.repo.PickShard(t.entity, t.resource, nil)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return admitOutcome{err: shardlimit.Wrap(shardlimit.KindUnavailable, err, "admission cancelled")}
		}
		b, err := l.repo.GetBucket(ctx, t.entity, t.resource, shard)
		if err != nil {
			return admitOutcome{err: err}
		}
		if b == nil {
			out, retry := l.slowPath(ctx, t, shard, consumeMilli, resolved)
			if !retry {
				return out
			}
			continue
		}

		nowMs := l.now().UnixMilli()
		write, reason, projected := l.normalWrite(t, b, shard, consumeMilli, resolved, nowMs)
		switch reason {
		case store.ReasonWCUExhausted, store.ReasonBothExhausted:
			if recovered, ok := l.routeExhaustion(ctx, t, b.ShardCount, shard, tried, &shardRetries); ok {
				shard = recovered
				continue
			}
			return admitOutcome{rle: l.exceeded(t, projected, consumeMilli, resolved)}
		case store.ReasonAppLimitExhausted:
			if b.ShardCount > 1 && shardRetries < maxShardRetries {
				shardRetries++
				tried[shard] = true
				shard = l.repo.PickShard(t.entity, t.resource, tried)
				continue
			}
			return admitOutcome{rle: l.exceeded(t, projected, consumeMilli, resolved)}
		}
		failure, err := l.repo.CommitInitial(ctx, []store.BucketWrite{write})
		if err != nil {
			return admitOutcome{err: err}
		}
		if failure == nil {
			return admitOutcome{ok: true, bucket: heldBucket{t.entity, t.resource, shard}}
		}
		if failure.Reason != store.ReasonNone {
			// the fresh image cannot cover the consumption even without our
			// refill; treat like a speculative exhaustion
			switch failure.Reason {
			case store.ReasonBucketMissing:
				// deleted (TTL) between the read and the commit; recreate
				continue
			case store.ReasonWCUExhausted, store.ReasonBothExhausted:
				if recovered, ok := l.routeExhaustion(ctx, t, b.ShardCount, shard, tried, &shardRetries); ok {
					shard = recovered
					continue
				}
			case store.ReasonAppLimitExhausted:
				if b.ShardCount > 1 && shardRetries < maxShardRetries {
					shardRetries++
					tried[shard] = true
					shard = l.repo.PickShard(t.entity, t.resource, tried)
					continue
				}
			}
			return admitOutcome{rle: l.exceeded(t, failure.Old, consumeMilli, resolved)}
		}

		// rf moved under us; consume without refilling
		failure, err = l.repo.CommitInitial(ctx, []store.BucketWrite{{
			Entity: t.entity, Resource: t.resource, Shard: shard,
			Mode: store.WriteRetry, ConsumeMilli: consumeMilli,
		}})
		if err != nil {
			return admitOutcome{err: err}
		}
		if failure == nil {
			return admitOutcome{ok: true, bucket: heldBucket{t.entity, t.resource, shard}}
		}
		switch failure.Reason {
		case store.ReasonWCUExhausted, store.ReasonBothExhausted:
			if recovered, ok := l.routeExhaustion(ctx, t, b.ShardCount, shard, tried, &shardRetries); ok {
				shard = recovered
				continue
			}
			return admitOutcome{rle: l.exceeded(t, failure.Old, consumeMilli, resolved)}
		case store.ReasonAppLimitExhausted:
			if b.ShardCount > 1 && shardRetries < maxShardRetries {
				shardRetries++
				tried[shard] = true
				shard = l.repo.PickShard(t.entity, t.resource, tried)
				continue
			}
			return admitOutcome{rle: l.exceeded(t, failure.Old, consumeMilli, resolved)}
		case store.ReasonPartitionThrottled:
			return admitOutcome{err: shardlimit.Errorf(shardlimit.KindUnavailable,
				"partition throttled on %s/%s", t.entity, t.resource)}
		default:
			// drained-and-restored race; go around
			continue
		}
	}
	return admitOutcome{err: shardlimit.Errorf(shardlimit.KindConcurrency,
		"admission for %s/%s did not settle in %d attempts", t.entity, t.resource, maxAttempts)}
}

// routeExhaustion doubles on wcu pressure and reports the shard to try next.
// ok=false means the retry budget is spent and the caller should surface the
// exceedance it already has.
func (l *Limiter) routeExhaustion(ctx context.Context, t target, shardCount, shard int, tried map[int]bool, shardRetries *int) (int, bool) {
	if *shardRetries >= maxShardRetries {
		return 0, false
	}
	*shardRetries++
	if _, err := l.repo.BumpShardCount(ctx, t.entity, t.resource, shardCount); err != nil {
		return 0, false
	}
	tried[shard] = true
	return l.repo.PickShard(t.entity, t.resource, tried), true
}

// normalWrite plans the refill+consume shape against the observed image. The
// shape carries no per-limit conditions, so exhaustion is decided here
// against the refilled projection and reported as a classified reason
// without writing anything.
func (l *Limiter) normalWrite(t target, b *store.BucketItem, shard int, consumeMilli map[string]int64, resolved config.Resolved, nowMs int64) (store.BucketWrite, store.FailureReason, *store.BucketItem) {
	refill := make(map[string]int64, len(b.Limits))
	projected := &store.BucketItem{Limits: b.Limits, State: make(map[string]shardlimit.LimitState, len(b.State))}
	for name, lim := range b.Limits {
		st := b.State[name]
		after := shardlimit.RefillMilli(st.Tokens, b.RefillTS, lim, nowMs)
		refill[name] = after - st.Tokens
		projected.State[name] = shardlimit.LimitState{Tokens: after, Consumed: st.Consumed}
	}
	app := false
	for name, amount := range consumeMilli {
		if projected.State[name].Tokens < amount {
			app = true
		}
	}
	wcu := projected.State[shardlimit.WCULimitName].Tokens < shardlimit.Milli
	switch {
	case app && wcu:
		return store.BucketWrite{}, store.ReasonBothExhausted, projected
	case wcu:
		return store.BucketWrite{}, store.ReasonWCUExhausted, projected
	case app:
		return store.BucketWrite{}, store.ReasonAppLimitExhausted, projected
	}

	sharded := make(map[string]shardlimit.LimitMilli, len(resolved.Limits))
	for name, lim := range resolved.Limits {
		sharded[name] = lim.Sharded(b.ShardCount)
	}
	write := store.BucketWrite{
		Entity: t.entity, Resource: t.resource, Shard: shard,
		Mode:         store.WriteNormal,
		ConsumeMilli: consumeMilli,
		ExpectedRf:   b.RefillTS,
		NewRf:        nowMs,
		RefillMilli:  refill,
		Limits:       sharded,
	}
	if !resolved.EntityLevel && b.ExpiresAt > 0 {
		all := make([]shardlimit.LimitMilli, 0, len(sharded))
		for _, lim := range sharded {
			all = append(all, lim)
		}
		write.ExpiresAt = shardlimit.BucketExpiry(all, l.now(), l.opts.BucketTTLMultiplier)
	}
	return write, store.ReasonNone, nil
}
