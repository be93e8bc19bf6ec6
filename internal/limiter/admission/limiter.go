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

// Package admission implements the admission protocol: speculative-first
// conditional consumption, slow-path bucket creation, shard retry and
// doubling, cascade to the parent entity, and the lease handed to the caller.
package admission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/config"
	"shardlimit/internal/limiter/store"
	"shardlimit/internal/limiter/telemetry"
)

// maxShardRetries bounds the additional speculative attempts on different
// shards after an app-limit failure on a multi-shard bucket.
const maxShardRetries = 2

// maxAttempts bounds the whole per-target loop; every transition either
// consumes a retry budget or settles, so this is a safety net, not a policy.
const maxAttempts = 8

// Limiter runs admissions against one repository and resolver.
type Limiter struct {
	repo     *store.Repository
	resolver *config.Resolver
	opts     shardlimit.Options
	log      *logrus.Entry

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// New builds a limiter.
func New(repo *store.Repository, resolver *config.Resolver, opts shardlimit.Options, log *logrus.Logger) *Limiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Limiter{
		repo:     repo,
		resolver: resolver,
		opts:     opts,
		log:      log.WithFields(logrus.Fields{"component": "admission", "namespace": opts.Namespace}),
		now:      time.Now,
	}
}

type acquireSettings struct {
	limits        []shardlimit.Limit
	cascade       *bool
	onUnavailable shardlimit.FailureMode
}

// AcquireOption tunes one admission.
type AcquireOption func(*acquireSettings)

// WithLimits supplies caller limits for this admission. They replace every
// stored configuration level.
func WithLimits(limits ...shardlimit.Limit) AcquireOption {
	return func(s *acquireSettings) { s.limits = limits }
}

// WithCascade overrides the entity's configured cascade flag.
func WithCascade(cascade bool) AcquireOption {
	return func(s *acquireSettings) { s.cascade = &cascade }
}

// WithOnUnavailable overrides the configured failure mode for this admission.
func WithOnUnavailable(mode shardlimit.FailureMode) AcquireOption {
	return func(s *acquireSettings) { s.onUnavailable = mode }
}

type target struct {
	entity   string
	resource string
}

type heldBucket struct {
	entity   string
	resource string
	shard    int
}

type admitOutcome struct {
	ok     bool
	bucket heldBucket
	path   string
	rle    *shardlimit.RateLimitExceeded
	err    error
}

// Acquire admits consume tokens against (entity, resource), cascading to the
// parent when configured. On success the returned lease has already consumed
// durably; Commit is a no-op and Rollback compensates.
func (l *Limiter) Acquire(ctx context.Context, entity, resource string, consume shardlimit.Consume, opts ...AcquireOption) (*Lease, error) {
	start := l.now()
	settings := acquireSettings{onUnavailable: l.opts.OnUnavailable}
	for _, o := range opts {
		o(&settings)
	}

	if err := shardlimit.ValidateEntityID(entity); err != nil {
		return nil, err
	}
	if err := shardlimit.ValidateResourceName(resource); err != nil {
		return nil, err
	}
	if err := consume.Validate(); err != nil {
		return nil, err
	}

	resolved, err := l.resolver.Resolve(ctx, entity, resource, settings.limits)
	if err != nil {
		return l.finishError(start, settings, err, consume)
	}
	if resolved.Empty() {
		return nil, shardlimit.Errorf(shardlimit.KindValidation,
			"no limits configured for %s/%s and none supplied", entity, resource)
	}
	consumeMilli := consume.Milli()
	for name := range consumeMilli {
		if _, ok := resolved.Limits[name]; !ok {
			return nil, shardlimit.Errorf(shardlimit.KindValidation,
				"consume names limit %q which no configuration level defines", name)
		}
	}

	meta, err := l.repo.GetEntity(ctx, entity)
	if err != nil {
		return l.finishError(start, settings, err, consume)
	}
	cascade := meta.Cascade
	if settings.cascade != nil {
		cascade = *settings.cascade
	}
	targets := []target{{entity, resource}}
	if cascade {
		if meta.ParentID == "" {
			return nil, shardlimit.Errorf(shardlimit.KindValidation,
				"entity %q cascades but has no parent", entity)
		}
		if _, err := l.repo.GetEntity(ctx, meta.ParentID); err != nil {
			return l.finishError(start, settings, err, consume)
		}
		targets = append(targets, target{meta.ParentID, resource})
	}

	outcomes := make([]admitOutcome, len(targets))
	if len(targets) == 2 && !l.opts.SerialCascade && !l.opts.DisableSpeculative {
		l.admitCascade(ctx, targets, consumeMilli, resolved, outcomes)
	} else if len(targets) == 2 && !l.opts.SerialCascade {
		// two distinct partitions; fan out concurrently
		var wg sync.WaitGroup
		for i := range targets {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = l.admitTarget(ctx, targets[i], consumeMilli, resolved)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range targets {
			outcomes[i] = l.admitTarget(ctx, targets[i], consumeMilli, resolved)
			if !outcomes[i].ok {
				break
			}
		}
	}

	var held []heldBucket
	path := telemetry.PathSpeculative
	for _, o := range outcomes {
		if o.ok {
			held = append(held, o.bucket)
			if o.path != "" && path == telemetry.PathSpeculative {
				path = o.path
			}
		}
	}
	for _, o := range outcomes {
		if o.ok || (o.rle == nil && o.err == nil) {
			continue
		}
		l.compensate(ctx, held, consumeMilli)
		if o.err != nil {
			return l.finishError(start, settings, o.err, consume)
		}
		telemetry.ObserveAdmission(path, telemetry.OutcomeDenied, l.now().Sub(start))
		return nil, o.rle
	}

	telemetry.ObserveAdmission(path, telemetry.OutcomeAllowed, l.now().Sub(start))
	return l.newLease(held, consumeMilli), nil
}

// finishError applies the failure-mode policy to an infrastructure error:
// FailAllow admits without consumption, anything else surfaces the error.
// Exhaustion never reaches this path.
func (l *Limiter) finishError(start time.Time, settings acquireSettings, err error, consume shardlimit.Consume) (*Lease, error) {
	if settings.onUnavailable == shardlimit.FailAllow && errors.Is(err, shardlimit.KindUnavailable) {
		l.log.WithError(err).Warn("store unavailable, admitting without consumption")
		telemetry.ObserveFailOpen()
		telemetry.ObserveAdmission(telemetry.PathSpeculative, telemetry.OutcomeAllowed, l.now().Sub(start))
		return l.newLease(nil, consume.Milli()), nil
	}
	telemetry.ObserveAdmission(telemetry.PathSpeculative, telemetry.OutcomeError, l.now().Sub(start))
	return nil, err
}

// compensate returns consumed tokens on the buckets already admitted when a
// later bucket fails. Unconditional add-backs; errors are logged and
// swallowed because retrying could double-compensate.
func (l *Limiter) compensate(ctx context.Context, held []heldBucket, consumeMilli map[string]int64) {
	if len(held) == 0 {
		return
	}
	writes := make([]store.AdjustWrite, 0, len(held))
	for _, h := range held {
		tokens := make(map[string]int64, len(consumeMilli))
		consumed := make(map[string]int64, len(consumeMilli))
		for name, amount := range consumeMilli {
			tokens[name] = amount
			consumed[name] = -amount
		}
		writes = append(writes, store.AdjustWrite{
			Entity: h.entity, Resource: h.resource, Shard: h.shard,
			TokensMilli: tokens, ConsumedMilli: consumed,
		})
	}
	for i, err := range l.repo.WriteEach(ctx, writes) {
		if err != nil {
			telemetry.ObserveAdjustError()
			l.log.WithError(err).WithFields(logrus.Fields{
				"entity": writes[i].Entity, "resource": writes[i].Resource, "shard": writes[i].Shard,
			}).Error("compensation write failed")
		}
	}
}

// admitCascade admits the child and the parent together. Both targets are
// probed speculatively in parallel; the cold-start case where neither bucket
// exists is settled by one transaction that creates both buckets with the
// consumption applied, so no reader can observe the child admitted while the
// parent bucket is still absent. Any other mix of probe results falls back to
// the independent per-target machinery; a failed probe consumed nothing, so
// re-entering the full loop is safe.
func (l *Limiter) admitCascade(ctx context.Context, targets []target, consumeMilli map[string]int64, resolved config.Resolved, outcomes []admitOutcome) {
	probes := make([]store.SpeculativeResult, len(targets))
	errs := make([]error, len(targets))
	shards := make([]int, len(targets))
	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shards[i] = l.repo.PickShard(targets[i].entity, targets[i].resource, nil)
			probes[i], errs[i] = l.repo.SpeculativeConsume(ctx, targets[i].entity, targets[i].resource, consumeMilli, shards[i])
		}(i)
	}
	wg.Wait()

	missing := 0
	for i := range targets {
		if errs[i] == nil && !probes[i].Success {
			telemetry.ObserveSpeculativeFailure(probes[i].Reason.String())
			if probes[i].Reason == store.ReasonBucketMissing {
				missing++
			}
		}
	}
	if missing == len(targets) && l.createCascade(ctx, targets, shards, consumeMilli, resolved, outcomes) {
		return
	}

	var settle sync.WaitGroup
	for i := range targets {
		switch {
		case errs[i] != nil:
			outcomes[i] = admitOutcome{err: errs[i]}
		case probes[i].Success:
			outcomes[i] = admitOutcome{ok: true, bucket: heldBucket{targets[i].entity, targets[i].resource, probes[i].Shard}}
		default:
			settle.Add(1)
			go func(i int) {
				defer settle.Done()
				outcomes[i] = l.admitTarget(ctx, targets[i], consumeMilli, resolved)
			}(i)
		}
	}
	settle.Wait()
}

// createCascade materializes both missing buckets and applies the
// consumption in one transaction. false means the creation lost a race and
// nothing was written; the targets should settle independently.
func (l *Limiter) createCascade(ctx context.Context, targets []target, shards []int, consumeMilli map[string]int64, resolved config.Resolved, outcomes []admitOutcome) bool {
	writes := make([]store.BucketWrite, len(targets))
	for i, t := range targets {
		meta, err := l.repo.GetEntity(ctx, t.entity)
		if err != nil {
			outcomes[i] = admitOutcome{err: err}
			return true
		}
		item, rle := l.newBucket(t, shards[i], l.repo.ShardCount(t.entity, t.resource), meta, consumeMilli, resolved)
		if rle != nil {
			outcomes[i] = admitOutcome{rle: rle}
			return true
		}
		writes[i] = store.BucketWrite{
			Entity: t.entity, Resource: t.resource, Shard: shards[i],
			Mode: store.WriteNormal, Create: true, Item: item, ConsumeMilli: consumeMilli,
		}
	}
	failure, err := l.repo.CommitInitial(ctx, writes)
	if err != nil {
		outcomes[0] = admitOutcome{err: err}
		return true
	}
	if failure == nil {
		for i, t := range targets {
			outcomes[i] = admitOutcome{ok: true, path: telemetry.PathSlow, bucket: heldBucket{t.entity, t.resource, shards[i]}}
		}
		return true
	}
	if failure.Reason == store.ReasonPartitionThrottled {
		outcomes[0] = admitOutcome{err: shardlimit.Errorf(shardlimit.KindUnavailable,
			"partition throttled creating cascade buckets for %s/%s", targets[0].entity, targets[0].resource)}
		return true
	}
	// a bucket appeared concurrently; the transaction wrote nothing
	return false
}

// admitTarget runs the per-bucket admission state machine: speculate, then
// route the classified failure to the slow path, a shard retry, a shard
// doubling, or a throttle probe.
func (l *Limiter) admitTarget(ctx context.Context, t target, consumeMilli map[string]int64, resolved config.Resolved) admitOutcome {
	tried := map[int]bool{}
	shardRetries := 0
	path := telemetry.PathSpeculative
	shard := l.repo.PickShard(t.entity, t.resource, nil)

	if l.opts.DisableSpeculative {
		out := l.slowAdmit(ctx, t, consumeMilli, resolved)
		out.path = telemetry.PathSlow
		return out
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return admitOutcome{err: shardlimit.Wrap(shardlimit.KindUnavailable, err, "admission cancelled")}
		}
		res, err := l.repo.SpeculativeConsume(ctx, t.entity, t.resource, consumeMilli, shard)
		if err != nil {
			return admitOutcome{err: err}
		}
		if res.Success {
			return admitOutcome{ok: true, path: path, bucket: heldBucket{t.entity, t.resource, res.Shard}}
		}
		telemetry.ObserveSpeculativeFailure(res.Reason.String())

		switch res.Reason {
		case store.ReasonBucketMissing:
			out, retry := l.slowPath(ctx, t, shard, consumeMilli, resolved)
			if !retry {
				out.path = telemetry.PathSlow
				return out
			}
			path = telemetry.PathSlow

		case store.ReasonWCUExhausted, store.ReasonBothExhausted:
			// the shard is write-hot; double and try the widened set
			if _, err := l.repo.BumpShardCount(ctx, t.entity, t.resource, res.ShardCount); err != nil {
				return admitOutcome{err: err}
			}
			telemetry.ObserveShardDoubling()
			tried[res.Shard] = true
			shard = l.repo.PickShard(t.entity, t.resource, tried)
			path = telemetry.PathRetry

		case store.ReasonAppLimitExhausted:
			if res.ShardCount > 1 && shardRetries < maxShardRetries {
				shardRetries++
				tried[res.Shard] = true
				shard = l.repo.PickShard(t.entity, t.resource, tried)
				path = telemetry.PathRetry
				continue
			}
			return admitOutcome{rle: l.exceeded(t, res.Bucket, consumeMilli, resolved)}

		case store.ReasonPartitionThrottled:
			// shard 1 existing proves the bucket is already split; adopt its
			// count and spread out
			probe, err := l.repo.GetBucket(ctx, t.entity, t.resource, 1)
			if err != nil {
				return admitOutcome{err: err}
			}
			if probe == nil {
				return admitOutcome{err: shardlimit.Errorf(shardlimit.KindUnavailable,
					"partition throttled on unsharded bucket %s/%s", t.entity, t.resource)}
			}
			tried[res.Shard] = true
			shard = l.repo.PickShard(t.entity, t.resource, tried)
			path = telemetry.PathRetry

		default:
			return admitOutcome{err: shardlimit.Errorf(shardlimit.KindConcurrency,
				"unresolvable speculative failure %s on %s/%s", res.Reason, t.entity, t.resource)}
		}
	}
	return admitOutcome{err: shardlimit.Errorf(shardlimit.KindConcurrency,
		"admission for %s/%s did not settle in %d attempts", t.entity, t.resource, maxAttempts)}
}

// slowPath materializes the bucket shard with full attributes and commits the
// consumption in the same transaction. retry=true means the creation lost a
// race and the caller should speculate again against the now-existing bucket.
func (l *Limiter) slowPath(ctx context.Context, t target, shard int, consumeMilli map[string]int64, resolved config.Resolved) (out admitOutcome, retry bool) {
	meta, err := l.repo.GetEntity(ctx, t.entity)
	if err != nil {
		return admitOutcome{err: err}, false
	}
	shardCount := l.repo.ShardCount(t.entity, t.resource)
	item, rle := l.newBucket(t, shard, shardCount, meta, consumeMilli, resolved)
	if rle != nil {
		return admitOutcome{rle: rle}, false
	}
	failure, err := l.repo.CommitInitial(ctx, []store.BucketWrite{{
		Entity: t.entity, Resource: t.resource, Shard: shard,
		Mode: store.WriteNormal, Create: true, Item: item, ConsumeMilli: consumeMilli,
	}})
	if err != nil {
		return admitOutcome{err: err}, false
	}
	if failure == nil {
		return admitOutcome{ok: true, bucket: heldBucket{t.entity, t.resource, shard}}, false
	}
	if failure.Reason == store.ReasonPartitionThrottled {
		return admitOutcome{err: shardlimit.Errorf(shardlimit.KindUnavailable,
			"partition throttled creating bucket %s/%s", t.entity, t.resource)}, false
	}
	return admitOutcome{}, true
}

// newBucket composes the full bucket item for shard, with every resolved
// limit sharded shardCount ways, the wcu limit unsharded, and the initial
// consumption already applied. A consumption no full shard can cover is
// reported as exceedance without writing anything.
func (l *Limiter) newBucket(t target, shard, shardCount int, meta store.EntityMeta, consumeMilli map[string]int64, resolved config.Resolved) (*store.BucketItem, *shardlimit.RateLimitExceeded) {
	b := &store.BucketItem{
		NS:         l.opts.Namespace,
		Entity:     t.entity,
		Resource:   t.resource,
		Shard:      shard,
		RefillTS:   l.now().UnixMilli(),
		ShardCount: shardCount,
		Cascade:    meta.Cascade,
		ParentID:   meta.ParentID,
		Limits:     make(map[string]shardlimit.LimitMilli, len(resolved.Limits)+1),
		State:      make(map[string]shardlimit.LimitState, len(resolved.Limits)+1),
	}
	all := make([]shardlimit.LimitMilli, 0, len(resolved.Limits)+1)
	for _, lim := range resolved.Limits {
		all = append(all, lim.Sharded(shardCount))
	}
	exhausted := false
	for _, lim := range all {
		c := consumeMilli[lim.Name]
		if c > lim.Burst {
			exhausted = true
		}
		b.Limits[lim.Name] = lim
		b.State[lim.Name] = shardlimit.LimitState{Tokens: lim.Burst - c, Consumed: c}
	}
	wcu := shardlimit.WCULimit().Milli()
	b.Limits[wcu.Name] = wcu
	b.State[wcu.Name] = shardlimit.LimitState{Tokens: wcu.Burst - shardlimit.Milli, Consumed: shardlimit.Milli}
	if exhausted {
		// report against the full (unconsumed) bucket
		full := &store.BucketItem{Limits: b.Limits, State: map[string]shardlimit.LimitState{}}
		for name, lim := range b.Limits {
			full.State[name] = shardlimit.LimitState{Tokens: lim.Burst}
		}
		return nil, l.exceeded(t, full, consumeMilli, resolved)
	}
	if !resolved.EntityLevel {
		b.ExpiresAt = shardlimit.BucketExpiry(all, l.now(), l.opts.BucketTTLMultiplier)
	}
	return b, nil
}

// exceeded builds the RATE_LIMIT_EXCEEDED payload from the bucket image that
// refused the consumption. Statuses cover exactly the consumed limits, in
// name order; wcu never appears.
func (l *Limiter) exceeded(t target, b *store.BucketItem, consumeMilli map[string]int64, resolved config.Resolved) *shardlimit.RateLimitExceeded {
	e := &shardlimit.RateLimitExceeded{Entity: t.entity, Resource: t.resource}
	for _, name := range sortedNames(consumeMilli) {
		amount := consumeMilli[name]
		var tokens int64
		lim := resolved.Limits[name]
		if b != nil {
			if st, ok := b.State[name]; ok {
				tokens = st.Tokens
			}
			if sharded, ok := b.Limits[name]; ok {
				lim = sharded
			}
		}
		full := resolved.Limits[name]
		status := shardlimit.LimitStatus{
			Name:      name,
			Capacity:  full.Capacity / shardlimit.Milli,
			Burst:     full.Burst / shardlimit.Milli,
			Remaining: float64(tokens) / shardlimit.Milli,
			Requested: amount / shardlimit.Milli,
		}
		if tokens < amount {
			status.RetryAfter = shardlimit.TimeToTokens(amount-tokens, lim)
			e.Violations = append(e.Violations, status)
		} else {
			e.Passed = append(e.Passed, status)
		}
	}
	return e
}

func sortedNames(m map[string]int64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
