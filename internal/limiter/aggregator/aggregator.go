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

// Package aggregator consumes the table's change stream and performs the
// maintenance the hot path cannot afford: proactive refill, proactive shard
// doubling, shard-count propagation, and usage snapshots. Every step is
// best-effort; errors are collected into the batch result rather than
// aborting, so the runtime decides redelivery policy.
package aggregator

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
	"shardlimit/internal/limiter/store"
	"shardlimit/internal/limiter/telemetry"
)

// wcuProactiveThreshold is the fraction of a shard's wcu capacity consumed
// within one batch above which shard 0 is doubled ahead of exhaustion.
const wcuProactiveThreshold = 0.8

// shardWarnThreshold is the shard count above which doubling keeps working
// but logs a warning; a bucket this wide usually indicates a pathological
// key.
const shardWarnThreshold = 32

// Usage window layouts (UTC).
const (
	HourlyWindow = "2006-01-02T15"
	DailyWindow  = "2006-01-02"
)

// DefaultWindows is the standard snapshot granularity set.
var DefaultWindows = []string{HourlyWindow, DailyWindow}

// Handler processes one stream batch at a time for one namespace.
type Handler struct {
	repo    *store.Repository
	windows []string
	log     *logrus.Entry

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// New builds a handler. windows nil selects DefaultWindows.
func New(repo *store.Repository, windows []string, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if windows == nil {
		windows = DefaultWindows
	}
	return &Handler{
		repo:    repo,
		windows: windows,
		log:     log.WithFields(logrus.Fields{"component": "aggregator", "namespace": repo.Namespace()}),
		now:     time.Now,
	}
}

// Result summarizes one processed batch.
type Result struct {
	Records   int
	Refills   int
	Doublings int
	Snapshots int
	Errors    []error
}

// change is the aggregated view of one (entity, resource, shard) across a
// batch: summed consumption deltas plus the latest image's state.
type change struct {
	entity     string
	resource   string
	shard      int
	rf         int64
	shardCount int
	limits     map[string]shardlimit.LimitMilli
	tokens     map[string]int64
	tcDelta    map[string]int64
}

type propagation struct {
	entity   string
	resource string
	newCount int
}

// HandleBatch runs the full maintenance pass over one ordered stream batch.
func (h *Handler) HandleBatch(ctx context.Context, ev events.DynamoDBEvent) Result {
	var res Result
	aggs := map[string]*change{}
	var order []string
	var props []propagation

	for i := range ev.Records {
		rec := &ev.Records[i]
		if rec.EventName != "MODIFY" {
			continue
		}
		pk, ok := imageString(rec.Change.Keys, keys.AttrPK)
		if !ok || !keys.IsBucketPK(pk) {
			continue
		}
		ns, entity, resource, shard, err := keys.ParseBucketPK(pk)
		if err != nil || ns != h.repo.Namespace() {
			continue
		}
		res.Records++

		key := pk
		agg, ok := aggs[key]
		if !ok {
			agg = &change{
				entity: entity, resource: resource, shard: shard,
				limits:  map[string]shardlimit.LimitMilli{},
				tokens:  map[string]int64{},
				tcDelta: map[string]int64{},
			}
			aggs[key] = agg
			order = append(order, key)
		}

		// latest image wins for state; deltas accumulate
		agg.rf, _ = imageInt(rec.Change.NewImage, keys.AttrRefillTS)
		if sc, ok := imageInt(rec.Change.NewImage, keys.AttrShardCount); ok {
			agg.shardCount = int(sc)
		}
		parseLimits(rec.Change.NewImage, agg)
		oldTC := imageConsumed(rec.Change.OldImage)
		for name, newTC := range imageConsumed(rec.Change.NewImage) {
			agg.tcDelta[name] += newTC - oldTC[name]
		}

		// shard 0 announcing a wider bucket drives propagation
		if shard == 0 {
			oldSC, _ := imageInt(rec.Change.OldImage, keys.AttrShardCount)
			newSC, _ := imageInt(rec.Change.NewImage, keys.AttrShardCount)
			if newSC > oldSC {
				props = append(props, propagation{entity, resource, int(newSC)})
			}
		}
	}

	for _, key := range order {
		agg := aggs[key]
		if agg.shard == 0 {
			h.maybeDouble(ctx, agg, &res, &props)
		}
	}
	h.propagate(ctx, props, &res)
	for _, key := range order {
		h.refill(ctx, aggs[key], &res)
	}
	h.snapshot(ctx, aggs, order, &res)

	telemetry.ObserveAggregatorBatch(res.Records, res.Refills, res.Snapshots)
	if len(res.Errors) > 0 {
		h.log.WithFields(logrus.Fields{
			"records": res.Records, "errors": len(res.Errors),
		}).Warn("batch finished with errors")
	}
	return res
}

// maybeDouble widens shard 0 when the batch burned most of its wcu budget.
func (h *Handler) maybeDouble(ctx context.Context, agg *change, res *Result, props *[]propagation) {
	wcu, ok := agg.limits[shardlimit.WCULimitName]
	if !ok || wcu.Capacity <= 0 {
		return
	}
	if float64(agg.tcDelta[shardlimit.WCULimitName])/float64(wcu.Capacity) <= wcuProactiveThreshold {
		return
	}
	current := agg.shardCount
	if current < 1 {
		current = 1
	}
	if current >= shardWarnThreshold {
		h.log.WithFields(logrus.Fields{
			"entity": agg.entity, "resource": agg.resource, "shard_count": current,
		}).Warn("doubling an already very wide bucket")
	}
	n, err := h.repo.BumpShardCount(ctx, agg.entity, agg.resource, current)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	if n > current {
		res.Doublings++
		telemetry.ObserveShardDoubling()
		*props = append(*props, propagation{agg.entity, agg.resource, n})
	}
}

// propagate pushes announced shard counts onto shards 1..n-1. Targets that
// already know an equal or higher count are skipped silently.
func (h *Handler) propagate(ctx context.Context, props []propagation, res *Result) {
	for _, p := range props {
		for shard := 1; shard < p.newCount; shard++ {
			err := h.repo.PropagateShardCount(ctx, p.entity, p.resource, shard, p.newCount)
			if err != nil && err != store.ErrConditionFailed {
				res.Errors = append(res.Errors, err)
			}
		}
	}
}

// refill tops up limits whose remaining tokens cannot cover the consumption
// rate this batch observed, under the rf lock of the image it saw. A lost
// lock means someone else already refilled; skip silently.
func (h *Handler) refill(ctx context.Context, agg *change, res *Result) {
	nowMs := h.now().UnixMilli()
	refills := map[string]int64{}
	for name, lim := range agg.limits {
		consumed := agg.tcDelta[name]
		if consumed <= 0 {
			continue
		}
		tokens := agg.tokens[name]
		if tokens >= consumed {
			continue
		}
		after := shardlimit.RefillMilli(tokens, agg.rf, lim, nowMs)
		if after > tokens {
			refills[name] = after - tokens
		}
	}
	if len(refills) == 0 {
		return
	}
	err := h.repo.AddRefill(ctx, agg.entity, agg.resource, agg.shard, refills, agg.rf, nowMs)
	if err == store.ErrConditionFailed {
		return
	}
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	res.Refills++
}

// snapshot writes one usage row per (entity, resource, window), summing the
// batch's consumption across shards. wcu is filtered by the store layer.
func (h *Handler) snapshot(ctx context.Context, aggs map[string]*change, order []string, res *Result) {
	type erKey struct{ entity, resource string }
	usage := map[erKey]map[string]int64{}
	var erOrder []erKey
	for _, key := range order {
		agg := aggs[key]
		k := erKey{agg.entity, agg.resource}
		sums, ok := usage[k]
		if !ok {
			sums = map[string]int64{}
			usage[k] = sums
			erOrder = append(erOrder, k)
		}
		for name, delta := range agg.tcDelta {
			if name == shardlimit.WCULimitName || delta <= 0 {
				continue
			}
			sums[name] += delta
		}
	}
	now := h.now().UTC()
	for _, k := range erOrder {
		if len(usage[k]) == 0 {
			continue
		}
		for _, layout := range h.windows {
			err := h.repo.PutUsage(ctx, k.entity, k.resource, now.Format(layout), usage[k])
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Snapshots++
		}
	}
}

// --- stream image decoding ---

func imageString(img map[string]events.DynamoDBAttributeValue, name string) (string, bool) {
	av, ok := img[name]
	if !ok || av.DataType() != events.DataTypeString {
		return "", false
	}
	return av.String(), true
}

func imageInt(img map[string]events.DynamoDBAttributeValue, name string) (int64, bool) {
	av, ok := img[name]
	if !ok || av.DataType() != events.DataTypeNumber {
		return 0, false
	}
	v, err := strconv.ParseInt(av.Number(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// imageConsumed extracts every b_{name}_tc value from an image.
func imageConsumed(img map[string]events.DynamoDBAttributeValue) map[string]int64 {
	out := map[string]int64{}
	for attr := range img {
		name, field, ok := keys.SplitLimitAttr(attr)
		if !ok || field != keys.FieldConsumed {
			continue
		}
		if v, ok := imageInt(img, attr); ok {
			out[name] = v
		}
	}
	return out
}

// parseLimits folds an image's limit definitions and token values into the
// aggregate. Incomplete definitions are dropped; the refill step only acts on
// limits it fully understands.
func parseLimits(img map[string]events.DynamoDBAttributeValue, agg *change) {
	fields := map[string]map[string]int64{}
	for attr := range img {
		name, field, ok := keys.SplitLimitAttr(attr)
		if !ok {
			continue
		}
		v, ok := imageInt(img, attr)
		if !ok {
			continue
		}
		if fields[name] == nil {
			fields[name] = map[string]int64{}
		}
		fields[name][field] = v
	}
	for name, f := range fields {
		cp, okCP := f[keys.FieldCapacity]
		bx, okBX := f[keys.FieldBurst]
		ra, okRA := f[keys.FieldRefillAmount]
		rp, okRP := f[keys.FieldRefillPeriod]
		if !okCP || !okBX || !okRA || !okRP || rp <= 0 {
			continue
		}
		agg.limits[name] = shardlimit.LimitMilli{
			Name: name, Capacity: cp, Burst: bx, RefillAmount: ra, RefillPeriod: rp,
		}
		agg.tokens[name] = f[keys.FieldTokens]
	}
}
