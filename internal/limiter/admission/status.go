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
	"sort"

	"shardlimit"
)

// Status aggregates the live bucket state for (entity, resource) across all
// shards into one LimitStatus per configured user limit, with lazy refill
// projected to now. Shards that were never materialized count as full. The
// wcu limit is infrastructure and never reported.
func (l *Limiter) Status(ctx context.Context, entity, resource string) ([]shardlimit.LimitStatus, error) {
	if err := shardlimit.ValidateEntityID(entity); err != nil {
		return nil, err
	}
	if err := shardlimit.ValidateResourceName(resource); err != nil {
		return nil, err
	}
	if _, err := l.repo.GetEntity(ctx, entity); err != nil {
		return nil, err
	}
	resolved, err := l.resolver.Resolve(ctx, entity, resource, nil)
	if err != nil {
		return nil, err
	}
	buckets, err := l.repo.GetBuckets(ctx, entity, resource)
	if err != nil {
		return nil, err
	}

	nowMs := l.now().UnixMilli()
	shardCount := 1
	for _, b := range buckets {
		if b.ShardCount > shardCount {
			shardCount = b.ShardCount
		}
	}

	remaining := make(map[string]int64, len(resolved.Limits))
	seen := make(map[string]int, len(resolved.Limits))
	for _, b := range buckets {
		for name, st := range b.State {
			if name == shardlimit.WCULimitName {
				continue
			}
			lim, ok := b.Limits[name]
			if !ok {
				continue
			}
			remaining[name] += shardlimit.RefillMilli(st.Tokens, b.RefillTS, lim, nowMs)
			seen[name]++
		}
	}

	names := make([]string, 0, len(resolved.Limits))
	for name := range resolved.Limits {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]shardlimit.LimitStatus, 0, len(names))
	for _, name := range names {
		full := resolved.Limits[name]
		tokens := remaining[name]
		// shards never written still hold their share of the burst
		if missing := shardCount - seen[name]; missing > 0 {
			tokens += full.Sharded(shardCount).Burst * int64(missing)
		}
		statuses = append(statuses, shardlimit.LimitStatus{
			Name:      name,
			Capacity:  full.Capacity / shardlimit.Milli,
			Burst:     full.Burst / shardlimit.Milli,
			Remaining: float64(tokens) / shardlimit.Milli,
		})
	}
	return statuses, nil
}
