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

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

func newBucketItem(r *Repository, entity, resource string, shard, shardCount int, consume map[string]int64, limits ...shardlimit.LimitMilli) *BucketItem {
	b := &BucketItem{
		NS: r.ns, Entity: entity, Resource: resource, Shard: shard,
		RefillTS: r.nowMs(), ShardCount: shardCount,
		Limits: map[string]shardlimit.LimitMilli{}, State: map[string]shardlimit.LimitState{},
	}
	wcu := shardlimit.WCULimit().Milli()
	for _, lim := range append(limits, wcu) {
		c := consume[lim.Name]
		if lim.Name == shardlimit.WCULimitName {
			c = shardlimit.Milli
		}
		b.Limits[lim.Name] = lim
		b.State[lim.Name] = shardlimit.LimitState{Tokens: lim.Burst - c, Consumed: c}
	}
	return b
}

func TestCommitInitial_CreateAndConsume(t *testing.T) {
	r, fake := testRepo(t)
	consume := map[string]int64{"rpm": 1000}
	item := newBucketItem(r, "u1", "api", 0, 1, consume, rpm())

	failure, err := r.CommitInitial(context.Background(), []BucketWrite{{
		Entity: "u1", Resource: "api", Shard: 0,
		Mode: WriteNormal, Create: true, Item: item, ConsumeMilli: consume,
	}})
	require.NoError(t, err)
	require.Nil(t, failure)

	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(99_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(999_000), fake.NumAttr(pk, keys.SKState, "b_wcu_tk"))
	assert.Equal(t, int64(1), fake.NumAttr(pk, keys.SKState, keys.AttrShardCount))
	// GSI projections present on the created item
	it := fake.Item(pk, keys.SKState)
	require.NotNil(t, it)
	assert.Contains(t, it, keys.AttrGSI3PK)
	assert.Contains(t, it, keys.AttrGSI4PK)
}

func TestCommitInitial_CreateLosesRace(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	consume := map[string]int64{"rpm": 1000}
	item := newBucketItem(r, "u1", "api", 0, 1, consume, rpm())

	failure, err := r.CommitInitial(context.Background(), []BucketWrite{{
		Entity: "u1", Resource: "api", Shard: 0,
		Mode: WriteNormal, Create: true, Item: item, ConsumeMilli: consume,
	}})
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, ReasonNone, failure.Reason) // reclassify speculatively
}

func TestCommitInitial_NormalRefillAndConsume(t *testing.T) {
	r, fake := testRepo(t)
	b := seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	b.State["rpm"] = shardlimit.LimitState{Tokens: 10_000, Consumed: 90_000}
	fake.SeedItem(b.Attrs())

	failure, err := r.CommitInitial(context.Background(), []BucketWrite{{
		Entity: "u1", Resource: "api", Shard: 0, Mode: WriteNormal,
		ConsumeMilli: map[string]int64{"rpm": 1000},
		ExpectedRf:   b.RefillTS, NewRf: b.RefillTS + 6000,
		RefillMilli: map[string]int64{"rpm": 10_000}, // 6s at 100/min
		Limits:      map[string]shardlimit.LimitMilli{"rpm": rpm()},
	}})
	require.NoError(t, err)
	require.Nil(t, failure)

	pk := keys.BucketPK(testNS, "u1", "api", 0)
	// 10000 + 10000 refill - 1000 consumed
	assert.Equal(t, int64(19_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, b.RefillTS+6000, fake.NumAttr(pk, keys.SKState, keys.AttrRefillTS))
	assert.Equal(t, int64(91_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tc"))
}

func TestCommitInitial_NormalLosesRfLock(t *testing.T) {
	r, fake := testRepo(t)
	b := seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())

	failure, err := r.CommitInitial(context.Background(), []BucketWrite{{
		Entity: "u1", Resource: "api", Shard: 0, Mode: WriteNormal,
		ConsumeMilli: map[string]int64{"rpm": 1000},
		ExpectedRf:   b.RefillTS - 999, NewRf: r.nowMs(),
		RefillMilli: map[string]int64{},
	}})
	require.NoError(t, err)
	require.NotNil(t, failure)
	// fresh image still covers the consumption, so a retry shape will win
	assert.Equal(t, ReasonNone, failure.Reason)
	// and nothing was written
	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(100_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
}

func TestCommitInitial_RetryShape(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())

	failure, err := r.CommitInitial(context.Background(), []BucketWrite{{
		Entity: "u1", Resource: "api", Shard: 0, Mode: WriteRetry,
		ConsumeMilli: map[string]int64{"rpm": 1000},
	}})
	require.NoError(t, err)
	require.Nil(t, failure)
	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(99_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	// retry shape never touches rf
	assert.Equal(t, r.nowMs(), fake.NumAttr(pk, keys.SKState, keys.AttrRefillTS))
}

// TestCommitInitial_CascadePartial verifies the all-or-nothing contract: the
// child could pay but the parent cannot, so neither item changes.
func TestCommitInitial_CascadePartial(t *testing.T) {
	r, fake := testRepo(t)
	child := seedBucket(t, r, fake, "child", "api", 0, 1, rpm())
	parent := seedBucket(t, r, fake, "p", "api", 0, 1, rpm())
	child.State["rpm"] = shardlimit.LimitState{Tokens: 5000}
	parent.State["rpm"] = shardlimit.LimitState{Tokens: 2000}
	fake.SeedItem(child.Attrs())
	fake.SeedItem(parent.Attrs())

	consume := map[string]int64{"rpm": 3000}
	failure, err := r.CommitInitial(context.Background(), []BucketWrite{
		{Entity: "child", Resource: "api", Shard: 0, Mode: WriteRetry, ConsumeMilli: consume},
		{Entity: "p", Resource: "api", Shard: 0, Mode: WriteRetry, ConsumeMilli: consume},
	})
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, 1, failure.Index)
	assert.Equal(t, "p", failure.Write.Entity)
	assert.Equal(t, ReasonAppLimitExhausted, failure.Reason)

	childPK := keys.BucketPK(testNS, "child", "api", 0)
	parentPK := keys.BucketPK(testNS, "p", "api", 0)
	assert.Equal(t, int64(5000), fake.NumAttr(childPK, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(2000), fake.NumAttr(parentPK, keys.SKState, "b_rpm_tk"))
}

func TestCommitInitial_TooManyItems(t *testing.T) {
	r, _ := testRepo(t)
	writes := make([]BucketWrite, maxTransactItems+1)
	_, err := r.CommitInitial(context.Background(), writes)
	require.Error(t, err)
}
