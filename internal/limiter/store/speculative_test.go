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
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
	"shardlimit/internal/limiter/store/storetest"
)

const testNS = "aB3xK9mQ2ap"

func testRepo(t *testing.T) (*Repository, *storetest.Fake) {
	t.Helper()
	fake := storetest.New()
	r := New(fake, "limits", testNS, nil)
	r.now = func() time.Time { return time.UnixMilli(1_000_000) }
	r.pick = func(n int) int { return 0 }
	return r, fake
}

func rpm() shardlimit.LimitMilli {
	return shardlimit.Limit{Name: "rpm", Capacity: 100, RefillAmount: 100, RefillPeriod: time.Minute}.Milli()
}

// seedBucket writes a bucket shard with full tokens directly into the fake.
func seedBucket(t *testing.T, r *Repository, fake *storetest.Fake, entity, resource string, shard, shardCount int, limits ...shardlimit.LimitMilli) *BucketItem {
	t.Helper()
	b := &BucketItem{
		NS: testNS, Entity: entity, Resource: resource, Shard: shard,
		RefillTS: r.nowMs(), ShardCount: shardCount,
		Limits: map[string]shardlimit.LimitMilli{}, State: map[string]shardlimit.LimitState{},
	}
	wcu := shardlimit.WCULimit().Milli()
	for _, lim := range append(limits, wcu) {
		b.Limits[lim.Name] = lim
		b.State[lim.Name] = shardlimit.LimitState{Tokens: lim.Burst}
	}
	fake.SeedItem(b.Attrs())
	return b
}

func TestSpeculativeConsume_Success(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())

	res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.ShardCount)
	assert.Equal(t, int64(99_000), res.Bucket.State["rpm"].Tokens)
	assert.Equal(t, int64(1000), res.Bucket.State["rpm"].Consumed)
	// one wcu token per admission
	assert.Equal(t, int64(999_000), res.Bucket.State[shardlimit.WCULimitName].Tokens)

	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(99_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
}

func TestSpeculativeConsume_WriteOnEnterIsDurable(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	for i := 0; i < 10; i++ {
		res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(90_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(10_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tc"))
}

func TestSpeculativeConsume_BucketMissing(t *testing.T) {
	r, _ := testRepo(t)
	res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonBucketMissing, res.Reason)
}

func TestSpeculativeConsume_MissingLimitAttrIsBucketMissing(t *testing.T) {
	r, fake := testRepo(t)
	// bucket exists but only knows rpm; admission also wants tpm
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	res, err := r.SpeculativeConsume(context.Background(), "u1", "api",
		map[string]int64{"rpm": 1000, "tpm": 500_000}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonBucketMissing, res.Reason)
}

func TestSpeculativeConsume_AppExhausted(t *testing.T) {
	r, fake := testRepo(t)
	b := seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	b.State["rpm"] = shardlimit.LimitState{Tokens: 500}
	fake.SeedItem(b.Attrs())

	res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonAppLimitExhausted, res.Reason)
	// the failed write must not have consumed anything
	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(500), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
}

// TestSpeculativeConsume_NegativeBlocksAdmission pins down the debt
// interaction: a bucket pushed negative by adjust fails the >= condition
// until refill clears it.
func TestSpeculativeConsume_NegativeBlocksAdmission(t *testing.T) {
	r, fake := testRepo(t)
	b := seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	b.State["rpm"] = shardlimit.LimitState{Tokens: -700_000, Consumed: 700_000}
	fake.SeedItem(b.Attrs())

	res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAppLimitExhausted, res.Reason)
}

func TestSpeculativeConsume_WCUExhausted(t *testing.T) {
	r, fake := testRepo(t)
	b := seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	b.State[shardlimit.WCULimitName] = shardlimit.LimitState{Tokens: 0}
	fake.SeedItem(b.Attrs())

	res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonWCUExhausted, res.Reason)

	b.State["rpm"] = shardlimit.LimitState{Tokens: 0}
	fake.SeedItem(b.Attrs())
	res, err = r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonBothExhausted, res.Reason)
}

func TestSpeculativeConsume_PartitionThrottled(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	fake.FailNext(&types.ProvisionedThroughputExceededException{})

	res, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonPartitionThrottled, res.Reason)
}

func TestSpeculativeConsume_OtherErrorIsUnavailable(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 1, rpm())
	fake.FailNext(errors.New("connection reset"))

	_, err := r.SpeculativeConsume(context.Background(), "u1", "api", map[string]int64{"rpm": 1000}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shardlimit.KindUnavailable))
}

func TestSpeculativeConsume_LearnsTopology(t *testing.T) {
	r, fake := testRepo(t)
	b := seedBucket(t, r, fake, "child", "api", 0, 4, rpm())
	b.Cascade = true
	b.ParentID = "p"
	fake.SeedItem(b.Attrs())

	res, err := r.SpeculativeConsume(context.Background(), "child", "api", map[string]int64{"rpm": 1000}, 0)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 4, res.ShardCount)
	assert.Equal(t, 4, r.ShardCount("child", "api"))
	meta, ok := r.CachedEntity("child")
	require.True(t, ok)
	assert.True(t, meta.Cascade)
	assert.Equal(t, "p", meta.ParentID)
}
