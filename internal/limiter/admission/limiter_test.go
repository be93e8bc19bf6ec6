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
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlimit"
	"shardlimit/internal/limiter/config"
	"shardlimit/internal/limiter/keys"
	"shardlimit/internal/limiter/store"
	"shardlimit/internal/limiter/store/storetest"
)

const testNS = "nY7pQ4wL2xr"

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestLimiter(t *testing.T, mutate func(*shardlimit.Options)) (*Limiter, *store.Repository, *storetest.Fake) {
	t.Helper()
	fake := storetest.New()
	repo := store.New(fake, "limits", testNS, nil)
	repo.SetClock(func() time.Time { return testNow }, func(n int) int { return 0 })
	opts := shardlimit.DefaultOptions("limits", testNS)
	opts.ConfigCacheTTL = 0 // tests mutate config through the repo directly
	if mutate != nil {
		mutate(&opts)
	}
	resolver := config.NewResolver(repo, opts.ConfigCacheTTL, nil)
	lim := New(repo, resolver, opts, nil)
	lim.now = func() time.Time { return testNow }
	return lim, repo, fake
}

func rpmLimit(capacity int64) shardlimit.Limit {
	return shardlimit.Limit{Name: "rpm", Capacity: capacity, RefillAmount: capacity, RefillPeriod: time.Minute}
}

// setup creates an entity and a system-level rpm limit of the given capacity.
func setup(t *testing.T, repo *store.Repository, capacity int64) {
	t.Helper()
	_, err := repo.CreateEntity(context.Background(), "u1", "", false)
	require.NoError(t, err)
	_, err = repo.SetConfig(context.Background(), "", "", []shardlimit.Limit{rpmLimit(capacity)})
	require.NoError(t, err)
}

func TestAcquire_CreatesBucketAndConsumes(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, nil)
	setup(t, repo, 100)

	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, lease.Buckets())
	lease.Commit()

	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(99_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(1000), fake.NumAttr(pk, keys.SKState, "b_rpm_tc"))
	assert.Equal(t, int64(999_000), fake.NumAttr(pk, keys.SKState, "b_wcu_tk"))
	it := fake.Item(pk, keys.SKState)
	require.NotNil(t, it)
	assert.Contains(t, it, keys.AttrGSI3PK)
	assert.Contains(t, it, keys.AttrGSI4PK)
	// default-config buckets expire
	assert.Contains(t, it, keys.AttrTTL)
}

func TestAcquire_ExhaustionAndRetryAfter(t *testing.T) {
	lim, repo, _ := newTestLimiter(t, nil)
	setup(t, repo, 100)

	for i := 0; i < 100; i++ {
		lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
		require.NoError(t, err, "admission %d", i)
		lease.Commit()
	}

	_, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shardlimit.KindRateLimited))
	var rle *shardlimit.RateLimitExceeded
	require.True(t, errors.As(err, &rle))
	require.Len(t, rle.Violations, 1)
	assert.Equal(t, "rpm", rle.Violations[0].Name)
	// one token refills in 60s/100
	assert.Equal(t, 600*time.Millisecond, rle.RetryAfter())
	assert.Equal(t, "1", rle.RetryAfterHeader())
	assert.Equal(t, "u1", rle.Entity)
}

func TestAcquire_ValidationFailures(t *testing.T) {
	lim, repo, _ := newTestLimiter(t, nil)
	_, err := repo.CreateEntity(context.Background(), "u1", "", false)
	require.NoError(t, err)

	// no limits anywhere and none supplied
	_, err = lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	assert.True(t, errors.Is(err, shardlimit.KindValidation))

	// consume names an unconfigured limit
	_, err = repo.SetConfig(context.Background(), "", "", []shardlimit.Limit{rpmLimit(100)})
	require.NoError(t, err)
	_, err = lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"tpm": 1})
	assert.True(t, errors.Is(err, shardlimit.KindValidation))

	// unknown entity
	_, err = lim.Acquire(context.Background(), "ghost", "api", shardlimit.Consume{"rpm": 1})
	assert.True(t, errors.Is(err, shardlimit.KindNotFound))

	// reserved limit name
	_, err = lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"wcu": 1})
	assert.True(t, errors.Is(err, shardlimit.KindValidation))
}

func TestAcquire_CallerLimitsReplaceStored(t *testing.T) {
	lim, repo, _ := newTestLimiter(t, nil)
	setup(t, repo, 100)

	// caller brings a 2-token budget; the stored 100 must not apply
	small := shardlimit.Limit{Name: "rpm", Capacity: 2, RefillAmount: 2, RefillPeriod: time.Minute}
	for i := 0; i < 2; i++ {
		lease, err := lim.Acquire(context.Background(), "u1", "docs", shardlimit.Consume{"rpm": 1}, WithLimits(small))
		require.NoError(t, err)
		lease.Commit()
	}
	_, err := lim.Acquire(context.Background(), "u1", "docs", shardlimit.Consume{"rpm": 1}, WithLimits(small))
	assert.True(t, errors.Is(err, shardlimit.KindRateLimited))
}

func TestAcquire_RequestedBeyondBurst(t *testing.T) {
	lim, repo, _ := newTestLimiter(t, nil)
	setup(t, repo, 100)

	_, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 500})
	require.Error(t, err)
	var rle *shardlimit.RateLimitExceeded
	require.True(t, errors.As(err, &rle))
	require.Len(t, rle.Violations, 1)
	// 400 missing tokens at 100/min
	assert.Equal(t, 4*time.Minute, rle.Violations[0].RetryAfter)
}

func TestAcquire_CascadeConsumesBoth(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, nil)
	_, err := repo.CreateEntity(context.Background(), "org", "", false)
	require.NoError(t, err)
	_, err = repo.CreateEntity(context.Background(), "u1", "org", true)
	require.NoError(t, err)
	_, err = repo.SetConfig(context.Background(), "", "", []shardlimit.Limit{rpmLimit(100)})
	require.NoError(t, err)

	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 3})
	require.NoError(t, err)
	assert.Equal(t, 2, lease.Buckets())

	childPK := keys.BucketPK(testNS, "u1", "api", 0)
	parentPK := keys.BucketPK(testNS, "org", "api", 0)
	assert.Equal(t, int64(97_000), fake.NumAttr(childPK, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(97_000), fake.NumAttr(parentPK, keys.SKState, "b_rpm_tk"))
}

func TestAcquire_CascadeColdStartCreatesBothAtomically(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, nil)
	_, err := repo.CreateEntity(context.Background(), "org", "", false)
	require.NoError(t, err)
	_, err = repo.CreateEntity(context.Background(), "u1", "org", true)
	require.NoError(t, err)
	_, err = repo.SetConfig(context.Background(), "", "", []shardlimit.Limit{rpmLimit(100)})
	require.NoError(t, err)

	// neither bucket exists yet; the creating transaction must carry both
	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 3})
	require.NoError(t, err)
	assert.Equal(t, 2, lease.Buckets())
	assert.Equal(t, 1, fake.Calls["TransactWriteItems"],
		"child and parent buckets must be created by one transaction")

	for _, entity := range []string{"u1", "org"} {
		pk := keys.BucketPK(testNS, entity, "api", 0)
		assert.Equal(t, int64(97_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"), entity)
		assert.Equal(t, int64(3000), fake.NumAttr(pk, keys.SKState, "b_rpm_tc"), entity)
		assert.Equal(t, int64(1000), fake.NumAttr(pk, keys.SKState, "b_wcu_tc"), entity)
	}
}

func TestAcquire_CascadePartialCompensatesChild(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, nil)
	_, err := repo.CreateEntity(context.Background(), "org", "", false)
	require.NoError(t, err)
	_, err = repo.CreateEntity(context.Background(), "u1", "org", true)
	require.NoError(t, err)
	_, err = repo.SetConfig(context.Background(), "", "", []shardlimit.Limit{rpmLimit(100)})
	require.NoError(t, err)

	// drain the parent directly (no cascade from the org level)
	for i := 0; i < 100; i++ {
		lease, err := lim.Acquire(context.Background(), "org", "api", shardlimit.Consume{"rpm": 1})
		require.NoError(t, err)
		lease.Commit()
	}

	_, err = lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.Error(t, err)
	var rle *shardlimit.RateLimitExceeded
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "org", rle.Entity, "the parent is the failing bucket")

	// the child's speculative consumption was compensated
	childPK := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(100_000), fake.NumAttr(childPK, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(0), fake.NumAttr(childPK, keys.SKState, "b_rpm_tc"))
}

func TestAcquire_WCUExhaustionDoublesShards(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, nil)
	setup(t, repo, 100)

	// materialize shard 0, then drain its wcu budget
	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.NoError(t, err)
	lease.Commit()
	pk0 := keys.BucketPK(testNS, "u1", "api", 0)
	b0 := fake.Item(pk0, keys.SKState)
	require.NotNil(t, b0)
	b0["b_wcu_tk"] = numAttrValue(0)
	fake.SeedItem(b0)

	lease, err = lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, lease.Buckets())

	// shard 0 now advertises two shards, and shard 1 was lazily created with
	// halved limits
	assert.Equal(t, int64(2), fake.NumAttr(pk0, keys.SKState, keys.AttrShardCount))
	pk1 := keys.BucketPK(testNS, "u1", "api", 1)
	assert.Equal(t, int64(50_000), fake.NumAttr(pk1, keys.SKState, "b_rpm_cp"))
	assert.Equal(t, int64(49_000), fake.NumAttr(pk1, keys.SKState, "b_rpm_tk"))
	// wcu is never sharded
	assert.Equal(t, int64(1_000_000), fake.NumAttr(pk1, keys.SKState, "b_wcu_cp"))
}

func TestLease_AdjustAndRollback(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, nil)
	setup(t, repo, 100)

	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 10})
	require.NoError(t, err)
	pk := keys.BucketPK(testNS, "u1", "api", 0)
	require.Equal(t, int64(90_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))

	// usage came in under the estimate: return 4 tokens
	require.NoError(t, lease.Adjust(context.Background(), "rpm", 4))
	assert.Equal(t, int64(94_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(6000), fake.NumAttr(pk, keys.SKState, "b_rpm_tc"))

	// then it overshot: the debt channel may push the bucket negative
	require.NoError(t, lease.Adjust(context.Background(), "rpm", -200))
	assert.Equal(t, int64(-106_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))

	lease.Rollback(context.Background())
	assert.Equal(t, int64(-96_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))

	// closed lease refuses further adjustment, and rollback is idempotent
	require.Error(t, lease.Adjust(context.Background(), "rpm", 1))
	lease.Rollback(context.Background())
	assert.Equal(t, int64(-96_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
}

func TestLease_AdjustRejectsUnheldLimit(t *testing.T) {
	lim, repo, _ := newTestLimiter(t, nil)
	setup(t, repo, 100)
	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.NoError(t, err)
	assert.Error(t, lease.Adjust(context.Background(), "tpm", 1))
}

func TestAcquire_FailOpenAndFailBlock(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, func(o *shardlimit.Options) { o.OnUnavailable = shardlimit.FailAllow })
	setup(t, repo, 100)

	fake.FailNext(errors.New("connection reset"))
	lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, lease.Buckets(), "fail-open admits without consumption")
	lease.Rollback(context.Background()) // harmless no-op

	blk, repo2, fake2 := newTestLimiter(t, nil)
	setup(t, repo2, 100)
	fake2.FailNext(errors.New("connection reset"))
	_, err = blk.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shardlimit.KindUnavailable))
}

func TestAcquire_SlowOnlyMode(t *testing.T) {
	lim, repo, fake := newTestLimiter(t, func(o *shardlimit.Options) { o.DisableSpeculative = true })
	setup(t, repo, 100)

	for i := 0; i < 3; i++ {
		lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
		require.NoError(t, err, "admission %d", i)
		lease.Commit()
	}
	pk := keys.BucketPK(testNS, "u1", "api", 0)
	assert.Equal(t, int64(97_000), fake.NumAttr(pk, keys.SKState, "b_rpm_tk"))
	assert.Equal(t, int64(3000), fake.NumAttr(pk, keys.SKState, "b_rpm_tc"))

	// exhaustion still reports correctly through the transactional path
	b := fake.Item(pk, keys.SKState)
	b["b_rpm_tk"] = numAttrValue(0)
	fake.SeedItem(b)
	_, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
	assert.True(t, errors.Is(err, shardlimit.KindRateLimited))
}

func TestStatus_AggregatesShards(t *testing.T) {
	lim, repo, _ := newTestLimiter(t, nil)
	setup(t, repo, 100)

	// untouched resource reports a full bucket
	statuses, err := lim.Status(context.Background(), "u1", "api")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "rpm", statuses[0].Name)
	assert.Equal(t, float64(100), statuses[0].Remaining)

	for i := 0; i < 30; i++ {
		lease, err := lim.Acquire(context.Background(), "u1", "api", shardlimit.Consume{"rpm": 1})
		require.NoError(t, err)
		lease.Commit()
	}
	statuses, err = lim.Status(context.Background(), "u1", "api")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, float64(70), statuses[0].Remaining)
	assert.Equal(t, int64(100), statuses[0].Capacity)
	for _, s := range statuses {
		assert.NotEqual(t, shardlimit.WCULimitName, s.Name)
	}
}

// numAttrValue builds a DynamoDB number attribute for direct item surgery.
func numAttrValue(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
