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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

func TestCreateEntity(t *testing.T) {
	r, _ := testRepo(t)
	meta, err := r.CreateEntity(context.Background(), "org-1", "", false)
	require.NoError(t, err)
	assert.Equal(t, "org-1", meta.ID)

	_, err = r.CreateEntity(context.Background(), "u1", "org-1", true)
	require.NoError(t, err)

	// re-creation is rejected, not idempotent
	_, err = r.CreateEntity(context.Background(), "org-1", "", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shardlimit.KindValidation))

	// cascade without a parent is rejected
	_, err = r.CreateEntity(context.Background(), "u2", "", true)
	assert.True(t, errors.Is(err, shardlimit.KindValidation))
}

func TestGetEntity_CacheFirst(t *testing.T) {
	r, fake := testRepo(t)
	_, err := r.CreateEntity(context.Background(), "u1", "", false)
	require.NoError(t, err)

	before := fake.Calls["GetItem"]
	meta, err := r.GetEntity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", meta.ID)
	assert.Equal(t, before, fake.Calls["GetItem"], "cached entity must cost zero reads")

	_, err = r.GetEntity(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shardlimit.KindNotFound))
}

func TestGetEntity_ColdCacheReadsStore(t *testing.T) {
	r, _ := testRepo(t)
	_, err := r.CreateEntity(context.Background(), "u1", "org-1", true)
	require.NoError(t, err)

	// a second repository has an empty cache and must hit the store
	r2 := New(r.client, r.table, testNS, nil)
	meta, err := r2.GetEntity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", meta.ParentID)
	assert.True(t, meta.Cascade)
}

func TestListChildren(t *testing.T) {
	r, _ := testRepo(t)
	_, err := r.CreateEntity(context.Background(), "org-1", "", false)
	require.NoError(t, err)
	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := r.CreateEntity(context.Background(), id, "org-1", true)
		require.NoError(t, err)
	}
	_, err = r.CreateEntity(context.Background(), "stranger", "", false)
	require.NoError(t, err)

	children, err := r.ListChildren(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, "org-1", c.ParentID)
	}
}

func TestGetBuckets_ByResource(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 2, rpm())
	seedBucket(t, r, fake, "u1", "api", 1, 2, rpm())
	// a resource whose name shares the prefix must not match
	seedBucket(t, r, fake, "u1", "api2", 0, 1, rpm())
	seedBucket(t, r, fake, "u1", "other", 0, 1, rpm())

	buckets, err := r.GetBuckets(context.Background(), "u1", "api")
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, 2, r.ShardCount("u1", "api"))

	all, err := r.GetBuckets(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestObserveShardCount_ColdEntityCache(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 4, rpm())

	// no GetEntity has run; the bucket read alone must record the count
	b, err := r.GetBucket(context.Background(), "u1", "api", 0)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 4, r.ShardCount("u1", "api"))

	// the entry a shard observation creates carries no entity metadata
	_, ok := r.CachedEntity("u1")
	assert.False(t, ok)

	// max-merge holds on the observation-created entry too
	r.ObserveShardCount("u1", "api", 2)
	assert.Equal(t, 4, r.ShardCount("u1", "api"))
}

func TestPickShard(t *testing.T) {
	r, fake := testRepo(t)
	seedBucket(t, r, fake, "u1", "api", 0, 4, rpm())
	r.entities.put(EntityMeta{ID: "u1"})
	r.ObserveShardCount("u1", "api", 4)

	r.pick = func(n int) int { return n - 1 }
	assert.Equal(t, 3, r.PickShard("u1", "api", nil))
	assert.Equal(t, 2, r.PickShard("u1", "api", map[int]bool{3: true}))
	// every shard excluded falls back to 0
	assert.Equal(t, 0, r.PickShard("u1", "api", map[int]bool{0: true, 1: true, 2: true, 3: true}))
}

func TestEnsureSchemaVersion(t *testing.T) {
	r, _ := testRepo(t)
	require.NoError(t, r.EnsureSchemaVersion(context.Background(), "agg-1"))
	// second call reads the stamp and agrees
	require.NoError(t, r.EnsureSchemaVersion(context.Background(), "agg-1"))
}

func TestEnsureSchemaVersion_Mismatch(t *testing.T) {
	r, fake := testRepo(t)
	require.NoError(t, r.EnsureSchemaVersion(context.Background(), ""))

	// rewrite the stamp as a future generation
	it := fake.Item(keys.SystemPK(testNS), keys.SKVersion)
	require.NotNil(t, it)
	it["schema_version"] = numAttr(SchemaVersion + 1)
	fake.SeedItem(it)

	err := r.EnsureSchemaVersion(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shardlimit.KindVersion))
}
