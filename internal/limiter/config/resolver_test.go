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

package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlimit"
	"shardlimit/internal/limiter/store"
)

// stubStore serves canned levels and counts fetches.
type stubStore struct {
	levels  store.ConfigLevels
	fetches int
}

func (s *stubStore) GetConfigLevels(context.Context, string, string) (store.ConfigLevels, error) {
	s.fetches++
	return s.levels, nil
}

func (s *stubStore) SetConfig(context.Context, string, string, []shardlimit.Limit) (int64, error) {
	return 1, nil
}

func (s *stubStore) DeleteConfig(context.Context, string, string) error { return nil }

func milli(name string, capacity int64) shardlimit.LimitMilli {
	return shardlimit.Limit{Name: name, Capacity: capacity, RefillAmount: capacity, RefillPeriod: time.Minute}.Milli()
}

func level(version int64, limits ...shardlimit.LimitMilli) store.ConfigLevel {
	lvl := store.ConfigLevel{Present: true, Version: version, Limits: map[string]shardlimit.LimitMilli{}}
	for _, l := range limits {
		lvl.Limits[l.Name] = l
	}
	return lvl
}

func TestResolve_MergePrecedence(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{
		System:         level(1, milli("rpm", 1000), milli("tpm", 500_000), milli("conc", 10)),
		Resource:       level(3, milli("rpm", 500)),
		EntityDefault:  level(2, milli("rpm", 100), milli("tpm", 100_000)),
		EntityResource: level(7, milli("rpm", 50)),
	}}
	r := NewResolver(st, 0, nil)

	got, err := r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	// per-name overlay, most specific level wins per name
	assert.Equal(t, int64(50_000), got.Limits["rpm"].Capacity)
	assert.Equal(t, int64(100_000_000), got.Limits["tpm"].Capacity)
	assert.Equal(t, int64(10_000), got.Limits["conc"].Capacity)
	assert.Equal(t, int64(7), got.Version)
}

func TestResolve_OverridesReplaceStoredLevels(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{
		System: level(1, milli("rpm", 1000), milli("tpm", 500_000)),
	}}
	r := NewResolver(st, time.Minute, nil)

	got, err := r.Resolve(context.Background(), "u1", "api",
		[]shardlimit.Limit{{Name: "rpm", Capacity: 5, RefillAmount: 5, RefillPeriod: time.Second}})
	require.NoError(t, err)
	assert.Equal(t, 0, st.fetches, "overrides must not read the store")
	assert.Len(t, got.Limits, 1)
	assert.Equal(t, int64(5000), got.Limits["rpm"].Capacity)
	assert.NotContains(t, got.Limits, "tpm", "stored levels do not merge under overrides")

	_, err = r.Resolve(context.Background(), "u1", "api",
		[]shardlimit.Limit{{Name: "rpm", Capacity: -1, RefillAmount: 5, RefillPeriod: time.Second}})
	require.Error(t, err)
}

func TestResolve_CacheHitAndTTLExpiry(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{System: level(1, milli("rpm", 10))}}
	r := NewResolver(st, time.Minute, nil)
	now := time.UnixMilli(1_000_000)
	r.now = func() time.Time { return now }

	_, err := r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.fetches)

	now = now.Add(time.Minute + time.Second)
	_, err = r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.fetches)
}

func TestResolve_NegativeCaching(t *testing.T) {
	st := &stubStore{}
	r := NewResolver(st, time.Minute, nil)

	got, err := r.Resolve(context.Background(), "ghost", "api", nil)
	require.NoError(t, err)
	assert.True(t, got.Empty())

	_, err = r.Resolve(context.Background(), "ghost", "api", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.fetches, "absence is cached")
}

func TestResolve_ZeroTTLDisablesCache(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{System: level(1, milli("rpm", 10))}}
	r := NewResolver(st, 0, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "u1", "api", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, st.fetches)
}

func TestSet_EvictsEntityEntries(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{System: level(1, milli("rpm", 10))}}
	r := NewResolver(st, time.Minute, nil)

	_, err := r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "u2", "api", nil)
	require.NoError(t, err)
	require.Equal(t, 2, st.fetches)

	_, err = r.Set(context.Background(), "u1", "api",
		[]shardlimit.Limit{{Name: "rpm", Capacity: 5, RefillAmount: 5, RefillPeriod: time.Second}})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, st.fetches, "u1 was evicted")
	_, err = r.Resolve(context.Background(), "u2", "api", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, st.fetches, "u2 stays cached")
}

func TestSet_SystemLevelEvictsEverything(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{System: level(1, milli("rpm", 10))}}
	r := NewResolver(st, time.Minute, nil)

	_, err := r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "u2", "api", nil)
	require.NoError(t, err)

	_, err = r.Set(context.Background(), "", "",
		[]shardlimit.Limit{{Name: "rpm", Capacity: 5, RefillAmount: 5, RefillPeriod: time.Second}})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "u2", "api", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, st.fetches)
}

func TestJanitor_SweepsExpired(t *testing.T) {
	st := &stubStore{levels: store.ConfigLevels{System: level(1, milli("rpm", 10))}}
	r := NewResolver(st, time.Minute, nil)
	now := time.UnixMilli(1_000_000)
	r.now = func() time.Time { return now }

	_, err := r.Resolve(context.Background(), "u1", "api", nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	r.runSweep()

	_, ok := r.cache.Load(cacheKey("u1", "api"))
	assert.False(t, ok)
}
