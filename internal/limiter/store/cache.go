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
	"sync"
)

// entityEntry caches one entity's metadata plus the per-resource shard
// counts. The two halves arrive independently: a bucket read can report a
// shard count before any metadata read, so metaOK marks whether the meta
// half is populated. Metadata is set once (entities cannot be mutated after
// creation); shard counts are max-merged on every observation, so a stale
// lower value can never overwrite a fresher doubling.
type entityEntry struct {
	mu     sync.Mutex
	meta   EntityMeta
	metaOK bool
	shards map[string]int
}

func (e *entityEntry) metadata() (EntityMeta, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta, e.metaOK
}

func (e *entityEntry) shardCount(resource string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.shards[resource]; ok {
		return n
	}
	return 1
}

// observeShardCount max-merges an observed value and reports the effective
// count afterwards.
func (e *entityEntry) observeShardCount(resource string, n int) int {
	if n < 1 {
		n = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.shards[resource]; ok && cur >= n {
		return cur
	}
	e.shards[resource] = n
	return n
}

// entityCache is per-repository state, created at construction and torn down
// with it. Same fast-path discipline as a hot in-memory counter store: plain
// Load first, allocate only on miss, LoadOrStore to absorb create races.
type entityCache struct {
	m sync.Map // entity id -> *entityEntry
}

func (c *entityCache) get(id string) (*entityEntry, bool) {
	v, ok := c.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entityEntry), true
}

// ensure returns the entry for id, creating an empty one on miss.
func (c *entityCache) ensure(id string) *entityEntry {
	if v, ok := c.m.Load(id); ok {
		return v.(*entityEntry)
	}
	entry := &entityEntry{shards: map[string]int{}}
	if v, loaded := c.m.LoadOrStore(id, entry); loaded {
		return v.(*entityEntry)
	}
	return entry
}

// put stores metadata on the entity's entry. The first metadata wins; an
// entry created by a shard observation gains its meta half here.
func (c *entityCache) put(meta EntityMeta) *entityEntry {
	entry := c.ensure(meta.ID)
	entry.mu.Lock()
	if !entry.metaOK {
		entry.meta = meta
		entry.metaOK = true
	}
	entry.mu.Unlock()
	return entry
}
