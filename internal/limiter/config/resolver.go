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

// Package config resolves the effective limit set for an (entity, resource)
// from the four stored levels, with a per-process TTL cache. Absence is
// cached too: entities with no configuration anywhere would otherwise pay a
// batch read on every admission.
package config

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/store"
	"shardlimit/internal/limiter/telemetry"
)

// Store is the slice of the repository the resolver needs.
type Store interface {
	GetConfigLevels(ctx context.Context, entity, resource string) (store.ConfigLevels, error)
	SetConfig(ctx context.Context, entity, resource string, limits []shardlimit.Limit) (int64, error)
	DeleteConfig(ctx context.Context, entity, resource string) error
}

// Resolved is the effective limit set for one (entity, resource): the
// per-name merge of the stored levels, in milli-units, unsharded. Version is
// the highest config_version among the contributing levels.
type Resolved struct {
	Limits  map[string]shardlimit.LimitMilli
	Version int64

	// EntityLevel reports that an entity-specific level contributed.
	// Buckets governed by entity config never get an expiry TTL.
	EntityLevel bool
}

// Empty reports that no level defines any limit. Admissions against an empty
// resolution are unlimited.
func (r Resolved) Empty() bool { return len(r.Limits) == 0 }

type entry struct {
	resolved Resolved
	fetched  time.Time
}

// Resolver caches level merges per (entity, resource). One resolver serves
// one repository; the cache is never shared across namespaces.
type Resolver struct {
	store Store
	ttl   time.Duration
	cache sync.Map // "entity\x00resource" -> *entry
	log   *logrus.Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// NewResolver builds a resolver. ttl <= 0 disables caching entirely.
func NewResolver(st Store, ttl time.Duration, log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{
		store:    st,
		ttl:      ttl,
		log:      log.WithField("component", "config"),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

func cacheKey(entity, resource string) string { return entity + "\x00" + resource }

// Resolve returns the effective limits for (entity, resource). A non-empty
// override set replaces every stored level: callers that bring their own
// limits get exactly those, nothing merged in underneath.
func (r *Resolver) Resolve(ctx context.Context, entity, resource string, overrides []shardlimit.Limit) (Resolved, error) {
	if len(overrides) > 0 {
		out := Resolved{Limits: make(map[string]shardlimit.LimitMilli, len(overrides))}
		for _, l := range overrides {
			if err := l.Validate(); err != nil {
				return Resolved{}, err
			}
			out.Limits[l.Name] = l.Milli()
		}
		return out, nil
	}

	key := cacheKey(entity, resource)
	if r.ttl > 0 {
		if v, ok := r.cache.Load(key); ok {
			e := v.(*entry)
			if r.now().Sub(e.fetched) < r.ttl {
				if e.resolved.Empty() {
					telemetry.ObserveConfigCache(telemetry.CacheNegativeHit)
				} else {
					telemetry.ObserveConfigCache(telemetry.CacheHit)
				}
				return e.resolved, nil
			}
			r.cache.Delete(key)
		}
	}
	telemetry.ObserveConfigCache(telemetry.CacheMiss)

	levels, err := r.store.GetConfigLevels(ctx, entity, resource)
	if err != nil {
		return Resolved{}, err
	}
	resolved := merge(levels)
	if r.ttl > 0 {
		r.cache.Store(key, &entry{resolved: resolved, fetched: r.now()})
	}
	return resolved, nil
}

// merge overlays the levels per limit name. Precedence, most specific first:
// entity-resource, entity default, resource, system.
func merge(levels store.ConfigLevels) Resolved {
	out := Resolved{
		Limits:      map[string]shardlimit.LimitMilli{},
		Version:     levels.MaxVersion(),
		EntityLevel: levels.EntityResource.Present || levels.EntityDefault.Present,
	}
	for _, lvl := range []store.ConfigLevel{levels.System, levels.Resource, levels.EntityDefault, levels.EntityResource} {
		if !lvl.Present {
			continue
		}
		for name, lim := range lvl.Limits {
			out.Limits[name] = lim
		}
	}
	return out
}

// Set writes one level through to the store and evicts affected cache
// entries. Returns the level's new config version.
func (r *Resolver) Set(ctx context.Context, entity, resource string, limits []shardlimit.Limit) (int64, error) {
	v, err := r.store.SetConfig(ctx, entity, resource, limits)
	if err != nil {
		return 0, err
	}
	r.evict(entity)
	return v, nil
}

// Delete removes one level's config item and evicts affected cache entries.
func (r *Resolver) Delete(ctx context.Context, entity, resource string) error {
	if err := r.store.DeleteConfig(ctx, entity, resource); err != nil {
		return err
	}
	r.evict(entity)
	return nil
}

// evict drops the entity's cached resolutions; a change at the resource or
// system level can affect any entity, so those drop the whole cache.
func (r *Resolver) evict(entity string) {
	if entity == "" {
		r.cache.Range(func(k, _ any) bool {
			r.cache.Delete(k)
			return true
		})
		return
	}
	prefix := entity + "\x00"
	r.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			r.cache.Delete(k)
		}
		return true
	})
}

// Start launches the background janitor that drops expired entries, keeping
// the cache from growing with one entry per (entity, resource) ever seen.
// No-op when caching is disabled.
func (r *Resolver) Start() {
	if r.ttl <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.janitorLoop()
	}()
}

// Stop gracefully stops the janitor.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *Resolver) janitorLoop() {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runSweep()
		case <-r.stopChan:
			return
		}
	}
}

func (r *Resolver) runSweep() {
	now := r.now()
	evicted := 0
	r.cache.Range(func(k, v any) bool {
		if now.Sub(v.(*entry).fetched) >= r.ttl {
			r.cache.Delete(k)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		r.log.WithField("evicted", evicted).Debug("config cache sweep")
	}
}
