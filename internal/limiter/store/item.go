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

// Item codecs. Bucket and config items carry dynamic b_{name}_{field}
// attributes, so they are marshaled by hand rather than through struct tags.
// Parsing is strict: a numeric field that arrives as a string is a malformed
// item and is rejected, never coerced.
package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func strAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func boolAttr(v bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: v}
}

func getInt(item map[string]types.AttributeValue, name string) (int64, error) {
	av, ok := item[name]
	if !ok {
		return 0, fmt.Errorf("attribute %s missing", name)
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s is not a number", name)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return v, nil
}

func getIntDefault(item map[string]types.AttributeValue, name string, def int64) (int64, error) {
	if _, ok := item[name]; !ok {
		return def, nil
	}
	return getInt(item, name)
}

func getString(item map[string]types.AttributeValue, name string) (string, error) {
	av, ok := item[name]
	if !ok {
		return "", fmt.Errorf("attribute %s missing", name)
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s is not a string", name)
	}
	return s.Value, nil
}

func getBoolDefault(item map[string]types.AttributeValue, name string, def bool) (bool, error) {
	av, ok := item[name]
	if !ok {
		return def, nil
	}
	b, ok := av.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("attribute %s is not a bool", name)
	}
	return b.Value, nil
}

// BucketItem is the decoded form of one bucket shard.
type BucketItem struct {
	NS       string
	Entity   string
	Resource string
	Shard    int

	RefillTS   int64 // rf, milliseconds
	ShardCount int   // authoritative on shard 0, never-higher copy elsewhere
	Cascade    bool
	ParentID   string
	ExpiresAt  int64 // 0 when the bucket never expires

	// Limits holds the limit definitions stored on the item (already
	// sharded values), keyed by name, wcu included.
	Limits map[string]shardlimit.LimitMilli

	// State holds tk/tc per limit name, wcu included.
	State map[string]shardlimit.LimitState
}

// parseBucketItem decodes a full bucket image. Partial images (ALL_OLD from a
// conditional failure) are decoded tolerantly: limits missing fields are
// dropped rather than erroring, because classification only needs tk values.
func parseBucketItem(item map[string]types.AttributeValue, tolerant bool) (*BucketItem, error) {
	pk, err := getString(item, keys.AttrPK)
	if err != nil {
		return nil, err
	}
	ns, entity, resource, shard, err := keys.ParseBucketPK(pk)
	if err != nil {
		return nil, err
	}
	b := &BucketItem{
		NS:       ns,
		Entity:   entity,
		Resource: resource,
		Shard:    shard,
		Limits:   map[string]shardlimit.LimitMilli{},
		State:    map[string]shardlimit.LimitState{},
	}
	if b.RefillTS, err = getIntDefault(item, keys.AttrRefillTS, 0); err != nil {
		return nil, err
	}
	sc, err := getIntDefault(item, keys.AttrShardCount, 1)
	if err != nil {
		return nil, err
	}
	b.ShardCount = int(sc)
	if b.Cascade, err = getBoolDefault(item, keys.AttrCascade, false); err != nil {
		return nil, err
	}
	if _, ok := item[keys.AttrParentID]; ok {
		if b.ParentID, err = getString(item, keys.AttrParentID); err != nil {
			return nil, err
		}
	}
	if b.ExpiresAt, err = getIntDefault(item, keys.AttrTTL, 0); err != nil {
		return nil, err
	}

	// collect the limit-field family
	fields := map[string]map[string]int64{}
	for attr := range item {
		name, field, ok := keys.SplitLimitAttr(attr)
		if !ok {
			continue
		}
		v, err := getInt(item, attr)
		if err != nil {
			if tolerant {
				continue
			}
			return nil, err
		}
		if fields[name] == nil {
			fields[name] = map[string]int64{}
		}
		fields[name][field] = v
	}
	for name, f := range fields {
		tk, hasTk := f[keys.FieldTokens]
		if hasTk {
			b.State[name] = shardlimit.LimitState{Tokens: tk, Consumed: f[keys.FieldConsumed]}
		}
		cp, hasCp := f[keys.FieldCapacity]
		rp, hasRp := f[keys.FieldRefillPeriod]
		ra, hasRa := f[keys.FieldRefillAmount]
		if hasCp && hasRp && hasRa {
			bx := f[keys.FieldBurst]
			if bx == 0 {
				bx = cp
			}
			b.Limits[name] = shardlimit.LimitMilli{
				Name: name, Capacity: cp, Burst: bx,
				RefillAmount: ra, RefillPeriod: rp,
			}
		} else if !tolerant {
			return nil, fmt.Errorf("bucket %s: limit %s incomplete", pk, name)
		}
	}
	return b, nil
}

// Attrs renders the complete on-wire image, GSI projections included. Used by
// the slow path's creating Put.
func (b *BucketItem) Attrs() map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		keys.AttrPK:         strAttr(keys.BucketPK(b.NS, b.Entity, b.Resource, b.Shard)),
		keys.AttrSK:         strAttr(keys.SKState),
		keys.AttrRefillTS:   numAttr(b.RefillTS),
		keys.AttrShardCount: numAttr(int64(b.ShardCount)),
		keys.AttrCascade:    boolAttr(b.Cascade),
		keys.AttrGSI2PK:     strAttr(keys.GSI2ResourcePK(b.NS, b.Resource)),
		keys.AttrGSI2SK:     strAttr(keys.BucketPK(b.NS, b.Entity, b.Resource, b.Shard)),
		keys.AttrGSI3PK:     strAttr(keys.GSI3EntityPK(b.NS, b.Entity)),
		keys.AttrGSI3SK:     strAttr(keys.GSI3BucketSK(b.Resource, b.Shard)),
		keys.AttrGSI4PK:     strAttr(keys.GSI4NamespacePK(b.NS)),
		keys.AttrGSI4SK:     strAttr(keys.BucketPK(b.NS, b.Entity, b.Resource, b.Shard) + keys.SKState),
	}
	if b.ParentID != "" {
		item[keys.AttrParentID] = strAttr(b.ParentID)
	}
	if b.ExpiresAt > 0 {
		item[keys.AttrTTL] = numAttr(b.ExpiresAt)
	}
	for name, lim := range b.Limits {
		item[keys.LimitAttr(name, keys.FieldCapacity)] = numAttr(lim.Capacity)
		item[keys.LimitAttr(name, keys.FieldBurst)] = numAttr(lim.Burst)
		item[keys.LimitAttr(name, keys.FieldRefillAmount)] = numAttr(lim.RefillAmount)
		item[keys.LimitAttr(name, keys.FieldRefillPeriod)] = numAttr(lim.RefillPeriod)
	}
	for name, st := range b.State {
		item[keys.LimitAttr(name, keys.FieldTokens)] = numAttr(st.Tokens)
		item[keys.LimitAttr(name, keys.FieldConsumed)] = numAttr(st.Consumed)
	}
	return item
}

// EntityMeta is the decoded entity metadata item. Immutable after creation.
type EntityMeta struct {
	ID        string
	ParentID  string
	Cascade   bool
	CreatedAt time.Time
}

func parseEntityMeta(item map[string]types.AttributeValue) (EntityMeta, error) {
	var m EntityMeta
	id, err := getString(item, keys.AttrEntityID)
	if err != nil {
		return m, err
	}
	m.ID = id
	if _, ok := item[keys.AttrParentID]; ok {
		if m.ParentID, err = getString(item, keys.AttrParentID); err != nil {
			return m, err
		}
	}
	if m.Cascade, err = getBoolDefault(item, keys.AttrCascade, false); err != nil {
		return m, err
	}
	created, err := getIntDefault(item, keys.AttrCreatedAt, 0)
	if err != nil {
		return m, err
	}
	if created > 0 {
		m.CreatedAt = time.UnixMilli(created)
	}
	return m, nil
}

func (r *Repository) entityMetaAttrs(m EntityMeta) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		keys.AttrPK:        strAttr(keys.EntityPK(r.ns, m.ID)),
		keys.AttrSK:        strAttr(keys.SKMeta),
		keys.AttrEntityID:  strAttr(m.ID),
		keys.AttrCascade:   boolAttr(m.Cascade),
		keys.AttrCreatedAt: numAttr(m.CreatedAt.UnixMilli()),
		keys.AttrGSI4PK:    strAttr(keys.GSI4NamespacePK(r.ns)),
		keys.AttrGSI4SK:    strAttr(keys.EntityPK(r.ns, m.ID) + keys.SKMeta),
	}
	if m.ParentID != "" {
		item[keys.AttrParentID] = strAttr(m.ParentID)
		item[keys.AttrGSI1PK] = strAttr(keys.GSI1ParentPK(r.ns, m.ParentID))
	}
	return item
}

// ConfigLevel is one decoded config item: a limit set plus its version
// counter. Present distinguishes "no item" from "item with no limits".
type ConfigLevel struct {
	Present bool
	Version int64
	Limits  map[string]shardlimit.LimitMilli
}

func parseConfigLevel(item map[string]types.AttributeValue) (ConfigLevel, error) {
	lvl := ConfigLevel{Present: true, Limits: map[string]shardlimit.LimitMilli{}}
	v, err := getIntDefault(item, keys.AttrConfigVersion, 0)
	if err != nil {
		return lvl, err
	}
	lvl.Version = v
	fields := map[string]map[string]int64{}
	for attr := range item {
		name, field, ok := keys.SplitLimitAttr(attr)
		if !ok {
			continue
		}
		n, err := getInt(item, attr)
		if err != nil {
			return lvl, err
		}
		if fields[name] == nil {
			fields[name] = map[string]int64{}
		}
		fields[name][field] = n
	}
	for name, f := range fields {
		cp, hasCp := f[keys.FieldCapacity]
		ra, hasRa := f[keys.FieldRefillAmount]
		rp, hasRp := f[keys.FieldRefillPeriod]
		if !hasCp || !hasRa || !hasRp {
			return lvl, fmt.Errorf("config limit %s incomplete", name)
		}
		bx := f[keys.FieldBurst]
		if bx == 0 {
			bx = cp
		}
		lvl.Limits[name] = shardlimit.LimitMilli{
			Name: name, Capacity: cp, Burst: bx,
			RefillAmount: ra, RefillPeriod: rp,
		}
	}
	return lvl, nil
}
