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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

// ConfigLevels is the batch-read result covering every stored level relevant
// to one (entity, resource).
type ConfigLevels struct {
	EntityResource ConfigLevel
	EntityDefault  ConfigLevel
	Resource       ConfigLevel
	System         ConfigLevel
}

// MaxVersion is the highest config_version across the levels; the resolver
// stamps cache entries with it.
func (c ConfigLevels) MaxVersion() int64 {
	v := c.System.Version
	for _, lvl := range []ConfigLevel{c.EntityResource, c.EntityDefault, c.Resource} {
		if lvl.Version > v {
			v = lvl.Version
		}
	}
	return v
}

func (r *Repository) configKey(entity, resource string) (pk, sk string) {
	switch {
	case entity != "" && resource != "":
		return keys.EntityPK(r.ns, entity), keys.EntityConfigSK(resource)
	case entity != "":
		return keys.EntityPK(r.ns, entity), keys.EntityConfigSK(keys.DefaultResource)
	case resource != "":
		return keys.ResourcePK(r.ns, resource), keys.SKConfig
	default:
		return keys.SystemPK(r.ns), keys.SKConfig
	}
}

// GetConfigLevels fetches all four level items in one BatchGetItem. Missing
// items come back with Present=false; the resolver caches those negatively.
func (r *Repository) GetConfigLevels(ctx context.Context, entity, resource string) (ConfigLevels, error) {
	type slot struct {
		pk, sk string
		dst    *ConfigLevel
	}
	var out ConfigLevels
	slots := []slot{
		{keys.EntityPK(r.ns, entity), keys.EntityConfigSK(resource), &out.EntityResource},
		{keys.EntityPK(r.ns, entity), keys.EntityConfigSK(keys.DefaultResource), &out.EntityDefault},
		{keys.ResourcePK(r.ns, resource), keys.SKConfig, &out.Resource},
		{keys.SystemPK(r.ns), keys.SKConfig, &out.System},
	}
	ks := make([]map[string]types.AttributeValue, 0, len(slots))
	for _, s := range slots {
		ks = append(ks, r.key(s.pk, s.sk))
	}
	items, err := r.batchGet(ctx, ks)
	if err != nil {
		return out, err
	}
	for _, item := range items {
		pk, perr := getString(item, keys.AttrPK)
		if perr != nil {
			continue
		}
		sk, perr := getString(item, keys.AttrSK)
		if perr != nil {
			continue
		}
		for _, s := range slots {
			if s.pk != pk || s.sk != sk {
				continue
			}
			lvl, perr := parseConfigLevel(item)
			if perr != nil {
				return out, shardlimit.Wrap(shardlimit.KindUnavailable, perr, "malformed config item %s %s", pk, sk)
			}
			*s.dst = lvl
		}
	}
	return out, nil
}

// SetConfig replaces the limit set at one level and bumps config_version
// under an optimistic lock, so a concurrent setter cannot silently revert
// limits. Empty entity and resource select the system level; empty resource
// with an entity selects the entity default. Setting limits for an unknown
// entity is NOT_FOUND.
func (r *Repository) SetConfig(ctx context.Context, entity, resource string, limits []shardlimit.Limit) (int64, error) {
	if len(limits) == 0 {
		return 0, shardlimit.Errorf(shardlimit.KindValidation, "limit set is empty")
	}
	for _, l := range limits {
		if err := l.Validate(); err != nil {
			return 0, err
		}
	}
	if resource != "" && resource != keys.DefaultResource {
		if err := shardlimit.ValidateResourceName(resource); err != nil {
			return 0, err
		}
	}
	if entity != "" {
		if _, err := r.GetEntity(ctx, entity); err != nil {
			return 0, err
		}
	}
	pk, sk := r.configKey(entity, resource)

	cur, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key:       r.key(pk, sk),
	})
	if err != nil {
		return 0, asUnavailable(err, "get config item")
	}
	var oldVersion int64
	if len(cur.Item) > 0 {
		if oldVersion, err = getIntDefault(cur.Item, keys.AttrConfigVersion, 0); err != nil {
			return 0, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed config item %s %s", pk, sk)
		}
	}
	newVersion := oldVersion + 1

	item := map[string]types.AttributeValue{
		keys.AttrPK:            strAttr(pk),
		keys.AttrSK:            strAttr(sk),
		keys.AttrConfigVersion: numAttr(newVersion),
		keys.AttrGSI4PK:        strAttr(keys.GSI4NamespacePK(r.ns)),
		keys.AttrGSI4SK:        strAttr(pk + sk),
	}
	for _, l := range limits {
		m := l.Milli()
		item[keys.LimitAttr(l.Name, keys.FieldCapacity)] = numAttr(m.Capacity)
		item[keys.LimitAttr(l.Name, keys.FieldBurst)] = numAttr(m.Burst)
		item[keys.LimitAttr(l.Name, keys.FieldRefillAmount)] = numAttr(m.RefillAmount)
		item[keys.LimitAttr(l.Name, keys.FieldRefillPeriod)] = numAttr(m.RefillPeriod)
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}
	if len(cur.Item) == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(#pk)")
		in.ExpressionAttributeNames = map[string]string{"#pk": keys.AttrPK}
	} else {
		in.ConditionExpression = aws.String("#cv = :cv")
		in.ExpressionAttributeNames = map[string]string{"#cv": keys.AttrConfigVersion}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":cv": numAttr(oldVersion)}
	}
	if _, err := r.client.PutItem(ctx, in); err != nil {
		if _, ok := conditionFailure(err); ok {
			return 0, shardlimit.Errorf(shardlimit.KindConcurrency, "config for %s/%s changed concurrently", entity, resource)
		}
		return 0, asUnavailable(err, "put config item")
	}
	return newVersion, nil
}

// DeleteConfig removes one level's config item.
func (r *Repository) DeleteConfig(ctx context.Context, entity, resource string) error {
	pk, sk := r.configKey(entity, resource)
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key:       r.key(pk, sk),
	})
	if err != nil {
		return asUnavailable(err, "delete config item")
	}
	return nil
}
