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

// Independent (non-transactional) write paths. Adjust and rollback are
// unconditional ADDs: they commute with every concurrent writer and are the
// one sanctioned way a bucket goes negative.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

// AdjustWrite is one unconditional per-bucket delta: TokensMilli is ADDed to
// tk, ConsumedMilli to tc, per limit name.
type AdjustWrite struct {
	Entity        string
	Resource      string
	Shard         int
	TokensMilli   map[string]int64
	ConsumedMilli map[string]int64
}

// WriteEach applies each adjust independently (never atomically across
// items) and returns one error slot per write. Callers on the lease path
// log and swallow; surfacing these would risk double-compensation.
func (r *Repository) WriteEach(ctx context.Context, writes []AdjustWrite) []error {
	errs := make([]error, len(writes))
	for i := range writes {
		errs[i] = r.writeAdjust(ctx, &writes[i])
	}
	return errs
}

func (r *Repository) writeAdjust(ctx context.Context, w *AdjustWrite) error {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var adds []string
	i := 0
	for _, name := range sortedNames(w.TokensMilli) {
		tk := fmt.Sprintf("#a%d", i)
		names[tk] = keys.LimitAttr(name, keys.FieldTokens)
		values[fmt.Sprintf(":a%d", i)] = numAttr(w.TokensMilli[name])
		adds = append(adds, fmt.Sprintf("%s :a%d", tk, i))
		i++
	}
	for _, name := range sortedNames(w.ConsumedMilli) {
		tc := fmt.Sprintf("#a%d", i)
		names[tc] = keys.LimitAttr(name, keys.FieldConsumed)
		values[fmt.Sprintf(":a%d", i)] = numAttr(w.ConsumedMilli[name])
		adds = append(adds, fmt.Sprintf("%s :a%d", tc, i))
		i++
	}
	if len(adds) == 0 {
		return nil
	}
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       r.key(keys.BucketPK(r.ns, w.Entity, w.Resource, w.Shard), keys.SKState),
		UpdateExpression:          aws.String("ADD " + strings.Join(adds, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return asUnavailable(err, "adjust write")
	}
	return nil
}

// BumpShardCount doubles shard 0's authoritative count with an optimistic
// lock on the current value. On a lost race it reads shard 0 and returns
// whatever the winner wrote; the bump is never retried as a write.
func (r *Repository) BumpShardCount(ctx context.Context, entity, resource string, current int) (int, error) {
	if current < 1 {
		current = 1
	}
	next := current * 2
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 r.key(keys.BucketPK(r.ns, entity, resource, 0), keys.SKState),
		UpdateExpression:    aws.String("SET #sc = :new"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND #sc = :cur"),
		ExpressionAttributeNames: map[string]string{
			"#pk": keys.AttrPK,
			"#sc": keys.AttrShardCount,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": numAttr(int64(next)),
			":cur": numAttr(int64(current)),
		},
	})
	if err == nil {
		r.ObserveShardCount(entity, resource, next)
		return next, nil
	}
	if _, ok := conditionFailure(err); ok {
		b, gerr := r.GetBucket(ctx, entity, resource, 0)
		if gerr != nil {
			return current, gerr
		}
		if b == nil {
			return current, nil
		}
		r.ObserveShardCount(entity, resource, b.ShardCount)
		return b.ShardCount, nil
	}
	return current, asUnavailable(err, "bump shard count")
}

// PropagateShardCount pushes shard 0's new count onto one target shard,
// absorbing already-higher values. Returns ErrConditionFailed when the
// target already knows a count >= newCount.
func (r *Repository) PropagateShardCount(ctx context.Context, entity, resource string, shard, newCount int) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 r.key(keys.BucketPK(r.ns, entity, resource, shard), keys.SKState),
		UpdateExpression:    aws.String("SET #sc = :new"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND (attribute_not_exists(#sc) OR #sc < :new)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": keys.AttrPK,
			"#sc": keys.AttrShardCount,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": numAttr(int64(newCount)),
		},
	})
	if err != nil {
		if _, ok := conditionFailure(err); ok {
			return ErrConditionFailed
		}
		return asUnavailable(err, "propagate shard count")
	}
	return nil
}

// AddRefill is the aggregator's proactive refill: commutative ADD per limit
// plus SET rf, locked on the rf the aggregator observed in the stream image.
// A lost lock returns ErrConditionFailed and must be skipped, because it
// means some other writer already refilled.
func (r *Repository) AddRefill(ctx context.Context, entity, resource string, shard int, refillMilli map[string]int64, expectedRf, newRf int64) error {
	names := map[string]string{"#pk": keys.AttrPK, "#rf": keys.AttrRefillTS}
	values := map[string]types.AttributeValue{
		":rf":  numAttr(newRf),
		":erf": numAttr(expectedRf),
	}
	var adds []string
	for i, name := range sortedNames(refillMilli) {
		if refillMilli[name] <= 0 {
			continue
		}
		tk := fmt.Sprintf("#tk%d", i)
		names[tk] = keys.LimitAttr(name, keys.FieldTokens)
		values[fmt.Sprintf(":r%d", i)] = numAttr(refillMilli[name])
		adds = append(adds, fmt.Sprintf("%s :r%d", tk, i))
	}
	if len(adds) == 0 {
		return nil
	}
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       r.key(keys.BucketPK(r.ns, entity, resource, shard), keys.SKState),
		UpdateExpression:          aws.String("SET #rf = :rf ADD " + strings.Join(adds, ", ")),
		ConditionExpression:       aws.String("attribute_exists(#pk) AND #rf = :erf"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if _, ok := conditionFailure(err); ok {
			return ErrConditionFailed
		}
		return asUnavailable(err, "aggregator refill")
	}
	return nil
}

// PutUsage writes one usage snapshot for (entity, resource, window). The
// consumed map must already exclude wcu; snapshots are flat items keyed for
// GSI2 per-resource aggregation.
func (r *Repository) PutUsage(ctx context.Context, entity, resource, windowKey string, consumedMilli map[string]int64) error {
	pk := keys.EntityPK(r.ns, entity)
	sk := keys.UsageSK(resource, windowKey)
	item := map[string]types.AttributeValue{
		keys.AttrPK:     strAttr(pk),
		keys.AttrSK:     strAttr(sk),
		keys.AttrGSI2PK: strAttr(keys.GSI2ResourcePK(r.ns, resource)),
		keys.AttrGSI2SK: strAttr(sk + "#" + entity),
		keys.AttrGSI4PK: strAttr(keys.GSI4NamespacePK(r.ns)),
		keys.AttrGSI4SK: strAttr(pk + sk),
		"window":        strAttr(windowKey),
		"resource":      strAttr(resource),
		keys.AttrEntityID: strAttr(entity),
	}
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var adds []string
	for i, name := range sortedNames(consumedMilli) {
		if name == shardlimit.WCULimitName {
			continue
		}
		attr := fmt.Sprintf("#u%d", i)
		names[attr] = keys.LimitAttr(name, keys.FieldConsumed)
		values[fmt.Sprintf(":u%d", i)] = numAttr(consumedMilli[name])
		adds = append(adds, fmt.Sprintf("%s :u%d", attr, i))
	}
	if len(adds) == 0 {
		return nil
	}
	// snapshot rows accumulate across batches within a window, so this is
	// an upsert ADD rather than a Put
	sets := []string{"#g2p = :g2p", "#g2s = :g2s", "#g4p = :g4p", "#g4s = :g4s", "#w = :w", "#res = :res", "#eid = :eid"}
	names["#g2p"], names["#g2s"] = keys.AttrGSI2PK, keys.AttrGSI2SK
	names["#g4p"], names["#g4s"] = keys.AttrGSI4PK, keys.AttrGSI4SK
	names["#w"], names["#res"], names["#eid"] = "window", "resource", keys.AttrEntityID
	values[":g2p"], values[":g2s"] = item[keys.AttrGSI2PK], item[keys.AttrGSI2SK]
	values[":g4p"], values[":g4s"] = item[keys.AttrGSI4PK], item[keys.AttrGSI4SK]
	values[":w"], values[":res"], values[":eid"] = item["window"], item["resource"], item[keys.AttrEntityID]

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       r.key(pk, sk),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ") + " ADD " + strings.Join(adds, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return asUnavailable(err, "put usage snapshot")
	}
	return nil
}
