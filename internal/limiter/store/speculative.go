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
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

// FailureReason classifies a speculative conditional failure. These are
// routing signals for the admission protocol, not errors.
type FailureReason int

const (
	ReasonNone FailureReason = iota

	// ReasonBucketMissing: the item does not exist, or exists without one
	// of the required limit attributes. Slow path materializes it.
	ReasonBucketMissing

	// ReasonAppLimitExhausted: at least one user limit lacked tokens.
	ReasonAppLimitExhausted

	// ReasonWCUExhausted: only the infrastructure limit lacked tokens; the
	// shard is write-hot and the bucket should double.
	ReasonWCUExhausted

	// ReasonBothExhausted: user limits and wcu exhausted together.
	ReasonBothExhausted

	// ReasonPartitionThrottled: the store rejected the write for partition
	// pressure before evaluating the condition.
	ReasonPartitionThrottled
)

func (fr FailureReason) String() string {
	switch fr {
	case ReasonNone:
		return "none"
	case ReasonBucketMissing:
		return "bucket_missing"
	case ReasonAppLimitExhausted:
		return "app_limit_exhausted"
	case ReasonWCUExhausted:
		return "wcu_exhausted"
	case ReasonBothExhausted:
		return "both_exhausted"
	case ReasonPartitionThrottled:
		return "partition_throttled"
	}
	return "unknown"
}

// SpeculativeResult is the outcome of one speculative conditional write.
type SpeculativeResult struct {
	Success    bool
	Shard      int
	ShardCount int
	Reason     FailureReason

	// Bucket is the ALL_NEW image on success, the ALL_OLD image on a
	// classified conditional failure, nil when the item does not exist.
	Bucket *BucketItem
}

// sortedNames returns the consume map's limit names in stable order. Every
// expression this package builds walks limits in this order, which is also
// the order statuses are reported in.
func sortedNames(consumeMilli map[string]int64) []string {
	names := make([]string, 0, len(consumeMilli))
	for name := range consumeMilli {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// consumeExpr renders the shared ADD/condition pair for "take consumeMilli
// from each user limit plus one wcu token, only if every limit covers it".
func consumeExpr(consumeMilli map[string]int64) (update, condition string, names map[string]string, values map[string]types.AttributeValue) {
	names = map[string]string{"#pk": keys.AttrPK}
	values = map[string]types.AttributeValue{}
	var adds, conds []string
	conds = append(conds, "attribute_exists(#pk)")

	all := append(sortedNames(consumeMilli), shardlimit.WCULimitName)
	for i, name := range all {
		amount := consumeMilli[name]
		if name == shardlimit.WCULimitName {
			amount = shardlimit.Milli // one wcu token per admission
		}
		tk := fmt.Sprintf("#tk%d", i)
		tc := fmt.Sprintf("#tc%d", i)
		names[tk] = keys.LimitAttr(name, keys.FieldTokens)
		names[tc] = keys.LimitAttr(name, keys.FieldConsumed)
		values[fmt.Sprintf(":sub%d", i)] = numAttr(-amount)
		values[fmt.Sprintf(":add%d", i)] = numAttr(amount)
		adds = append(adds, fmt.Sprintf("%s :sub%d", tk, i), fmt.Sprintf("%s :add%d", tc, i))
		conds = append(conds, fmt.Sprintf("%s >= :add%d", tk, i))
	}
	return "ADD " + strings.Join(adds, ", "), strings.Join(conds, " AND "), names, values
}

// SpeculativeConsume issues the single-round-trip admission write against
// one bucket shard: ADD the (negative) consumption to every limit and to
// wcu, conditioned on every limit covering it. ALL_NEW teaches us the shard
// count and cascade topology on success; ALL_OLD classifies the failure.
func (r *Repository) SpeculativeConsume(ctx context.Context, entity, resource string, consumeMilli map[string]int64, shard int) (SpeculativeResult, error) {
	res := SpeculativeResult{Shard: shard, ShardCount: r.ShardCount(entity, resource)}
	update, condition, names, values := consumeExpr(consumeMilli)

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.table),
		Key:                                 r.key(keys.BucketPK(r.ns, entity, resource, shard), keys.SKState),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String(condition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		bucket, perr := parseBucketItem(out.Attributes, true)
		if perr != nil {
			return res, shardlimit.Wrap(shardlimit.KindUnavailable, perr, "malformed bucket after speculative write")
		}
		res.Success = true
		res.Bucket = bucket
		res.ShardCount = r.ObserveSuccess(entity, resource, bucket)
		return res, nil
	}

	if ccf, ok := conditionFailure(err); ok {
		if len(ccf.Item) == 0 {
			res.Reason = ReasonBucketMissing
			return res, nil
		}
		old, perr := parseBucketItem(ccf.Item, true)
		if perr != nil {
			return res, shardlimit.Wrap(shardlimit.KindUnavailable, perr, "malformed bucket in conditional failure")
		}
		res.Bucket = old
		res.Reason = classifyExhaustion(old, consumeMilli)
		if res.Reason == ReasonNone {
			// a competing writer drained and restored between evaluation and
			// ALL_OLD capture; routing it as app exhaustion lands in the
			// shard retry, the right recovery either way
			res.Reason = ReasonAppLimitExhausted
		}
		res.ShardCount = r.ObserveSuccess(entity, resource, old)
		return res, nil
	}
	if isPartitionThrottle(err) {
		res.Reason = ReasonPartitionThrottled
		return res, nil
	}
	return res, asUnavailable(err, "speculative consume")
}

// ObserveSuccess folds a bucket image's topology fields into the entity
// cache and returns the effective shard count.
func (r *Repository) ObserveSuccess(entity, resource string, b *BucketItem) int {
	entry := r.entities.put(EntityMeta{ID: entity, ParentID: b.ParentID, Cascade: b.Cascade})
	return entry.observeShardCount(resource, b.ShardCount)
}

// classifyExhaustion decides why the condition failed given the old image.
// A limit attribute that is missing entirely means the bucket predates this
// limit's configuration and must be rebuilt by the slow path.
func classifyExhaustion(old *BucketItem, consumeMilli map[string]int64) FailureReason {
	app := false
	for name, amount := range consumeMilli {
		st, ok := old.State[name]
		if !ok {
			return ReasonBucketMissing
		}
		if st.Tokens < amount {
			app = true
		}
	}
	wcuSt, ok := old.State[shardlimit.WCULimitName]
	if !ok {
		return ReasonBucketMissing
	}
	wcu := wcuSt.Tokens < shardlimit.Milli
	switch {
	case app && wcu:
		return ReasonBothExhausted
	case wcu:
		return ReasonWCUExhausted
	case app:
		return ReasonAppLimitExhausted
	default:
		return ReasonNone
	}
}
