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
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

// maxTransactItems is the store's TransactWriteItems ceiling. Cascade stays
// inside it by keeping every limit of one (entity, resource, shard) in a
// single item.
const maxTransactItems = 100

// WriteMode selects the per-bucket shape inside a commit transaction.
type WriteMode int

const (
	// WriteNormal refills and consumes under the rf optimistic lock,
	// creating the bucket when absent.
	WriteNormal WriteMode = iota

	// WriteRetry consumes without refilling, conditioned like the
	// speculative path. Chosen after a normal shape lost its rf race.
	WriteRetry
)

// BucketWrite is one bucket's contribution to an atomic commit.
type BucketWrite struct {
	Entity   string
	Resource string
	Shard    int
	Mode     WriteMode

	// ConsumeMilli is the admission's consumption per user limit; wcu is
	// appended internally.
	ConsumeMilli map[string]int64

	// Create, with WriteNormal, writes Item as a brand-new bucket
	// (condition: item absent). Item must already include the consumption.
	Create bool
	Item   *BucketItem

	// For WriteNormal on an existing bucket: the optimistic lock value,
	// the new rf, the per-limit refill deltas (non-negative ADDs computed
	// against ExpectedRf), and the sharded limit definitions to refresh on
	// the item.
	ExpectedRf  int64
	NewRf       int64
	RefillMilli map[string]int64
	Limits      map[string]shardlimit.LimitMilli

	// ExpiresAt, when positive, refreshes the bucket TTL.
	ExpiresAt int64
}

// TxnFailure reports which write of a cancelled transaction failed its
// condition, with the classification the admission protocol routes on.
type TxnFailure struct {
	Index  int
	Write  *BucketWrite
	Reason FailureReason
	Old    *BucketItem
}

// CommitInitial runs the all-or-nothing multi-bucket commit used by the slow
// path and by cascade. It returns (nil, nil) on success, a *TxnFailure when
// a condition lost, and an error only for infrastructure failures.
func (r *Repository) CommitInitial(ctx context.Context, writes []BucketWrite) (*TxnFailure, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	if len(writes) > maxTransactItems {
		return nil, shardlimit.Errorf(shardlimit.KindValidation, "commit of %d items exceeds the %d-item transaction ceiling", len(writes), maxTransactItems)
	}
	items := make([]types.TransactWriteItem, 0, len(writes))
	for i := range writes {
		item, err := r.transactItem(&writes[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		for i := range writes {
			w := &writes[i]
			if w.Create && w.Item != nil {
				r.ObserveSuccess(w.Entity, w.Resource, w.Item)
			}
		}
		return nil, nil
	}

	var cancelled *types.TransactionCanceledException
	if errors.As(err, &cancelled) {
		for i, reason := range cancelled.CancellationReasons {
			if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" || i >= len(writes) {
				continue
			}
			failure := &TxnFailure{Index: i, Write: &writes[i]}
			if len(reason.Item) == 0 {
				if writes[i].Create {
					// bucket appeared concurrently; the caller should
					// reclassify by retrying speculatively
					failure.Reason = ReasonNone
				} else {
					failure.Reason = ReasonBucketMissing
				}
				return failure, nil
			}
			old, perr := parseBucketItem(reason.Item, true)
			if perr != nil {
				return nil, shardlimit.Wrap(shardlimit.KindUnavailable, perr, "malformed bucket in transaction cancellation")
			}
			failure.Old = old
			switch writes[i].Mode {
			case WriteRetry:
				failure.Reason = classifyExhaustion(old, writes[i].ConsumeMilli)
			default:
				if writes[i].Create {
					// lost the creation race; reclassify speculatively
					failure.Reason = ReasonNone
				} else {
					// rf moved under us
					failure.Reason = reasonContention(old, &writes[i])
				}
			}
			return failure, nil
		}
		// cancelled without a conditional failure: throttling or txn conflict
		if isPartitionThrottle(err) {
			return &TxnFailure{Index: -1, Reason: ReasonPartitionThrottled}, nil
		}
		return nil, shardlimit.Wrap(shardlimit.KindConcurrency, err, "transaction cancelled")
	}
	if isPartitionThrottle(err) {
		return &TxnFailure{Index: -1, Reason: ReasonPartitionThrottled}, nil
	}
	return nil, asUnavailable(err, "transact write")
}

// reasonContention maps a lost rf lock onto the retry routing: if the fresh
// image still covers the consumption a retry-shape write will succeed, so
// report ReasonNone; otherwise report the exhaustion the retry would hit.
func reasonContention(old *BucketItem, w *BucketWrite) FailureReason {
	return classifyExhaustion(old, w.ConsumeMilli)
}

func (r *Repository) transactItem(w *BucketWrite) (types.TransactWriteItem, error) {
	switch {
	case w.Mode == WriteRetry:
		update, condition, names, values := consumeExpr(w.ConsumeMilli)
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                           aws.String(r.table),
			Key:                                 r.key(keys.BucketPK(r.ns, w.Entity, w.Resource, w.Shard), keys.SKState),
			UpdateExpression:                    aws.String(update),
			ConditionExpression:                 aws.String(condition),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}}, nil

	case w.Create:
		if w.Item == nil {
			return types.TransactWriteItem{}, shardlimit.Errorf(shardlimit.KindValidation, "create write without an item")
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                           aws.String(r.table),
			Item:                                w.Item.Attrs(),
			ConditionExpression:                 aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames:            map[string]string{"#pk": keys.AttrPK},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}}, nil

	default:
		return r.normalUpdateItem(w)
	}
}

// normalUpdateItem renders the refill+consume shape: net ADD per limit
// (refill minus consumption, so concurrent speculative ADDs stay intact),
// refreshed limit definitions, rf advanced to NewRf, all conditioned on
// rf still being ExpectedRf.
func (r *Repository) normalUpdateItem(w *BucketWrite) (types.TransactWriteItem, error) {
	names := map[string]string{"#pk": keys.AttrPK, "#rf": keys.AttrRefillTS}
	values := map[string]types.AttributeValue{
		":rf":  numAttr(w.NewRf),
		":erf": numAttr(w.ExpectedRf),
	}
	sets := []string{"#rf = :rf"}
	var adds []string

	all := append(sortedNames(w.ConsumeMilli), shardlimit.WCULimitName)
	for i, name := range all {
		consume := w.ConsumeMilli[name]
		if name == shardlimit.WCULimitName {
			consume = shardlimit.Milli
		}
		net := w.RefillMilli[name] - consume
		tk := fmt.Sprintf("#tk%d", i)
		tc := fmt.Sprintf("#tc%d", i)
		names[tk] = keys.LimitAttr(name, keys.FieldTokens)
		names[tc] = keys.LimitAttr(name, keys.FieldConsumed)
		values[fmt.Sprintf(":net%d", i)] = numAttr(net)
		values[fmt.Sprintf(":c%d", i)] = numAttr(consume)
		adds = append(adds, fmt.Sprintf("%s :net%d", tk, i), fmt.Sprintf("%s :c%d", tc, i))

		if lim, ok := w.Limits[name]; ok {
			cp, bx, ra, rp := fmt.Sprintf("#cp%d", i), fmt.Sprintf("#bx%d", i), fmt.Sprintf("#ra%d", i), fmt.Sprintf("#rp%d", i)
			names[cp] = keys.LimitAttr(name, keys.FieldCapacity)
			names[bx] = keys.LimitAttr(name, keys.FieldBurst)
			names[ra] = keys.LimitAttr(name, keys.FieldRefillAmount)
			names[rp] = keys.LimitAttr(name, keys.FieldRefillPeriod)
			values[fmt.Sprintf(":cp%d", i)] = numAttr(lim.Capacity)
			values[fmt.Sprintf(":bx%d", i)] = numAttr(lim.Burst)
			values[fmt.Sprintf(":ra%d", i)] = numAttr(lim.RefillAmount)
			values[fmt.Sprintf(":rp%d", i)] = numAttr(lim.RefillPeriod)
			sets = append(sets,
				fmt.Sprintf("%s = :cp%d", cp, i), fmt.Sprintf("%s = :bx%d", bx, i),
				fmt.Sprintf("%s = :ra%d", ra, i), fmt.Sprintf("%s = :rp%d", rp, i))
		}
	}
	if w.ExpiresAt > 0 {
		names["#ttl"] = keys.AttrTTL
		values[":ttl"] = numAttr(w.ExpiresAt)
		sets = append(sets, "#ttl = :ttl")
	}
	update := "SET " + strings.Join(sets, ", ") + " ADD " + strings.Join(adds, ", ")
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                           aws.String(r.table),
		Key:                                 r.key(keys.BucketPK(r.ns, w.Entity, w.Resource, w.Shard), keys.SKState),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("attribute_exists(#pk) AND #rf = :erf"),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}}, nil
}
