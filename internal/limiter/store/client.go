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

// Package store owns every durable read and write: the speculative and
// transactional admission paths, unconditional adjust/rollback writes, shard
// bookkeeping, config and entity items, and the per-repository caches.
// DynamoDB errors are classified here and nowhere else.
package store

import (
	"context"
	"errors"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"shardlimit"
)

// Client is the slice of the DynamoDB API the repository uses. *dynamodb.Client
// satisfies it; tests substitute an in-process fake.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ErrConditionFailed is the routing signal for optimistic-lock losses outside
// the speculative path (aggregator refill, shard propagation). Callers skip
// silently; it is not a *shardlimit.Error because it never reaches users.
var ErrConditionFailed = errors.New("conditional check failed")

// partitionThrottlePattern recognizes on-demand throttling whose reason
// string points at a hot partition key range, as opposed to table- or
// account-level throttling.
var partitionThrottlePattern = regexp.MustCompile(`(?i)key.?range|partition`)

// conditionFailure extracts the ConditionalCheckFailedException from err,
// whether it arrived directly from UpdateItem/PutItem or not. The returned
// exception carries the old item when the request asked for it.
func conditionFailure(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	return nil, false
}

// isPartitionThrottle reports whether err is write pressure on the bucket's
// own partition: either a provisioned-capacity rejection or an on-demand
// throttle naming a key range. Any other throttle is plain unavailability.
func isPartitionThrottle(err error) bool {
	var ptee *types.ProvisionedThroughputExceededException
	if errors.As(err, &ptee) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded":
			return partitionThrottlePattern.MatchString(ae.ErrorMessage())
		}
	}
	return false
}

// asUnavailable wraps any store error for the admission surface.
func asUnavailable(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return shardlimit.Wrap(shardlimit.KindUnavailable, err, "%s cancelled", op)
	}
	return shardlimit.Wrap(shardlimit.KindUnavailable, err, "%s failed", op)
}
