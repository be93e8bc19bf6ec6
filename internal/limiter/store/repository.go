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
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
)

// SchemaVersion is the table layout generation this code reads and writes.
// A table stamped with a different version needs a migration first.
const SchemaVersion = 1

// batchGetLimit is the BatchGetItem per-request key ceiling.
const batchGetLimit = 100

// Repository owns the DynamoDB client, the entity cache, and every durable
// operation. One Repository serves exactly one (table, namespace) pair;
// caches are never shared across repositories.
type Repository struct {
	client   Client
	table    string
	ns       string
	entities *entityCache
	log      *logrus.Entry

	// now is a test seam; production uses time.Now.
	now func() time.Time
	// pick is the shard chooser, uniform over [0,n); a test seam too.
	pick func(n int) int
}

// New builds a repository for one table and namespace.
func New(client Client, table, namespace string, log *logrus.Logger) *Repository {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Repository{
		client:   client,
		table:    table,
		ns:       namespace,
		entities: &entityCache{},
		log:      log.WithFields(logrus.Fields{"component": "store", "namespace": namespace}),
		now:      time.Now,
		pick:     rand.Intn,
	}
}

// Namespace returns the opaque namespace id this repository is bound to.
func (r *Repository) Namespace() string { return r.ns }

func (r *Repository) nowMs() int64 { return r.now().UnixMilli() }

func (r *Repository) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keys.AttrPK: strAttr(pk),
		keys.AttrSK: strAttr(sk),
	}
}

// SetClock overrides the time source and the shard chooser. Test seam; never
// call it on a repository that is already serving traffic.
func (r *Repository) SetClock(now func() time.Time, pick func(n int) int) {
	if now != nil {
		r.now = now
	}
	if pick != nil {
		r.pick = pick
	}
}

// CachedEntity returns entity metadata if this process has seen it. An entry
// holding only shard observations is not a hit.
func (r *Repository) CachedEntity(id string) (EntityMeta, bool) {
	e, ok := r.entities.get(id)
	if !ok {
		return EntityMeta{}, false
	}
	return e.metadata()
}

// ShardCount returns the cached shard count for (entity, resource),
// defaulting to 1.
func (r *Repository) ShardCount(entity, resource string) int {
	if e, ok := r.entities.get(entity); ok {
		return e.shardCount(resource)
	}
	return 1
}

// ObserveShardCount max-merges a shard count seen on any read or stream
// event into the cache, creating the entity's entry when absent so the
// observation survives until metadata arrives.
func (r *Repository) ObserveShardCount(entity, resource string, n int) {
	r.entities.ensure(entity).observeShardCount(resource, n)
}

// PickShard draws a uniform shard for an admission attempt, skipping
// already-tried shards. With every shard excluded it falls back to shard 0.
func (r *Repository) PickShard(entity, resource string, exclude map[int]bool) int {
	n := r.ShardCount(entity, resource)
	if n <= 1 {
		return 0
	}
	candidates := make([]int, 0, n)
	for s := 0; s < n; s++ {
		if !exclude[s] {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	return candidates[r.pick(len(candidates))]
}

// CreateEntity writes the immutable entity metadata item. Idempotence is a
// validation error: re-creating an existing entity fails.
func (r *Repository) CreateEntity(ctx context.Context, id, parentID string, cascade bool) (EntityMeta, error) {
	if err := shardlimit.ValidateEntityID(id); err != nil {
		return EntityMeta{}, err
	}
	if parentID != "" {
		if err := shardlimit.ValidateEntityID(parentID); err != nil {
			return EntityMeta{}, err
		}
	}
	if cascade && parentID == "" {
		return EntityMeta{}, shardlimit.Errorf(shardlimit.KindValidation, "entity %q: cascade requires a parent", id)
	}
	meta := EntityMeta{ID: id, ParentID: parentID, Cascade: cascade, CreatedAt: r.now()}
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                r.entityMetaAttrs(meta),
		ConditionExpression: aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": keys.AttrPK,
		},
	})
	if err != nil {
		if _, ok := conditionFailure(err); ok {
			return EntityMeta{}, shardlimit.Errorf(shardlimit.KindValidation, "entity %q already exists", id)
		}
		return EntityMeta{}, asUnavailable(err, "create entity")
	}
	r.entities.put(meta)
	return meta, nil
}

// GetEntity loads entity metadata, consulting the cache first. A hit costs
// zero reads; entity metadata is immutable so the cache never needs
// invalidation.
func (r *Repository) GetEntity(ctx context.Context, id string) (EntityMeta, error) {
	if meta, ok := r.CachedEntity(id); ok {
		return meta, nil
	}
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key:       r.key(keys.EntityPK(r.ns, id), keys.SKMeta),
	})
	if err != nil {
		return EntityMeta{}, asUnavailable(err, "get entity")
	}
	if len(out.Item) == 0 {
		return EntityMeta{}, shardlimit.Errorf(shardlimit.KindNotFound, "entity %q not found", id)
	}
	meta, err := parseEntityMeta(out.Item)
	if err != nil {
		return EntityMeta{}, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed entity item %q", id)
	}
	r.entities.put(meta)
	return meta, nil
}

// ListChildren enumerates the entities whose parent is id, via GSI1.
func (r *Repository) ListChildren(ctx context.Context, id string) ([]EntityMeta, error) {
	var children []EntityMeta
	var start map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(r.table),
			IndexName:                 aws.String(keys.GSI1),
			KeyConditionExpression:    aws.String("#g = :p"),
			ExpressionAttributeNames:  map[string]string{"#g": keys.AttrGSI1PK},
			ExpressionAttributeValues: map[string]types.AttributeValue{":p": strAttr(keys.GSI1ParentPK(r.ns, id))},
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, asUnavailable(err, "list children")
		}
		for _, item := range out.Items {
			meta, err := parseEntityMeta(item)
			if err != nil {
				return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed child item under %q", id)
			}
			children = append(children, meta)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return children, nil
		}
		start = out.LastEvaluatedKey
	}
}

// GetBucket reads one bucket shard directly. Missing buckets return
// (nil, nil); lazy creation is the caller's business.
func (r *Repository) GetBucket(ctx context.Context, entity, resource string, shard int) (*BucketItem, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key:       r.key(keys.BucketPK(r.ns, entity, resource, shard), keys.SKState),
	})
	if err != nil {
		return nil, asUnavailable(err, "get bucket")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	b, err := parseBucketItem(out.Item, false)
	if err != nil {
		return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed bucket item")
	}
	r.ObserveShardCount(entity, resource, b.ShardCount)
	return b, nil
}

// GetBuckets discovers an entity's bucket shards through GSI3 (keys only)
// and batch-fetches the full items. With resource set, only that resource's
// shards are returned.
func (r *Repository) GetBuckets(ctx context.Context, entity, resource string) ([]*BucketItem, error) {
	in := &dynamodb.QueryInput{
		TableName:                aws.String(r.table),
		IndexName:                aws.String(keys.GSI3),
		ExpressionAttributeNames: map[string]string{"#g": keys.AttrGSI3PK},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": strAttr(keys.GSI3EntityPK(r.ns, entity)),
		},
		KeyConditionExpression: aws.String("#g = :e"),
	}
	if resource != "" {
		in.ExpressionAttributeNames["#s"] = keys.AttrGSI3SK
		// trailing '#' keeps "api" from matching "api2"
		in.ExpressionAttributeValues[":r"] = strAttr("#BUCKET#" + resource + "#")
		in.KeyConditionExpression = aws.String("#g = :e AND begins_with(#s, :r)")
	}

	var bucketKeys []map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, in)
		if err != nil {
			return nil, asUnavailable(err, "query buckets")
		}
		for _, item := range out.Items {
			pk, err := getString(item, keys.AttrPK)
			if err != nil {
				continue
			}
			bucketKeys = append(bucketKeys, r.key(pk, keys.SKState))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	var buckets []*BucketItem
	for start := 0; start < len(bucketKeys); start += batchGetLimit {
		end := start + batchGetLimit
		if end > len(bucketKeys) {
			end = len(bucketKeys)
		}
		items, err := r.batchGet(ctx, bucketKeys[start:end])
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			b, err := parseBucketItem(item, false)
			if err != nil {
				return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed bucket item")
			}
			r.ObserveShardCount(b.Entity, b.Resource, b.ShardCount)
			buckets = append(buckets, b)
		}
	}
	return buckets, nil
}

// batchGet fetches up to batchGetLimit keys, retrying unprocessed keys until
// the store returns everything or the context expires.
func (r *Repository) batchGet(ctx context.Context, ks []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	pending := ks
	for len(pending) > 0 {
		out, err := r.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				r.table: {Keys: pending},
			},
		})
		if err != nil {
			return nil, asUnavailable(err, "batch get")
		}
		items = append(items, out.Responses[r.table]...)
		rest, ok := out.UnprocessedKeys[r.table]
		if !ok || len(rest.Keys) == 0 {
			break
		}
		pending = rest.Keys
		if err := ctx.Err(); err != nil {
			return nil, asUnavailable(err, "batch get")
		}
	}
	return items, nil
}

// EnsureSchemaVersion checks (and on first use stamps) the version record.
// A mismatch is a KindVersion error: callers must migrate before using the
// table.
func (r *Repository) EnsureSchemaVersion(ctx context.Context, aggregatorVersion string) error {
	pk, sk := keys.SystemPK(r.ns), keys.SKVersion
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key:       r.key(pk, sk),
	})
	if err != nil {
		return asUnavailable(err, "get version record")
	}
	if len(out.Item) > 0 {
		v, err := getInt(out.Item, "schema_version")
		if err != nil {
			return shardlimit.Wrap(shardlimit.KindVersion, err, "malformed version record")
		}
		if v != SchemaVersion {
			return shardlimit.Errorf(shardlimit.KindVersion, "table schema version %d, this build needs %d", v, SchemaVersion)
		}
		return nil
	}
	item := map[string]types.AttributeValue{
		keys.AttrPK:        strAttr(pk),
		keys.AttrSK:        strAttr(sk),
		"schema_version":   numAttr(SchemaVersion),
		keys.AttrCreatedAt: numAttr(r.nowMs()),
		keys.AttrGSI4PK:    strAttr(keys.GSI4NamespacePK(r.ns)),
		keys.AttrGSI4SK:    strAttr(pk + sk),
	}
	if aggregatorVersion != "" {
		item["aggregator_version"] = strAttr(aggregatorVersion)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": keys.AttrPK},
	})
	if err != nil {
		if _, ok := conditionFailure(err); ok {
			// another process stamped it first; re-check
			return r.EnsureSchemaVersion(ctx, aggregatorVersion)
		}
		return asUnavailable(err, "stamp version record")
	}
	return nil
}
