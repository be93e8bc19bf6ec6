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

// Package namespace manages the tenant registry under the reserved "_"
// namespace: opaque-id assignment, bidirectional name/id lookup, soft delete
// with recovery, and the purge walk that removes every item a namespace ever
// wrote.
package namespace

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/keys"
	"shardlimit/internal/limiter/store"
)

// Namespace lifecycle states. Forward records only ever exist as active;
// the reverse record carries the full lifecycle.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
	StatusPurging = "purging"
)

// IDLen is the length of generated namespace identifiers: 8 random bytes in
// unpadded URL-safe base64.
const IDLen = 11

// Registry performs all namespace operations against one table. All registry
// items live in the single registry partition, which is fine because
// namespace churn is administrative, not hot-path.
type Registry struct {
	client store.Client
	table  string
	log    *logrus.Entry

	// rng is a test seam; production uses crypto/rand.
	rng io.Reader
	now func() time.Time
}

// NewRegistry builds a registry bound to one table.
func NewRegistry(client store.Client, table string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		client: client,
		table:  table,
		log:    log.WithField("component", "namespace"),
		rng:    rand.Reader,
		now:    time.Now,
	}
}

type forwardRecord struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	NamespaceID string `dynamodbav:"namespace_id"`
	Status      string `dynamodbav:"status"`
	CreatedAt   int64  `dynamodbav:"created_at"`
}

type reverseRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Name      string `dynamodbav:"name"`
	Status    string `dynamodbav:"status"`
	CreatedAt int64  `dynamodbav:"created_at"`
	DeletedAt int64  `dynamodbav:"deleted_at,omitempty"`
}

func registryPK() string {
	return keys.SystemPK(keys.RegistryNamespace)
}

// newID draws an opaque namespace id. Ids never start with '-' so they stay
// safe as CLI arguments; a leading '-' draw is simply redrawn.
func (g *Registry) newID() (string, error) {
	for {
		var raw [8]byte
		if _, err := io.ReadFull(g.rng, raw[:]); err != nil {
			return "", shardlimit.Wrap(shardlimit.KindUnavailable, err, "id generation failed")
		}
		id := base64.RawURLEncoding.EncodeToString(raw[:])
		if id[0] != '-' {
			return id, nil
		}
	}
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// Register assigns an opaque id to name and writes both directions of the
// mapping atomically. Re-registering an existing name returns the already
// assigned id.
func (g *Registry) Register(ctx context.Context, name string) (string, error) {
	if err := shardlimit.ValidateStackName(name); err != nil {
		return "", err
	}
	id, err := g.newID()
	if err != nil {
		return "", err
	}
	nowMs := g.now().UnixMilli()
	fwd, err := attributevalue.MarshalMap(forwardRecord{
		PK: registryPK(), SK: keys.NamespaceForwardSK(name),
		NamespaceID: id, Status: StatusActive, CreatedAt: nowMs,
	})
	if err != nil {
		return "", shardlimit.Wrap(shardlimit.KindUnavailable, err, "marshal forward record")
	}
	rev, err := attributevalue.MarshalMap(reverseRecord{
		PK: registryPK(), SK: keys.NamespaceReverseSK(id),
		Name: name, Status: StatusActive, CreatedAt: nowMs,
	})
	if err != nil {
		return "", shardlimit.Wrap(shardlimit.KindUnavailable, err, "marshal reverse record")
	}

	_, err = g.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:                aws.String(g.table),
				Item:                     fwd,
				ConditionExpression:      aws.String("attribute_not_exists(#sk)"),
				ExpressionAttributeNames: map[string]string{"#sk": keys.AttrSK},
			}},
			{Put: &types.Put{
				TableName:                aws.String(g.table),
				Item:                     rev,
				ConditionExpression:      aws.String("attribute_not_exists(#sk)"),
				ExpressionAttributeNames: map[string]string{"#sk": keys.AttrSK},
			}},
		},
	})
	if err == nil {
		g.log.WithFields(logrus.Fields{"name": name, "namespace": id}).Info("namespace registered")
		return id, nil
	}
	if !conditionFailed(err) {
		return "", shardlimit.Wrap(shardlimit.KindUnavailable, err, "register namespace %q", name)
	}
	// the name is taken; idempotent re-register returns the existing id
	existing, err := g.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	return existing, nil
}

// Resolve maps a namespace name to its opaque id.
func (g *Registry) Resolve(ctx context.Context, name string) (string, error) {
	if err := shardlimit.ValidateStackName(name); err != nil {
		return "", err
	}
	fwd, err := g.getForward(ctx, name)
	if err != nil {
		return "", err
	}
	if fwd == nil {
		return "", shardlimit.Errorf(shardlimit.KindNotFound, "namespace %q is not registered", name)
	}
	return fwd.NamespaceID, nil
}

// Lookup maps an opaque id back to its reverse record.
func (g *Registry) Lookup(ctx context.Context, id string) (name, status string, err error) {
	rev, err := g.getReverse(ctx, id)
	if err != nil {
		return "", "", err
	}
	if rev == nil {
		return "", "", shardlimit.Errorf(shardlimit.KindNotFound, "namespace id %q is not registered", id)
	}
	return rev.Name, rev.Status, nil
}

// Delete soft-deletes a namespace: the forward record disappears, freeing
// the name, while the reverse record is kept as deleted so Recover can
// restore it. Data is untouched until Purge.
func (g *Registry) Delete(ctx context.Context, name string) error {
	fwd, err := g.getForward(ctx, name)
	if err != nil {
		return err
	}
	if fwd == nil {
		return shardlimit.Errorf(shardlimit.KindNotFound, "namespace %q is not registered", name)
	}
	nowMs := g.now().UnixMilli()
	_, err = g.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName:                aws.String(g.table),
				Key:                      registryKey(keys.NamespaceForwardSK(name)),
				ConditionExpression:      aws.String("#id = :id"),
				ExpressionAttributeNames: map[string]string{"#id": "namespace_id"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: fwd.NamespaceID},
				},
			}},
			{Update: &types.Update{
				TableName:                aws.String(g.table),
				Key:                      registryKey(keys.NamespaceReverseSK(fwd.NamespaceID)),
				UpdateExpression:         aws.String("SET #st = :deleted, #da = :now"),
				ConditionExpression:      aws.String("attribute_exists(#sk)"),
				ExpressionAttributeNames: map[string]string{"#st": "status", "#da": "deleted_at", "#sk": keys.AttrSK},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":deleted": &types.AttributeValueMemberS{Value: StatusDeleted},
					":now":     &types.AttributeValueMemberN{Value: formatInt(nowMs)},
				},
			}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return shardlimit.Errorf(shardlimit.KindConcurrency, "namespace %q changed concurrently", name)
		}
		return shardlimit.Wrap(shardlimit.KindUnavailable, err, "delete namespace %q", name)
	}
	g.log.WithFields(logrus.Fields{"name": name, "namespace": fwd.NamespaceID}).Info("namespace deleted")
	return nil
}

// Recover restores a soft-deleted namespace under its original name. Fails
// if the name was re-registered to a different id in the meantime.
func (g *Registry) Recover(ctx context.Context, id string) (string, error) {
	rev, err := g.getReverse(ctx, id)
	if err != nil {
		return "", err
	}
	if rev == nil {
		return "", shardlimit.Errorf(shardlimit.KindNotFound, "namespace id %q is not registered", id)
	}
	if rev.Status != StatusDeleted {
		return "", shardlimit.Errorf(shardlimit.KindValidation, "namespace id %q is %s, only deleted namespaces recover", id, rev.Status)
	}
	fwd, err := attributevalue.MarshalMap(forwardRecord{
		PK: registryPK(), SK: keys.NamespaceForwardSK(rev.Name),
		NamespaceID: id, Status: StatusActive, CreatedAt: rev.CreatedAt,
	})
	if err != nil {
		return "", shardlimit.Wrap(shardlimit.KindUnavailable, err, "marshal forward record")
	}
	_, err = g.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:                aws.String(g.table),
				Item:                     fwd,
				ConditionExpression:      aws.String("attribute_not_exists(#sk)"),
				ExpressionAttributeNames: map[string]string{"#sk": keys.AttrSK},
			}},
			{Update: &types.Update{
				TableName:                aws.String(g.table),
				Key:                      registryKey(keys.NamespaceReverseSK(id)),
				UpdateExpression:         aws.String("SET #st = :active REMOVE #da"),
				ConditionExpression:      aws.String("#st = :deleted"),
				ExpressionAttributeNames: map[string]string{"#st": "status", "#da": "deleted_at"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":active":  &types.AttributeValueMemberS{Value: StatusActive},
					":deleted": &types.AttributeValueMemberS{Value: StatusDeleted},
				},
			}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return "", shardlimit.Errorf(shardlimit.KindConcurrency, "name %q was re-registered, cannot recover id %q", rev.Name, id)
		}
		return "", shardlimit.Wrap(shardlimit.KindUnavailable, err, "recover namespace id %q", id)
	}
	g.log.WithFields(logrus.Fields{"name": rev.Name, "namespace": id}).Info("namespace recovered")
	return rev.Name, nil
}

// Purge permanently removes a soft-deleted namespace: every item it ever
// wrote, found by walking GSI4, then the reverse record itself. Returns the
// number of data items removed. Interrupting a purge leaves the reverse
// record as purging; re-running resumes the walk.
func (g *Registry) Purge(ctx context.Context, id string) (int, error) {
	rev, err := g.getReverse(ctx, id)
	if err != nil {
		return 0, err
	}
	if rev == nil {
		return 0, shardlimit.Errorf(shardlimit.KindNotFound, "namespace id %q is not registered", id)
	}
	if rev.Status == StatusActive {
		return 0, shardlimit.Errorf(shardlimit.KindValidation, "namespace id %q is active, delete it first", id)
	}
	if rev.Status != StatusPurging {
		if err := g.markPurging(ctx, id); err != nil {
			return 0, err
		}
	}

	deleted := 0
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(g.table),
		IndexName:                 aws.String(keys.GSI4),
		KeyConditionExpression:    aws.String("#g = :ns"),
		ExpressionAttributeNames:  map[string]string{"#g": keys.AttrGSI4PK},
		ExpressionAttributeValues: map[string]types.AttributeValue{":ns": &types.AttributeValueMemberS{Value: keys.GSI4NamespacePK(id)}},
	}
	for {
		out, err := g.client.Query(ctx, in)
		if err != nil {
			return deleted, shardlimit.Wrap(shardlimit.KindUnavailable, err, "purge walk for %q", id)
		}
		for _, item := range out.Items {
			pk, okPK := item[keys.AttrPK].(*types.AttributeValueMemberS)
			sk, okSK := item[keys.AttrSK].(*types.AttributeValueMemberS)
			if !okPK || !okSK {
				continue
			}
			_, err := g.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(g.table),
				Key:       registryKeyRaw(pk.Value, sk.Value),
			})
			if err != nil {
				return deleted, shardlimit.Wrap(shardlimit.KindUnavailable, err, "purge delete %s", pk.Value)
			}
			deleted++
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	_, err = g.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(g.table),
		Key:       registryKey(keys.NamespaceReverseSK(id)),
	})
	if err != nil {
		return deleted, shardlimit.Wrap(shardlimit.KindUnavailable, err, "remove reverse record for %q", id)
	}
	g.log.WithFields(logrus.Fields{"namespace": id, "items": deleted}).Info("namespace purged")
	return deleted, nil
}

func (g *Registry) markPurging(ctx context.Context, id string) error {
	_, err := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(g.table),
		Key:                      registryKey(keys.NamespaceReverseSK(id)),
		UpdateExpression:         aws.String("SET #st = :purging"),
		ConditionExpression:      aws.String("#st = :deleted"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":purging": &types.AttributeValueMemberS{Value: StatusPurging},
			":deleted": &types.AttributeValueMemberS{Value: StatusDeleted},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return shardlimit.Errorf(shardlimit.KindConcurrency, "namespace id %q changed concurrently", id)
		}
		return shardlimit.Wrap(shardlimit.KindUnavailable, err, "mark namespace id %q purging", id)
	}
	return nil
}

func (g *Registry) getForward(ctx context.Context, name string) (*forwardRecord, error) {
	out, err := g.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(g.table),
		Key:       registryKey(keys.NamespaceForwardSK(name)),
	})
	if err != nil {
		return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "read namespace %q", name)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec forwardRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed namespace record %q", name)
	}
	return &rec, nil
}

func (g *Registry) getReverse(ctx context.Context, id string) (*reverseRecord, error) {
	out, err := g.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(g.table),
		Key:       registryKey(keys.NamespaceReverseSK(id)),
	})
	if err != nil {
		return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "read namespace id %q", id)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec reverseRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, shardlimit.Wrap(shardlimit.KindUnavailable, err, "malformed namespace record id %q", id)
	}
	return &rec, nil
}

func registryKey(sk string) map[string]types.AttributeValue {
	return registryKeyRaw(registryPK(), sk)
}

func registryKeyRaw(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keys.AttrPK: &types.AttributeValueMemberS{Value: pk},
		keys.AttrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
