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

// Package storetest provides an in-process DynamoDB fake implementing the
// repository's client interface with real conditional-write semantics for
// the expression grammar this codebase generates: conjunctions of
// attribute_exists / attribute_not_exists / comparisons with one
// parenthesized OR level, and SET/ADD/REMOVE update clauses. Tests exercise
// admission and aggregation against it instead of mocking call sequences.
package storetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// Fake is a single-table in-memory store. Safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	items map[string]item

	// FailNext errors are consumed one per write call, in order. Use to
	// inject throttling or outage errors.
	failures []error

	// Calls counts operations by name ("UpdateItem", ...).
	Calls map[string]int
}

// New returns an empty fake table.
func New() *Fake {
	return &Fake{items: map[string]item{}, Calls: map[string]int{}}
}

// FailNext queues an error returned by the next write operation.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

func (f *Fake) takeFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func ikey(it item) string {
	pk, _ := it["PK"].(*types.AttributeValueMemberS)
	sk, _ := it["SK"].(*types.AttributeValueMemberS)
	if pk == nil || sk == nil {
		return ""
	}
	return pk.Value + "\x00" + sk.Value
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Item returns a copy of the stored item, nil when absent.
func (f *Fake) Item(pk, sk string) item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyItem(f.items[pk+"\x00"+sk])
}

// SeedItem stores an item directly, bypassing conditions.
func (f *Fake) SeedItem(it item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[ikey(it)] = copyItem(it)
}

// Len reports the number of stored items.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// NumAttr reads a numeric attribute of a stored item; 0 when absent.
func (f *Fake) NumAttr(pk, sk, attr string) int64 {
	it := f.Item(pk, sk)
	if it == nil {
		return 0
	}
	n, ok := it[attr].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

// --- expression evaluation ---

func resolveName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

func numValue(av types.AttributeValue) (int64, bool) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	return v, err == nil
}

// splitTop splits s on sep at parenthesis depth zero.
func splitTop(s, sep string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func evalPredicate(pred string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	pred = strings.TrimSpace(pred)
	for strings.HasPrefix(pred, "(") && strings.HasSuffix(pred, ")") && balanced(pred[1:len(pred)-1]) {
		pred = strings.TrimSpace(pred[1 : len(pred)-1])
	}
	if ors := splitTop(pred, " OR "); len(ors) > 1 {
		for _, alt := range ors {
			ok, err := evalPredicate(alt, it, names, values)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if ands := splitTop(pred, " AND "); len(ands) > 1 {
		for _, c := range ands {
			ok, err := evalPredicate(c, it, names, values)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	}
	switch {
	case strings.HasPrefix(pred, "attribute_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(pred, "attribute_exists("), ")"), names)
		if it == nil {
			return false, nil
		}
		_, ok := it[attr]
		return ok, nil
	case strings.HasPrefix(pred, "attribute_not_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(pred, "attribute_not_exists("), ")"), names)
		if it == nil {
			return true, nil
		}
		_, ok := it[attr]
		return !ok, nil
	case strings.HasPrefix(pred, "begins_with("):
		inner := strings.TrimSuffix(strings.TrimPrefix(pred, "begins_with("), ")")
		parts := strings.SplitN(inner, ",", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("bad begins_with: %q", pred)
		}
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		val, ok := values[strings.TrimSpace(parts[1])].(*types.AttributeValueMemberS)
		if !ok {
			return false, fmt.Errorf("begins_with needs a string value: %q", pred)
		}
		got, ok := it[attr].(*types.AttributeValueMemberS)
		return ok && strings.HasPrefix(got.Value, val.Value), nil
	}
	for _, op := range []string{">=", "<=", "<>", "=", "<", ">"} {
		if i := strings.Index(pred, " "+op+" "); i >= 0 {
			attr := resolveName(strings.TrimSpace(pred[:i]), names)
			ref := strings.TrimSpace(pred[i+len(op)+2:])
			want, ok := values[ref]
			if !ok {
				return false, fmt.Errorf("unbound value %q in %q", ref, pred)
			}
			if it == nil {
				return false, nil
			}
			have, ok := it[attr]
			if !ok {
				return false, nil
			}
			if hs, ok := have.(*types.AttributeValueMemberS); ok {
				ws, wok := want.(*types.AttributeValueMemberS)
				if !wok {
					return false, nil
				}
				return compare(strings.Compare(hs.Value, ws.Value), op), nil
			}
			hn, hok := numValue(have)
			wn, wok := numValue(want)
			if !hok || !wok {
				return false, nil
			}
			switch {
			case hn < wn:
				return compare(-1, op), nil
			case hn > wn:
				return compare(1, op), nil
			default:
				return compare(0, op), nil
			}
		}
	}
	return false, fmt.Errorf("unsupported predicate %q", pred)
}

func compare(c int, op string) bool {
	switch op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func balanced(s string) bool {
	depth := 0
	for _, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// applyUpdate mutates a copy of it per the SET/ADD/REMOVE clauses.
func applyUpdate(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (item, error) {
	out := copyItem(it)
	if out == nil {
		out = item{}
	}
	type section struct{ kw, body string }
	var sections []section
	rest := expr
	for rest != "" {
		rest = strings.TrimSpace(rest)
		var kw string
		for _, k := range []string{"SET ", "ADD ", "REMOVE "} {
			if strings.HasPrefix(rest, k) {
				kw = strings.TrimSpace(k)
				rest = rest[len(k):]
				break
			}
		}
		if kw == "" {
			return nil, fmt.Errorf("bad update expression near %q", rest)
		}
		end := len(rest)
		for _, k := range []string{" SET ", " ADD ", " REMOVE "} {
			if i := strings.Index(rest, k); i >= 0 && i < end {
				end = i
			}
		}
		sections = append(sections, section{kw, rest[:end]})
		rest = rest[end:]
	}
	for _, sec := range sections {
		for _, clause := range splitTop(sec.body, ",") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			switch sec.kw {
			case "SET":
				parts := strings.SplitN(clause, "=", 2)
				if len(parts) != 2 {
					return nil, fmt.Errorf("bad SET clause %q", clause)
				}
				attr := resolveName(strings.TrimSpace(parts[0]), names)
				ref := strings.TrimSpace(parts[1])
				v, ok := values[ref]
				if !ok {
					return nil, fmt.Errorf("unbound value %q", ref)
				}
				out[attr] = v
			case "ADD":
				fields := strings.Fields(clause)
				if len(fields) != 2 {
					return nil, fmt.Errorf("bad ADD clause %q", clause)
				}
				attr := resolveName(fields[0], names)
				delta, ok := numValue(values[fields[1]])
				if !ok {
					return nil, fmt.Errorf("ADD needs a numeric value: %q", clause)
				}
				cur := int64(0)
				if have, ok := out[attr]; ok {
					if cur, ok = numValue(have); !ok {
						return nil, fmt.Errorf("ADD to non-number %q", attr)
					}
				}
				out[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+delta, 10)}
			case "REMOVE":
				delete(out, resolveName(clause, names))
			}
		}
	}
	return out, nil
}

// --- Client methods ---

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["GetItem"]++
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[ikey(in.Key)])}, nil
}

func (f *Fake) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["BatchGetItem"]++
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]item{}}
	for table, req := range in.RequestItems {
		for _, k := range req.Keys {
			if it, ok := f.items[ikey(k)]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(it))
			}
		}
	}
	return out, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["PutItem"]++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	key := ikey(in.Item)
	cur := f.items[key]
	if in.ConditionExpression != nil {
		ok, err := evalPredicate(*in.ConditionExpression, cur, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Item: copyItem(cur)}
		}
	}
	f.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["UpdateItem"]++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	key := ikey(in.Key)
	cur := f.items[key]
	if in.ConditionExpression != nil {
		ok, err := evalPredicate(*in.ConditionExpression, cur, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			ex := &types.ConditionalCheckFailedException{}
			if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				ex.Item = copyItem(cur)
			}
			return nil, ex
		}
	}
	updated, err := applyUpdate(*in.UpdateExpression, cur, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	// an update against a missing key materializes the key attributes
	for k, v := range in.Key {
		if _, ok := updated[k]; !ok {
			updated[k] = v
		}
	}
	f.items[key] = updated
	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(updated)
	} else if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = copyItem(cur)
	}
	return out, nil
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DeleteItem"]++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	delete(f.items, ikey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *Fake) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["TransactWriteItems"]++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	type staged struct {
		key string
		it  item // nil means delete
	}
	var stage []staged
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	none := "None"
	ccf := "ConditionalCheckFailed"
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: &none}
		switch {
		case ti.Put != nil:
			key := ikey(ti.Put.Item)
			cur := f.items[key]
			if ti.Put.ConditionExpression != nil {
				ok, err := evalPredicate(*ti.Put.ConditionExpression, cur, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues)
				if err != nil {
					return nil, err
				}
				if !ok {
					reasons[i] = types.CancellationReason{Code: &ccf, Item: copyItem(cur)}
					failed = true
					continue
				}
			}
			stage = append(stage, staged{key, copyItem(ti.Put.Item)})
		case ti.Update != nil:
			key := ikey(ti.Update.Key)
			cur := f.items[key]
			if ti.Update.ConditionExpression != nil {
				ok, err := evalPredicate(*ti.Update.ConditionExpression, cur, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
				if err != nil {
					return nil, err
				}
				if !ok {
					reasons[i] = types.CancellationReason{Code: &ccf, Item: copyItem(cur)}
					failed = true
					continue
				}
			}
			updated, err := applyUpdate(*ti.Update.UpdateExpression, cur, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			for k, v := range ti.Update.Key {
				if _, ok := updated[k]; !ok {
					updated[k] = v
				}
			}
			stage = append(stage, staged{key, updated})
		case ti.Delete != nil:
			stage = append(stage, staged{ikey(ti.Delete.Key), nil})
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}
	for _, s := range stage {
		if s.it == nil {
			delete(f.items, s.key)
		} else {
			f.items[s.key] = s.it
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Query supports the equality and begins_with key conditions the repository
// issues against the GSIs, by scanning the table and matching projected
// attributes.
func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["Query"]++
	out := &dynamodb.QueryOutput{}
	for _, it := range f.items {
		ok, err := evalPredicate(*in.KeyConditionExpression, it, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, copyItem(it))
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}
