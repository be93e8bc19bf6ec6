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

// Error taxonomy. Kinds are classified once, at the store-adapter boundary,
// and matched with errors.Is against the Kind sentinels below; callers never
// inspect backing-store error types directly.
package shardlimit

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind partitions every error the limiter surfaces.
type Kind int

const (
	// KindValidation: malformed or reserved names, negative consumption,
	// missing limits at admission. Never retried.
	KindValidation Kind = iota + 1

	// KindNotFound: entity, namespace, or infrastructure item absent where
	// required.
	KindNotFound

	// KindRateLimited: one or more user limits exhausted after all retries.
	// The concrete type is *RateLimitExceeded.
	KindRateLimited

	// KindUnavailable: backing-store failure (timeout, unclassifiable
	// throttle, network) during admission.
	KindUnavailable

	// KindConcurrency: optimistic-lock contention the retry logic could not
	// resolve.
	KindConcurrency

	// KindVersion: schema version mismatch; a migration is required before
	// this table can be used.
	KindVersion
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limit_exceeded"
	case KindUnavailable:
		return "unavailable"
	case KindConcurrency:
		return "concurrency"
	case KindVersion:
		return "version"
	}
	return "unknown"
}

// Error implements error so that Kind values double as errors.Is targets:
//
//	if errors.Is(err, shardlimit.KindUnavailable) { ... }
func (k Kind) Error() string { return k.String() }

// Error is the concrete error type for every kind except rate exceedance.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, usually a store error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, KindX) match on kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Errorf builds a kinded error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying store error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// RateLimitExceeded is returned when admission fails on one or more user
// limits after shard retries and cascade compensation. It carries one status
// per user limit checked, split into violations and passed; the wcu
// infrastructure limit is filtered out before construction.
type RateLimitExceeded struct {
	// Violations holds the limits that blocked admission, in the stable
	// order they were checked.
	Violations []LimitStatus

	// Passed holds the limits that had capacity.
	Passed []LimitStatus

	// Entity and Resource identify the bucket that ran out. Under cascade
	// this is the entity whose bucket failed, which may be the parent.
	Entity   string
	Resource string
}

func (e *RateLimitExceeded) Error() string {
	p := e.Primary()
	return fmt.Sprintf("rate limit exceeded for %s/%s: %s (retry after %s)",
		e.Entity, e.Resource, p.Name, e.RetryAfter())
}

// Is makes errors.Is(err, KindRateLimited) match.
func (e *RateLimitExceeded) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == KindRateLimited
}

// Primary returns the bottleneck: the violation with the longest time to next
// token, ties broken by position.
func (e *RateLimitExceeded) Primary() LimitStatus {
	var out LimitStatus
	for i, v := range e.Violations {
		if i == 0 || v.RetryAfter > out.RetryAfter {
			out = v
		}
	}
	return out
}

// RetryAfter is the primary violation's refill wait; zero when there are no
// violations (which only happens on a mis-constructed error).
func (e *RateLimitExceeded) RetryAfter() time.Duration {
	return e.Primary().RetryAfter
}

// RetryAfterHeader renders the ceiling-rounded whole seconds used for the
// HTTP Retry-After header. Always at least "1" so clients back off.
func (e *RateLimitExceeded) RetryAfterHeader() string {
	secs := int64(math.Ceil(e.RetryAfter().Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// ResponseBody renders the error in the flat map form served as a JSON
// response body.
func (e *RateLimitExceeded) ResponseBody() map[string]any {
	status := func(s LimitStatus) map[string]any {
		return map[string]any{
			"name":                s.Name,
			"capacity":            s.Capacity,
			"remaining":           s.Remaining,
			"requested":           s.Requested,
			"retry_after_seconds": s.RetryAfterSeconds(),
		}
	}
	violations := make([]map[string]any, 0, len(e.Violations))
	for _, v := range e.Violations {
		violations = append(violations, status(v))
	}
	passed := make([]map[string]any, 0, len(e.Passed))
	for _, p := range e.Passed {
		passed = append(passed, status(p))
	}
	return map[string]any{
		"error":               KindRateLimited.String(),
		"entity":              e.Entity,
		"resource":            e.Resource,
		"violations":          violations,
		"passed":              passed,
		"primary_violation":   status(e.Primary()),
		"retry_after_seconds": e.RetryAfter().Seconds(),
	}
}
