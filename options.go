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

package shardlimit

import "time"

// FailureMode selects what admission does when the backing store fails for
// infrastructure reasons. It never applies to limit exhaustion.
type FailureMode int

const (
	// FailBlock surfaces the unavailability to the caller.
	FailBlock FailureMode = iota

	// FailAllow admits the request without consuming any tokens.
	FailAllow
)

func (m FailureMode) String() string {
	if m == FailAllow {
		return "allow"
	}
	return "block"
}

// ParseFailureMode maps the config surface strings "allow"/"block".
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "allow":
		return FailAllow, nil
	case "block", "":
		return FailBlock, nil
	}
	return FailBlock, Errorf(KindValidation, "on_unavailable must be \"allow\" or \"block\", got %q", s)
}

// Options is the complete process-wide configuration of the limiter core.
// There is deliberately no other global state.
type Options struct {
	// Table is the backing DynamoDB table name.
	Table string

	// Namespace is the tenant's opaque namespace id prefixing every key.
	Namespace string

	// ConfigCacheTTL bounds staleness of resolved limit configuration.
	// Zero disables the cache entirely; the conventional default is 60s.
	ConfigCacheTTL time.Duration

	// BucketTTLMultiplier scales a default-config bucket's time-to-fill
	// into its expiry TTL. Zero disables bucket expiry; the conventional
	// default is 7.
	BucketTTLMultiplier int

	// OnUnavailable picks the failure mode for store errors during
	// admission.
	OnUnavailable FailureMode

	// DisableSpeculative forces every admission through the slow
	// transactional path. Diagnostic knob.
	DisableSpeculative bool

	// SerialCascade disables the concurrent child/parent fan-out and
	// admits cascading entities one bucket at a time.
	SerialCascade bool
}

// DefaultOptions returns the conventional production settings for a table
// and namespace.
func DefaultOptions(table, namespace string) Options {
	return Options{
		Table:               table,
		Namespace:           namespace,
		ConfigCacheTTL:      60 * time.Second,
		BucketTTLMultiplier: 7,
	}
}
