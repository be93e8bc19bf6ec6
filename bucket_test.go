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

import (
	"math"
	"testing"
	"time"
)

func rpmLimit() LimitMilli {
	return Limit{Name: "rpm", Capacity: 100, RefillAmount: 100, RefillPeriod: time.Minute}.Milli()
}

// TestRefillMilli_SteadyRate verifies the exact-fraction refill: 100 tokens
// per 60s is 100000 milli per 60000 ms, so every 600 ms yields 1000 milli.
func TestRefillMilli_SteadyRate(t *testing.T) {
	lim := rpmLimit()
	cases := []struct {
		elapsedMs int64
		tokens    int64
		want      int64
	}{
		{0, 50_000, 50_000},
		{600, 50_000, 51_000},
		{599, 50_000, 50_998}, // 599*100000/60000 = 998 (integer division)
		{60_000, 0, 100_000},
		{60_000, 50_000, 100_000},    // capped at burst
		{3_600_000, 1_000, 100_000},  // long idle saturates at burst
		{-500, 50_000, 50_000},       // clock skew: never a debit
		{600, -5_000, -4_000},        // debt refills through zero
		{120_000, 100_000, 100_000},  // already full
	}
	for _, c := range cases {
		got := RefillMilli(c.tokens, 1_000_000, lim, 1_000_000+c.elapsedMs)
		if got != c.want {
			t.Fatalf("RefillMilli(tokens=%d, elapsed=%dms) = %d, want %d", c.tokens, c.elapsedMs, got, c.want)
		}
	}
}

// TestRefillMilli_NoOverflow checks that a bucket idle for years with a large
// refill amount saturates at burst instead of wrapping.
func TestRefillMilli_NoOverflow(t *testing.T) {
	lim := Limit{Name: "tpm", Capacity: 1_000_000_000, RefillAmount: 1_000_000_000, RefillPeriod: time.Millisecond}.Milli()
	tenYearsMs := int64(10 * 365 * 24) * 3_600_000
	got := RefillMilli(0, 0, lim, tenYearsMs)
	if got != lim.Burst {
		t.Fatalf("long-idle refill = %d, want burst %d", got, lim.Burst)
	}
}

// TestTimeToTokens_RoundsUp verifies the retry-after contract: sleeping for
// the returned duration always finds the deficit refilled.
func TestTimeToTokens_RoundsUp(t *testing.T) {
	lim := rpmLimit()
	for _, deficit := range []int64{1, 999, 1000, 1001, 100_000} {
		d := TimeToTokens(deficit, lim)
		ms := d.Milliseconds()
		if got := mulDiv(ms, lim.RefillAmount, lim.RefillPeriod); got < deficit {
			t.Fatalf("deficit %d: after %s only %d milli refilled", deficit, d, got)
		}
	}
	if d := TimeToTokens(0, lim); d != 0 {
		t.Fatalf("zero deficit should wait 0, got %s", d)
	}
	if d := TimeToTokens(-10, lim); d != 0 {
		t.Fatalf("negative deficit should wait 0, got %s", d)
	}
}

// TestTimeToTokens_ScenarioRetryAfter mirrors the exhaustion scenario: rpm
// 100/min fully drained, next admission of 1 token must wait about 0.6s.
func TestTimeToTokens_ScenarioRetryAfter(t *testing.T) {
	lim := rpmLimit()
	d := TimeToTokens(1000, lim)
	if d < 590*time.Millisecond || d > 610*time.Millisecond {
		t.Fatalf("retry after = %s, want ~600ms", d)
	}
}

func TestTimeToFill(t *testing.T) {
	if d := TimeToFill(rpmLimit()); d != time.Minute {
		t.Fatalf("time to fill = %s, want 1m", d)
	}
	slow := Limit{Name: "daily", Capacity: 1000, RefillAmount: 1000, RefillPeriod: 24 * time.Hour}.Milli()
	if d := TimeToFill(slow); d != 24*time.Hour {
		t.Fatalf("time to fill = %s, want 24h", d)
	}
}

func TestBucketExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limits := []LimitMilli{
		rpmLimit(),
		Limit{Name: "tpm", Capacity: 600, RefillAmount: 100, RefillPeriod: time.Minute}.Milli(),
	}
	// slowest fill is tpm at 6 minutes; default multiplier 7 => 42 minutes
	want := now.Add(42 * time.Minute).Unix()
	if got := BucketExpiry(limits, now, 7); got != want {
		t.Fatalf("expiry = %d, want %d", got, want)
	}
	if got := BucketExpiry(limits, now, 0); got != 0 {
		t.Fatalf("multiplier 0 must disable expiry, got %d", got)
	}
}

func TestSharded(t *testing.T) {
	lim := rpmLimit()
	half := lim.Sharded(2)
	if half.Capacity != 50_000 || half.Burst != 50_000 || half.RefillAmount != 50_000 {
		t.Fatalf("sharded limit = %+v, want halved fields", half)
	}
	if half.RefillPeriod != lim.RefillPeriod {
		t.Fatalf("refill period must not shard: %d", half.RefillPeriod)
	}
	wcu := WCULimit().Milli()
	if got := wcu.Sharded(8); got != wcu {
		t.Fatalf("wcu must never shard: %+v", got)
	}
	if got := lim.Sharded(1); got != lim {
		t.Fatalf("shard count 1 must be identity: %+v", got)
	}
}

func TestMulDiv_Saturates(t *testing.T) {
	if got := mulDiv(math.MaxInt64, math.MaxInt64, 1); got != math.MaxInt64 {
		t.Fatalf("expected saturation, got %d", got)
	}
	if got := mulDiv(7, 3, 2); got != 10 {
		t.Fatalf("mulDiv(7,3,2) = %d, want 10", got)
	}
	// hi/rem split path: a just over the naive overflow boundary
	a := int64(math.MaxInt64/3 + 10)
	if got := mulDiv(a, 3, 3); got != a {
		t.Fatalf("mulDiv identity through split path = %d, want %d", got, a)
	}
}

func TestLimitValidate(t *testing.T) {
	good := Limit{Name: "rpm", Capacity: 10, RefillAmount: 10, RefillPeriod: time.Minute}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid limit rejected: %v", err)
	}
	bad := []Limit{
		{Name: "wcu", Capacity: 10, RefillAmount: 10, RefillPeriod: time.Minute},
		{Name: "rpm", Capacity: 0, RefillAmount: 10, RefillPeriod: time.Minute},
		{Name: "rpm", Capacity: 10, Burst: 5, RefillAmount: 10, RefillPeriod: time.Minute},
		{Name: "rpm", Capacity: 10, RefillAmount: 0, RefillPeriod: time.Minute},
		{Name: "rpm", Capacity: 10, RefillAmount: 10},
	}
	for i, l := range bad {
		if err := l.Validate(); err == nil {
			t.Fatalf("case %d: invalid limit %+v accepted", i, l)
		}
	}
}

func TestConsumeValidate(t *testing.T) {
	if err := (Consume{"rpm": 1, "tpm": 500}).Validate(); err != nil {
		t.Fatalf("valid consume rejected: %v", err)
	}
	if err := (Consume{}).Validate(); err == nil {
		t.Fatal("empty consume accepted")
	}
	if err := (Consume{"rpm": -1}).Validate(); err == nil {
		t.Fatal("negative consume accepted")
	}
	if err := (Consume{"wcu": 1}).Validate(); err == nil {
		t.Fatal("reserved wcu consume accepted")
	}
	milli := Consume{"rpm": 2}.Milli()
	if milli["rpm"] != 2000 {
		t.Fatalf("milli conversion = %d, want 2000", milli["rpm"])
	}
}
