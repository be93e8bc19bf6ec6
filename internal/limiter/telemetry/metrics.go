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

// Package telemetry exposes the limiter's Prometheus metrics. Labels are
// bounded enums (paths, outcomes, failure reasons); entity and resource names
// never become labels.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission paths.
const (
	PathSpeculative = "speculative"
	PathSlow        = "slow"
	PathRetry       = "retry"
)

// Admission outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Config cache results.
const (
	CacheHit         = "hit"
	CacheMiss        = "miss"
	CacheNegativeHit = "negative_hit"
)

var (
	admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardlimit_admissions_total",
		Help: "Admission attempts by resolution path and outcome",
	}, []string{"path", "outcome"})
	admissionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shardlimit_admission_seconds",
		Help:    "End-to-end admission latency including cascade and retries",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
	speculativeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardlimit_speculative_failures_total",
		Help: "Speculative conditional-write failures by classified reason",
	}, []string{"reason"})
	shardDoublingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlimit_shard_doublings_total",
		Help: "Times a bucket's shard count was doubled (reactive and proactive)",
	})
	configCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardlimit_config_cache_total",
		Help: "Config resolver cache lookups by result",
	}, []string{"result"})
	adjustErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlimit_adjust_errors_total",
		Help: "Adjust and rollback writes that failed and were swallowed",
	})
	aggregatorRefillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlimit_aggregator_refills_total",
		Help: "Proactive refill writes applied by the stream aggregator",
	})
	aggregatorRecordsPerBatch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shardlimit_aggregator_records_per_batch",
		Help:    "Distribution of bucket change records per stream batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	usageSnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlimit_usage_snapshots_total",
		Help: "Usage snapshot rows written by the stream aggregator",
	})
	failOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlimit_fail_open_total",
		Help: "Admissions allowed only because the store was unavailable",
	})
)

func init() {
	prometheus.MustRegister(
		admissionsTotal, admissionSeconds, speculativeFailuresTotal,
		shardDoublingsTotal, configCacheTotal, adjustErrorsTotal,
		aggregatorRefillsTotal, aggregatorRecordsPerBatch,
		usageSnapshotsTotal, failOpenTotal,
	)
}

// ObserveAdmission records one finished admission attempt.
func ObserveAdmission(path, outcome string, elapsed time.Duration) {
	admissionsTotal.WithLabelValues(path, outcome).Inc()
	admissionSeconds.Observe(elapsed.Seconds())
}

// ObserveSpeculativeFailure records a classified conditional failure.
func ObserveSpeculativeFailure(reason string) {
	speculativeFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveShardDoubling records one shard-count doubling.
func ObserveShardDoubling() { shardDoublingsTotal.Inc() }

// ObserveConfigCache records one resolver cache lookup.
func ObserveConfigCache(result string) {
	configCacheTotal.WithLabelValues(result).Inc()
}

// ObserveAdjustError counts a swallowed adjust or rollback failure.
func ObserveAdjustError() { adjustErrorsTotal.Inc() }

// ObserveAggregatorBatch records one processed stream batch.
func ObserveAggregatorBatch(records, refills, snapshots int) {
	if records > 0 {
		aggregatorRecordsPerBatch.Observe(float64(records))
	}
	if refills > 0 {
		aggregatorRefillsTotal.Add(float64(refills))
	}
	if snapshots > 0 {
		usageSnapshotsTotal.Add(float64(snapshots))
	}
}

// ObserveFailOpen counts an admission allowed on store outage.
func ObserveFailOpen() { failOpenTotal.Inc() }

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }
