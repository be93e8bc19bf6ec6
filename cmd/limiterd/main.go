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

// Package main runs the rate limiter as an HTTP service: one namespace, one
// DynamoDB table, the lease lifecycle exposed under /v1/ and Prometheus
// metrics on a separate listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sirupsen/logrus"

	"shardlimit"
	"shardlimit/internal/limiter/admission"
	"shardlimit/internal/limiter/api"
	"shardlimit/internal/limiter/config"
	"shardlimit/internal/limiter/namespace"
	"shardlimit/internal/limiter/store"
	"shardlimit/internal/limiter/telemetry"
)

func main() {
	// Configuration knobs. The namespace may be given directly by id, or by
	// registered name which is resolved through the registry at startup.
	table := flag.String("table", "shardlimit", "DynamoDB table name")
	nsID := flag.String("namespace", "", "Opaque namespace id (mutually exclusive with -namespace_name)")
	nsName := flag.String("namespace_name", "", "Registered namespace name, resolved via the registry")
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address (e.g., :8080)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	cacheTTL := flag.Duration("config_cache_ttl", 60*time.Second, "Resolved-config cache TTL; 0 disables the cache")
	ttlMultiplier := flag.Int("bucket_ttl_multiplier", 7, "Bucket expiry as a multiple of time-to-fill; 0 disables expiry")
	onUnavailable := flag.String("on_unavailable", "block", "Admission policy when the store is unreachable: allow or block")
	disableSpeculative := flag.Bool("disable_speculative", false, "Force every admission through the transactional slow path (diagnostic)")
	serialCascade := flag.Bool("serial_cascade", false, "Admit cascading buckets one at a time instead of in parallel")
	logLevel := flag.String("log_level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	mode, err := shardlimit.ParseFailureMode(*onUnavailable)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("load AWS configuration")
	}
	client := dynamodb.NewFromConfig(awsCfg)

	ns := *nsID
	if ns == "" && *nsName != "" {
		registry := namespace.NewRegistry(client, *table, log)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ns, err = registry.Resolve(ctx, *nsName)
		cancel()
		if err != nil {
			log.WithError(err).Fatalf("resolve namespace %q", *nsName)
		}
	}
	if ns == "" {
		log.Fatal("one of -namespace or -namespace_name is required")
	}

	opts := shardlimit.DefaultOptions(*table, ns)
	opts.ConfigCacheTTL = *cacheTTL
	opts.BucketTTLMultiplier = *ttlMultiplier
	opts.OnUnavailable = mode
	opts.DisableSpeculative = *disableSpeculative
	opts.SerialCascade = *serialCascade

	repo := store.New(client, *table, ns, log)
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = repo.EnsureSchemaVersion(ctx, "")
	cancel()
	if err != nil {
		log.WithError(err).Fatal("schema version check")
	}

	resolver := config.NewResolver(repo, opts.ConfigCacheTTL, log)
	resolver.Start()
	limiter := admission.New(repo, resolver, opts, log)
	apiServer := api.NewServer(limiter, log)

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", *httpAddr).Info("rate limiter API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: metricsMux}
		go func() {
			log.WithField("addr", *metricsAddr).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	// abandoned leases give their tokens back before the process exits
	apiServer.RollbackAll(shutdownCtx)
	resolver.Stop()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics shutdown")
		}
	}
	log.Info("stopped")
}
