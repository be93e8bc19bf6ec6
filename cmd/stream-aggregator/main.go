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

// Package main is the Lambda entrypoint consuming the table's change stream.
// One deployment serves one (table, namespace) pair, configured through the
// environment; the handler itself is in internal/limiter/aggregator.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sirupsen/logrus"

	"shardlimit/internal/limiter/aggregator"
	"shardlimit/internal/limiter/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	table := os.Getenv("SHARDLIMIT_TABLE")
	ns := os.Getenv("SHARDLIMIT_NAMESPACE")
	if table == "" || ns == "" {
		log.Fatal("SHARDLIMIT_TABLE and SHARDLIMIT_NAMESPACE are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("load AWS configuration")
	}

	repo := store.New(dynamodb.NewFromConfig(awsCfg), table, ns, log)
	handler := aggregator.New(repo, nil, log)

	lambda.Start(func(ctx context.Context, ev events.DynamoDBEvent) error {
		res := handler.HandleBatch(ctx, ev)
		log.WithFields(logrus.Fields{
			"records":   res.Records,
			"refills":   res.Refills,
			"doublings": res.Doublings,
			"snapshots": res.Snapshots,
			"errors":    len(res.Errors),
		}).Info("batch processed")
		// surfacing the error makes the runtime redeliver the batch
		return errors.Join(res.Errors...)
	})
}
