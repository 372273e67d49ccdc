// Command tally-stream is an AWS Lambda function that maintains aggregate
// caches from DynamoDB stream events of child tables.
//
// Environment:
//
//	TALLY_CONFIG  path to the YAML configuration (default "tally.yaml")
//	LOG_LEVEL     debug, info, warn or error (default "info")
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/tally/aggregate"
	"github.com/jacentio/tally/store"
	"github.com/jacentio/tally/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))

	handler, err := setup(context.Background(), logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	lambda.Start(handler.HandleAggregates)
}

func setup(ctx context.Context, logger *slog.Logger) (*stream.Handler, error) {
	path := os.Getenv("TALLY_CONFIG")
	if path == "" {
		path = "tally.yaml"
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	rels, rules, err := cfg.registries()
	if err != nil {
		logger.Warn("invalid aggregate rules skipped", "error", err)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	st := store.New(dynamodb.NewFromConfig(awsCfg), cfg.storeConfig())

	hooks, err := aggregate.New(ctx, aggregate.Config{
		Rules:  rules,
		Schema: rels,
		Store:  st,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("aggregate stream handler ready",
		"config", path,
		"childTypes", rules.ChildTypes(),
	)
	return stream.NewHandler(hooks, cfg.tableTypes(), logger), nil
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
