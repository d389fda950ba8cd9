// Command changefeed-lambda runs the change-feed processor on DynamoDB
// Streams records delivered to AWS Lambda.
package main

import (
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/internal/functions"
	"github.com/yairfalse/eventpipe/pkg/config"
	"github.com/yairfalse/eventpipe/pkg/integrations/dynamodb"
	"github.com/yairfalse/eventpipe/pkg/logging"
)

var (
	logger  *zap.Logger
	handler *dynamodb.StreamHandler
)

func init() {
	cfg, err := config.Load(viper.New())
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}

	logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic(err)
	}
	logger.Info("Change feed lambda: cold start")

	rules, err := functions.NewRuleSet(cfg.Rules.TemperatureThreshold, cfg.Rules.Expressions)
	if err != nil {
		logger.Fatal("Failed to compile rules", zap.Error(err))
	}
	processor, err := functions.NewChangeFeedProcessor(rules, logger)
	if err != nil {
		logger.Fatal("Failed to create processor", zap.Error(err))
	}
	handler, err = dynamodb.NewStreamHandler(processor.Handle, logger)
	if err != nil {
		logger.Fatal("Failed to create stream handler", zap.Error(err))
	}
}

func main() {
	defer logger.Sync()
	lambda.Start(handler.Handle)
}
