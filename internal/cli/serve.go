package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/internal/functions"
	"github.com/yairfalse/eventpipe/pkg/config"
	"github.com/yairfalse/eventpipe/pkg/integrations/dynamodb"
	eventnats "github.com/yairfalse/eventpipe/pkg/integrations/nats"
	"github.com/yairfalse/eventpipe/pkg/metrics"
	"github.com/yairfalse/eventpipe/pkg/resilience"
	"github.com/yairfalse/eventpipe/pkg/validation"
)

// Trigger names bound in the registry.
const (
	streamTriggerName = "events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, stream and change-feed triggers",
	Long: `Serve hosts the pipeline's functions in one process: the HTTP triggers,
a durable stream consumer feeding the stream trigger, and, with the nats
document backend, the change-feed processor.

With the dynamodb backend the change feed runs as the changefeed-lambda
function on DynamoDB Streams instead.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := eventnats.Connect(cfg.Stream, logger)
	if err != nil {
		return err
	}
	defer nc.Drain()
	js, err := eventnats.NewJetStream(nc)
	if err != nil {
		return err
	}

	host, err := buildHost(ctx, cfg, js, logger)
	if err != nil {
		return err
	}
	return host.Run(ctx)
}

// buildHost wires every trigger from cfg onto a host. The stream is created
// when missing.
func buildHost(ctx context.Context, cfg config.Config, js jetstream.JetStream, logger *zap.Logger) (*functions.Host, error) {
	if _, err := eventnats.EnsureStream(ctx, js, cfg.Stream); err != nil {
		return nil, err
	}

	store, err := newSink(ctx, cfg, js, logger)
	if err != nil {
		return nil, err
	}
	sink := functions.GuardedSink(store, resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:         "documents",
		MaxFailures:  cfg.Documents.BreakerFailures,
		ResetTimeout: cfg.Documents.BreakerReset,
		IsFailure:    functions.StoreFailure,
		Logger:       logger,
	}))

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(metrics.NewPrometheusCollector("eventpipe", collector)); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	reg := functions.NewRegistry()

	validator := validation.NewValidator(validation.WithMaxSkew(cfg.Validation.MaxClockSkew))
	httpTriggers, err := functions.NewHTTPTriggers(sink, validator, collector, registry, logger)
	if err != nil {
		return nil, err
	}
	if err := httpTriggers.Register(reg); err != nil {
		return nil, err
	}

	streamTrigger, err := functions.NewStreamTrigger(sink, collector, logger)
	if err != nil {
		return nil, err
	}
	if err := streamTrigger.Register(reg, streamTriggerName); err != nil {
		return nil, err
	}

	host, err := functions.NewHost(functions.HostConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, reg.Router(), logger)
	if err != nil {
		return nil, err
	}

	consumer, err := eventnats.NewConsumer(ctx, js, cfg.Stream, cfg.Consumer, logger)
	if err != nil {
		return nil, err
	}
	streamHandler, _ := reg.StreamHandler(streamTriggerName)
	host.AddWorker("stream-trigger", func(ctx context.Context) error {
		return consumer.Run(ctx, eventnats.BatchHandler(streamHandler))
	})

	if cfg.Documents.Backend != config.BackendNATS {
		logger.Info("Change feed runs outside the host for this backend",
			zap.String("backend", cfg.Documents.Backend))
		return host, nil
	}

	rules, err := functions.NewRuleSet(cfg.Rules.TemperatureThreshold, cfg.Rules.Expressions)
	if err != nil {
		return nil, err
	}
	processor, err := functions.NewChangeFeedProcessor(rules, logger)
	if err != nil {
		return nil, err
	}
	if err := processor.Register(reg, cfg.ChangeFeed.Name); err != nil {
		return nil, err
	}

	feedCfg := cfg.ChangeFeed
	feedCfg.Bucket = cfg.Documents.Bucket
	if err := addChangeFeed(ctx, host, reg, js, feedCfg, logger); err != nil {
		return nil, err
	}

	if cfg.Enrichment.Enabled {
		index, err := eventnats.NewDocumentStore(ctx, js, cfg.Enrichment.IndexBucket, logger)
		if err != nil {
			return nil, err
		}
		enrichment, err := functions.NewEnrichmentProcessor(index, logger)
		if err != nil {
			return nil, err
		}
		if err := enrichment.Register(reg, cfg.Enrichment.Name); err != nil {
			return nil, err
		}
		enrichCfg := feedCfg
		enrichCfg.Name = cfg.Enrichment.Name
		enrichCfg.LeaseBucket = cfg.Enrichment.LeaseBucket
		if err := addChangeFeed(ctx, host, reg, js, enrichCfg, logger); err != nil {
			return nil, err
		}
	}

	for _, b := range reg.Bindings() {
		logger.Debug("Trigger bound", zap.String("kind", string(b.Kind)), zap.String("name", b.Name))
	}
	return host, nil
}

// addChangeFeed runs the processor registered under feedCfg.Name as a host
// worker. Each processor keeps its own checkpoint.
func addChangeFeed(ctx context.Context, host *functions.Host, reg *functions.Registry, js jetstream.JetStream, feedCfg eventnats.ChangeFeedConfig, logger *zap.Logger) error {
	handler, ok := reg.ChangeFeedHandler(feedCfg.Name)
	if !ok {
		return fmt.Errorf("no change feed processor registered as %s", feedCfg.Name)
	}
	feed, err := eventnats.NewChangeFeed(ctx, js, feedCfg, logger)
	if err != nil {
		return err
	}
	host.AddWorker("changefeed:"+feedCfg.Name, func(ctx context.Context) error {
		return feed.Run(ctx, eventnats.DocumentBatchHandler(handler))
	})
	return nil
}

func newSink(ctx context.Context, cfg config.Config, js jetstream.JetStream, logger *zap.Logger) (functions.DocumentSink, error) {
	switch cfg.Documents.Backend {
	case config.BackendNATS:
		return eventnats.NewDocumentStore(ctx, js, cfg.Documents.Bucket, logger)
	case config.BackendDynamoDB:
		client, err := dynamodb.NewClient(ctx, cfg.Documents.DynamoDB)
		if err != nil {
			return nil, err
		}
		return dynamodb.NewDocumentStore(client, cfg.Documents.DynamoDB.Table, logger)
	}
	return nil, fmt.Errorf("unknown document backend %q", cfg.Documents.Backend)
}
