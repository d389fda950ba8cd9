package functions

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// ChangeFeedProcessor reacts to documents written to the store.
type ChangeFeedProcessor struct {
	rules  *RuleSet
	logger *zap.Logger
	tracer trace.Tracer

	ruleMatches metric.Int64Counter
	matched     atomic.Int64
	processed   atomic.Int64
}

// NewChangeFeedProcessor creates a processor evaluating rules.
func NewChangeFeedProcessor(rules *RuleSet, logger *zap.Logger) (*ChangeFeedProcessor, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule set cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &ChangeFeedProcessor{
		rules:       rules,
		logger:      logger,
		tracer:      tracer(),
		ruleMatches: newCounter(logger, "changefeed_rule_matches_total", "Documents matching a change-feed rule"),
	}, nil
}

// Register binds the processor under name.
func (p *ChangeFeedProcessor) Register(r *Registry, name string) error {
	return r.ChangeFeed(name, p.Handle)
}

// Handle processes one batch. Errors on single documents are logged and do
// not stop the batch.
func (p *ChangeFeedProcessor) Handle(ctx context.Context, docs []domain.Document) error {
	ctx, span := p.tracer.Start(ctx, "functions.changefeed",
		trace.WithAttributes(attribute.Int("documents", len(docs))))
	defer span.End()

	if len(docs) == 0 {
		p.logger.Warn("Change feed trigger called with no documents")
		return nil
	}
	p.logger.Info("Change feed triggered", zap.Int("documents", len(docs)))

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.processed.Add(1)

		eventType := doc.EventType()
		p.logger.Info("Change detected",
			zap.String("id", stringOr(doc.ID(), "unknown")),
			zap.String("device_id", stringOr(doc.DeviceID(), "unknown")),
			zap.String("event_type", stringOr(eventType, "unknown")))

		switch eventType {
		case domain.EventTypeTelemetry:
			p.evaluate(ctx, doc)
		case domain.EventTypeAlert:
			data := doc.Data()
			p.logger.Warn("Alert received",
				zap.String("id", doc.ID()),
				zap.String("device_id", doc.DeviceID()),
				zap.Any("level", data["level"]),
				zap.Any("message", data["message"]))
		default:
			p.logger.Debug("Unhandled event type", zap.String("event_type", eventType))
		}
	}
	return nil
}

func (p *ChangeFeedProcessor) evaluate(ctx context.Context, doc domain.Document) {
	matched, err := p.rules.Evaluate(doc)
	if err != nil {
		p.logger.Error("Error processing document change", zap.String("id", doc.ID()), zap.Error(err))
	}
	for _, rule := range matched {
		p.matched.Add(1)
		if p.ruleMatches != nil {
			p.ruleMatches.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
		}
		if rule == TemperatureRule {
			p.logger.Warn("Temperature threshold exceeded",
				zap.Any("temperature", doc.Data()["temperature"]),
				zap.Float64("threshold", p.rules.Threshold()),
				zap.String("device_id", doc.DeviceID()))
			continue
		}
		p.logger.Warn("Rule matched", zap.String("rule", rule), zap.String("id", doc.ID()))
	}
}

// Matched returns how many rule matches the processor has seen.
func (p *ChangeFeedProcessor) Matched() int64 { return p.matched.Load() }

// Processed returns how many documents the processor has seen.
func (p *ChangeFeedProcessor) Processed() int64 { return p.processed.Load() }

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
