package functions

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "eventpipe.functions"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func newCounter(logger *zap.Logger, name, description string) metric.Int64Counter {
	counter, err := otel.Meter(instrumentationName).Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		logger.Warn("Failed to create counter", zap.String("counter", name), zap.Error(err))
		return nil
	}
	return counter
}
