package functions

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// Index entry fields written by the enrichment processor.
const (
	FieldFields    = "fields"
	FieldIndexedAt = "indexedAt"
)

// EnrichmentProcessor is a second change-feed consumer. It keeps its own
// checkpoint and writes a search index entry for every changed document.
type EnrichmentProcessor struct {
	index  DocumentSink
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	indexedTotal metric.Int64Counter
	indexed      atomic.Int64
	failed       atomic.Int64
}

// NewEnrichmentProcessor creates a processor writing entries to index.
func NewEnrichmentProcessor(index DocumentSink, logger *zap.Logger) (*EnrichmentProcessor, error) {
	if index == nil {
		return nil, fmt.Errorf("index sink cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &EnrichmentProcessor{
		index:        index,
		logger:       logger,
		tracer:       tracer(),
		now:          func() time.Time { return time.Now().UTC() },
		indexedTotal: newCounter(logger, "enrichment_documents_indexed_total", "Documents written to the search index"),
	}, nil
}

// Register binds the processor under name.
func (p *EnrichmentProcessor) Register(r *Registry, name string) error {
	return r.ChangeFeed(name, p.Handle)
}

// Handle indexes one batch. Failures are logged per document and never fail
// the batch.
func (p *EnrichmentProcessor) Handle(ctx context.Context, docs []domain.Document) error {
	ctx, span := p.tracer.Start(ctx, "functions.enrichment",
		trace.WithAttributes(attribute.Int("documents", len(docs))))
	defer span.End()

	if len(docs) == 0 {
		return nil
	}
	p.logger.Info("Enrichment triggered", zap.Int("documents", len(docs)))

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := indexEntry(doc, p.now())
		if err := p.index.Upsert(ctx, entry); err != nil {
			p.failed.Add(1)
			p.logger.Error("Enrichment error", zap.String("id", doc.ID()), zap.Error(err))
			continue
		}
		p.indexed.Add(1)
		if p.indexedTotal != nil {
			p.indexedTotal.Add(ctx, 1)
		}
		p.logger.Debug("Document indexed", zap.String("id", doc.ID()))
	}
	return nil
}

// Indexed returns how many index entries were written.
func (p *EnrichmentProcessor) Indexed() int64 { return p.indexed.Load() }

// Failed returns how many documents could not be indexed.
func (p *EnrichmentProcessor) Failed() int64 { return p.failed.Load() }

// indexEntry keeps the lookup fields of doc plus the sorted names of its
// data fields.
func indexEntry(doc domain.Document, now time.Time) domain.Document {
	data := doc.Data()
	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	return domain.Document{
		domain.FieldID:        doc[domain.FieldID],
		domain.FieldDeviceID:  stringOr(doc.DeviceID(), "unknown"),
		domain.FieldEventType: stringOr(doc.EventType(), "unknown"),
		domain.FieldTimestamp: doc[domain.FieldTimestamp],
		FieldFields:           fields,
		FieldIndexedAt:        domain.FormatTimestamp(now),
	}
}
