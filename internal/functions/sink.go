package functions

import (
	"context"
	"errors"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/resilience"
)

// DocumentSink upserts documents by id. Writing the same id twice leaves one
// document holding the later content.
type DocumentSink interface {
	Upsert(ctx context.Context, doc domain.Document) error
}

// SinkFunc adapts a function to DocumentSink.
type SinkFunc func(ctx context.Context, doc domain.Document) error

// Upsert implements DocumentSink.
func (f SinkFunc) Upsert(ctx context.Context, doc domain.Document) error {
	return f(ctx, doc)
}

// RejectedRecord reports whether err came from the record itself rather
// than the store: an unusable id or a document that cannot be encoded.
func RejectedRecord(err error) bool {
	return errors.Is(err, domain.ErrInvalidID) || errors.Is(err, domain.ErrSerialization)
}

// StoreFailure is the breaker failure predicate for document sinks.
func StoreFailure(err error) bool {
	return !RejectedRecord(err)
}

// GuardedSink routes upserts through breaker so a failing store is not hit
// by every event while it is down. The breaker should use StoreFailure so
// rejected records do not open it.
func GuardedSink(sink DocumentSink, breaker *resilience.CircuitBreaker) DocumentSink {
	return SinkFunc(func(ctx context.Context, doc domain.Document) error {
		return breaker.Execute(ctx, func() error {
			return sink.Upsert(ctx, doc)
		})
	})
}
