package nats

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

var (
	// ErrInvalidKey is returned for document ids that are not valid bucket keys.
	ErrInvalidKey = fmt.Errorf("%w: not a valid bucket key", domain.ErrInvalidID)
	// ErrNotFound is returned by Get when no document has the id.
	ErrNotFound = errors.New("document not found")
)

var validKey = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)

// ValidKey reports whether id can be used as a bucket key.
func ValidKey(id string) bool {
	return validKey.MatchString(id) && id[0] != '.' && id[len(id)-1] != '.'
}

// DocumentStore upserts documents into a key-value bucket keyed by id.
type DocumentStore struct {
	kv     jetstream.KeyValue
	logger *zap.Logger
}

// NewDocumentStore opens or creates bucket.
func NewDocumentStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *zap.Logger) (*DocumentStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	kv, err := EnsureKeyValue(ctx, js, bucket, jetstream.FileStorage)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{kv: kv, logger: logger}, nil
}

// Upsert writes doc under its id, replacing any earlier version.
func (s *DocumentStore) Upsert(ctx context.Context, doc domain.Document) error {
	id := doc.ID()
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}

	data, err := domain.EncodeJSON(doc)
	if err != nil {
		return err
	}
	rev, err := s.kv.Put(ctx, id, data)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", id, err)
	}

	s.logger.Debug("Document upserted", zap.String("id", id), zap.Uint64("revision", rev))
	return nil
}

// Get returns the latest version of the document with id.
func (s *DocumentStore) Get(ctx context.Context, id string) (domain.Document, error) {
	if !ValidKey(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return domain.DecodeDocument(entry.Value())
}

// Bucket returns the underlying bucket name.
func (s *DocumentStore) Bucket() string {
	return s.kv.Bucket()
}
