// Package dynamodb stores processed documents in a DynamoDB table and turns
// the table's stream into change-feed batches.
package dynamodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// ErrNotFound is returned by Get when no item has the id.
var ErrNotFound = errors.New("document not found")

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DocumentStore upserts documents into a table whose partition key is "id".
type DocumentStore struct {
	Client    API
	TableName string
	Logger    *zap.Logger
}

// NewDocumentStore returns a store writing to table.
func NewDocumentStore(client API, table string, logger *zap.Logger) (*DocumentStore, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is not initialized")
	}
	if table == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &DocumentStore{Client: client, TableName: table, Logger: logger}, nil
}

// Upsert replaces the item with the document's id.
func (s *DocumentStore) Upsert(ctx context.Context, doc domain.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("%w: document has no id", domain.ErrInvalidID)
	}

	item, err := attributevalue.MarshalMap(map[string]interface{}(doc))
	if err != nil {
		return fmt.Errorf("%w: failed to marshal document: %v", domain.ErrSerialization, err)
	}

	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.TableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store document %s in dynamodb: %w", id, err)
	}

	s.Logger.Debug("Document upserted", zap.String("id", id), zap.String("table", s.TableName))
	return nil
}

// Get reads the document with id.
func (s *DocumentStore) Get(ctx context.Context, id string) (domain.Document, error) {
	key, err := attributevalue.MarshalMap(map[string]string{domain.FieldID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var doc map[string]interface{}
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return domain.Document(doc), nil
}
