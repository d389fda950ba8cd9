package dynamodb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// DocumentBatchHandler processes one batch of changed documents.
type DocumentBatchHandler func(ctx context.Context, docs []domain.Document) error

// StreamHandler adapts DynamoDB Streams records delivered to Lambda into
// change-feed batches.
type StreamHandler struct {
	handler DocumentBatchHandler
	logger  *zap.Logger
}

// NewStreamHandler wraps handler.
func NewStreamHandler(handler DocumentBatchHandler, logger *zap.Logger) (*StreamHandler, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &StreamHandler{handler: handler, logger: logger}, nil
}

// Handle is the Lambda entry point. Removals are skipped. When the handler
// fails, the first record of the batch is reported so Lambda retries the
// batch from there.
func (h *StreamHandler) Handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	if len(event.Records) == 0 {
		return resp, nil
	}

	docs := make([]domain.Document, 0, len(event.Records))
	for _, record := range event.Records {
		if record.EventName == string(events.DynamoDBOperationTypeRemove) {
			continue
		}
		if len(record.Change.NewImage) == 0 {
			h.logger.Warn("Record has no new image, skipping",
				zap.String("event_id", record.EventID),
				zap.String("stream_view", record.Change.StreamViewType))
			continue
		}
		docs = append(docs, ImageToDocument(record.Change.NewImage))
	}

	h.logger.Info("Change feed batch received",
		zap.Int("records", len(event.Records)),
		zap.Int("documents", len(docs)))
	if len(docs) == 0 {
		return resp, nil
	}

	if err := h.handler(ctx, docs); err != nil {
		h.logger.Error("Change feed handler failed", zap.Error(err))
		resp.BatchItemFailures = []events.DynamoDBBatchItemFailure{
			{ItemIdentifier: event.Records[0].Change.SequenceNumber},
		}
	}
	return resp, nil
}

// ImageToDocument converts a stream image into a document. Numbers become
// float64, matching documents decoded from JSON.
func ImageToDocument(image map[string]events.DynamoDBAttributeValue) domain.Document {
	doc := make(domain.Document, len(image))
	for k, v := range image {
		doc[k] = attributeValue(v)
	}
	return doc
}

func attributeValue(v events.DynamoDBAttributeValue) interface{} {
	switch v.DataType() {
	case events.DataTypeString:
		return v.String()
	case events.DataTypeNumber:
		return number(v.Number())
	case events.DataTypeBoolean:
		return v.Boolean()
	case events.DataTypeBinary:
		return v.Binary()
	case events.DataTypeMap:
		out := make(map[string]interface{}, len(v.Map()))
		for k, item := range v.Map() {
			out[k] = attributeValue(item)
		}
		return out
	case events.DataTypeList:
		out := make([]interface{}, 0, len(v.List()))
		for _, item := range v.List() {
			out = append(out, attributeValue(item))
		}
		return out
	case events.DataTypeStringSet:
		out := make([]interface{}, 0, len(v.StringSet()))
		for _, s := range v.StringSet() {
			out = append(out, s)
		}
		return out
	case events.DataTypeNumberSet:
		out := make([]interface{}, 0, len(v.NumberSet()))
		for _, n := range v.NumberSet() {
			out = append(out, number(n))
		}
		return out
	case events.DataTypeBinarySet:
		out := make([]interface{}, 0, len(v.BinarySet()))
		for _, b := range v.BinarySet() {
			out = append(out, b)
		}
		return out
	default:
		return nil
	}
}

func number(s string) interface{} {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return f
}
