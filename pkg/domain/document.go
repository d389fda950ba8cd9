package domain

import "errors"

// ErrInvalidID marks a document whose id the store cannot use as a key.
var ErrInvalidID = errors.New("invalid document id")

// Document is a record as persisted in the document store.
// It carries the event fields plus processing metadata.
type Document map[string]interface{}

// Source values recorded on documents.
const (
	SourceHTTPTrigger   = "http-trigger"
	SourceStreamTrigger = "stream-trigger"
	StatusProcessed     = "processed"
)

// ID returns the document id, the upsert key.
func (d Document) ID() string { return stringField(d, FieldID) }

// DeviceID returns the device id or "" when absent.
func (d Document) DeviceID() string { return stringField(d, FieldDeviceID) }

// EventType returns the event type or "" when absent.
func (d Document) EventType() string { return stringField(d, FieldEventType) }

// Data returns the data block, never nil.
func (d Document) Data() map[string]interface{} { return mapField(d, FieldData) }
