package domain

// Field names shared by events and documents.
const (
	FieldID          = "id"
	FieldDeviceID    = "deviceId"
	FieldTimestamp   = "timestamp"
	FieldEventType   = "eventType"
	FieldData        = "data"
	FieldLocation    = "location"
	FieldProcessedAt = "processedAt"
	FieldSource      = "source"
	FieldStatus      = "status"
	FieldStream      = "stream"
)

// Event types understood by the pipeline.
const (
	EventTypeTelemetry = "telemetry"
	EventTypeAlert     = "alert"
)

// Event is a raw event record as produced by devices or callers.
// The id is caller-assigned and acts as the idempotency key downstream;
// nothing in the pipeline deduplicates on it.
type Event map[string]interface{}

// ID returns the event id or "" when absent or not a string.
func (e Event) ID() string { return stringField(e, FieldID) }

// DeviceID returns the device id or "" when absent.
func (e Event) DeviceID() string { return stringField(e, FieldDeviceID) }

// EventType returns the event type or "" when absent.
func (e Event) EventType() string { return stringField(e, FieldEventType) }

// Timestamp returns the raw timestamp string or "" when absent.
func (e Event) Timestamp() string { return stringField(e, FieldTimestamp) }

// Data returns the free-form data block, never nil.
func (e Event) Data() map[string]interface{} { return mapField(e, FieldData) }

// Location returns the free-form location block, never nil.
func (e Event) Location() map[string]interface{} { return mapField(e, FieldLocation) }

// Has reports whether the key is present, regardless of its value.
func (e Event) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// StringOr returns the string stored at key, or def when it is missing or empty.
func (e Event) StringOr(key, def string) string {
	if s := stringField(e, key); s != "" {
		return s
	}
	return def
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok && v != nil {
		return v
	}
	return map[string]interface{}{}
}
