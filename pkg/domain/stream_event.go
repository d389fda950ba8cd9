package domain

import "time"

// StreamEvent is a raw payload delivered from the stream together with its
// delivery metadata.
type StreamEvent struct {
	Body           []byte
	PartitionKey   string
	Partition      string
	SequenceNumber uint64
	EnqueuedTime   time.Time
	Offset         uint64
	Properties     map[string]string
}

// Metadata renders the delivery metadata the way it is stored on documents.
func (s StreamEvent) Metadata() map[string]interface{} {
	var enqueued interface{}
	if !s.EnqueuedTime.IsZero() {
		enqueued = FormatTimestamp(s.EnqueuedTime)
	}
	return map[string]interface{}{
		"partitionKey":   s.PartitionKey,
		"partition":      s.Partition,
		"sequenceNumber": s.SequenceNumber,
		"enqueuedTime":   enqueued,
		"offset":         s.Offset,
	}
}
