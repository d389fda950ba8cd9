package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSerialization marks a record that could not be encoded or decoded.
var ErrSerialization = errors.New("serialization failed")

// EncodeJSON marshals v, wrapping failures in ErrSerialization.
func EncodeJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// DecodeEvent unmarshals a JSON object into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrSerialization)
	}
	return ev, nil
}

// DecodeDocument unmarshals a JSON object into a Document.
func DecodeDocument(data []byte) (Document, error) {
	ev, err := DecodeEvent(data)
	if err != nil {
		return nil, err
	}
	return Document(ev), nil
}
