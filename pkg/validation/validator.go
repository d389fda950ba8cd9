// Package validation checks raw event records before they enter the pipeline.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// MaxClockSkew is how far in the future an event timestamp may lie.
const MaxClockSkew = 5 * time.Minute

var (
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrFutureTimestamp  = errors.New("timestamp is in the future")
)

// RequiredFields are checked in this order; the first missing one is reported.
var RequiredFields = []string{domain.FieldID, domain.FieldDeviceID, domain.FieldTimestamp}

// ValidationError describes why an event was rejected.
type ValidationError struct {
	Kind  error
	Field string
	Value interface{}
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case ErrMissingField:
		return "Missing required field: " + e.Field
	case ErrInvalidTimestamp:
		return "Invalid timestamp format"
	case ErrFutureTimestamp:
		return "Timestamp is in the future"
	}
	return fmt.Sprintf("validation failed for field %s", e.Field)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// Validator validates event records against the required fields and
// timestamp sanity rules.
type Validator struct {
	now     func() time.Time
	maxSkew time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the clock used for the future-timestamp check.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithMaxSkew overrides the clock-skew tolerance.
func WithMaxSkew(d time.Duration) Option {
	return func(v *Validator) { v.maxSkew = d }
}

// NewValidator creates a validator using the wall clock.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		now:     time.Now,
		maxSkew: MaxClockSkew,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil when the event is acceptable, or a *ValidationError.
func (v *Validator) Validate(event domain.Event) error {
	for _, field := range RequiredFields {
		if !event.Has(field) {
			return &ValidationError{Kind: ErrMissingField, Field: field}
		}
	}

	raw, ok := event[domain.FieldTimestamp].(string)
	if !ok {
		return &ValidationError{Kind: ErrInvalidTimestamp, Field: domain.FieldTimestamp, Value: event[domain.FieldTimestamp]}
	}
	ts, ok := domain.ParseTimestamp(raw)
	if !ok {
		return &ValidationError{Kind: ErrInvalidTimestamp, Field: domain.FieldTimestamp, Value: raw}
	}

	if ts.After(v.now().Add(v.maxSkew)) {
		return &ValidationError{Kind: ErrFutureTimestamp, Field: domain.FieldTimestamp, Value: raw}
	}

	return nil
}

var defaultValidator = NewValidator()

// ValidateEvent validates with the default wall-clock validator.
func ValidateEvent(event domain.Event) error {
	return defaultValidator.Validate(event)
}
