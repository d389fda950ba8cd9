package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	return NewValidator(WithClock(func() time.Time { return fixedNow }))
}

func TestValidate_MissingFieldOrder(t *testing.T) {
	tests := []struct {
		name  string
		event domain.Event
		field string
	}{
		{"empty event", domain.Event{}, "id"},
		{"only timestamp", domain.Event{"timestamp": "2024-06-01T11:00:00Z"}, "id"},
		{"missing device and timestamp", domain.Event{"id": "a"}, "deviceId"},
		{"missing timestamp", domain.Event{"id": "a", "deviceId": "d"}, "timestamp"},
		{"nil valued id still present", domain.Event{"id": nil, "timestamp": "x"}, "deviceId"},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingField))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, "Missing required field: "+tt.field, err.Error())
		})
	}
}

func TestValidate_Timestamps(t *testing.T) {
	tests := []struct {
		name      string
		timestamp interface{}
		wantErr   error
	}{
		{"past with Z", "2024-06-01T11:00:00Z", nil},
		{"naive now", "2024-06-01T12:00:00", nil},
		{"within skew", "2024-06-01T12:04:59Z", nil},
		{"exactly at skew", "2024-06-01T12:05:00Z", nil},
		{"beyond skew", "2024-06-01T12:05:01Z", ErrFutureTimestamp},
		{"far future", "2030-01-01T00:00:00Z", ErrFutureTimestamp},
		{"not iso", "06/01/2024", ErrInvalidTimestamp},
		{"not a string", 1717243200, ErrInvalidTimestamp},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(domain.Event{"id": "a", "deviceId": "d", "timestamp": tt.timestamp})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_Messages(t *testing.T) {
	v := newTestValidator()

	err := v.Validate(domain.Event{"id": "a", "deviceId": "d", "timestamp": "nope"})
	assert.EqualError(t, err, "Invalid timestamp format")

	err = v.Validate(domain.Event{"id": "a", "deviceId": "d", "timestamp": "2099-01-01T00:00:00"})
	assert.EqualError(t, err, "Timestamp is in the future")
}

func TestValidateEvent_WallClock(t *testing.T) {
	ev := domain.Event{"id": "a", "deviceId": "d", "timestamp": domain.Now()}
	assert.NoError(t, ValidateEvent(ev))

	ev["timestamp"] = domain.FormatTimestamp(time.Now().Add(10 * time.Minute))
	assert.ErrorIs(t, ValidateEvent(ev), ErrFutureTimestamp)
}
