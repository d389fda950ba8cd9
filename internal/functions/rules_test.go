package functions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

func telemetry(id string, data map[string]interface{}) domain.Document {
	return domain.Document{
		domain.FieldID:        id,
		domain.FieldDeviceID:  "device-001",
		domain.FieldEventType: domain.EventTypeTelemetry,
		domain.FieldData:      data,
	}
}

func TestRuleSet_Temperature(t *testing.T) {
	rs, err := NewRuleSet(DefaultTemperatureThreshold, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{TemperatureRule}, rs.Names())

	tests := []struct {
		name  string
		doc   domain.Document
		match bool
	}{
		{name: "float above", doc: telemetry("a", map[string]interface{}{"temperature": 40.5}), match: true},
		{name: "int above", doc: telemetry("b", map[string]interface{}{"temperature": int64(41)}), match: true},
		{name: "at threshold", doc: telemetry("c", map[string]interface{}{"temperature": 40.0}), match: false},
		{name: "below", doc: telemetry("d", map[string]interface{}{"temperature": 22.5}), match: false},
		{name: "no temperature", doc: telemetry("e", map[string]interface{}{"humidity": 90.0}), match: false},
		{name: "no data", doc: domain.Document{domain.FieldEventType: domain.EventTypeTelemetry}, match: false},
		{name: "alert", doc: domain.Document{
			domain.FieldEventType: domain.EventTypeAlert,
			domain.FieldData:      map[string]interface{}{"temperature": 99.0},
		}, match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := rs.Evaluate(tt.doc)
			require.NoError(t, err)
			if tt.match {
				assert.Equal(t, []string{TemperatureRule}, matched)
			} else {
				assert.Empty(t, matched)
			}
		})
	}
}

func TestRuleSet_Extra(t *testing.T) {
	rs, err := NewRuleSet(30, map[string]string{
		"low_battery": `"battery" in data && data.battery < 10`,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"low_battery", TemperatureRule}, rs.Names())
	assert.Equal(t, 30.0, rs.Threshold())

	matched, err := rs.Evaluate(telemetry("a", map[string]interface{}{"temperature": 35.0, "battery": 5.0}))
	require.NoError(t, err)
	assert.Equal(t, []string{"low_battery", TemperatureRule}, matched)
}

func TestRuleSet_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		extra map[string]string
	}{
		{name: "reserved name", extra: map[string]string{TemperatureRule: "true"}},
		{name: "syntax", extra: map[string]string{"broken": "data.temperature >"}},
		{name: "not bool", extra: map[string]string{"number": "1 + 2"}},
		{name: "empty", extra: map[string]string{"blank": "  "}},
		{name: "unknown variable", extra: map[string]string{"unknown": "device == 1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleSet(DefaultTemperatureThreshold, tt.extra)
			assert.Error(t, err)
		})
	}
}

func TestChangeFeedProcessor(t *testing.T) {
	rs, err := NewRuleSet(DefaultTemperatureThreshold, nil)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	p, err := NewChangeFeedProcessor(rs, zap.New(core))
	require.NoError(t, err)

	docs := []domain.Document{
		telemetry("hot", map[string]interface{}{"temperature": 45.2}),
		telemetry("cool", map[string]interface{}{"temperature": 21.0}),
		{
			domain.FieldID:        "alert-1",
			domain.FieldDeviceID:  "device-002",
			domain.FieldEventType: domain.EventTypeAlert,
			domain.FieldData:      map[string]interface{}{"level": "high", "message": "door open"},
		},
		{domain.FieldID: "misc", domain.FieldEventType: "heartbeat"},
	}
	require.NoError(t, p.Handle(context.Background(), docs))

	assert.Equal(t, int64(4), p.Processed())
	assert.Equal(t, int64(1), p.Matched())

	exceeded := logs.FilterMessage("Temperature threshold exceeded").All()
	require.Len(t, exceeded, 1)
	assert.Equal(t, "device-001", exceeded[0].ContextMap()["device_id"])
	assert.Equal(t, 45.2, exceeded[0].ContextMap()["temperature"])

	alerts := logs.FilterMessage("Alert received").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, "door open", alerts[0].ContextMap()["message"])

	assert.Equal(t, 1, logs.FilterMessage("Unhandled event type").Len())
	assert.Equal(t, 4, logs.FilterMessage("Change detected").Len())
}

func TestChangeFeedProcessor_Empty(t *testing.T) {
	rs, err := NewRuleSet(DefaultTemperatureThreshold, nil)
	require.NoError(t, err)
	core, logs := observer.New(zapcore.DebugLevel)
	p, err := NewChangeFeedProcessor(rs, zap.New(core))
	require.NoError(t, err)

	require.NoError(t, p.Handle(context.Background(), nil))
	assert.Equal(t, 1, logs.FilterMessage("Change feed trigger called with no documents").Len())
	assert.Equal(t, int64(0), p.Processed())

	_, err = NewChangeFeedProcessor(nil, zap.New(core))
	assert.Error(t, err)
}
