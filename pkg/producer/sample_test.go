package producer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/validation"
)

func TestCreateSampleEvent(t *testing.T) {
	a := CreateSampleEvent("device-001")
	b := CreateSampleEvent("device-001")

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "device-001", a.DeviceID())
	assert.Equal(t, domain.EventTypeTelemetry, a.EventType())
	assert.Equal(t, a.Data(), b.Data())
	assert.Equal(t, a.Location(), b.Location())
	assert.Equal(t, DefaultRegion, a.Location()["region"])

	data := a.Data()
	temp := data["temperature"].(int)
	hum := data["humidity"].(int)
	press := data["pressure"].(int)
	assert.True(t, temp >= 20 && temp < 50)
	assert.True(t, hum >= 40 && hum < 80)
	assert.True(t, press >= 1000 && press < 1050)

	require.NoError(t, validation.ValidateEvent(a))
}

func TestCreateSampleEvent_EmptyDevice(t *testing.T) {
	ev := CreateSampleEvent("")
	assert.NotEmpty(t, ev.DeviceID())
	assert.NoError(t, validation.ValidateEvent(ev))
}

func TestSampleDeviceIDs(t *testing.T) {
	assert.Equal(t, []string{"device-001", "device-002", "device-003"}, SampleDeviceIDs(3))
	assert.Empty(t, SampleDeviceIDs(0))
}
