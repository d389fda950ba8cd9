package producer

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// DefaultRegion is the region stamped on sample events.
const DefaultRegion = "koreacentral"

// CreateSampleEvent builds a synthetic telemetry event. Readings and the
// facility are derived from a stable hash of deviceID, so they repeat for the
// same device; the id is always fresh. An empty deviceID gets a random one.
func CreateSampleEvent(deviceID string) domain.Event {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	h := deviceHash(deviceID)

	return domain.Event{
		domain.FieldID:        uuid.NewString(),
		domain.FieldDeviceID:  deviceID,
		domain.FieldTimestamp: domain.Now(),
		domain.FieldEventType: domain.EventTypeTelemetry,
		domain.FieldData: map[string]interface{}{
			"temperature": 20 + int(h%30),
			"humidity":    40 + int(h%40),
			"pressure":    1000 + int(h%50),
		},
		domain.FieldLocation: map[string]interface{}{
			"region":   DefaultRegion,
			"facility": fmt.Sprintf("facility-%d", h%5),
		},
	}
}

// SampleDeviceIDs returns device-001 .. device-n.
func SampleDeviceIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("device-%03d", i))
	}
	return ids
}

func deviceHash(deviceID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return h.Sum32()
}
