// Package metrics holds the in-memory counters used to observe a pipeline run.
package metrics

import (
	"sync"
)

// Counter names.
const (
	EventsSent      = "events_sent"
	EventsReceived  = "events_received"
	EventsProcessed = "events_processed"
	EventsFailed    = "events_failed"
	TotalLatencyMs  = "total_latency_ms"

	AverageLatencyMs = "average_latency_ms"
	SuccessRate      = "success_rate"
)

// Collector accumulates counters for one run or test context.
type Collector struct {
	mu             sync.Mutex
	counts         map[string]int64
	totalLatencyMs float64
}

// NewCollector returns a collector with every counter at zero.
func NewCollector() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

// Increment adds amount to the named counter. Unknown names are ignored.
// total_latency_ms keeps fractions; event counters drop them.
func (c *Collector) Increment(name string, amount float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == TotalLatencyMs {
		c.totalLatencyMs += amount
		return
	}
	if _, ok := c.counts[name]; ok {
		c.counts[name] += int64(amount)
	}
}

// Inc adds one to the named counter.
func (c *Collector) Inc(name string) {
	c.Increment(name, 1)
}

// RecordLatency adds ms to the latency accumulator.
func (c *Collector) RecordLatency(ms float64) {
	c.mu.Lock()
	c.totalLatencyMs += ms
	c.mu.Unlock()
}

// Get returns the current value of a counter, or 0 for unknown names.
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// AverageLatency is total latency over processed events, 0 when nothing
// was processed.
func (c *Collector) AverageLatency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.averageLatencyLocked()
}

func (c *Collector) averageLatencyLocked() float64 {
	processed := c.counts[EventsProcessed]
	if processed == 0 {
		return 0.0
	}
	return c.totalLatencyMs / float64(processed)
}

// Summary is a point-in-time view of the collector.
type Summary struct {
	EventsSent       int64   `json:"events_sent" yaml:"events_sent"`
	EventsReceived   int64   `json:"events_received" yaml:"events_received"`
	EventsProcessed  int64   `json:"events_processed" yaml:"events_processed"`
	EventsFailed     int64   `json:"events_failed" yaml:"events_failed"`
	TotalLatencyMs   float64 `json:"total_latency_ms" yaml:"total_latency_ms"`
	AverageLatencyMs float64 `json:"average_latency_ms" yaml:"average_latency_ms"`

	// SuccessRate is processed / max(received, 1) * 100. With nothing
	// received the denominator is a phantom 1; SuccessRateDefined is false
	// in that case and dashboards should show the rate as undefined.
	SuccessRate        float64 `json:"success_rate" yaml:"success_rate"`
	SuccessRateDefined bool    `json:"success_rate_defined" yaml:"success_rate_defined"`
}

// Summary returns all counters plus the derived average latency and
// success rate.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	received := c.counts[EventsReceived]
	denominator := received
	if denominator < 1 {
		denominator = 1
	}

	return Summary{
		EventsSent:         c.counts[EventsSent],
		EventsReceived:     received,
		EventsProcessed:    c.counts[EventsProcessed],
		EventsFailed:       c.counts[EventsFailed],
		TotalLatencyMs:     c.totalLatencyMs,
		AverageLatencyMs:   c.averageLatencyLocked(),
		SuccessRate:        float64(c.counts[EventsProcessed]) / float64(denominator) * 100,
		SuccessRateDefined: received > 0,
	}
}

// AsMap flattens the summary into counter name -> value.
func (s Summary) AsMap() map[string]float64 {
	return map[string]float64{
		EventsSent:       float64(s.EventsSent),
		EventsReceived:   float64(s.EventsReceived),
		EventsProcessed:  float64(s.EventsProcessed),
		EventsFailed:     float64(s.EventsFailed),
		TotalLatencyMs:   s.TotalLatencyMs,
		AverageLatencyMs: s.AverageLatencyMs,
		SuccessRate:      s.SuccessRate,
	}
}

// Reset zeroes every counter. Integer counters go back to 0 and the latency
// accumulator to 0.0.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts = map[string]int64{
		EventsSent:      0,
		EventsReceived:  0,
		EventsProcessed: 0,
		EventsFailed:    0,
	}
	c.totalLatencyMs = 0.0
}
