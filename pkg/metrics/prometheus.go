package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exposes a Collector to a Prometheus registry.
// Values are read at scrape time, so they follow Reset.
type PrometheusCollector struct {
	source *Collector

	sent        *prometheus.Desc
	received    *prometheus.Desc
	processed   *prometheus.Desc
	failed      *prometheus.Desc
	latency     *prometheus.Desc
	avgLatency  *prometheus.Desc
	successRate *prometheus.Desc
}

// NewPrometheusCollector wraps source. namespace prefixes every metric name.
func NewPrometheusCollector(namespace string, source *Collector) *PrometheusCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &PrometheusCollector{
		source:      source,
		sent:        desc(EventsSent, "Events accepted by the stream producer"),
		received:    desc(EventsReceived, "Events received by triggers"),
		processed:   desc(EventsProcessed, "Events written to the document store"),
		failed:      desc(EventsFailed, "Events that failed processing"),
		latency:     desc(TotalLatencyMs, "Accumulated end-to-end latency in milliseconds"),
		avgLatency:  desc(AverageLatencyMs, "Average end-to-end latency in milliseconds"),
		successRate: desc(SuccessRate, "Processed over received events, in percent"),
	}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.sent
	ch <- p.received
	ch <- p.processed
	ch <- p.failed
	ch <- p.latency
	ch <- p.avgLatency
	ch <- p.successRate
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.source.Summary()

	// The counters can go back to zero on Reset, so they are gauges.
	ch <- prometheus.MustNewConstMetric(p.sent, prometheus.GaugeValue, float64(s.EventsSent))
	ch <- prometheus.MustNewConstMetric(p.received, prometheus.GaugeValue, float64(s.EventsReceived))
	ch <- prometheus.MustNewConstMetric(p.processed, prometheus.GaugeValue, float64(s.EventsProcessed))
	ch <- prometheus.MustNewConstMetric(p.failed, prometheus.GaugeValue, float64(s.EventsFailed))
	ch <- prometheus.MustNewConstMetric(p.latency, prometheus.GaugeValue, s.TotalLatencyMs)
	ch <- prometheus.MustNewConstMetric(p.avgLatency, prometheus.GaugeValue, s.AverageLatencyMs)
	if s.SuccessRateDefined {
		ch <- prometheus.MustNewConstMetric(p.successRate, prometheus.GaugeValue, s.SuccessRate)
	}
}
