// Package metrics exposes scheduler events as Prometheus metrics, labelled by device.
package metrics

import (
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meter_logger"

// Metrics holds the collectors shared by all device loops.
type Metrics struct {
	recorded     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	readFailures *prometheus.CounterVec
	flushed      *prometheus.CounterVec
	flushFailed  *prometheus.CounterVec
	buffered     *prometheus.GaugeVec
	burstActive  *prometheus.GaugeVec
	flushLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_recorded_total",
			Help:      "Samples read from the device and buffered.",
		}, []string{"device"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples lost because the buffer was full.",
		}, []string{"device"}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures_total",
			Help:      "Failed device reads.",
		}, []string{"device"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_flushed_total",
			Help:      "Samples successfully written to the sink.",
		}, []string{"device"}),
		flushFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed sink writes. The buffer is kept for the next attempt.",
		}, []string{"device"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_samples",
			Help:      "Samples waiting for the next flush.",
		}, []string{"device"}),
		burstActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "burst_active",
			Help:      "1 while the device is in burst mode.",
		}, []string{"device"}),
		flushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of successful sink writes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"device"}),
	}

	reg.MustRegister(
		m.recorded,
		m.dropped,
		m.readFailures,
		m.flushed,
		m.flushFailed,
		m.buffered,
		m.burstActive,
		m.flushLatency,
	)
	return m
}

// Device returns the observer of one device loop.
func (m *Metrics) Device(name string) *DeviceMetrics {
	return &DeviceMetrics{
		recorded:     m.recorded.WithLabelValues(name),
		dropped:      m.dropped.WithLabelValues(name),
		readFailures: m.readFailures.WithLabelValues(name),
		flushed:      m.flushed.WithLabelValues(name),
		flushFailed:  m.flushFailed.WithLabelValues(name),
		buffered:     m.buffered.WithLabelValues(name),
		burstActive:  m.burstActive.WithLabelValues(name),
		flushLatency: m.flushLatency.WithLabelValues(name),
	}
}

// DeviceMetrics implements scheduler.Observer for one device.
type DeviceMetrics struct {
	recorded     prometheus.Counter
	dropped      prometheus.Counter
	readFailures prometheus.Counter
	flushed      prometheus.Counter
	flushFailed  prometheus.Counter
	buffered     prometheus.Gauge
	burstActive  prometheus.Gauge
	flushLatency prometheus.Observer
}

func (d *DeviceMetrics) SampleRecorded()      { d.recorded.Inc() }
func (d *DeviceMetrics) SamplesDropped(n int) { d.dropped.Add(float64(n)) }
func (d *DeviceMetrics) ReadFailed()          { d.readFailures.Inc() }
func (d *DeviceMetrics) FlushFailed()         { d.flushFailed.Inc() }
func (d *DeviceMetrics) Buffered(n int)       { d.buffered.Set(float64(n)) }

func (d *DeviceMetrics) Flushed(n int, took time.Duration) {
	d.flushed.Add(float64(n))
	d.flushLatency.Observe(took.Seconds())
}

func (d *DeviceMetrics) BurstChanged(active bool) {
	if active {
		d.burstActive.Set(1)
		return
	}
	d.burstActive.Set(0)
}

var _ scheduler.Observer = (*DeviceMetrics)(nil)
