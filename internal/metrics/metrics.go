// Package metrics holds the Prometheus collectors of the acquisition pipeline.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cyton"

type Metrics struct {
	registry *prometheus.Registry

	packetsDecoded    prometheus.Counter
	packetsDropped    prometheus.Counter
	resyncBytes       prometheus.Counter
	daisyHalvesDrop   prometheus.Counter
	samplesPublished  prometheus.Counter
	queueDrops        *prometheus.CounterVec
	windowsEmitted    prometheus.Counter
	sessionsEnded     *prometheus.CounterVec
	acquisitionState  prometheus.Gauge
	predictionsByCode *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_decoded_total",
			Help: "Frames with a valid stop byte.",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total",
			Help: "Frames discarded for an invalid stop byte.",
		}),
		resyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resync_bytes_total",
			Help: "Bytes skipped while searching for a start byte.",
		}),
		daisyHalvesDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "daisy_halves_dropped_total",
			Help: "Daisy packets discarded because their pair never arrived.",
		}),
		samplesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_published_total",
			Help: "Samples handed to the stream fan-out.",
		}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_drops_total",
			Help: "Items dropped because a consumer queue was full.",
		}, []string{"queue"}),
		windowsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "windows_emitted_total",
			Help: "Completed sliding windows.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_ended_total",
			Help: "Streaming sessions ended, by reason.",
		}, []string{"reason"}),
		acquisitionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "acquisition_state",
			Help: "0 disconnected, 1 connected idle, 2 streaming.",
		}),
		predictionsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "predictions_total",
			Help: "Classifier predictions, by predicted class.",
		}, []string{"class"}),
	}

	m.registry.MustRegister(
		m.packetsDecoded,
		m.packetsDropped,
		m.resyncBytes,
		m.daisyHalvesDrop,
		m.samplesPublished,
		m.queueDrops,
		m.windowsEmitted,
		m.sessionsEnded,
		m.acquisitionState,
		m.predictionsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PacketDecoded() {
	if m != nil {
		m.packetsDecoded.Inc()
	}
}

func (m *Metrics) PacketDropped() {
	if m != nil {
		m.packetsDropped.Inc()
	}
}

func (m *Metrics) ResyncBytes(n int) {
	if m != nil && n > 0 {
		m.resyncBytes.Add(float64(n))
	}
}

func (m *Metrics) DaisyHalfDropped() {
	if m != nil {
		m.daisyHalvesDrop.Inc()
	}
}

func (m *Metrics) SamplePublished() {
	if m != nil {
		m.samplesPublished.Inc()
	}
}

func (m *Metrics) QueueDrop(queue string) {
	if m != nil {
		m.queueDrops.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) WindowEmitted() {
	if m != nil {
		m.windowsEmitted.Inc()
	}
}

func (m *Metrics) SessionEnded(reason string) {
	if m != nil {
		m.sessionsEnded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetState(state int) {
	if m != nil {
		m.acquisitionState.Set(float64(state))
	}
}

func (m *Metrics) Prediction(class string) {
	if m != nil {
		m.predictionsByCode.WithLabelValues(class).Inc()
	}
}
