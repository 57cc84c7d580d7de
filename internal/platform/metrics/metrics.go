package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playback engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	framesPresented prometheus.Counter
	framesDropped   *prometheus.CounterVec
	staleFrames     *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	demuxErrors     *prometheus.CounterVec
	seeks           prometheus.Counter
	audioUnderruns  prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	avDrift         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the player.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesPresented := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_video_frames_presented_total",
		Help: "Total number of video frames handed to the renderer",
	})
	framesDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_video_frames_dropped_total",
		Help: "Total number of video frames discarded by the sync scheduler",
	}, []string{"reason"})
	staleFrames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_stale_frames_total",
		Help: "Total number of packets or frames discarded because a seek superseded them",
	}, []string{"stream"})
	decodeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_decode_errors_total",
		Help: "Total number of decode failures",
	}, []string{"stream", "kind"})
	demuxErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_demux_errors_total",
		Help: "Total number of packet read failures",
	}, []string{"kind"})
	seeks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_seeks_total",
		Help: "Total number of seeks executed after coalescing",
	})
	audioUnderruns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_audio_underruns_total",
		Help: "Total number of audio reads padded with silence while playing",
	})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "player_frame_queue_depth",
		Help: "Number of decoded frames waiting in each frame queue",
	}, []string{"stream"})
	avDrift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "player_av_drift_seconds",
		Help: "Presented video PTS minus clock time at presentation",
	})

	registry.MustRegister(
		framesPresented,
		framesDropped,
		staleFrames,
		decodeErrors,
		demuxErrors,
		seeks,
		audioUnderruns,
		queueDepth,
		avDrift,
	)

	return &Metrics{
		registry:        registry,
		framesPresented: framesPresented,
		framesDropped:   framesDropped,
		staleFrames:     staleFrames,
		decodeErrors:    decodeErrors,
		demuxErrors:     demuxErrors,
		seeks:           seeks,
		audioUnderruns:  audioUnderruns,
		queueDepth:      queueDepth,
		avDrift:         avDrift,
	}
}

// ObservePresented counts a presented frame and records its drift in seconds.
func (m *Metrics) ObservePresented(drift float64) {
	if m == nil {
		return
	}
	m.framesPresented.Inc()
	m.avDrift.Set(drift)
}

// IncDropped counts a frame dropped for reason ("late" or "reordered").
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncStale(stream string) {
	if m == nil {
		return
	}
	m.staleFrames.WithLabelValues(stream).Inc()
}

// IncDecodeErrors counts a decode failure of kind "skippable" or "fatal".
func (m *Metrics) IncDecodeErrors(stream, kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(stream, kind).Inc()
}

// IncDemuxErrors counts a read failure of kind "transient" or "fatal".
func (m *Metrics) IncDemuxErrors(kind string) {
	if m == nil {
		return
	}
	m.demuxErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSeeks() {
	if m == nil {
		return
	}
	m.seeks.Inc()
}

func (m *Metrics) IncAudioUnderruns() {
	if m == nil {
		return
	}
	m.audioUnderruns.Inc()
}

func (m *Metrics) SetQueueDepth(stream string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(stream).Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
