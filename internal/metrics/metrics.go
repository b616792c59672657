package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every avkit metric.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Stage metrics
var (
	UnitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avkit_units_total",
			Help: "Total number of coded units handled by a stage",
		},
		[]string{"stage", "kind"},
	)

	FramesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avkit_frames_total",
			Help: "Total number of frames produced by a stage",
		},
		[]string{"stage", "kind"},
	)

	StageErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avkit_stage_errors_total",
			Help: "Total number of runs that failed in a stage",
		},
		[]string{"stage"},
	)

	StageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avkit_stage_duration_seconds",
			Help:    "Wall time spent in a pipeline stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

// Storage metrics
var (
	BytesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avkit_bytes_total",
			Help: "Total number of bytes read from sources or written to sinks",
		},
		[]string{"direction"},
	)
)

// Run metrics
var (
	RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avkit_runs_total",
			Help: "Total number of finished runs",
		},
		[]string{"command", "status"},
	)

	RunsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "avkit_runs_in_flight",
			Help: "Number of runs currently executing",
		},
	)
)

// Demux side-channel metrics
var (
	CaptionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avkit_captions_total",
			Help: "Total number of caption updates by caption channel",
		},
		[]string{"channel"},
	)

	TimecodesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "avkit_timecodes_total",
			Help: "Total number of pic_timing timecodes decoded",
		},
	)
)

// WriteFile writes the current value of every metric to path in the text
// exposition format.
func WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
