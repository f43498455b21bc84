package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Process results used as the "result" label.
const (
	ResultDone            = "done"
	ResultAlignmentFailed = "alignment_failed"
	ResultEmergencyStop   = "emergency_stop"
	ResultError           = "error"
	ResultRefused         = "refused"
)

// Metrics are the sequencer's Prometheus collectors.
type Metrics struct {
	Processes       *prometheus.CounterVec
	DroppedTriggers *prometheus.CounterVec
	State           prometheus.Gauge
	AlignDuration   prometheus.Histogram
	PressureKPa     prometheus.Gauge
	SensorErrors    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Processes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "winequeen",
			Name:      "processes_total",
			Help:      "Processes run, by kind and result.",
		}, []string{"kind", "result"}),
		DroppedTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "winequeen",
			Name:      "dropped_triggers_total",
			Help:      "Triggers ignored because a process was running.",
		}, []string{"kind"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "winequeen",
			Name:      "state",
			Help:      "Current machine state (0 idle, 1 sealing, 2 opening, 3 homing).",
		}),
		AlignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "winequeen",
			Name:      "camera_alignment_seconds",
			Help:      "Time spent in camera-assisted X alignment.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		PressureKPa: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "winequeen",
			Name:      "vacuum_pressure_kpa",
			Help:      "Last pressure gauge reading.",
		}),
		SensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "winequeen",
			Name:      "pressure_read_errors_total",
			Help:      "Failed pressure gauge reads.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Processes, m.DroppedTriggers, m.State, m.AlignDuration, m.PressureKPa, m.SensorErrors)
	}
	return m
}
