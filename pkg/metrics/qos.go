// Package metrics provides Prometheus-backed collectors for broker-wide
// counters that have no natural home inside the packages they observe.
package metrics

import (
	"github.com/coremq/broker/qos"
	"github.com/prometheus/client_golang/prometheus"
)

// QoSRecorder implements qos.Recorder, exposing the admission outcomes
// qos.Insert would otherwise drop silently as Prometheus counters.
type QoSRecorder struct {
	dropped   *prometheus.CounterVec
	duplicate *prometheus.CounterVec
}

// NewQoSRecorder creates a QoSRecorder and registers its collectors against
// reg. Pass prometheus.DefaultRegisterer for the global registry.
func NewQoSRecorder(reg prometheus.Registerer) *QoSRecorder {
	r := &QoSRecorder{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "qos",
			Name:      "messages_dropped_total",
			Help:      "Messages discarded because neither inflight nor queue had room.",
		}, []string{"direction", "qos"}),
		duplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "qos",
			Name:      "messages_duplicate_total",
			Help:      "Outbound messages suppressed as duplicates already sent to the client.",
		}, []string{"direction"}),
	}
	reg.MustRegister(r.dropped, r.duplicate)
	return r
}

func directionLabel(dir qos.Direction) string {
	if dir == qos.DirOut {
		return "out"
	}
	return "in"
}

func qosLabel(level byte) string {
	switch level {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "2"
	}
}

// RecordDropped implements qos.Recorder.
func (r *QoSRecorder) RecordDropped(dir qos.Direction, level byte) {
	r.dropped.WithLabelValues(directionLabel(dir), qosLabel(level)).Inc()
}

// RecordDuplicate implements qos.Recorder.
func (r *QoSRecorder) RecordDuplicate(dir qos.Direction) {
	r.duplicate.WithLabelValues(directionLabel(dir)).Inc()
}
