package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Cycles     *prometheus.CounterVec
	Conflicts  *prometheus.CounterVec
	Uploaded   prometheus.Counter
	Downloaded prometheus.Counter
	QueueDepth prometheus.Gauge
	State      prometheus.Gauge
}

// NewMetrics creates the engine's collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasync",
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"result"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasync",
			Subsystem: "engine",
			Name:      "conflicts_total",
			Help:      "Upload conflicts by winning side.",
		}, []string{"winner"}),
		Uploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datasync",
			Subsystem: "engine",
			Name:      "uploaded_total",
			Help:      "Local changes acknowledged by the remote.",
		}),
		Downloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datasync",
			Subsystem: "engine",
			Name:      "downloaded_total",
			Help:      "Remote changes applied locally.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "datasync",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Unacknowledged local changes after the last cycle.",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "datasync",
			Subsystem: "engine",
			Name:      "state",
			Help:      "Current engine state.",
		}),
	}
}
