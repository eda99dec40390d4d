package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/filament-sync/base/metrics"
	"example.com/filament-sync/core/control"
	"example.com/filament-sync/core/flowguard"
)

type Metrics struct {
	rdCurrent prometheus.Gauge
	rdTuned   prometheus.Gauge
	xEstimate prometheus.Gauge
	cEstimate prometheus.Gauge
	flowLevel prometheus.Gauge
	triggers  prometheus.Counter
	ticks     prometheus.Counter
}

// NewMetrics registers the simulation gauges with the default registry.
// Register once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		rdCurrent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SimRDCurrentN,
			Help: metrics.SimRDCurrentH,
		}),
		rdTuned: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SimRDTunedN,
			Help: metrics.SimRDTunedH,
		}),
		xEstimate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SimXEstimateN,
			Help: metrics.SimXEstimateH,
		}),
		cEstimate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SimCEstimateN,
			Help: metrics.SimCEstimateH,
		}),
		flowLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SimFlowLevelN,
			Help: metrics.SimFlowLevelH,
		}),
		triggers: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SimTriggersN,
			Help: metrics.SimTriggersH,
		}),
		ticks: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SimTicksN,
			Help: metrics.SimTicksH,
		}),
	}
}

func (m *Metrics) observe(out control.Output, triggered bool) {
	if m == nil {
		return
	}
	m.rdCurrent.Set(out.RDCurrent)
	m.rdTuned.Set(out.RDTuned)
	m.xEstimate.Set(out.XEstimate)
	m.cEstimate.Set(out.CEstimate)
	m.flowLevel.Set(out.FlowGuard.Level)
	if triggered && out.FlowGuard.Trigger != flowguard.None {
		m.triggers.Inc()
	}
	m.ticks.Inc()
}
