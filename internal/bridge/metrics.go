package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escvp",
		Name:      "connected",
		Help:      "Whether a projector connection is currently established.",
	})

	powerGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escvp",
		Name:      "power_on",
		Help:      "Whether the projector reports itself as powered on.",
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escvp",
		Name:      "commands_total",
		Help:      "Commands issued through the bridge, by command name.",
	}, []string{"command"})

	commandErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escvp",
		Name:      "command_errors_total",
		Help:      "Bridge commands that failed, by command name.",
	}, []string{"command"})
)

func observeSnapshot(connected, power bool) {
	boolGauge(connectedGauge, connected)
	boolGauge(powerGauge, power)
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
