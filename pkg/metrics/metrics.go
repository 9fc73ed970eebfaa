package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "talos"

var (
	busTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_transactions_total",
		Help:      "Register bus transactions per port, operation and result.",
	}, []string{"port", "op", "result"})

	controlActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_actions_total",
		Help:      "Control actions handled by the executor per action type and outcome.",
	}, []string{"type", "outcome"})

	deviceOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_online",
		Help:      "1 if the last poll of the device returned at least one value.",
	}, []string{"model", "slave_id"})

	cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "control_cycle_seconds",
		Help:      "Duration of one read-evaluate-execute cycle per device.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"model", "slave_id"})

	registerOnce sync.Once
)

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(busTransactions, controlActions, deviceOnline, cycleDuration)
	})
}

func ObserveBusTransaction(port, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	busTransactions.WithLabelValues(port, op, result).Inc()
}

func ObserveAction(actionType, outcome string) {
	controlActions.WithLabelValues(actionType, outcome).Inc()
}

func SetDeviceOnline(model, slaveID string, online bool) {
	v := 0.0
	if online {
		v = 1
	}
	deviceOnline.WithLabelValues(model, slaveID).Set(v)
}

func ObserveCycle(model, slaveID string, start time.Time) {
	cycleDuration.WithLabelValues(model, slaveID).Observe(time.Since(start).Seconds())
}
