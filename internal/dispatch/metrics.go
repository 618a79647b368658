package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "webhookd_dispatch"

const (
	queueOperationsMetricName = "queue_operations_total"
	queueDepthMetricName      = "queue_depth"
	inflightCountMetricName   = "inflight_count"
	rejectedFullMetricName    = "enqueues_rejected_full_total"
)

const operationLabel = "operation"

type operationLabelVal string

const (
	operationLabelEnqueueVal   operationLabelVal = "enqueue"
	operationLabelDequeueVal   operationLabelVal = "dequeue"
	operationLabelAckVal       operationLabelVal = "ack"
	operationLabelRedeliverVal operationLabelVal = "redeliver"
)

type metricCollector struct {
	queueOps     *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	inflight     prometheus.Gauge
	rejectedFull prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		queueOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      queueOperationsMetricName,
				Help:      "count of dispatch queue operations",
			},
			[]string{operationLabel},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queueDepthMetricName,
				Help:      "count of entries waiting in the dispatch queue",
			},
		),
		inflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      inflightCountMetricName,
				Help:      "count of claimed but unacknowledged entries",
			},
		),
		rejectedFull: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      rejectedFullMetricName,
				Help:      "count of enqueues rejected because the queue was full",
			},
		),
	}
}

func (m *metricCollector) opsInc(op operationLabelVal) {
	m.queueOps.WithLabelValues(string(op)).Inc()
}
