package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "webhookd_ingest"

const resultLabel = "result"

type resultLabelVal string

const (
	resultLabelEnqueuedVal        resultLabelVal = "enqueued"
	resultLabelAcknowledgedVal    resultLabelVal = "acknowledged"
	resultLabelIgnoredVal         resultLabelVal = "ignored"
	resultLabelUnhandledVal       resultLabelVal = "unhandled"
	resultLabelFilteredVal        resultLabelVal = "filtered"
	resultLabelDuplicateVal       resultLabelVal = "duplicate"
	resultLabelAuthErrorVal       resultLabelVal = "auth_error"
	resultLabelValidationErrorVal resultLabelVal = "validation_error"
	resultLabelBackpressureVal    resultLabelVal = "backpressure"
	resultLabelRateLimitedVal     resultLabelVal = "rate_limited"
	resultLabelInternalErrorVal   resultLabelVal = "internal_error"
)

type metricCollector struct {
	requests *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		requests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "requests_total",
				Help:      "count of processed webhook requests by result",
			},
			[]string{resultLabel},
		),
	}
}

func (m *metricCollector) resultInc(result resultLabelVal) {
	m.requests.WithLabelValues(string(result)).Inc()
}
