package backend

import (
	"github.com/prometheus/client_golang/prometheus"
)

/*
 * ============================================================================
 * 引擎指标 - Metrics
 * ============================================================================
 *
 * 进程级计数器，转发服务的管理端口通过 promhttp 导出。
 */

var (
	metricRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingbroker",
		Name:      "requests_total",
		Help:      "Requests posted to the engine by opcode.",
	}, []string{"opcode"})

	metricCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingbroker",
		Name:      "completions_total",
		Help:      "Completions delivered by status.",
	}, []string{"status"})

	metricRedirects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingbroker",
		Name:      "redirects_total",
		Help:      "MOVED/ASK redirections handled.",
	}, []string{"kind"})

	metricConnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lingbroker",
		Name:      "connection_failures_total",
		Help:      "Connections moved to the broken list.",
	})

	metricRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lingbroker",
		Name:      "recoveries_total",
		Help:      "Successful connection recovery passes.",
	})

	metricBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lingbroker",
		Name:      "bytes_received_total",
		Help:      "Bytes drained from node connections.",
	})
)

func init() {
	prometheus.MustRegister(
		metricRequests,
		metricCompletions,
		metricRedirects,
		metricConnFailures,
		metricRecoveries,
		metricBytesReceived,
	)
}
