// Package metrics exposes Prometheus instrumentation for the companion core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companiond_uploads_total",
		Help: "Upload attempts by routing mode and outcome",
	}, []string{"mode", "outcome"}) // mode=local|online, outcome=success|precondition|network|server_error|auth_expired|invalid_response

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companiond_token_refresh_total",
		Help: "Access-token refresh attempts by outcome",
	}, []string{"outcome"}) // outcome=success|rejected|unavailable|no_refresh_token

	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companiond_proc_terminate_total",
		Help: "Signals sent to the supervised server process group by result",
	}, []string{"signal", "result"}) // signal=SIGTERM|SIGKILL, result=sent|esrch|error

	portSweepKillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companiond_port_sweep_kills_total",
		Help: "Processes terminated by the pre-start/teardown port sweep",
	})

	healthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companiond_health_probes_total",
		Help: "Local server health probes by outcome",
	}, []string{"outcome"}) // outcome=healthy|unhealthy

	loginCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companiond_login_callbacks_total",
		Help: "Login callback deliveries by outcome",
	}, []string{"outcome"}) // outcome=accepted|duplicate|malformed|declined

	serverRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companiond_local_server_running",
		Help: "Whether the supervised local server is health-checked running (1) or not (0)",
	})
)

// RecordUpload counts one upload attempt.
func RecordUpload(mode, outcome string) {
	uploadsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordRefresh counts one token refresh attempt.
func RecordRefresh(outcome string) {
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// IncProcTerminate counts one signal delivery to the server process group.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncPortSweepKill counts one process reclaimed by the port sweep.
func IncPortSweepKill() {
	portSweepKillsTotal.Inc()
}

// RecordHealthProbe counts one liveness probe result.
func RecordHealthProbe(healthy bool) {
	if healthy {
		healthProbesTotal.WithLabelValues("healthy").Inc()
	} else {
		healthProbesTotal.WithLabelValues("unhealthy").Inc()
	}
}

// RecordCallback counts one login callback delivery.
func RecordCallback(outcome string) {
	loginCallbacksTotal.WithLabelValues(outcome).Inc()
}

// SetServerRunning mirrors the supervised server's running flag.
func SetServerRunning(running bool) {
	if running {
		serverRunning.Set(1)
	} else {
		serverRunning.Set(0)
	}
}
