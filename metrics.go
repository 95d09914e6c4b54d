package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type gatewayMetrics struct {
	activeCalls      prometheus.Gauge
	callsStarted     prometheus.Counter
	callsCleaned     prometheus.Counter
	pipelineFailures prometheus.Counter
	degradedCalls    prometheus.Counter
	reconnects       prometheus.Counter
	breakerState     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *gatewayMetrics {
	f := promauto.With(reg)
	return &gatewayMetrics{
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "ari2ai_active_calls",
			Help: "Calls currently tracked by the gateway.",
		}),
		callsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "ari2ai_calls_started_total",
			Help: "Calls that entered the application and were answered.",
		}),
		callsCleaned: f.NewCounter(prometheus.CounterOpts{
			Name: "ari2ai_calls_cleaned_total",
			Help: "Calls torn down by the cleanup coordinator.",
		}),
		pipelineFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ari2ai_pipeline_failures_total",
			Help: "Media pipeline setups that failed before activation.",
		}),
		degradedCalls: f.NewCounter(prometheus.CounterOpts{
			Name: "ari2ai_degraded_calls_total",
			Help: "Calls that fell back to the read-only media path.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "ari2ai_pbx_reconnects_total",
			Help: "Reconnect attempts against the PBX control plane.",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "ari2ai_pbx_breaker_state",
			Help: "Connection circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			coreLog.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}
