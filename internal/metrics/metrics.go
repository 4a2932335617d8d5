package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of successful process launches.",
		}, []string{"app"},
	)
	appLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "launch_failures_total",
			Help:      "Number of launches that failed before the process started.",
		}, []string{"app"},
	)
	appRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts.",
		}, []string{"app"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of requested stops, by whether a kill was needed.",
		}, []string{"app", "killed"},
	)
	appExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "exits_total",
			Help:      "Number of process exits, by exit code (-1 for signals).",
		}, []string{"app", "code"},
	)
	appUptime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "run_duration_seconds",
			Help:      "Length of completed runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600, 86400},
		}, []string{"app"},
	)
	appState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "state",
			Help:      "Current state of each app (1 = in this state).",
		}, []string{"app", "state"},
	)
	appCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the app process.",
		}, []string{"app"},
	)
	appRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of the app process.",
		}, []string{"app"},
	)
)

// States lists every state label exported by SetState.
var States = []string{"stopped", "launching", "online", "stopping", "waiting_restart", "errored"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{appStarts, appLaunchFailures, appRestarts, appStops, appExits, appUptime, appState, appCPU, appRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used when a private registry is in play.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(app string) {
	if regOK.Load() {
		appStarts.WithLabelValues(app).Inc()
	}
}

func IncLaunchFailure(app string) {
	if regOK.Load() {
		appLaunchFailures.WithLabelValues(app).Inc()
	}
}

func IncRestart(app string) {
	if regOK.Load() {
		appRestarts.WithLabelValues(app).Inc()
	}
}

func IncStop(app string, killed bool) {
	if regOK.Load() {
		k := "false"
		if killed {
			k = "true"
		}
		appStops.WithLabelValues(app, k).Inc()
	}
}

func ObserveExit(app string, code string, seconds float64) {
	if regOK.Load() {
		appExits.WithLabelValues(app, code).Inc()
		appUptime.WithLabelValues(app).Observe(seconds)
	}
}

// SetState marks state as the only active state of app.
func SetState(app, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		appState.WithLabelValues(app, s).Set(v)
	}
}

func SetUsage(app string, cpuPercent float64, rss uint64) {
	if regOK.Load() {
		appCPU.WithLabelValues(app).Set(cpuPercent)
		appRSS.WithLabelValues(app).Set(float64(rss))
	}
}

// Forget drops every series of an app that has been removed.
func Forget(app string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"app": app}
	appStarts.DeletePartialMatch(l)
	appLaunchFailures.DeletePartialMatch(l)
	appRestarts.DeletePartialMatch(l)
	appStops.DeletePartialMatch(l)
	appExits.DeletePartialMatch(l)
	appUptime.DeletePartialMatch(l)
	appState.DeletePartialMatch(l)
	appCPU.DeletePartialMatch(l)
	appRSS.DeletePartialMatch(l)
}
