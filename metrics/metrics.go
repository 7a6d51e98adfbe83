// Package metrics wires pbcr's TCP engine and supervisor into Prometheus,
// grounded on the retrieval pack's runZeroInc-sockstats (a TCP-introspection
// tool that exposes prometheus/client_golang gauges next to the raw TCP
// state it tracks).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters/gauges pbcr reports. A nil *Registry is
// valid and every method no-ops, so callers (and their tests) don't need a
// real Prometheus registry wired up.
type Registry struct {
	reg *prometheus.Registry

	SegmentsDropped prometheus.Counter
	TCBsActive      prometheus.Gauge
	BytesProxied    prometheus.Counter
	ContainersRun   prometheus.Counter
}

// New builds a Registry with all pbcr metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SegmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbcr_tcp_segments_dropped_total",
			Help: "IP/TCP segments dropped due to parse or checksum failure.",
		}),
		TCBsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbcr_tcp_tcbs_active",
			Help: "Number of TCP control blocks currently tracked by the stack.",
		}),
		BytesProxied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbcr_tcp_bytes_proxied_total",
			Help: "Bytes forwarded between the container TUN and host sockets.",
		}),
		ContainersRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbcr_containers_run_total",
			Help: "Containers launched by this invocation of pbcr.",
		}),
	}

	reg.MustRegister(r.SegmentsDropped, r.TCBsActive, r.BytesProxied, r.ContainersRun)

	return r
}

// Handler returns the /metrics HTTP handler, or nil if r is nil.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return nil
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics at addr. It blocks until
// the listener fails or the process exits; callers run it in a goroutine.
func (r *Registry) Serve(addr string) error {
	if r == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return http.ListenAndServe(addr, mux)
}

// IncDropped records one dropped segment.
func (r *Registry) IncDropped() {
	if r != nil {
		r.SegmentsDropped.Inc()
	}
}

// SetTCBsActive records the current TCB table size.
func (r *Registry) SetTCBsActive(n int) {
	if r != nil {
		r.TCBsActive.Set(float64(n))
	}
}

// AddBytesProxied accounts for n bytes forwarded in either direction.
func (r *Registry) AddBytesProxied(n int) {
	if r != nil {
		r.BytesProxied.Add(float64(n))
	}
}
