package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves /metrics off a registry; it is the Go rendering of the
// source's optional HTTP stats endpoint: plain net/http ListenAndServe plus
// promhttp.Handler, no router needed for a single route.
type Exporter struct {
	srv *http.Server
}

// StartExporter registers collector against a fresh registry, binds addr,
// and serves /metrics in the background. Shutdown stops it. It binds addr
// even when addr is empty; the collector skips calling it when
// metrics_listen_addr is empty (SPEC_FULL.md §6's metrics_listen_addr key).
func StartExporter(addr string, collector *Collector) (*Exporter, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return &Exporter{srv: srv}, nil
}

// Shutdown gracefully stops the exporter's HTTP server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil || e.srv == nil {
		return nil
	}
	return e.srv.Shutdown(ctx)
}
