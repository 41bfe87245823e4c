// Package telemetry exposes keystone engine statistics as Prometheus
// metrics, with a small helper for serving the /metrics endpoint.
package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keystone-kv/keystone/core/btree"
)

// NewRegistry builds a Prometheus registry populated with collectors over
// the tree's buffer-pool and WAL counters. The collectors read the tree's
// Stats on every scrape; the tree itself is single-threaded, so scrapes
// should come from the same goroutine that drives the tree (the shell and
// bench binaries scrape between operations).
func NewRegistry(tree *btree.BPlusTree) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "keystone",
		Subsystem: "buffer_pool",
		Name:      "hits_total",
		Help:      "Buffer pool page hits.",
	}, func() float64 { return float64(tree.Stats().PoolHits) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "keystone",
		Subsystem: "buffer_pool",
		Name:      "misses_total",
		Help:      "Buffer pool page misses.",
	}, func() float64 { return float64(tree.Stats().PoolMisses) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "keystone",
		Subsystem: "buffer_pool",
		Name:      "hit_rate",
		Help:      "Buffer pool hit rate in [0, 1].",
	}, func() float64 { return tree.Stats().PoolHitRate }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "keystone",
		Subsystem: "wal",
		Name:      "bytes_written_total",
		Help:      "Bytes appended to the write-ahead log.",
	}, func() float64 { return float64(tree.Stats().WALBytes) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "keystone",
		Subsystem: "wal",
		Name:      "records_written_total",
		Help:      "Records appended to the write-ahead log.",
	}, func() float64 { return float64(tree.Stats().WALRecords) }))

	return reg
}

// Serve starts an HTTP server exposing reg at /metrics on addr. It runs in
// a background goroutine and returns immediately.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return srv
}
