// Package metrics exposes node counters in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "kadns"

type Metrics struct {
	Registry *prometheus.Registry

	Queries          *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	RPCs             *prometheus.CounterVec
	InboundRequests  *prometheus.CounterVec
	RoutingTableSize prometheus.Gauge
	StoredRecords    prometheus.Gauge
	ActiveQueries    prometheus.Gauge
}

// New creates the node metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Finished DHT queries by kind and status.",
		}, []string{"kind", "status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time from query start to completion.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		RPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpcs_total",
			Help:      "Outbound requests by type and result.",
		}, []string{"type", "result"}),
		InboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_requests_total",
			Help:      "Requests answered for other nodes.",
		}, []string{"type"}),
		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_table_contacts",
			Help:      "Contacts currently in the routing table.",
		}),
		StoredRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_records",
			Help:      "Records held in the local store.",
		}),
		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_queries",
			Help:      "Queries in progress.",
		}),
	}

	m.Registry.MustRegister(
		m.Queries,
		m.QueryDuration,
		m.RPCs,
		m.InboundRequests,
		m.RoutingTableSize,
		m.StoredRecords,
		m.ActiveQueries,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveQuery records a finished query.
func (m *Metrics) ObserveQuery(kind, status string, elapsed time.Duration) {
	m.Queries.WithLabelValues(kind, status).Inc()
	m.QueryDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveRPC records the result of an outbound request.
func (m *Metrics) ObserveRPC(msgType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RPCs.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if log != nil {
			log.WithField("addr", addr).Info("Serving metrics")
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
