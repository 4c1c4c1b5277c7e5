// Package metrics exposes Prometheus counters for the CT integration and a
// small HTTP server serving them on a dedicated address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service counters. All are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	SyncPagesFetched  *prometheus.CounterVec
	PedidosInserted   prometheus.Counter
	RespostasUpserted prometheus.Counter
	WebhookIngests    *prometheus.CounterVec
	EnvelopeFailures  *prometheus.CounterVec
	PartnerRequests   *prometheus.CounterVec
}

func newMetrics(appName string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		SyncPagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "sync_pages_fetched_total",
			Help:      "Pages fetched from the partner cursor endpoints.",
		}, []string{"kind"}),
		PedidosInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "pedidos_inserted_total",
			Help:      "New pedidos persisted by the sync engine.",
		}),
		RespostasUpserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "respostas_upserted_total",
			Help:      "Respostas persisted or updated.",
		}),
		WebhookIngests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "webhook_ingests_total",
			Help:      "Inbound webhook deliveries by outcome.",
		}, []string{"outcome"}),
		EnvelopeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "envelope_failures_total",
			Help:      "Envelope open failures by stage.",
		}, []string{"stage"}),
		PartnerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "partner_requests_total",
			Help:      "Outbound partner API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
	}
}

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	*Metrics
	srv *http.Server
}

// New creates the metrics set and its HTTP server. An empty addr disables
// serving; the counters still work.
func New(appName, addr string) (*MetricsServer, error) {
	m := newMetrics(appName)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		Metrics: m,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
