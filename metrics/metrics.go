package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsPublished counts events submitted to the producer, per topic.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outboxx_events_published_total",
		Help: "Change events submitted to the message bus.",
	}, []string{"topic"})

	// EventsDropped counts events dropped before publication.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outboxx_events_dropped_total",
		Help: "Change events dropped before publication.",
	}, []string{"reason"})

	// RecordsDelivered counts records acknowledged by the brokers.
	RecordsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outboxx_records_delivered_total",
		Help: "Records acknowledged by the message bus brokers.",
	})

	// Batches counts processed batches by the reason they were closed.
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outboxx_batches_total",
		Help: "Batches received from the streaming source.",
	}, []string{"reason"})

	// FlushFailures counts producer flushes that failed or timed out.
	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outboxx_flush_failures_total",
		Help: "Producer flushes that failed or timed out, withholding the LSN ack.",
	})

	// LastAckedLSN is the last LSN acknowledged to PostgreSQL.
	LastAckedLSN = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outboxx_last_acked_lsn",
		Help: "Last WAL position acknowledged to PostgreSQL.",
	})
)

// Serve exposes /metrics on the given address. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
