// Package metrics defines the prometheus collectors shared by the client's
// components and the handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector in this package plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

// Relay pool metrics
var (
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayreel_relay_connections",
		Help: "Relay connections currently open.",
	})
	RelayInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayreel_relay_inflight_tasks",
		Help: "Tasks holding a relay concurrency token.",
	}, []string{"relay"})
	RelayQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayreel_relay_queued_tasks",
		Help: "Tasks waiting for a relay concurrency token.",
	}, []string{"relay"})
	RelayTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayreel_relay_tasks_total",
		Help: "Scheduled relay tasks by outcome.",
	}, []string{"result"})
	EventsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayreel_events_rejected_total",
		Help: "Events dropped because id or signature verification failed.",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayreel_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})
)

// Request coordinator metrics
var (
	QueriesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayreel_queries_fetched_total",
		Help: "Queries that went to the relays.",
	})
	QueriesShared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayreel_queries_shared_total",
		Help: "Queries answered by joining an in-flight fetch.",
	})
	ResultCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayreel_result_cache_total",
		Help: "Transient result cache lookups by outcome.",
	}, []string{"result"})
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayreel_subscriptions_active",
		Help: "Live coordinator subscriptions.",
	})
)

// Feed and upload metrics
var (
	FeedEventsIntegrated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayreel_feed_events_integrated_total",
		Help: "Events appended to a feed or thread.",
	})
	UploadQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayreel_upload_queue_depth",
		Help: "Records waiting in the offline upload queue.",
	})
	UploadAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayreel_upload_attempts_total",
		Help: "Upload queue processing attempts by result.",
	}, []string{"result"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayreel_http_requests_total",
		Help: "HTTP API requests by route and status class.",
	}, []string{"route", "code"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RelayConnections, RelayInflight, RelayQueued, RelayTasks,
		EventsRejected, EventsDropped,
		QueriesFetched, QueriesShared, ResultCache, SubscriptionsActive,
		FeedEventsIntegrated, UploadQueueDepth, UploadAttempts, HTTPRequests,
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
