package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "greenhouse_"

	resultSuccess = "success"
	resultInvalid = "invalid"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	commandsEnqueued *prometheus.CounterVec

	relayOutcomes *prometheus.CounterVec
	relayCursor   *prometheus.GaugeVec
	relayPolls    *prometheus.CounterVec

	framesPublished *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	reconnects      *prometheus.CounterVec

	brokerClients prometheus.Gauge
)

// Init registers every greenhouse metric with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingested readings by kind and result",
			},
			[]string{"kind", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		)

		commandsEnqueued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total queued commands by type",
			},
			[]string{"command_type"},
		)

		relayOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "relay_dispatch_total",
				Help: "Relay dispatch outcomes by device class",
			},
			[]string{"class", "outcome"},
		)
		relayCursor = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "relay_cursor",
				Help: "Last persisted command id per device",
			},
			[]string{"device_id"},
		)
		relayPolls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "relay_polls_total",
				Help: "Relay poll cycles by result",
			},
			[]string{"device_id", "result"},
		)

		framesPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "frames_published_total",
				Help: "Telemetry frames published by device class",
			},
			[]string{"class"},
		)
		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "frames_dropped_total",
				Help: "Telemetry frames dropped by device class and reason",
			},
			[]string{"class", "reason"},
		)
		reconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnect_cycles_total",
				Help: "Forced reconnect cycles by component",
			},
			[]string{"component"},
		)

		brokerClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_connected_clients",
				Help: "Clients connected to the embedded MQTT broker",
			},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestLatency,
			commandsEnqueued,
			relayOutcomes,
			relayCursor,
			relayPolls,
			framesPublished,
			framesDropped,
			reconnects,
			brokerClients,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest records one ingest attempt.
func ObserveIngest(kind, result string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(kind, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// IncCommandEnqueued increments the queued command counter.
func IncCommandEnqueued(commandType string) {
	if commandsEnqueued != nil {
		commandsEnqueued.WithLabelValues(commandType).Inc()
	}
}

// IncRelayOutcome counts one dispatch result.
func IncRelayOutcome(class, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if relayOutcomes != nil {
		relayOutcomes.WithLabelValues(class, outcome).Inc()
	}
}

// SetRelayCursor publishes the persisted cursor of a device.
func SetRelayCursor(deviceID string, cursor int64) {
	if relayCursor != nil {
		relayCursor.WithLabelValues(deviceID).Set(float64(cursor))
	}
}

// IncRelayPoll counts a poll cycle.
func IncRelayPoll(deviceID, result string) {
	if relayPolls != nil {
		relayPolls.WithLabelValues(deviceID, result).Inc()
	}
}

func IncFramePublished(class string) {
	if framesPublished != nil {
		framesPublished.WithLabelValues(class).Inc()
	}
}

func IncFrameDropped(class, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if framesDropped != nil {
		framesDropped.WithLabelValues(class, reason).Inc()
	}
}

// IncReconnect counts a forced reconnect cycle.
func IncReconnect(component string) {
	if reconnects != nil {
		reconnects.WithLabelValues(component).Inc()
	}
}

// SetBrokerClients reports the number of connected broker clients.
func SetBrokerClients(n int) {
	if brokerClients != nil {
		brokerClients.Set(float64(n))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultInvalid = resultInvalid
	ResultError   = resultError
)
