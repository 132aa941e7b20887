package metricsx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	liveChannelConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_channel_connected",
			Help: "1 while the backend live channel is open.",
		},
	)
	activeAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_alerts",
			Help: "Alerts currently in the active index.",
		},
	)
	droneLiveness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drone_liveness",
			Help: "Drones per liveness class.",
		},
		[]string{"state"},
	)
	activeMissions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_missions",
			Help: "Dispatched missions not yet completed or aborted.",
		},
	)
	alertEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_events_total",
			Help: "Alert lifecycle events by event and outcome.",
		},
		[]string{"event", "outcome"},
	)
	operatorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_commands_total",
			Help: "Operator commands by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	pollRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_requests_total",
			Help: "Polling guard requests by outcome.",
		},
		[]string{"outcome"},
	)
	telemetrySamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_samples_total",
			Help: "Drone telemetry samples by source.",
		},
		[]string{"source"},
	)
	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Backend REST latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag,
		liveChannelConnected, activeAlerts, droneLiveness, activeMissions,
		alertEvents, operatorCommands, pollRequests, telemetrySamples, backendLatency,
		asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetLiveChannelConnected(connected bool) {
	if connected {
		liveChannelConnected.Set(1)
		return
	}
	liveChannelConnected.Set(0)
}

func SetActiveAlerts(n int) {
	activeAlerts.Set(float64(n))
}

func SetDroneLiveness(state string, n int) {
	droneLiveness.WithLabelValues(state).Set(float64(n))
}

func SetActiveMissions(n int) {
	activeMissions.Set(float64(n))
}

func IncAlertEvent(event string, outcome string) {
	alertEvents.WithLabelValues(event, outcome).Inc()
}

func IncOperatorCommand(command string, outcome string) {
	operatorCommands.WithLabelValues(command, outcome).Inc()
}

func IncPollRequest(outcome string) {
	pollRequests.WithLabelValues(outcome).Inc()
}

func IncTelemetrySample(source string) {
	telemetrySamples.WithLabelValues(source).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func ObserveBackendLatency(op string, outcome string, d time.Duration) {
	backendLatency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
