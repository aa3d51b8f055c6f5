package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_initiated_total",
			Help: "Payment initiations by outcome",
		},
		[]string{"outcome"},
	)

	paymentProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_processed_total",
			Help: "Payments that reached a terminal status",
		},
		[]string{"status"},
	)

	callbackReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_callback_received_total",
			Help: "Provider callbacks by processing outcome",
		},
		[]string{"outcome"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpesa_request_duration_seconds",
			Help:    "Provider C2B request duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)

	circuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpesa_circuit_breaker_state",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentInitiatedTotal)
	prometheus.MustRegister(paymentProcessedTotal)
	prometheus.MustRegister(callbackReceivedTotal)
	prometheus.MustRegister(gatewayRequestDuration)
	prometheus.MustRegister(circuitBreakerState)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentInitiated(outcome string) {
	paymentInitiatedTotal.WithLabelValues(outcome).Inc()
}

func RecordPaymentProcessed(status string) {
	paymentProcessedTotal.WithLabelValues(status).Inc()
}

func RecordCallback(outcome string) {
	callbackReceivedTotal.WithLabelValues(outcome).Inc()
}

func ObserveGatewayRequest(result string, elapsed time.Duration) {
	gatewayRequestDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func SetCircuitBreakerState(state int) {
	circuitBreakerState.Set(float64(state))
}
