package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Kernel lifecycle metrics
	KernelsActive    prometheus.Gauge
	KernelLaunches   *prometheus.CounterVec
	LaunchDuration   prometheus.Histogram
	KernelRestarts   prometheus.Counter
	KernelInterrupts prometheus.Counter
	KernelDeaths     prometheus.Counter

	// Session metrics
	SessionsActive  prometheus.Gauge
	StandbyPromoted prometheus.Counter

	// Port allocator metrics
	PortBlocksHeld prometheus.Gauge

	// Jupyter server metrics
	JupyterRequests *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernelbridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernelbridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		KernelsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernelbridge_kernels_active",
				Help: "Number of running kernel processes",
			},
		),
		KernelLaunches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernelbridge_kernel_launches_total",
				Help: "Total number of kernel launch attempts",
			},
			[]string{"kind", "status"},
		),
		LaunchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kernelbridge_kernel_launch_duration_seconds",
				Help:    "Kernel launch duration from port reservation to channel readiness",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		KernelRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernelbridge_kernel_restarts_total",
				Help: "Total number of kernel restarts",
			},
		),
		KernelInterrupts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernelbridge_kernel_interrupts_total",
				Help: "Total number of kernel interrupts",
			},
		),
		KernelDeaths: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernelbridge_kernel_deaths_total",
				Help: "Total number of kernels that exited without being asked to",
			},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernelbridge_sessions_active",
				Help: "Number of live kernel sessions",
			},
		),
		StandbyPromoted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernelbridge_standby_promotions_total",
				Help: "Total number of standby sessions promoted during restart",
			},
		),

		PortBlocksHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernelbridge_port_blocks_held",
				Help: "Number of five-port connection blocks currently reserved",
			},
		),

		JupyterRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernelbridge_jupyter_requests_total",
				Help: "Total number of Jupyter server API requests",
			},
			[]string{"endpoint", "status"},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernelbridge_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernelbridge_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernelbridge_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLaunch records a kernel launch attempt
func (m *Metrics) RecordLaunch(kind string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.KernelLaunches.WithLabelValues(kind, status).Inc()
	if err == nil {
		m.LaunchDuration.Observe(duration.Seconds())
	}
}

// RecordJupyterRequest records a Jupyter server API call
func (m *Metrics) RecordJupyterRequest(endpoint string, statusCode int) {
	status := "ok"
	if statusCode >= 400 {
		status = "error"
	}
	m.JupyterRequests.WithLabelValues(endpoint, status).Inc()
}
