package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector exposes the aggregator state to Prometheus. Every scrape reads
// a consistent Window from the aggregator, so the exported series never mix
// counts from two different points in the run.
type Collector struct {
	agg *Aggregator

	requestsDesc   *prometheus.Desc
	failuresDesc   *prometheus.Desc
	statusDesc     *prometheus.Desc
	failureRate    *prometheus.Desc
	rate5xx        *prometheus.Desc
	latencyDesc    *prometheus.Desc
	rpsDesc        *prometheus.Desc
	recentRPS      *prometheus.Desc
	bytesDesc      *prometheus.Desc
	activeVUs      *prometheus.Desc
	peakVUs        *prometheus.Desc
	queueDepth     *prometheus.Desc
	blockedPublish *prometheus.Desc
}

// NewCollector creates a Prometheus collector backed by the aggregator.
func NewCollector(agg *Aggregator) *Collector {
	return &Collector{
		agg: agg,
		requestsDesc: prometheus.NewDesc(
			"mangonel_requests_total",
			"Total request outcomes recorded since the run started",
			nil, nil,
		),
		failuresDesc: prometheus.NewDesc(
			"mangonel_failures_total",
			"Request outcomes classified as failures by the failure rule",
			nil, nil,
		),
		statusDesc: prometheus.NewDesc(
			"mangonel_responses_total",
			"HTTP responses received, partitioned by status code",
			[]string{"code"}, nil,
		),
		failureRate: prometheus.NewDesc(
			"mangonel_failure_rate",
			"Fraction of outcomes classified as failures over the whole run",
			nil, nil,
		),
		rate5xx: prometheus.NewDesc(
			"mangonel_rate_5xx",
			"Fraction of 5xx responses over the recent interval window",
			nil, nil,
		),
		latencyDesc: prometheus.NewDesc(
			"mangonel_request_duration_seconds",
			"Request latency quantiles from the streaming estimator",
			nil, nil,
		),
		rpsDesc: prometheus.NewDesc(
			"mangonel_requests_per_second",
			"Requests per second over the run so far",
			nil, nil,
		),
		recentRPS: prometheus.NewDesc(
			"mangonel_recent_requests_per_second",
			"Requests per second over the recent interval window",
			nil, nil,
		),
		bytesDesc: prometheus.NewDesc(
			"mangonel_response_bytes_total",
			"Total response body bytes read",
			nil, nil,
		),
		activeVUs: prometheus.NewDesc(
			"mangonel_active_vus",
			"Virtual users currently running iterations",
			nil, nil,
		),
		peakVUs: prometheus.NewDesc(
			"mangonel_peak_vus",
			"Highest concurrent virtual user count observed",
			nil, nil,
		),
		queueDepth: prometheus.NewDesc(
			"mangonel_outcome_queue_depth",
			"Outcomes buffered between the workers and the aggregator",
			nil, nil,
		),
		blockedPublish: prometheus.NewDesc(
			"mangonel_blocked_publishes_total",
			"Outcome publishes that blocked because the queue was full",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.failuresDesc
	ch <- c.statusDesc
	ch <- c.failureRate
	ch <- c.rate5xx
	ch <- c.latencyDesc
	ch <- c.rpsDesc
	ch <- c.recentRPS
	ch <- c.bytesDesc
	ch <- c.activeVUs
	ch <- c.peakVUs
	ch <- c.queueDepth
	ch <- c.blockedPublish
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	w := c.agg.View()

	ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(w.Total))
	ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(w.Failed))
	for code, count := range w.StatusCounts {
		ch <- prometheus.MustNewConstMetric(c.statusDesc, prometheus.CounterValue, float64(count), strconv.Itoa(code))
	}
	ch <- prometheus.MustNewConstMetric(c.failureRate, prometheus.GaugeValue, w.FailureRate)
	ch <- prometheus.MustNewConstMetric(c.rate5xx, prometheus.GaugeValue, w.Rate5xx)
	if w.Latency.Count > 0 {
		sum := w.Latency.Mean.Seconds() * float64(w.Latency.Count)
		ch <- prometheus.MustNewConstSummary(c.latencyDesc, uint64(w.Latency.Count), sum, map[float64]float64{
			0.5:  w.Latency.P50.Seconds(),
			0.9:  w.Latency.P90.Seconds(),
			0.95: w.Latency.P95.Seconds(),
			0.99: w.Latency.P99.Seconds(),
		})
	}
	ch <- prometheus.MustNewConstMetric(c.rpsDesc, prometheus.GaugeValue, w.RPS)
	ch <- prometheus.MustNewConstMetric(c.recentRPS, prometheus.GaugeValue, w.RecentRPS)
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(w.Bytes))
	ch <- prometheus.MustNewConstMetric(c.activeVUs, prometheus.GaugeValue, float64(w.ActiveVUs))
	ch <- prometheus.MustNewConstMetric(c.peakVUs, prometheus.GaugeValue, float64(w.PeakVUs))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.agg.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.blockedPublish, prometheus.CounterValue, float64(c.agg.BlockedPublishes()))
}

// ServeMetrics starts an HTTP server exposing the aggregator on /metrics in
// Prometheus exposition format, plus a /health endpoint. The returned stop
// function shuts the server down gracefully.
func ServeMetrics(addr string, agg *Aggregator, logger *zap.Logger) (func(context.Context) error, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(agg))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return srv.Shutdown, nil
}
