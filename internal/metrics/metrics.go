// Package metrics exposes Prometheus collectors for the feed crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerDocumentsTotal         *prometheus.CounterVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerJobDurationSeconds     *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRobotsFallbackTotal    *prometheus.CounterVec
	crawlerHeadlessPromotions     prometheus.Counter
	proxyHealthy                  prometheus.Gauge
	proxyUnhealthy                prometheus.Gauge
	proxyReportsTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total fetch attempts, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_documents_total",
				Help: "Candidate documents, labeled by source type and outcome.",
			},
			[]string{"source_type", "outcome"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of scheduler jobs, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_job_duration_seconds",
				Help:    "Histogram of job run times, labeled by kind.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"kind"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerRobotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "robots.txt lookups that failed open, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerHeadlessPromotions = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_headless_promotions_total",
				Help: "Pages re-fetched with the headless browser.",
			},
		)

		proxyHealthy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_proxies_healthy",
				Help: "Number of proxies currently usable.",
			},
		)

		proxyUnhealthy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_proxies_unhealthy",
				Help: "Number of proxies currently gated.",
			},
		)

		proxyReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_reports_total",
				Help: "Proxy outcome reports, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Ops API requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, status string, duration time.Duration) {
	Init()
	sanitized := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitized, status).Inc()
	if duration > 0 {
		crawlerFetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	}
}

// ObserveDocument counts a candidate document outcome.
func ObserveDocument(sourceType, outcome string) {
	Init()
	crawlerDocumentsTotal.WithLabelValues(sourceType, outcome).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobDuration records how long a job ran.
func ObserveJobDuration(kind string, duration time.Duration) {
	Init()
	crawlerJobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt lookup that failed open.
func ObserveRobotsFallback(site string) {
	Init()
	crawlerRobotsFallbackTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveHeadlessPromotion counts a headless re-fetch.
func ObserveHeadlessPromotion() {
	Init()
	crawlerHeadlessPromotions.Inc()
}

// SetProxyHealth publishes the healthy and unhealthy proxy counts.
func SetProxyHealth(healthy, unhealthy int) {
	Init()
	proxyHealthy.Set(float64(healthy))
	proxyUnhealthy.Set(float64(unhealthy))
}

// ObserveProxyReport counts a proxy success or failure report.
func ObserveProxyReport(result string) {
	Init()
	proxyReportsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
