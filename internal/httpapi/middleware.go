// Package httpapi serves NetMet's server- and client-role HTTP surfaces:
// configuration, catalog, metrics and event endpoints, request-counting
// status middleware, and optional HMAC verification.
package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netmet_http_requests_total",
		Help: "Total HTTP requests served, by path and status code.",
	}, []string{"path", "status"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netmet_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Stats is the status payload both roles expose at GET /status.
type Stats struct {
	StartedAt time.Time    `json:"started_at"`
	RuntimeS  float64      `json:"runtime_s"`
	Requests  RequestStats `json:"stats"`
}

// RequestStats aggregates counters StatsRecorder.Middleware updates on every
// response.
type RequestStats struct {
	Total       int64         `json:"total"`
	Success     int64         `json:"success"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration float64       `json:"avg_duration"`
	PerCode     map[int]int64 `json:"per_code"`
}

// StatsRecorder accumulates request counters under a mutex; Middleware
// records every response.
type StatsRecorder struct {
	startedAt time.Time

	mu          sync.Mutex
	total       int64
	success     int64
	totalMillis float64
	perCode     map[int]int64
}

// NewStatsRecorder constructs a recorder whose uptime starts now.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{startedAt: time.Now(), perCode: make(map[int]int64)}
}

// Middleware wraps next, recording status code and latency for every
// response.
func (s *StatsRecorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		d := time.Since(started)
		s.record(sw.status, d)
		requestsTotal.WithLabelValues(r.Pattern, strconv.Itoa(sw.status)).Inc()
		requestDuration.WithLabelValues(r.Pattern).Observe(d.Seconds())
	})
}

func (s *StatsRecorder) record(status int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if status < 400 {
		s.success++
	}
	s.totalMillis += float64(d.Microseconds()) / 1000.0
	s.perCode[status]++
}

// Snapshot renders the current Stats payload for GET /status.
func (s *StatsRecorder) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rate, avg float64
	if s.total > 0 {
		rate = float64(s.success) / float64(s.total)
		avg = s.totalMillis / float64(s.total)
	}
	perCode := make(map[int]int64, len(s.perCode))
	for k, v := range s.perCode {
		perCode[k] = v
	}
	return Stats{
		StartedAt: s.startedAt,
		RuntimeS:  time.Since(s.startedAt).Seconds(),
		Requests: RequestStats{
			Total:       s.total,
			Success:     s.success,
			SuccessRate: rate,
			AvgDuration: avg,
			PerCode:     perCode,
		},
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
