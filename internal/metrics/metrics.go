package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabdoc/internal/models"
)

const namespace = "collab"

// Metrics holds the collab service collectors. It implements
// session.Observer so the manager can report room activity directly.
type Metrics struct {
	service  string
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	httpInFlight     prometheus.Gauge
	httpResponseSize *prometheus.HistogramVec

	roomsOpened  prometheus.Counter
	roomsClosed  prometheus.Counter
	saves        *prometheus.CounterVec
	stepBatches  *prometheus.CounterVec
	stepsApplied prometheus.Counter
}

// New registers the collectors on a fresh registry. stats feeds the live
// room and connection gauges at scrape time.
func New(service string, stats func() models.Stats) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		service:  service,
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}, []string{"service", "method", "path", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "path", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "http_in_flight_requests",
			Help:        "Current number of in-flight HTTP requests, open websockets included",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		httpResponseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP responses in bytes",
			Buckets:   prometheus.ExponentialBuckets(200, 2, 8),
		}, []string{"service", "method", "path", "status"}),
		roomsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_opened_total",
			Help:      "Article sessions created",
		}),
		roomsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_closed_total",
			Help:      "Article sessions torn down",
		}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Save attempts by result",
		}, []string{"result"}),
		stepBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_batches_total",
			Help:      "Submitted step batches by outcome",
		}, []string{"outcome"}),
		stepsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_applied_total",
			Help:      "Steps committed to session logs",
		}),
	}

	if stats != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Live article sessions",
		}, func() float64 { return float64(stats().Rooms) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered client connections",
		}, func() float64 { return float64(stats().Connections) })
	}
	return m
}

func (m *Metrics) RoomOpened(models.RoomStatus) { m.roomsOpened.Inc() }
func (m *Metrics) RoomClosed(models.RoomStatus) { m.roomsClosed.Inc() }

func (m *Metrics) RoomSaved(_ models.RoomStatus, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saves.WithLabelValues(result).Inc()
}

func (m *Metrics) StepsSubmitted(_ string, steps int, accepted bool) {
	if !accepted {
		m.stepBatches.WithLabelValues("rejected").Inc()
		return
	}
	m.stepBatches.WithLabelValues("accepted").Inc()
	m.stepsApplied.Add(float64(steps))
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		if r.status == 0 {
			r.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("collab metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics labelled by chi route pattern, so
// path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"service": m.service,
			"method":  r.Method,
			"path":    routePattern(r),
			"status":  strconv.Itoa(status),
		}
		m.httpRequests.With(labels).Inc()
		m.httpLatency.With(labels).Observe(time.Since(start).Seconds())
		m.httpResponseSize.With(labels).Observe(float64(rec.bytes))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
