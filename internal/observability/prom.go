package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec
	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Tasks (worker)

	TaskDuration  *prometheus.HistogramVec
	TaskResults   *prometheus.CounterVec
	TasksInFlight prometheus.Gauge

	// Fanout + resolve pipeline

	FanoutBatches    prometheus.Counter
	FanoutTasksTotal prometheus.Counter
	ResolveBatchSize prometheus.Histogram
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskbus",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskbus",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				// Sane initial defaults
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "taskbus",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskbus",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskbus",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskbus",
				Subsystem: "tasks",
				Name:      "duration_seconds",
				Help:      "Task execution duration by name and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"task", "result"}, // result=completed|retry|failed
		),
		TaskResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskbus",
				Subsystem: "tasks",
				Name:      "results_total",
				Help:      "Task outcomes by name and result.",
			},
			[]string{"task", "result"}, // result=completed|retry|failed
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskbus",
				Subsystem: "tasks",
				Name:      "in_flight",
				Help:      "Current number of executing tasks (per process)",
			},
		),

		FanoutBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskbus",
				Subsystem: "fanout",
				Name:      "batches_total",
				Help:      "Event batches projected onto the queue.",
			},
		),
		FanoutTasksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskbus",
				Subsystem: "fanout",
				Name:      "tasks_total",
				Help:      "Tasks created from event subscriptions.",
			},
		),
		ResolveBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "taskbus",
				Subsystem: "tasks",
				Name:      "resolve_batch_size",
				Help:      "Resolutions flushed per storage round trip.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 75},
			},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.TaskDuration, p.TaskResults, p.TasksInFlight,
		p.FanoutBatches, p.FanoutTasksTotal, p.ResolveBatchSize,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
