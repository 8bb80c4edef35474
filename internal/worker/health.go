package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ReadinessDeps interface {
	Ping(ctx context.Context) error
}

// NewHealthServer builds the worker process sidecar listener: liveness,
// readiness backed by a DB ping, task throughput stats and the metrics
// scrape endpoint.
func NewHealthServer(
	addr string,
	deps ReadinessDeps,
	isShuttingDown func() bool,
	stats *observability.WorkerStats,
	reg *prometheus.Registry,
	log *slog.Logger,
) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))

		if err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if isShuttingDown() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		err := deps.Ping(ctx)

		if err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		body := map[string]any{"status": "ready"}
		if stats != nil {
			body["tasks"] = stats.Snapshot()
		}

		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Error("readyz encode failed", "err", err)
		}
	})

	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
