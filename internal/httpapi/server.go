// Package httpapi exposes the runner's observability surface over HTTP:
// a liveness probe, a JSON status view, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqrunner/pkg/logx"
)

// Surface is the read-only runner view served over HTTP.
type Surface interface {
	Healthy() bool
	Processed() uint64
	InFlight() int
	LatestIssues() []string
}

type statusResponse struct {
	Healthy   bool     `json:"healthy"`
	Processed uint64   `json:"processed"`
	InFlight  int      `json:"in_flight"`
	Issues    []string `json:"issues"`
}

type Server struct {
	srv *http.Server
	log logx.Logger
}

func New(addr string, surface Surface, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("component", "httpapi"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mqrunner_messages_processed_total",
			Help: "Messages processed successfully.",
		}, func() float64 { return float64(surface.Processed()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mqrunner_jobs_in_flight",
			Help: "Jobs currently being processed.",
		}, func() float64 { return float64(surface.InFlight()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mqrunner_healthy",
			Help: "1 while all runner invariants hold, 0 once degraded.",
		}, func() float64 {
			if surface.Healthy() {
				return 1
			}
			return 0
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !surface.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		issues := surface.LatestIssues()
		if issues == nil {
			issues = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Healthy:   surface.Healthy(),
			Processed: surface.Processed(),
			InFlight:  surface.InFlight(),
			Issues:    issues,
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Start() {
	go func() {
		s.log.Info("http surface listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http surface failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http surface shutdown", logx.Err(err))
	}
}
