// Package api exposes the operator HTTP surface: job control, reconcile,
// emergency stop and single-prospect enrichment.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/lock"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/monitoring"
	"github.com/sells-group/prospect-enricher/internal/reconcile"
	"github.com/sells-group/prospect-enricher/internal/resilience"
	"github.com/sells-group/prospect-enricher/internal/store"
)

// Store is the read side the handlers need.
type Store interface {
	jobs.JobPauser
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	ListJobFailures(ctx context.Context, jobID string) ([]model.JobFailure, error)
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	ListProspects(ctx context.Context, filter store.ProspectFilter) ([]model.Prospect, error)
	ListContacts(ctx context.Context, prospectID string) ([]model.Contact, error)
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]model.AuditEntry, error)
}

// Enricher runs the pipeline for one prospect.
type Enricher interface {
	Enrich(ctx context.Context, prospectID string, opts enrich.Options) (*enrich.Outcome, error)
}

// Sweeper runs a reconciliation sweep.
type Sweeper interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// StatusCollector gathers a health snapshot.
type StatusCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Queue schedules job batches in the background.
type Queue interface {
	Enqueue(id string) bool
}

// Deps are the collaborators behind the routes. Queue, Status and Metrics
// are optional.
type Deps struct {
	Store          Store
	Runner         *jobs.Runner
	Queue          Queue
	Locker         lock.Locker
	Enricher       Enricher
	Sweeper        Sweeper
	Status         StatusCollector
	Metrics        http.Handler
	AllowedOrigins []string
}

type handler struct {
	Deps
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	if d.Status != nil {
		r.Get("/status", h.status)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.startJob)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
		r.Post("/{id}/resume", h.resumeJob)
		r.Post("/{id}/pause", h.pauseJob)
		r.Get("/{id}/failures", h.jobFailures)
	})
	r.Post("/reconcile", h.reconcile)
	r.Post("/emergency-stop", h.emergencyStop)

	r.Route("/prospects", func(r chi.Router) {
		r.Get("/", h.listProspects)
		r.Get("/{id}", h.getProspect)
		r.Get("/{id}/audit", h.prospectAudit)
		r.Post("/{id}/enrich", h.enrichProspect)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeErr maps domain errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrJobCompleted):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrUnknownKind):
		status = http.StatusBadRequest
	case resilience.IsResourceExhausted(err):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}
