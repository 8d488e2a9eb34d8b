// Package api serves the executor interface and enrollment controls over
// HTTP.
//
// Routes:
//
//	GET  /healthz
//	GET  /v1/entries/due?limit=N
//	POST /v1/entries/{id}/claim
//	POST /v1/entries/{id}/report
//	POST /v1/cadences/{id}/activate
//	POST /v1/entries/batch
//	POST /v1/enrollments
//	POST /v1/enrollments/{id}/pause
//	POST /v1/enrollments/{id}/resume
//	POST /v1/enrollments/{id}/cancel
//	POST /v1/accounts/{provider}/link
//	GET  /v1/accounts/{provider}/callback
//
// Owner-scoped routes read the scope from the X-Org-ID and X-Owner-ID
// headers, which the authenticating proxy in front of this server sets.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rasheedb1/cadence/internal/accounts"
	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
)

// Engine is the engine surface the API exposes.
type Engine interface {
	Due(ctx context.Context, limit int) ([]model.ScheduleEntry, error)
	Claim(ctx context.Context, entryID string) (model.ScheduleEntry, error)
	Report(ctx context.Context, o engine.Outcome) (engine.ReportResult, error)
	ScheduleBatch(ctx context.Context, items []engine.BatchItem) engine.BatchResult
	Activate(ctx context.Context, scope model.Scope, cadenceID string) (model.Cadence, error)
	Enroll(ctx context.Context, scope model.Scope, cadenceID, leadID string) (engine.AdvanceResult, error)
	Pause(ctx context.Context, enrollmentID, reason string) (model.LeadEnrollment, error)
	Resume(ctx context.Context, enrollmentID string) (engine.AdvanceResult, error)
	Cancel(ctx context.Context, enrollmentID string) (model.LeadEnrollment, error)
}

// Enrollments looks up enrollments for scope checks.
type Enrollments interface {
	GetEnrollment(ctx context.Context, id string) (model.LeadEnrollment, error)
}

// Linker runs account link flows.
type Linker interface {
	Start(ctx context.Context, scope model.Scope, provider string) (accounts.StartResult, error)
	Confirm(ctx context.Context, scope model.Scope, provider string, cb accounts.Callback) (accounts.ConfirmResult, error)
}

const (
	HeaderOrgID   = "X-Org-ID"
	HeaderOwnerID = "X-Owner-ID"

	defaultDueLimit = 50
	maxDueLimit     = 500
	maxBodyBytes    = 1 << 20
)

// Server is the HTTP API.
type Server struct {
	router      chi.Router
	engine      Engine
	enrollments Enrollments
	linker      Linker
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithLinker enables the account link routes.
func WithLinker(l Linker) ServerOption {
	return func(s *Server) { s.linker = l }
}

// NewServer creates a Server with all routes configured.
func NewServer(e Engine, enrollments Enrollments, opts ...ServerOption) *Server {
	s := &Server{engine: e, enrollments: enrollments}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/entries/due", s.handleDue)
		r.Post("/entries/{id}/claim", s.handleClaim)
		r.Post("/entries/{id}/report", s.handleReport)

		r.Group(func(r chi.Router) {
			r.Use(requireScope)
			r.Post("/cadences/{id}/activate", s.handleActivate)
			r.Post("/entries/batch", s.handleBatch)
			r.Post("/enrollments", s.handleEnroll)
			r.Post("/enrollments/{id}/pause", s.handlePause)
			r.Post("/enrollments/{id}/resume", s.handleResume)
			r.Post("/enrollments/{id}/cancel", s.handleCancel)
			if s.linker != nil {
				r.Post("/accounts/{provider}/link", s.handleLinkStart)
				r.Get("/accounts/{provider}/callback", s.handleLinkCallback)
			}
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("api stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type scopeKey struct{}

func requireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := model.Scope{OrgID: r.Header.Get(HeaderOrgID), OwnerID: r.Header.Get(HeaderOwnerID)}
		if scope.OrgID == "" || scope.OwnerID == "" {
			writeError(w, http.StatusUnauthorized, "missing_scope", "X-Org-ID and X-Owner-ID headers are required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope)))
	})
}

func scopeFrom(ctx context.Context) model.Scope {
	scope, _ := ctx.Value(scopeKey{}).(model.Scope)
	return scope
}
