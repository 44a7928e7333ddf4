package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/domain"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Tracker interface {
	Progress(ctx context.Context) (domain.ProgressRecord, error)
	Item(ctx context.Context, itemID string) (domain.WorkItem, error)
	Replay(ctx context.Context, itemID string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

type ItemLister interface {
	ListByStatus(ctx context.Context, status domain.ItemStatus, limit int) ([]domain.WorkItem, error)
}

type Server struct {
	tracker Tracker
	items   ItemLister
	deps    DependencyChecker
	metrics http.Handler
	logger  *zap.Logger
	http    *http.Server
}

type Options struct {
	Addr    string
	Tracker Tracker
	Items   ItemLister
	Deps    DependencyChecker
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tracker: opts.Tracker,
		items:   opts.Items,
		deps:    opts.Deps,
		metrics: opts.Metrics,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/progress", func(r chi.Router) {
		r.Get("/", s.getProgress)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
	})
	r.Route("/items", func(r chi.Router) {
		r.Get("/", s.listItems)
		r.Get("/{itemID}", s.getItem)
		r.Post("/{itemID}/replay", s.replayItem)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, codeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", nil)
	})
	return r
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps != nil {
		if err := s.deps.Check(ctx); err != nil {
			writeAPIError(w, http.StatusServiceUnavailable, codeNotReady, err.Error(), nil)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rec, err := s.tracker.Progress(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgressResponse{
		ProgressRecord: rec,
		RemainingQuota: rec.RemainingQuota(),
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, s.tracker.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, s.tracker.Resume)
}

func (s *Server) changeStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.getProgress(w, r)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	status := domain.ItemStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPoisoned
	}
	if !status.Valid() {
		writeAPIError(w, http.StatusBadRequest, codeInvalidStatus, "unknown item status", map[string]string{"status": string(status)})
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, codeInvalidLimit, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	items, err := s.items.ListByStatus(ctx, status, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []domain.WorkItem{}
	}
	writeJSON(w, http.StatusOK, ItemListResponse{Status: status, Items: items})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	item, err := s.tracker.Item(ctx, chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) replayItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.tracker.Replay(ctx, itemID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	item, err := s.tracker.Item(ctx, itemID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}
