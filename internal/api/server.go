package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"localtasks/internal/domain"
	"localtasks/internal/queue"
	"localtasks/internal/sync"
	"localtasks/internal/tasks"
)

// TaskStore is the task CRUD surface exposed over HTTP.
type TaskStore interface {
	Create(ctx context.Context, in tasks.CreateInput) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, includeDeleted bool) ([]domain.Task, error)
	Update(ctx context.Context, id string, p tasks.Patch) (domain.Task, error)
	Delete(ctx context.Context, id string) error
}

type SyncEngine interface {
	Trigger(ctx context.Context) (sync.Result, error)
	Poisoned(ctx context.Context) ([]domain.QueueItem, error)
	RetryPoisoned(ctx context.Context, id string) error
	ClearPoisoned(ctx context.Context, id string) error
}

type StatusSource interface {
	Status(ctx context.Context) (sync.Status, error)
}

type Options struct {
	Debug bool

	// TriggerRPS limits manual sync triggers; zero disables the limit.
	TriggerRPS   float64
	TriggerBurst int
}

type Server struct {
	r       *chi.Mux
	tasks   TaskStore
	engine  SyncEngine
	status  StatusSource
	limiter *rate.Limiter
}

func NewServer(ts TaskStore, engine SyncEngine, status StatusSource, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, tasks: ts, engine: engine, status: status}
	if opts.TriggerRPS > 0 {
		burst := opts.TriggerBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.TriggerRPS), burst)
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Put("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/trigger", s.triggerSync)
		r.Get("/status", s.syncStatus)
		r.Get("/poisoned", s.listPoisoned)
		r.Post("/poisoned/{id}/retry", s.retryPoisoned)
		r.Delete("/poisoned/{id}", s.clearPoisoned)
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// health never touches the store.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	list, err := s.tasks.List(r.Context(), includeDeleted)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var p tasks.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.tasks.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	res, err := s.engine.Trigger(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listPoisoned(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.Poisoned(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) retryPoisoned(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryPoisoned(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearPoisoned(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearPoisoned(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tasks.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sync.ErrCycleInProgress), errors.Is(err, sync.ErrNotPoisoned):
		writeError(w, http.StatusConflict, err.Error())
	case sync.KindOf(err) == sync.KindOffline:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "remote unreachable",
			"kind":  string(sync.KindOffline),
		})
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
