package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shoprank/internal/scheduler"
	"shoprank/pkg/types"
)

const defaultHeartbeat = 15 * time.Second

// Options configure the server.
type Options struct {
	// BaseContext outlives requests; drains started from a request run on it.
	BaseContext context.Context
	Metrics     http.Handler
	// Shared supplies records written by other replicas. Local records win.
	Shared      ProgressLister
	Heartbeat   time.Duration
	Logger      *slog.Logger
}

// Server exposes the search status API.
type Server struct {
	status StatusSource
	runner Runner
	events EventSource
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// NewServer wires handlers onto a chi router. runner and events may be nil.
func NewServer(status StatusSource, runner Runner, events EventSource, opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		status: status,
		runner: runner,
		events: events,
		opts:   opts,
		logger: logger.With("component", "api"),
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/openapi.yaml", s.handleOpenAPI)
	s.router.Get("/docs", s.handleDocs)
	if s.opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	s.router.Route("/api/search", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/progress/{itemID}", s.handleProgress)
		r.Get("/events", s.handleEvents)
		r.Post("/run", s.handleRun)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	st.ActiveSearches = s.withShared(r.Context(), st.ActiveSearches)
	writeJSON(w, http.StatusOK, st)
}

// withShared appends mirrored records for items this replica has not seen.
func (s *Server) withShared(ctx context.Context, local []types.SearchProgress) []types.SearchProgress {
	if s.opts.Shared == nil {
		return local
	}
	shared, err := s.opts.Shared.List(ctx)
	if err != nil {
		s.logger.Warn("reading shared progress failed", "error", err)
		return local
	}
	seen := make(map[int64]struct{}, len(local))
	for _, p := range local {
		seen[p.ItemID] = struct{}{}
	}
	merged := append([]types.SearchProgress(nil), local...)
	added := false
	for _, p := range shared {
		if _, ok := seen[p.ItemID]; ok {
			continue
		}
		merged = append(merged, p)
		added = true
	}
	if added {
		sort.SliceStable(merged, func(i, j int) bool {
			if merged[i].StartedAt.Equal(merged[j].StartedAt) {
				return merged[i].ItemID < merged[j].ItemID
			}
			return merged[i].StartedAt.Before(merged[j].StartedAt)
		})
	}
	return merged
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	p, ok := s.status.Progress(itemID)
	if !ok {
		p, ok = s.sharedProgress(r.Context(), itemID)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no recent search for item")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) sharedProgress(ctx context.Context, itemID int64) (types.SearchProgress, bool) {
	if s.opts.Shared == nil {
		return types.SearchProgress{}, false
	}
	shared, err := s.opts.Shared.List(ctx)
	if err != nil {
		s.logger.Warn("reading shared progress failed", "item_id", itemID, "error", err)
		return types.SearchProgress{}, false
	}
	for _, p := range shared {
		if p.ItemID == itemID {
			return p, true
		}
	}
	return types.SearchProgress{}, false
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	res, err := s.runner.RunAll(s.opts.BaseContext)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrTickInProgress) {
			status = http.StatusConflict
		}
		s.logger.Error("manual run failed", "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{Enqueued: res.Enqueued, Kicked: res.Kicked, Checked: res.Checked})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	eventCh, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "event: %s\n", evt.Kind)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
