package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bundler/internal/pipeline"
	"bundler/internal/storage"

	"github.com/gorilla/mux"
)

// Pipeline is the part of *pipeline.Pipeline the server drives.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes run history and live job results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. pipe may be nil, in which case job
// submission and the result stream are unavailable.
func NewServer(addr string, store *storage.Store, pipe Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, store: store, pipeline: pipe, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/pairs", s.handlePairs).Methods("GET")
	r.HandleFunc("/runs/{id}/cameras", s.handleCameras).Methods("GET")
	r.HandleFunc("/runs/{id}/stages", s.handleStages).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
}

// Serve runs a server until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// submitRequest is the body of POST /runs.
type submitRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job submission not available", http.StatusServiceUnavailable)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch t := pipeline.JobType(req.Type); t {
	case pipeline.JobRun, pipeline.JobRerun, pipeline.JobPairs, pipeline.JobTwists, pipeline.JobSpanner, pipeline.JobPostProcess:
	default:
		http.Error(w, "unknown job type "+strconv.Quote(req.Type), http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:        storage.NewRunID(),
		Type:      pipeline.JobType(req.Type),
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.RunMeta(mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.store.Pairs(mux.Vars(r)["id"])
	respond(w, pairs, err)
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.store.Cameras(mux.Vars(r)["id"])
	respond(w, cams, err)
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	stages, err := s.store.Stages(mux.Vars(r)["id"])
	respond(w, stages, err)
}

// resultEvent is a job result as sent on the stream.
type resultEvent struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "stream not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			ev := resultEvent{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode result event", "job", res.Job.ID, "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
