package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"dedistort/internal/capture"
	"dedistort/internal/pipeline"
	"dedistort/internal/storage"

	"github.com/gorilla/mux"
)

// Server exposes the job store, map archive and capture catalog over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	catalog  *capture.Catalog
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. catalogPath may be empty when no external
// capture catalog is configured.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, catalogPath string, log *slog.Logger) (*Server, error) {
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
	}

	if catalogPath != "" {
		catalog, err := capture.Open(catalogPath, log)
		if err != nil {
			log.Warn("capture catalog unavailable", "path", catalogPath, "error", err)
		} else {
			s.catalog = catalog
			log.Info("capture catalog attached", "path", catalogPath)
		}
	}

	return s, nil
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupCatalogRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.catalog != nil {
			_ = s.catalog.Close()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/maps", s.handleMaps).Methods("GET")
	r.HandleFunc("/maps/{id:[0-9]+}", s.handleMapBlob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
}

// Serve runs a server with default wiring.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, catalogPath string, log *slog.Logger) error {
	server, err := NewServer(addr, store, pipe, catalogPath, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	meta, _ := s.store.JobMeta(id)
	writeJSON(w, map[string]any{
		"job":  rec,
		"meta": meta,
	})
}

// submitRequest is the POST /jobs payload.
type submitRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	var jobType pipeline.JobType
	switch pipeline.JobType(req.Type) {
	case pipeline.JobRegister, pipeline.JobConsensus, pipeline.JobEstimate, pipeline.JobScan:
		jobType = pipeline.JobType(req.Type)
	default:
		http.Error(w, fmt.Sprintf("unknown job type: %s", req.Type), http.StatusBadRequest)
		return
	}

	job := pipeline.Job{
		ID:        fmt.Sprintf("api-%s-%04d", time.Now().Format("20060102T150405"), time.Now().Nanosecond()%10000),
		Type:      jobType,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"id": job.ID, "status": "queued"})
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)
	var (
		recs []storage.MapRecord
		err  error
	)
	if jobID := r.URL.Query().Get("job"); jobID != "" {
		recs, err = s.store.MapsForJob(jobID)
	} else {
		recs, err = s.store.RecentMaps(limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

// handleMapBlob serves the archived binary encoding of one map or chain.
func (s *Server) handleMapBlob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad map id", http.StatusBadRequest)
		return
	}
	rec, err := s.store.MapBlob(id)
	if err != nil {
		http.Error(w, "map not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%d.dmap", rec.Kind, rec.ID))
	w.Write(rec.Blob)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(map[string]any{
				"id":     res.Job.ID,
				"type":   res.Job.Type,
				"error":  errText(res.Error),
				"meta":   res.Meta,
				"input":  res.Job.InputPath,
				"output": res.Job.Output,
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func queryLimit(r *http.Request, def, max int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > max {
		return def
	}
	return n
}
