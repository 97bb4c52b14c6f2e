package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"dedistort/internal/capture"

	"github.com/gorilla/mux"
)

// SessionsResponse lists capture sessions from the external catalog.
type SessionsResponse struct {
	Sessions []capture.Session `json:"sessions"`
	Count    int               `json:"count"`
}

// FramesResponse lists the frames of one capture session.
type FramesResponse struct {
	SessionID int64           `json:"session_id"`
	Frames    []capture.Frame `json:"frames"`
	Count     int             `json:"count"`
}

// setupCatalogRoutes adds capture catalog endpoints. They answer 503 when
// no catalog is attached.
func (s *Server) setupCatalogRoutes(r *mux.Router) {
	r.HandleFunc("/catalog/stats", s.handleCatalogStats).Methods("GET")
	r.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	r.HandleFunc("/sessions/{id:[0-9]+}/frames", s.handleSessionFrames).Methods("GET")
}

func (s *Server) handleCatalogStats(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "capture catalog not available", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.catalog.Stats()
	if err != nil {
		http.Error(w, fmt.Sprintf("catalog stats failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "capture catalog not available", http.StatusServiceUnavailable)
		return
	}

	limit := queryLimit(r, 50, 500)

	var (
		sessions []capture.Session
		err      error
	)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, perr := time.Parse(time.RFC3339, sinceStr)
		if perr != nil {
			http.Error(w, "invalid since format, use RFC3339", http.StatusBadRequest)
			return
		}
		sessions, err = s.catalog.SessionsSince(since, limit)
	} else {
		sessions, err = s.catalog.RecentSessions(limit)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("listing sessions failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, SessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) handleSessionFrames(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "capture catalog not available", http.StatusServiceUnavailable)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}

	frames, err := s.catalog.Frames(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("listing frames failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, FramesResponse{SessionID: id, Frames: frames, Count: len(frames)})
}
