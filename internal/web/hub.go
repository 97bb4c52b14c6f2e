package web

import (
	"context"
	"encoding/json"
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

// Hub fans progress and result messages out to connected websocket
// clients. It implements progress.Sink so the pipeline can feed it
// directly.
type Hub struct {
	log        *slog.Logger
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	mu      sync.Mutex
	tasks   map[string]float64
	clients map[*websocket.Conn]bool
}

// progressMessage is the wire format for a single task update.
type progressMessage struct {
	Type     string  `json:"type"`
	Task     string  `json:"task"`
	Fraction float64 `json:"fraction"`
}

// resultMessage announces a finished job.
type resultMessage struct {
	Type  string         `json:"type"`
	JobID string         `json:"jobId"`
	Job   string         `json:"jobType"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:        log,
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		tasks:      make(map[string]float64),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// ProgressChanged implements progress.Sink. Finished tasks are dropped
// from the snapshot so the dashboard only shows live work.
func (h *Hub) ProgressChanged(taskPath string, fraction float64) {
	h.mu.Lock()
	if fraction >= 1 {
		delete(h.tasks, taskPath)
	} else {
		h.tasks[taskPath] = fraction
	}
	h.mu.Unlock()

	payload, err := json.Marshal(progressMessage{Type: "progress", Task: taskPath, Fraction: fraction})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// A stalled dashboard must not slow down registration.
	}
}

// AnnounceResult broadcasts a completed job to all clients.
func (h *Hub) AnnounceResult(jobID, jobType, errText string, meta map[string]any) {
	payload, err := json.Marshal(resultMessage{Type: "result", JobID: jobID, Job: jobType, Error: errText, Meta: meta})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// Snapshot returns the current task fractions.
func (h *Hub) Snapshot() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]float64, len(h.tasks))
	for k, v := range h.tasks {
		out[k] = v
	}
	return out
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("dashboard client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("dashboard client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
