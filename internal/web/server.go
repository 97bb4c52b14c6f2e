package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"dedistort/internal/pipeline"
	"dedistort/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// WebServer serves the registration dashboard: a websocket feed of task
// progress plus a small JSON API over the job store.
type WebServer struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWebServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, hub *Hub, log *slog.Logger) *WebServer {
	return &WebServer{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Start runs the hub, relays pipeline results to it and serves the
// dashboard until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	go ws.hub.Run(ctx)
	go ws.relayResults(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/", ws.handleDashboard).Methods("GET")
	router.HandleFunc("/api/jobs", ws.handleAPIJobs).Methods("GET")
	router.HandleFunc("/api/progress", ws.handleAPIProgress).Methods("GET")
	router.HandleFunc("/ws", ws.handleWebSocket).Methods("GET")

	server := &http.Server{
		Addr:    ws.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	ws.log.Info("dashboard starting", "addr", ws.addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// relayResults forwards finished jobs from the pipeline to the hub.
func (ws *WebServer) relayResults(ctx context.Context) {
	if ws.pipeline == nil {
		return
	}
	resCh, unsubscribe := ws.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			errText := ""
			if res.Error != nil {
				errText = res.Error.Error()
			}
			ws.hub.AnnounceResult(res.Job.ID, string(res.Job.Type), errText, res.Meta)
		}
	}
}

func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws.hub.register <- conn

	go func() {
		defer func() {
			ws.hub.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (ws *WebServer) handleAPIJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := ws.store.RecentJobs(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func (ws *WebServer) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ws.hub.Snapshot())
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Dedistort Dashboard</title>
    <style>
        :root {
            --bg-primary: #0f172a;
            --bg-secondary: #1e293b;
            --bg-tertiary: #334155;
            --text-primary: #f8fafc;
            --text-secondary: #cbd5e1;
            --accent: #3b82f6;
            --success: #10b981;
            --error: #ef4444;
            --border: #475569;
        }

        * { margin: 0; padding: 0; box-sizing: border-box; }

        body {
            font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
        }

        .header {
            background: var(--bg-secondary);
            padding: 1rem 2rem;
            border-bottom: 1px solid var(--border);
            display: flex;
            justify-content: space-between;
            align-items: center;
        }

        .logo {
            font-size: 1.5rem;
            font-weight: bold;
            color: var(--accent);
        }

        .dashboard {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(320px, 1fr));
            gap: 1rem;
            padding: 2rem;
        }

        .card {
            background: var(--bg-secondary);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 1.5rem;
        }

        .card-title {
            font-size: 1.1rem;
            font-weight: 600;
            margin-bottom: 1rem;
            padding-bottom: 0.5rem;
            border-bottom: 1px solid var(--border);
        }

        .task {
            padding: 0.5rem 0;
        }

        .task-label {
            display: flex;
            justify-content: space-between;
            font-size: 0.9rem;
            color: var(--text-secondary);
            margin-bottom: 0.25rem;
        }

        .progress-bar {
            width: 100%;
            height: 6px;
            background: var(--bg-tertiary);
            border-radius: 3px;
            overflow: hidden;
        }

        .progress-fill {
            height: 100%;
            background: var(--accent);
            transition: width 0.3s ease;
        }

        .result-item {
            padding: 0.75rem 0;
            border-bottom: 1px solid var(--border);
            display: flex;
            justify-content: space-between;
            gap: 1rem;
        }

        .result-item:last-child { border-bottom: none; }

        .result-ok { color: var(--success); }
        .result-err { color: var(--error); }

        .connection-status {
            padding: 0.25rem 0.75rem;
            border-radius: 4px;
            font-size: 0.9rem;
        }

        .connected { background: var(--success); color: white; }
        .disconnected { background: var(--error); color: white; }
    </style>
</head>
<body>
    <header class="header">
        <div class="logo">Dedistort Dashboard</div>
        <div class="connection-status disconnected" id="connectionStatus">Connecting...</div>
    </header>

    <main class="dashboard">
        <div class="card">
            <div class="card-title">Running Tasks</div>
            <div id="taskList"></div>
        </div>

        <div class="card">
            <div class="card-title">Recent Results</div>
            <div id="resultList"></div>
        </div>
    </main>

    <script>
        class Dashboard {
            constructor() {
                this.ws = null;
                this.tasks = {};
                this.results = [];
                this.reconnectAttempts = 0;
                this.maxReconnectAttempts = 5;
                this.connect();
            }

            connect() {
                const protocol = window.location.protocol === 'https:' ? 'wss:' : 'ws:';
                this.ws = new WebSocket(protocol + '//' + window.location.host + '/ws');

                this.ws.onopen = () => {
                    this.reconnectAttempts = 0;
                    this.setStatus('Connected', true);
                    fetch('/api/progress').then(r => r.json()).then(snapshot => {
                        this.tasks = snapshot;
                        this.renderTasks();
                    });
                };

                this.ws.onmessage = (event) => {
                    const msg = JSON.parse(event.data);
                    if (msg.type === 'progress') {
                        if (msg.fraction >= 1) {
                            delete this.tasks[msg.task];
                        } else {
                            this.tasks[msg.task] = msg.fraction;
                        }
                        this.renderTasks();
                    } else if (msg.type === 'result') {
                        this.results.unshift(msg);
                        this.results = this.results.slice(0, 20);
                        this.renderResults();
                    }
                };

                this.ws.onclose = () => {
                    this.setStatus('Disconnected', false);
                    this.reconnect();
                };
            }

            reconnect() {
                if (this.reconnectAttempts < this.maxReconnectAttempts) {
                    this.reconnectAttempts++;
                    setTimeout(() => this.connect(), 3000);
                } else {
                    this.setStatus('Connection Failed', false);
                }
            }

            setStatus(text, ok) {
                const el = document.getElementById('connectionStatus');
                el.textContent = text;
                el.className = 'connection-status ' + (ok ? 'connected' : 'disconnected');
            }

            renderTasks() {
                const container = document.getElementById('taskList');
                container.innerHTML = '';
                const paths = Object.keys(this.tasks).sort();
                if (paths.length === 0) {
                    container.innerHTML = '<div class="task-label"><span>idle</span></div>';
                    return;
                }
                paths.forEach(path => {
                    const pct = (this.tasks[path] * 100).toFixed(1);
                    const task = document.createElement('div');
                    task.className = 'task';
                    task.innerHTML =
                        '<div class="task-label"><span>' + path + '</span><span>' + pct + '%</span></div>' +
                        '<div class="progress-bar"><div class="progress-fill" style="width: ' + pct + '%"></div></div>';
                    container.appendChild(task);
                });
            }

            renderResults() {
                const container = document.getElementById('resultList');
                container.innerHTML = '';
                this.results.forEach(res => {
                    const item = document.createElement('div');
                    item.className = 'result-item';
                    const status = res.error
                        ? '<span class="result-err">' + res.error + '</span>'
                        : '<span class="result-ok">ok</span>';
                    item.innerHTML = '<span>' + res.jobId + ' (' + res.jobType + ')</span>' + status;
                    container.appendChild(item);
                });
            }
        }

        new Dashboard();
    </script>
</body>
</html>`
