// Package capture reads the session database that capture software keeps
// alongside its frame directories. Access is strictly read-only: the
// capture program owns that file and may be writing while we read.
package capture

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog provides read-only access to a capture session database.
type Catalog struct {
	path string
	db   *sql.DB
	log  *slog.Logger
}

// Session is one recording run of the capture software.
type Session struct {
	ID         int64     `json:"id"`
	Target     string    `json:"target"`
	Camera     string    `json:"camera"`
	Folder     string    `json:"folder"`
	FrameCount int       `json:"frame_count"`
	ExposureMS float64   `json:"exposure_ms"`
	Gain       float64   `json:"gain"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Frame is one captured frame within a session.
type Frame struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	Filename   string    `json:"filename"`
	FullPath   string    `json:"full_path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	MeanLevel  float64   `json:"mean_level"`
	CapturedAt time.Time `json:"captured_at"`
}

// Open verifies the database exists and opens a read-only connection.
func Open(path string, log *slog.Logger) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("capture catalog not found at %s", path)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open capture catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("capture catalog ping failed: %w", err)
	}

	log.Debug("connected to capture catalog", "path", path)
	return &Catalog{path: path, db: db, log: log}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Stats returns basic statistics about the catalog.
func (c *Catalog) Stats() (map[string]any, error) {
	query := `
		SELECT
			COUNT(*) as total_sessions,
			COALESCE(SUM(frame_count), 0) as total_frames,
			COALESCE(MIN(started_at), 0) as earliest,
			COALESCE(MAX(started_at), 0) as latest
		FROM sessions
	`

	var totalSessions, totalFrames int
	var earliest, latest int64
	if err := c.db.QueryRow(query).Scan(&totalSessions, &totalFrames, &earliest, &latest); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := map[string]any{
		"total_sessions": totalSessions,
		"total_frames":   totalFrames,
	}
	if earliest > 0 {
		stats["earliest_session"] = time.Unix(earliest, 0)
	}
	if latest > 0 {
		stats["latest_session"] = time.Unix(latest, 0)
	}
	return stats, nil
}

// RecentSessions returns the newest sessions up to limit.
func (c *Catalog) RecentSessions(limit int) ([]Session, error) {
	query := `
		SELECT id, target, camera, folder, frame_count, exposure_ms, gain, started_at, finished_at
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started, finished int64
		if err := rows.Scan(&s.ID, &s.Target, &s.Camera, &s.Folder, &s.FrameCount,
			&s.ExposureMS, &s.Gain, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if started > 0 {
			s.StartedAt = time.Unix(started, 0)
		}
		if finished > 0 {
			s.FinishedAt = time.Unix(finished, 0)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionsSince returns sessions started after the given time.
func (c *Catalog) SessionsSince(since time.Time, limit int) ([]Session, error) {
	query := `
		SELECT id, target, camera, folder, frame_count, exposure_ms, gain, started_at, finished_at
		FROM sessions
		WHERE started_at > ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions since %v: %w", since, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started, finished int64
		if err := rows.Scan(&s.ID, &s.Target, &s.Camera, &s.Folder, &s.FrameCount,
			&s.ExposureMS, &s.Gain, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if started > 0 {
			s.StartedAt = time.Unix(started, 0)
		}
		if finished > 0 {
			s.FinishedAt = time.Unix(finished, 0)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Frames returns the frames of a session in capture order.
func (c *Catalog) Frames(sessionID int64) ([]Frame, error) {
	query := `
		SELECT f.id, f.session_id, f.filename, f.width, f.height, f.mean_level, f.captured_at, s.folder
		FROM frames f
		JOIN sessions s ON f.session_id = s.id
		WHERE f.session_id = ?
		ORDER BY f.captured_at ASC, f.id ASC
	`

	rows, err := c.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var captured int64
		var folder string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Filename, &f.Width, &f.Height,
			&f.MeanLevel, &captured, &folder); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.FullPath = filepath.Join(folder, f.Filename)
		if captured > 0 {
			f.CapturedAt = time.Unix(captured, 0)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// WatchForSessions polls for newly started sessions until stop is closed.
// The capture program appends to its database without notifying anyone, so
// polling is the only option here.
func (c *Catalog) WatchForSessions(interval time.Duration, stop <-chan struct{}, callback func([]Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCheck := time.Now().Add(-interval)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sessions, err := c.SessionsSince(lastCheck, 100)
			if err != nil {
				c.log.Warn("capture catalog poll failed", "error", err)
				continue
			}
			if len(sessions) > 0 {
				c.log.Info("new capture sessions found", "count", len(sessions), "since", lastCheck)
				callback(sessions)
			}
			lastCheck = time.Now()
		}
	}
}
