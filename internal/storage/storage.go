package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dedistort/internal/distortion"
)

// Store wraps SQLite-backed persistence for jobs, frame sets and the
// distortion map archive.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_sets (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            mode TEXT,
            base_path TEXT,
            frame_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS distortion_maps (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            frame_path TEXT NOT NULL,
            kind TEXT NOT NULL,
            tile_size INTEGER,
            step INTEGER,
            total_distortion REAL,
            blob BLOB NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS capture_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            is_registered BOOLEAN DEFAULT FALSE,
            event_data TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_distortion_maps_job ON distortion_maps(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_distortion_maps_frame ON distortion_maps(frame_path);`,
		`CREATE INDEX IF NOT EXISTS idx_capture_events_file_path ON capture_events(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_capture_events_event_type ON capture_events(event_type);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FrameSetRecord captures one registered frame set.
type FrameSetRecord struct {
	JobID      string
	Mode       string
	BasePath   string
	FrameCount int
}

// MapRecord is one archived distortion map or chain.
type MapRecord struct {
	ID              int64
	JobID           string
	FramePath       string
	Kind            string // "map" or "chain"
	TileSize        int
	Step            int
	TotalDistortion float64
	Blob            []byte
	CreatedAt       time.Time
}

// Archive kinds.
const (
	KindMap   = "map"
	KindChain = "chain"
)

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Job fetches one job by id.
func (s *Store) Job(id string) (*JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id)
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
		return nil, err
	}
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return &rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrameSet persists a registered frame set.
func (s *Store) RecordFrameSet(rec FrameSetRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO frame_sets (job_id, mode, base_path, frame_count) VALUES (?, ?, ?, ?);`,
		rec.JobID, rec.Mode, rec.BasePath, rec.FrameCount)
	return err
}

// ArchiveMap serializes and stores the final map for a frame.
func (s *Store) ArchiveMap(jobID, framePath string, m *distortion.Map) error {
	if s == nil {
		return nil
	}
	blob, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO distortion_maps (job_id, frame_path, kind, tile_size, step, total_distortion, blob) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		jobID, framePath, KindMap, m.TileSize(), m.Step(), m.TotalDistortion(), blob)
	return err
}

// ArchiveChain serializes and stores the full correction chain for a frame.
func (s *Store) ArchiveChain(jobID, framePath string, c *distortion.Chain) error {
	if s == nil || c.Len() == 0 {
		return nil
	}
	blob, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	first := c.Map(0)
	_, err = s.DB.Exec(`INSERT INTO distortion_maps (job_id, frame_path, kind, tile_size, step, total_distortion, blob) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		jobID, framePath, KindChain, first.TileSize(), first.Step(), first.TotalDistortion(), blob)
	return err
}

// MapsForJob lists archived maps for a job without their blobs.
func (s *Store) MapsForJob(jobID string) ([]MapRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_id, frame_path, kind, tile_size, step, total_distortion, created_at FROM distortion_maps WHERE job_id=? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MapRecord
	for rows.Next() {
		var rec MapRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.FramePath, &rec.Kind, &rec.TileSize, &rec.Step, &rec.TotalDistortion, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// MapBlob fetches one archived blob by id.
func (s *Store) MapBlob(id int64) (*MapRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var rec MapRecord
	err := s.DB.QueryRow(`SELECT id, job_id, frame_path, kind, tile_size, step, total_distortion, blob, created_at FROM distortion_maps WHERE id=?;`, id).
		Scan(&rec.ID, &rec.JobID, &rec.FramePath, &rec.Kind, &rec.TileSize, &rec.Step, &rec.TotalDistortion, &rec.Blob, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadMap decodes an archived record back into a map.
func LoadMap(rec *MapRecord) (*distortion.Map, error) {
	if rec.Kind != KindMap {
		return nil, fmt.Errorf("record %d is a %s, not a map", rec.ID, rec.Kind)
	}
	return distortion.UnmarshalMap(rec.Blob)
}

// LoadChain decodes an archived record back into a chain.
func LoadChain(rec *MapRecord) (*distortion.Chain, error) {
	if rec.Kind != KindChain {
		return nil, fmt.Errorf("record %d is a %s, not a chain", rec.ID, rec.Kind)
	}
	return distortion.UnmarshalChain(rec.Blob)
}

// RecentMaps lists the newest archived maps across all jobs.
func (s *Store) RecentMaps(limit int) ([]MapRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_id, frame_path, kind, tile_size, step, total_distortion, created_at FROM distortion_maps ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MapRecord
	for rows.Next() {
		var rec MapRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.FramePath, &rec.Kind, &rec.TileSize, &rec.Step, &rec.TotalDistortion, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordCaptureEvent stores a watcher event for a capture file.
func (s *Store) RecordCaptureEvent(filePath, eventType string, fileSize int64) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO capture_events (file_path, event_type, event_time, file_size) VALUES (?, ?, CURRENT_TIMESTAMP, ?);`,
		filePath, eventType, fileSize)
	return err
}

// MarkRegistered flags every capture event for a file as handled.
func (s *Store) MarkRegistered(filePath string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE capture_events SET is_registered=TRUE WHERE file_path=?;`, filePath)
	return err
}
