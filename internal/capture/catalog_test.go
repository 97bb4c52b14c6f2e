package capture

import (
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixtureDB builds a capture database the way capture software would.
func fixtureDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE sessions (
			id INTEGER PRIMARY KEY,
			target TEXT, camera TEXT, folder TEXT,
			frame_count INTEGER, exposure_ms REAL, gain REAL,
			started_at INTEGER, finished_at INTEGER
		);`,
		`CREATE TABLE frames (
			id INTEGER PRIMARY KEY,
			session_id INTEGER, filename TEXT,
			width INTEGER, height INTEGER, mean_level REAL,
			captured_at INTEGER
		);`,
		`INSERT INTO sessions VALUES (1, 'Sun', 'ASI174MM', '/cap/sun', 2, 1.2, 180, 1700000000, 1700000600);`,
		`INSERT INTO sessions VALUES (2, 'Moon', 'ASI174MM', '/cap/moon', 0, 5.0, 120, 1700010000, 0);`,
		`INSERT INTO frames VALUES (1, 1, 'sun_0001.fits', 1936, 1216, 812.5, 1700000010);`,
		`INSERT INTO frames VALUES (2, 1, 'sun_0002.fits', 1936, 1216, 810.1, 1700000020);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestOpenMissingCatalog(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "absent.db"), testLogger()); err == nil {
		t.Fatal("expected error for missing catalog")
	}
}

func TestStatsAndSessions(t *testing.T) {
	cat, err := Open(fixtureDB(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	stats, err := cat.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["total_sessions"] != 2 || stats["total_frames"] != 2 {
		t.Fatalf("stats = %v", stats)
	}

	sessions, err := cat.RecentSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].Target != "Moon" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[1].FrameCount != 2 || sessions[1].FinishedAt.IsZero() {
		t.Fatalf("sun session = %+v", sessions[1])
	}
	if !sessions[0].FinishedAt.IsZero() {
		t.Fatalf("unfinished session has finish time: %+v", sessions[0])
	}
}

func TestFramesInCaptureOrder(t *testing.T) {
	cat, err := Open(fixtureDB(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	frames, err := cat.Frames(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Filename != "sun_0001.fits" || frames[1].Filename != "sun_0002.fits" {
		t.Fatalf("frames out of order: %+v", frames)
	}
	if frames[0].FullPath != filepath.Join("/cap/sun", "sun_0001.fits") {
		t.Fatalf("full path = %q", frames[0].FullPath)
	}
}

func TestSessionsSince(t *testing.T) {
	cat, err := Open(fixtureDB(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	sessions, err := cat.SessionsSince(time.Unix(1700005000, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Target != "Moon" {
		t.Fatalf("sessions = %+v", sessions)
	}
}
