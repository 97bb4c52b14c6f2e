package storage

import (
	"path/filepath"
	"testing"

	"dedistort/internal/distortion"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMap() *distortion.Map {
	m := distortion.NewMap(128, 128, 32, 16)
	m.RecordDisplacement(48, 48, 1.25, -0.5)
	m.RecordDisplacement(80, 80, -0.75, 2)
	return m
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)

	rec := JobRecord{ID: "job-1", JobType: "register", Status: "queued", InputPath: "/in", OutputPath: "/out"}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobResult("job-1", "completed", map[string]any{"frames": 5.0}, ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.Job("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("unexpected job record: %+v", got)
	}

	meta, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta["frames"] != 5.0 {
		t.Fatalf("meta = %v", meta)
	}

	recent, err := s.RecentJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != "job-1" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestArchiveMapRoundTrip(t *testing.T) {
	s := openStore(t)
	src := sampleMap()

	if err := s.ArchiveMap("job-2", "/frames/f1.tif", src); err != nil {
		t.Fatal(err)
	}
	recs, err := s.MapsForJob("job-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Kind != KindMap || recs[0].TileSize != 32 {
		t.Fatalf("records = %+v", recs)
	}

	full, err := s.MapBlob(recs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	m, err := LoadMap(full)
	if err != nil {
		t.Fatal(err)
	}
	dx, dy := m.Cell(3, 3)
	wdx, wdy := src.Cell(3, 3)
	if dx != wdx || dy != wdy {
		t.Fatalf("cell (3,3) = (%v, %v), want (%v, %v)", dx, dy, wdx, wdy)
	}
}

func TestArchiveChainRoundTrip(t *testing.T) {
	s := openStore(t)
	chain := distortion.NewChain(sampleMap(), sampleMap())

	if err := s.ArchiveChain("job-3", "/frames/f2.tif", chain); err != nil {
		t.Fatal(err)
	}
	recs, err := s.MapsForJob("job-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Kind != KindChain {
		t.Fatalf("records = %+v", recs)
	}
	full, err := s.MapBlob(recs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := LoadChain(full)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2 {
		t.Fatalf("chain len = %d, want 2", got.Len())
	}
	if _, err := LoadMap(full); err == nil {
		t.Fatal("LoadMap should reject a chain record")
	}
}

func TestCaptureEvents(t *testing.T) {
	s := openStore(t)
	if err := s.RecordCaptureEvent("/cap/a.fits", "created", 1024); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRegistered("/cap/a.fits"); err != nil {
		t.Fatal(err)
	}
	var registered bool
	if err := s.DB.QueryRow(`SELECT is_registered FROM capture_events WHERE file_path=?;`, "/cap/a.fits").Scan(&registered); err != nil {
		t.Fatal(err)
	}
	if !registered {
		t.Fatal("capture event not marked registered")
	}
}
