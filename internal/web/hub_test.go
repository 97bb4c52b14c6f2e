package web

import (
	"testing"

	"log/slog"
)

func TestHubSnapshotTracksLiveTasks(t *testing.T) {
	h := NewHub(slog.Default())

	h.ProgressChanged("job-1/register/frame 0", 0.25)
	h.ProgressChanged("job-1/register/frame 1", 0.5)

	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected two live tasks, got %d", len(snap))
	}
	if snap["job-1/register/frame 0"] != 0.25 {
		t.Fatalf("unexpected fraction: %v", snap["job-1/register/frame 0"])
	}

	// Completion removes the task from the snapshot.
	h.ProgressChanged("job-1/register/frame 0", 1)
	snap = h.Snapshot()
	if _, ok := snap["job-1/register/frame 0"]; ok {
		t.Fatalf("completed task still in snapshot")
	}
	if len(snap) != 1 {
		t.Fatalf("expected one live task, got %d", len(snap))
	}
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	h := NewHub(slog.Default())

	// Nobody is draining the broadcast channel; updates beyond its
	// capacity must be dropped rather than stall the caller.
	for i := 0; i < 1000; i++ {
		h.ProgressChanged("job-x/consensus", float64(i)/2000)
		h.AnnounceResult("job-x", "consensus", "", nil)
	}
}
