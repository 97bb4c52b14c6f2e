package progress

import (
	"sync"
	"testing"
)

type recordingSink struct {
	mu      sync.Mutex
	paths   []string
	updates []float64
}

func (s *recordingSink) ProgressChanged(taskPath string, fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, taskPath)
	s.updates = append(s.updates, fraction)
}

func TestTaskPathJoinsLabels(t *testing.T) {
	sink := &recordingSink{}
	root := Root(sink, "register")
	iter := root.Child("iteration 1")
	level := iter.Child("tile size 64")

	level.Update(0.5)

	if got := level.TaskPath(); got != "register / iteration 1 / tile size 64" {
		t.Fatalf("unexpected task path %q", got)
	}
	if len(sink.paths) != 1 || sink.paths[0] != "register / iteration 1 / tile size 64" {
		t.Fatalf("sink did not receive the joined path: %v", sink.paths)
	}
	if sink.updates[0] != 0.5 {
		t.Fatalf("expected fraction 0.5, got %v", sink.updates[0])
	}
}

func TestUpdateClampsFraction(t *testing.T) {
	sink := &recordingSink{}
	op := Root(sink, "job")
	op.Update(-0.2)
	op.Update(1.7)
	if sink.updates[0] != 0 || sink.updates[1] != 1 {
		t.Fatalf("expected clamped updates [0 1], got %v", sink.updates)
	}
	if op.Fraction() != 1 {
		t.Fatalf("expected stored fraction 1, got %v", op.Fraction())
	}
}

func TestNilOperationDiscards(t *testing.T) {
	var op *Operation
	// None of these may panic.
	op.Update(0.3)
	op.Complete()
	child := op.Child("nested")
	child.Update(0.8)
	if op.TaskPath() != "" || op.Fraction() != 0 {
		t.Fatalf("nil operation should report empty state")
	}

	if got := Root(nil, "job"); got != nil {
		t.Fatalf("nil sink should produce a nil operation, got %v", got)
	}
}

func TestCompleteReportsOne(t *testing.T) {
	sink := &recordingSink{}
	op := Root(sink, "job")
	op.Complete()
	if len(sink.updates) != 1 || sink.updates[0] != 1 {
		t.Fatalf("expected single update of 1, got %v", sink.updates)
	}
}
