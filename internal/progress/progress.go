// Package progress reports hierarchical task progress. Operations form a
// tree; each update carries the joined path of labels from the root so a
// sink can render "register / iteration 2 / tile size 64" without keeping
// its own state.
package progress

import (
	"strings"
	"sync/atomic"
)

// Sink receives progress updates. Implementations must be safe for
// concurrent use; the engine reports from worker goroutines.
type Sink interface {
	ProgressChanged(taskPath string, fraction float64)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(taskPath string, fraction float64)

// ProgressChanged implements Sink.
func (f SinkFunc) ProgressChanged(taskPath string, fraction float64) {
	f(taskPath, fraction)
}

// Operation is one node of the progress tree. A nil Operation is valid and
// discards every update, so callers never need to branch on whether anyone
// is listening.
type Operation struct {
	parent   *Operation
	label    string
	sink     Sink
	fraction atomic.Uint64
}

// Root starts a new progress tree reporting to sink. A nil sink yields a
// discarding operation.
func Root(sink Sink, label string) *Operation {
	if sink == nil {
		return nil
	}
	return &Operation{label: label, sink: sink}
}

// Child creates a nested operation whose updates carry the joined path of
// labels down from the root.
func (o *Operation) Child(label string) *Operation {
	if o == nil {
		return nil
	}
	return &Operation{parent: o, label: label, sink: o.sink}
}

// TaskPath joins the labels from the root to this operation.
func (o *Operation) TaskPath() string {
	if o == nil {
		return ""
	}
	var parts []string
	for op := o; op != nil; op = op.parent {
		parts = append(parts, op.label)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " / ")
}

// Update reports a fraction in [0, 1] for this operation.
func (o *Operation) Update(fraction float64) {
	if o == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	o.fraction.Store(uint64(fraction * 1e6))
	o.sink.ProgressChanged(o.TaskPath(), fraction)
}

// Complete reports the operation as finished.
func (o *Operation) Complete() {
	o.Update(1)
}

// Fraction returns the last reported fraction.
func (o *Operation) Fraction() float64 {
	if o == nil {
		return 0
	}
	return float64(o.fraction.Load()) / 1e6
}
