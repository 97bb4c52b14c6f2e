// Package device models the accelerator backend used for batched tile
// extraction, correlation and warping. Kernels execute in software, but the
// package keeps the discipline of a real device: buffers are opaque handles
// with explicit allocate/write/read/release lifecycles, kernels are looked
// up by (program, name), and all work runs inside a lock-scoped session so
// concurrent episodes never interleave. Routing decisions derive only from
// the static capabilities, never from transient host state, which keeps
// device/CPU work splits reproducible across runs.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
)

// EnvDevice switches the backend off when set to off, 0, false or disabled.
const EnvDevice = "DEDISTORT_DEVICE"

// softwareAllocBytes is the fixed allocation budget of the software backend.
// It is a constant rather than a probe of host memory so batch sizing stays
// deterministic.
const softwareAllocBytes = 256 << 20

var (
	// ErrDisabled reports that the environment turned the device off.
	ErrDisabled = errors.New("device: disabled by environment")
	// ErrClosed reports use of a device resource after Close.
	ErrClosed = errors.New("device: resource already closed")
)

// Capabilities describes the backend limits that routing and batch sizing
// are allowed to depend on.
type Capabilities struct {
	DeviceName       string
	MaxWorkGroupSize int
	MaxAllocBytes    int64
	MaxComputeUnits  int
	SupportsDouble   bool
}

// Buffer is an opaque device buffer handle. The zero value means no buffer.
type Buffer int64

// Context owns the device. One goroutine at a time may operate on it, via
// ExecuteWithLock.
type Context struct {
	mu      sync.Mutex
	caps    Capabilities
	log     *slog.Logger
	nextID  Buffer
	buffers map[Buffer][]float32
	kernels map[string]kernelFunc

	errMu  sync.Mutex
	errLog []string
}

// Open initializes the backend and verifies it with the self-test kernel.
// It returns ErrDisabled when the DEDISTORT_DEVICE environment variable
// turns the device off; callers then run CPU-only.
func Open(logger *slog.Logger) (*Context, error) {
	switch strings.ToLower(os.Getenv(EnvDevice)) {
	case "off", "0", "false", "disabled":
		return nil, ErrDisabled
	}
	c := &Context{
		caps: Capabilities{
			DeviceName:       "software",
			MaxWorkGroupSize: 1024,
			MaxAllocBytes:    softwareAllocBytes,
			MaxComputeUnits:  runtime.NumCPU(),
			SupportsDouble:   true,
		},
		log:     logger,
		nextID:  1,
		buffers: map[Buffer][]float32{},
		kernels: builtinKernels(),
	}
	if err := c.selfTest(); err != nil {
		return nil, fmt.Errorf("device: self-test failed: %w", err)
	}
	logger.Debug("device context ready",
		"device", c.caps.DeviceName,
		"compute_units", c.caps.MaxComputeUnits,
		"max_alloc_bytes", c.caps.MaxAllocBytes)
	return c, nil
}

// Capabilities returns the static device limits.
func (c *Context) Capabilities() Capabilities { return c.caps }

// ExecuteWithLock runs fn with exclusive ownership of the device. All
// buffer and kernel operations go through the session, which must not
// escape fn. Calling back into the context from inside fn deadlocks, so
// one episode acquires the lock exactly once.
func (c *Context) ExecuteWithLock(fn func(*Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&Session{ctx: c})
}

// NoteError records a device-path failure so diagnostics can distinguish
// "device never used" from "device failed and fell back".
func (c *Context) NoteError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.errLog = append(c.errLog, err.Error())
}

// Errors returns a copy of the recorded device failures.
func (c *Context) Errors() []string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return append([]string(nil), c.errLog...)
}

// selfTest round-trips a small buffer through the selftest kernel, which
// computes out[i] = 2*in[i] + 1.
func (c *Context) selfTest() error {
	return c.ExecuteWithLock(func(s *Session) error {
		const n = 16
		in := make([]float32, n)
		for i := range in {
			in[i] = float32(i)
		}
		inBuf, err := s.Allocate(n)
		if err != nil {
			return err
		}
		defer s.Release(inBuf)
		outBuf, err := s.Allocate(n)
		if err != nil {
			return err
		}
		defer s.Release(outBuf)

		if err := s.Write(inBuf, in); err != nil {
			return err
		}
		k, err := s.Kernel("selftest", "selftest")
		if err != nil {
			return err
		}
		if err := k.Run(inBuf, outBuf, n); err != nil {
			return err
		}
		s.Finish()

		out := make([]float32, n)
		if err := s.Read(outBuf, out); err != nil {
			return err
		}
		for i, v := range out {
			want := float32(i*2 + 1)
			if d := v - want; d > 1e-3 || d < -1e-3 {
				return fmt.Errorf("element %d: got %v, want %v", i, v, want)
			}
		}
		return nil
	})
}
