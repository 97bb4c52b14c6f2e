package device

import "fmt"

// Session is the view of the device held while the context lock is owned.
// It is not safe for concurrent use and must not outlive the
// ExecuteWithLock call that produced it.
type Session struct {
	ctx *Context
}

// Allocate reserves a device buffer of n float32 elements.
func (s *Session) Allocate(n int) (Buffer, error) {
	if n <= 0 {
		return 0, fmt.Errorf("device: invalid allocation size %d", n)
	}
	if int64(n)*4 > s.ctx.caps.MaxAllocBytes {
		return 0, fmt.Errorf("device: allocation of %d elements exceeds the %d byte limit", n, s.ctx.caps.MaxAllocBytes)
	}
	id := s.ctx.nextID
	s.ctx.nextID++
	s.ctx.buffers[id] = make([]float32, n)
	return id, nil
}

// Write copies host data into a device buffer.
func (s *Session) Write(buf Buffer, data []float32) error {
	dst, err := s.data(buf)
	if err != nil {
		return err
	}
	if len(data) > len(dst) {
		return fmt.Errorf("device: write of %d elements into a buffer of %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// Read copies a device buffer back to host memory.
func (s *Session) Read(buf Buffer, dst []float32) error {
	src, err := s.data(buf)
	if err != nil {
		return err
	}
	if len(dst) > len(src) {
		return fmt.Errorf("device: read of %d elements from a buffer of %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// Release frees a buffer. Releasing the zero handle is a no-op so owners
// built up in stages can release unconditionally on error paths.
func (s *Session) Release(buf Buffer) error {
	if buf == 0 {
		return nil
	}
	if _, ok := s.ctx.buffers[buf]; !ok {
		return fmt.Errorf("device: release of unknown buffer %d", buf)
	}
	delete(s.ctx.buffers, buf)
	return nil
}

// Kernel looks up a kernel by program and name.
func (s *Session) Kernel(program, name string) (*Kernel, error) {
	key := program + ":" + name
	fn, ok := s.ctx.kernels[key]
	if !ok {
		return nil, fmt.Errorf("device: unknown kernel %s", key)
	}
	return &Kernel{session: s, key: key, fn: fn}, nil
}

// Finish blocks until queued work completes. The software backend executes
// kernels synchronously so this returns immediately; callers still invoke
// it wherever a real command queue would need draining.
func (s *Session) Finish() {}

func (s *Session) data(buf Buffer) ([]float32, error) {
	d, ok := s.ctx.buffers[buf]
	if !ok {
		return nil, fmt.Errorf("device: unknown buffer %d", buf)
	}
	return d, nil
}

// Kernel is a named device function bound to a session.
type Kernel struct {
	session *Session
	key     string
	fn      kernelFunc
}

// Run executes the kernel with its arguments in declaration order.
func (k *Kernel) Run(args ...any) error {
	if err := k.fn(k.session, args); err != nil {
		return fmt.Errorf("device: kernel %s: %w", k.key, err)
	}
	return nil
}
