package device

import (
	"container/list"
	"fmt"

	"dedistort/internal/distortion"
	"dedistort/internal/mono"
)

// Frame is a device-resident image. Keeping pixels on the device across
// multi-step processing saves the host round trips that otherwise dominate
// refinement loops. Methods that touch device memory take the session that
// owns the device lock.
type Frame struct {
	width  int
	height int
	buf    Buffer
	closed bool
}

// UploadFrame copies an image to the device.
func UploadFrame(s *Session, img *mono.Image) (*Frame, error) {
	buf, err := s.Allocate(img.Width * img.Height)
	if err != nil {
		return nil, err
	}
	if err := s.Write(buf, img.Pix); err != nil {
		s.Release(buf)
		return nil, err
	}
	return &Frame{width: img.Width, height: img.Height, buf: buf}, nil
}

// FrameFromBuffer wraps an existing device buffer as a frame, taking
// ownership of the buffer.
func FrameFromBuffer(buf Buffer, width, height int) *Frame {
	return &Frame{width: width, height: height, buf: buf}
}

// Download copies the frame back to host memory.
func (f *Frame) Download(s *Session) (*mono.Image, error) {
	if f.closed {
		return nil, ErrClosed
	}
	img := mono.New(f.width, f.height)
	if err := s.Read(f.buf, img.Pix); err != nil {
		return nil, err
	}
	return img, nil
}

// Buffer returns the device handle for kernel launches.
func (f *Frame) Buffer() (Buffer, error) {
	if f.closed {
		return 0, ErrClosed
	}
	return f.buf, nil
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.width }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.height }

// Close releases the device memory. Calling it again is a no-op.
func (f *Frame) Close(s *Session) error {
	if f.closed {
		return nil
	}
	f.closed = true
	buf := f.buf
	f.buf = 0
	return s.Release(buf)
}

// Closed reports whether the frame has been released.
func (f *Frame) Closed() bool { return f.closed }

// DistortionGrid keeps a displacement grid on the device so repeated warp
// launches reuse the same upload.
type DistortionGrid struct {
	cols   int
	rows   int
	step   int
	dxBuf  Buffer
	dyBuf  Buffer
	closed bool
}

// UploadGrid copies a distortion map's displacement grid to the device.
func UploadGrid(s *Session, m *distortion.Map) (*DistortionGrid, error) {
	cols, rows := m.GridCols(), m.GridRows()
	n := cols * rows
	dx := make([]float32, n)
	dy := make([]float32, n)
	for gy := 0; gy < rows; gy++ {
		for gx := 0; gx < cols; gx++ {
			cdx, cdy := m.Cell(gx, gy)
			dx[gy*cols+gx] = float32(cdx)
			dy[gy*cols+gx] = float32(cdy)
		}
	}
	g := &DistortionGrid{cols: cols, rows: rows, step: m.Step()}
	var err error
	if g.dxBuf, err = s.Allocate(n); err != nil {
		return nil, err
	}
	if g.dyBuf, err = s.Allocate(n); err != nil {
		s.Release(g.dxBuf)
		return nil, err
	}
	if err := s.Write(g.dxBuf, dx); err != nil {
		g.Close(s)
		return nil, err
	}
	if err := s.Write(g.dyBuf, dy); err != nil {
		g.Close(s)
		return nil, err
	}
	return g, nil
}

// Buffers returns the dx and dy grid handles.
func (g *DistortionGrid) Buffers() (dx, dy Buffer, err error) {
	if g.closed {
		return 0, 0, ErrClosed
	}
	return g.dxBuf, g.dyBuf, nil
}

// Cols returns the number of grid columns.
func (g *DistortionGrid) Cols() int { return g.cols }

// Rows returns the number of grid rows.
func (g *DistortionGrid) Rows() int { return g.rows }

// Step returns the grid step in pixels.
func (g *DistortionGrid) Step() int { return g.step }

// Close releases both grid buffers. Calling it again is a no-op.
func (g *DistortionGrid) Close(s *Session) error {
	if g.closed {
		return nil
	}
	g.closed = true
	err := s.Release(g.dxBuf)
	if err2 := s.Release(g.dyBuf); err == nil {
		err = err2
	}
	g.dxBuf, g.dyBuf = 0, 0
	return err
}

// Closed reports whether the grid has been released.
func (g *DistortionGrid) Closed() bool { return g.closed }

// WarpFrame applies a displacement grid to a resident frame, writing a new
// resident frame. The input frame and grid are untouched and the caller
// owns the returned frame.
func WarpFrame(s *Session, frame *Frame, grid *DistortionGrid, lanczos bool) (*Frame, error) {
	in, err := frame.Buffer()
	if err != nil {
		return nil, err
	}
	dxBuf, dyBuf, err := grid.Buffers()
	if err != nil {
		return nil, err
	}
	out, err := s.Allocate(frame.width * frame.height)
	if err != nil {
		return nil, err
	}
	name := "dedistort_sparse_bilinear"
	if lanczos {
		name = "dedistort_sparse_lanczos"
	}
	k, err := s.Kernel("dedistort", name)
	if err != nil {
		s.Release(out)
		return nil, err
	}
	if err := k.Run(in, dxBuf, dyBuf, out, frame.width, frame.height, grid.cols, grid.rows, grid.step); err != nil {
		s.Release(out)
		return nil, err
	}
	s.Finish()
	return FrameFromBuffer(out, frame.width, frame.height), nil
}

// The correlation workspace holds two complex tile buffers, a scratch
// buffer, a real output and the result triples, about 36 bytes per tile
// element.
const (
	kernelWorkspaceFraction = 0.3
	frameCacheFraction      = 0.5
	bytesPerTileElement     = 36
)

// FrameBudget splits device memory between the correlation workspace and
// the resident frame cache.
type FrameBudget struct {
	Total     int64
	Reserved  int64
	Available int64
}

// NewFrameBudget sizes the budget from the device capabilities and the
// correlation batch geometry. The workspace reservation is the larger of
// the estimated batch footprint and a fixed fraction of device memory, and
// the frame cache gets half of what remains.
func NewFrameBudget(caps Capabilities, tileSize, maxTilesPerBatch int) FrameBudget {
	total := caps.MaxAllocBytes
	workspace := int64(maxTilesPerBatch) * int64(tileSize) * int64(tileSize) * bytesPerTileElement
	reserved := int64(float64(total) * kernelWorkspaceFraction)
	if workspace > reserved {
		reserved = workspace
	}
	available := int64(float64(total-reserved) * frameCacheFraction)
	if available < 0 {
		available = 0
	}
	return FrameBudget{Total: total, Reserved: reserved, Available: available}
}

// MaxResidentFrames returns how many frames of the given size fit in the
// cache share of the budget.
func (b FrameBudget) MaxResidentFrames(width, height int) int {
	bytesPerFrame := int64(width) * int64(height) * 4
	if bytesPerFrame <= 0 {
		return 0
	}
	return int(b.Available / bytesPerFrame)
}

func (b FrameBudget) String() string {
	const mb = 1 << 20
	return fmt.Sprintf("total=%dMB reserved=%dMB available=%dMB", b.Total/mb, b.Reserved/mb, b.Available/mb)
}

// FrameCache is an LRU cache of device-resident frames keyed by image
// index. It relies on the device lock for synchronization: every method
// that touches the device takes the session, and the cache must only be
// used under one context.
type FrameCache struct {
	capacity int
	load     func(index int) (*mono.Image, error)
	order    *list.List // front is most recently used
	entries  map[int]*list.Element

	hits   int
	misses int
}

type cacheEntry struct {
	index int
	frame *Frame
}

// NewFrameCache creates a cache holding at most capacity frames. Pair
// correlation needs two resident frames, so the capacity floor is 2. load
// supplies pixel data for an index on a miss.
func NewFrameCache(capacity int, load func(index int) (*mono.Image, error)) *FrameCache {
	if capacity < 2 {
		capacity = 2
	}
	return &FrameCache{
		capacity: capacity,
		load:     load,
		order:    list.New(),
		entries:  map[int]*list.Element{},
	}
}

// Frame returns the resident frame for an index, uploading it on a miss
// and evicting the least recently used frame when over capacity.
func (c *FrameCache) Frame(s *Session, index int) (*Frame, error) {
	if el, ok := c.entries[index]; ok {
		c.hits++
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).frame, nil
	}
	c.misses++
	img, err := c.load(index)
	if err != nil {
		return nil, fmt.Errorf("load frame %d: %w", index, err)
	}
	frame, err := UploadFrame(s, img)
	if err != nil {
		return nil, err
	}
	c.entries[index] = c.order.PushFront(&cacheEntry{index: index, frame: frame})
	for c.order.Len() > c.capacity {
		eldest := c.order.Back()
		entry := eldest.Value.(*cacheEntry)
		c.order.Remove(eldest)
		delete(c.entries, entry.index)
		if err := entry.frame.Close(s); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// Replace swaps the resident frame for an index with a new one, releasing
// the old buffer. Refinement uses it after warping a frame on the device.
// Ownership of the new frame transfers to the cache. It reports whether
// the index was cached; when it was not, the caller keeps ownership.
func (c *FrameCache) Replace(s *Session, index int, frame *Frame) (bool, error) {
	el, ok := c.entries[index]
	if !ok {
		return false, nil
	}
	entry := el.Value.(*cacheEntry)
	if err := entry.frame.Close(s); err != nil {
		return false, err
	}
	entry.frame = frame
	return true, nil
}

// Contains reports whether an index is resident.
func (c *FrameCache) Contains(index int) bool {
	_, ok := c.entries[index]
	return ok
}

// Len returns the number of resident frames.
func (c *FrameCache) Len() int { return c.order.Len() }

// Capacity returns the maximum number of resident frames.
func (c *FrameCache) Capacity() int { return c.capacity }

// Stats returns the hit and miss counts since creation.
func (c *FrameCache) Stats() (hits, misses int) { return c.hits, c.misses }

// HitRatio returns the fraction of lookups served without an upload.
func (c *FrameCache) HitRatio() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Clear releases every resident frame. All frames are released even when
// one release fails; the first error is returned.
func (c *FrameCache) Clear(s *Session) error {
	var first error
	for el := c.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*cacheEntry).frame.Close(s); err != nil && first == nil {
			first = err
		}
	}
	c.order.Init()
	c.entries = map[int]*list.Element{}
	return first
}
