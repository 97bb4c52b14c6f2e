// Package tiles extracts the reference/target tile pairs that registration
// correlates. Two backends share one contract: a plain CPU extractor and a
// device pipeline that filters and compacts tiles without a per-tile host
// round trip. A pure routing function picks between them from static
// capability inputs only, so the same inputs always take the same path.
package tiles

import (
	"dedistort/internal/mono"
	"dedistort/internal/sampling"
)

// Request describes one extraction pass over a candidate grid. Positions
// are tile top-left corners scanned from (0,0) to (width-tileSize,
// height-tileSize) inclusive, in steps of Increment.
type Request struct {
	Ref       *mono.Image
	Target    *mono.Image
	TileSize  int
	Increment int

	// Threshold is the minimum mean tile brightness on both images for a
	// position to survive the signal gate.
	Threshold float64

	// PosX and PosY, when set, override the scanned grid with candidate
	// tile top-left corners chosen by a sampling strategy. The signal gate
	// still applies to them.
	PosX, PosY []int
}

// CandidateCount returns the number of positions the request considers.
// The routing decision depends on it.
func (r Request) CandidateCount() int {
	if len(r.PosX) > 0 {
		return len(r.PosX)
	}
	if r.Increment <= 0 {
		return 0
	}
	nx := (r.Ref.Width-r.TileSize)/r.Increment + 1
	ny := (r.Ref.Height-r.TileSize)/r.Increment + 1
	if nx < 1 || ny < 1 {
		return 0
	}
	return nx * ny
}

// candidates returns the candidate top-left corners: the explicit positions
// when given, otherwise the scanned grid.
func (r Request) candidates() (xs, ys []int) {
	if len(r.PosX) > 0 {
		return r.PosX, r.PosY
	}
	ts := r.TileSize
	maxX := r.Ref.Width - ts
	maxY := r.Ref.Height - ts
	for y := 0; y <= maxY; y += r.Increment {
		for x := 0; x <= maxX; x += r.Increment {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	return xs, ys
}

// Batch holds the surviving tile pairs of an extraction pass. RefTiles[i]
// and TargetTiles[i] are flat tileSize x tileSize buffers cut at top-left
// (X[i], Y[i]).
type Batch struct {
	RefTiles    [][]float32
	TargetTiles [][]float32
	X           []int
	Y           []int
	TileSize    int
}

// Len returns the number of tile pairs in the batch.
func (b Batch) Len() int { return len(b.RefTiles) }

// Backend is an extraction implementation.
type Backend interface {
	Extract(req Request) (Batch, error)
	Name() string
}

// CPUBackend extracts tiles with a nested scan and integral-image signal
// gating. It is always correct and serves as the fallback for every device
// failure.
type CPUBackend struct{}

// Extract implements Backend.
func (CPUBackend) Extract(req Request) (Batch, error) {
	ts := req.TileSize
	eval := sampling.NewSignalEvaluator(req.Ref, req.Target, req.Threshold)

	batch := Batch{TileSize: ts}
	xs, ys := req.candidates()
	for i := range xs {
		x, y := xs[i], ys[i]
		if !eval.PassesThreshold(x, y, ts) {
			continue
		}
		batch.RefTiles = append(batch.RefTiles, cutTile(req.Ref, x, y, ts))
		batch.TargetTiles = append(batch.TargetTiles, cutTile(req.Target, x, y, ts))
		batch.X = append(batch.X, x)
		batch.Y = append(batch.Y, y)
	}
	return batch, nil
}

// Name implements Backend.
func (CPUBackend) Name() string { return "cpu" }

// cutTile copies the tile with top-left (x, y). Pixels outside the image
// zero-pad, so partial edge tiles still produce full-size buffers.
func cutTile(img *mono.Image, x, y, ts int) []float32 {
	tile := make([]float32, ts*ts)
	for ty := 0; ty < ts; ty++ {
		sy := y + ty
		if sy < 0 || sy >= img.Height {
			continue
		}
		row := ty * ts
		srcRow := sy * img.Width
		for tx := 0; tx < ts; tx++ {
			sx := x + tx
			if sx < 0 || sx >= img.Width {
				continue
			}
			tile[row+tx] = img.Pix[srcRow+sx]
		}
	}
	return tile
}
