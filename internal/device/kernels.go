package device

import (
	"fmt"
	"math"
	"sync"

	"dedistort/internal/correlation"
)

// kernelFunc is the software body of a device kernel. Arguments arrive in
// declaration order, exactly as a caller passes them to Kernel.Run.
type kernelFunc func(s *Session, args []any) error

func builtinKernels() map[string]kernelFunc {
	return map[string]kernelFunc{
		"selftest:selftest":                           kernelSelfTest,
		"tile_extraction:integral_image_horizontal":   kernelIntegralHorizontal,
		"tile_extraction:integral_image_vertical":     kernelIntegralVertical,
		"tile_extraction:filter_positions_by_signal":  kernelFilterPositions,
		"tile_extraction:compute_tile_indices":        kernelComputeTileIndices,
		"tile_extraction:extract_tiles":               kernelExtractTiles,
		"correlation:batched_correlation":             kernelBatchedCorrelation,
		"correlation:batched_phase":                   kernelBatchedPhase,
		"correlation:batched_cross":                   kernelBatchedCross,
		"correlation:batched_ncc":                     kernelBatchedNCC,
		"correlation:correlate_resident_phase":        kernelCorrelateResidentPhase,
		"correlation:correlate_resident_cross":        kernelCorrelateResidentCross,
		"correlation:correlate_resident_ncc":          kernelCorrelateResidentNCC,
		"dedistort:dedistort_sparse_bilinear":         kernelDedistortBilinear,
		"dedistort:dedistort_sparse_lanczos":          kernelDedistortLanczos,
	}
}

// argReader decodes kernel arguments positionally, collecting the first
// error instead of panicking on a bad launch.
type argReader struct {
	s    *Session
	args []any
	pos  int
	err  error
}

func (r *argReader) next() any {
	if r.err != nil {
		return nil
	}
	if r.pos >= len(r.args) {
		r.err = fmt.Errorf("missing argument %d", r.pos)
		return nil
	}
	a := r.args[r.pos]
	r.pos++
	return a
}

func (r *argReader) buffer() []float32 {
	a := r.next()
	if r.err != nil {
		return nil
	}
	buf, ok := a.(Buffer)
	if !ok {
		r.err = fmt.Errorf("argument %d: expected Buffer, got %T", r.pos-1, a)
		return nil
	}
	data, err := r.s.data(buf)
	if err != nil {
		r.err = err
		return nil
	}
	return data
}

func (r *argReader) int() int {
	a := r.next()
	if r.err != nil {
		return 0
	}
	v, ok := a.(int)
	if !ok {
		r.err = fmt.Errorf("argument %d: expected int, got %T", r.pos-1, a)
		return 0
	}
	return v
}

func (r *argReader) float32() float32 {
	a := r.next()
	if r.err != nil {
		return 0
	}
	v, ok := a.(float32)
	if !ok {
		r.err = fmt.Errorf("argument %d: expected float32, got %T", r.pos-1, a)
		return 0
	}
	return v
}

func (r *argReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.args) {
		return fmt.Errorf("%d extra arguments", len(r.args)-r.pos)
	}
	return nil
}

// parallelRange runs fn over [0, n) on up to MaxComputeUnits workers, the
// software stand-in for a device work-group dispatch.
func parallelRange(s *Session, n int, fn func(i int)) {
	workers := s.ctx.caps.MaxComputeUnits
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	idx := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		idx <- i
	}
	close(idx)
	wg.Wait()
}

// selftest: out[i] = 2*in[i] + 1.
func kernelSelfTest(s *Session, args []any) error {
	r := &argReader{s: s, args: args}
	in := r.buffer()
	out := r.buffer()
	n := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		out[i] = in[i]*2 + 1
	}
	return nil
}

// integral_image_horizontal: per-row prefix sums.
func kernelIntegralHorizontal(s *Session, args []any) error {
	r := &argReader{s: s, args: args}
	in := r.buffer()
	out := r.buffer()
	width := r.int()
	height := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	parallelRange(s, height, func(y int) {
		row := y * width
		var sum float32
		for x := 0; x < width; x++ {
			sum += in[row+x]
			out[row+x] = sum
		}
	})
	return nil
}

// integral_image_vertical: column prefix sums over the horizontal pass,
// completing the inclusive summed-area table.
func kernelIntegralVertical(s *Session, args []any) error {
	r := &argReader{s: s, args: args}
	in := r.buffer()
	out := r.buffer()
	width := r.int()
	height := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	parallelRange(s, width, func(x int) {
		var sum float32
		for y := 0; y < height; y++ {
			sum += in[y*width+x]
			out[y*width+x] = sum
		}
	})
	return nil
}

// satAverage reads the mean over the tile with top-left (x, y) from an
// inclusive summed-area table.
func satAverage(sat []float32, width, height, x, y, tileSize int) float32 {
	x1 := x + tileSize - 1
	y1 := y + tileSize - 1
	if x1 >= width {
		x1 = width - 1
	}
	if y1 >= height {
		y1 = height - 1
	}
	at := func(px, py int) float32 {
		if px < 0 || py < 0 {
			return 0
		}
		return sat[py*width+px]
	}
	sum := at(x1, y1) - at(x-1, y1) - at(x1, y-1) + at(x-1, y-1)
	return sum / float32(tileSize*tileSize)
}

// filter_positions_by_signal: flags[i] = 1 when the tile at (posX, posY)
// clears the threshold on both images.
func kernelFilterPositions(s *Session, args []any) error {
	r := &argReader{s: s, args: args}
	satRef := r.buffer()
	satTarget := r.buffer()
	posX := r.buffer()
	posY := r.buffer()
	flags := r.buffer()
	count := r.int()
	tileSize := r.int()
	width := r.int()
	height := r.int()
	threshold := r.float32()
	if err := r.finish(); err != nil {
		return err
	}
	parallelRange(s, count, func(i int) {
		x := int(posX[i])
		y := int(posY[i])
		refAvg := satAverage(satRef, width, height, x, y, tileSize)
		tgtAvg := satAverage(satTarget, width, height, x, y, tileSize)
		if refAvg > threshold && tgtAvg > threshold {
			flags[i] = 1
		} else {
			flags[i] = 0
		}
	})
	return nil
}

// compute_tile_indices: exclusive prefix sum over the valid flags; the total
// valid count lands in countOut[0].
func kernelComputeTileIndices(s *Session, args []any) error {
	r := &argReader{s: s, args: args}
	flags := r.buffer()
	indices := r.buffer()
	countOut := r.buffer()
	n := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	var prefix float32
	for i := 0; i < n; i++ {
		indices[i] = prefix
		prefix += flags[i]
	}
	countOut[0] = prefix
	return nil
}

// extract_tiles: copies every flagged tile pair into the compacted output
// buffers, recording its top-left position. Reads outside the image
// zero-pad, matching the CPU extractor.
func kernelExtractTiles(s *Session, args []any) error {
	r := &argReader{s: s, args: args}
	refImg := r.buffer()
	targetImg := r.buffer()
	posX := r.buffer()
	posY := r.buffer()
	flags := r.buffer()
	indices := r.buffer()
	refTiles := r.buffer()
	targetTiles := r.buffer()
	outX := r.buffer()
	outY := r.buffer()
	count := r.int()
	tileSize := r.int()
	width := r.int()
	height := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	area := tileSize * tileSize
	parallelRange(s, count, func(i int) {
		if flags[i] == 0 {
			return
		}
		idx := int(indices[i])
		x := int(posX[i])
		y := int(posY[i])
		base := idx * area
		for ty := 0; ty < tileSize; ty++ {
			sy := y + ty
			dst := base + ty*tileSize
			for tx := 0; tx < tileSize; tx++ {
				sx := x + tx
				var rv, tv float32
				if sx >= 0 && sx < width && sy >= 0 && sy < height {
					rv = refImg[sy*width+sx]
					tv = targetImg[sy*width+sx]
				}
				refTiles[dst+tx] = rv
				targetTiles[dst+tx] = tv
			}
		}
		outX[idx] = posX[i]
		outY[idx] = posY[i]
	})
	return nil
}

// batched_correlation: per tile pair, the size-routed displacement kernel.
// Output is (dx, dy, confidence) per tile.
func kernelBatchedCorrelation(s *Session, args []any) error {
	return runBatchedCorrelation(s, args, correlation.BestShift)
}

// batched_phase: per tile pair, windowed phase correlation. The engine
// pairs this with batched_cross to reproduce the adaptive retry schedule
// with the percentile computed over the whole batch, not per chunk.
func kernelBatchedPhase(s *Session, args []any) error {
	phase := correlation.PhaseStrategy{}
	return runBatchedCorrelation(s, args, phase.Correlate)
}

// batched_cross: per tile pair, windowed cross-correlation.
func kernelBatchedCross(s *Session, args []any) error {
	cross := correlation.CrossStrategy{}
	return runBatchedCorrelation(s, args, cross.Correlate)
}

// batched_ncc: per tile pair, normalized cross-correlation.
func kernelBatchedNCC(s *Session, args []any) error {
	ncc := correlation.NCCStrategy{}
	return runBatchedCorrelation(s, args, ncc.Correlate)
}

func runBatchedCorrelation(s *Session, args []any, correlate func(ref, target []float32, size int) correlation.Shift) error {
	r := &argReader{s: s, args: args}
	refTiles := r.buffer()
	targetTiles := r.buffer()
	out := r.buffer()
	tileCount := r.int()
	tileSize := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	area := tileSize * tileSize
	if len(refTiles) < tileCount*area || len(targetTiles) < tileCount*area || len(out) < tileCount*3 {
		return fmt.Errorf("batch buffers too small for %d tiles of size %d", tileCount, tileSize)
	}
	parallelRange(s, tileCount, func(i int) {
		base := i * area
		sh := correlate(refTiles[base:base+area], targetTiles[base:base+area], tileSize)
		out[i*3] = float32(sh.Dx)
		out[i*3+1] = float32(sh.Dy)
		out[i*3+2] = float32(sh.Confidence)
	})
	return nil
}

// correlate_resident_phase: extracts tile pairs straight from
// device-resident frames and phase-correlates them, so refinement loops
// never re-upload tiles. Paired with correlate_resident_cross for the
// adaptive retry schedule.
func kernelCorrelateResidentPhase(s *Session, args []any) error {
	phase := correlation.PhaseStrategy{}
	return runCorrelateResident(s, args, phase.Correlate)
}

// correlate_resident_cross: the windowed cross-correlation counterpart.
func kernelCorrelateResidentCross(s *Session, args []any) error {
	cross := correlation.CrossStrategy{}
	return runCorrelateResident(s, args, cross.Correlate)
}

// correlate_resident_ncc: normalized cross-correlation on resident frames.
func kernelCorrelateResidentNCC(s *Session, args []any) error {
	ncc := correlation.NCCStrategy{}
	return runCorrelateResident(s, args, ncc.Correlate)
}

func runCorrelateResident(s *Session, args []any, correlate func(ref, target []float32, size int) correlation.Shift) error {
	r := &argReader{s: s, args: args}
	refFrame := r.buffer()
	targetFrame := r.buffer()
	width := r.int()
	height := r.int()
	posX := r.buffer()
	posY := r.buffer()
	count := r.int()
	tileSize := r.int()
	out := r.buffer()
	if err := r.finish(); err != nil {
		return err
	}
	area := tileSize * tileSize
	parallelRange(s, count, func(i int) {
		x := int(posX[i])
		y := int(posY[i])
		ref := make([]float32, area)
		tgt := make([]float32, area)
		for ty := 0; ty < tileSize; ty++ {
			sy := y + ty
			row := ty * tileSize
			for tx := 0; tx < tileSize; tx++ {
				sx := x + tx
				if sx >= 0 && sx < width && sy >= 0 && sy < height {
					ref[row+tx] = refFrame[sy*width+sx]
					tgt[row+tx] = targetFrame[sy*width+sx]
				}
			}
		}
		sh := correlate(ref, tgt, tileSize)
		out[i*3] = float32(sh.Dx)
		out[i*3+1] = float32(sh.Dy)
		out[i*3+2] = float32(sh.Confidence)
	})
	return nil
}

func kernelDedistortBilinear(s *Session, args []any) error {
	return runDedistort(s, args, false)
}

func kernelDedistortLanczos(s *Session, args []any) error {
	return runDedistort(s, args, true)
}

// runDedistort warps a frame by a grid displacement field: bicubic field
// lookup, then bilinear or Lanczos-3 pixel sampling. Grid coordinates
// outside [0, gridWidth-1) x [0, gridHeight-1) give zero displacement and
// source coordinates outside the frame leave the destination at zero, the
// same boundary policy as the CPU warp.
func runDedistort(s *Session, args []any, lanczos bool) error {
	r := &argReader{s: s, args: args}
	input := r.buffer()
	gridDx := r.buffer()
	gridDy := r.buffer()
	output := r.buffer()
	width := r.int()
	height := r.int()
	gridWidth := r.int()
	gridHeight := r.int()
	gridStep := r.int()
	if err := r.finish(); err != nil {
		return err
	}
	if gridStep <= 0 {
		return fmt.Errorf("invalid grid step %d", gridStep)
	}
	parallelRange(s, height, func(y int) {
		row := y * width
		for x := 0; x < width; x++ {
			dx, dy := gridDisplacement(gridDx, gridDy, gridWidth, gridHeight, gridStep, float32(x), float32(y))
			sx := float32(x) + dx
			sy := float32(y) + dy
			if sx < 0 || sy < 0 || sx > float32(width-1) || sy > float32(height-1) {
				output[row+x] = 0
				continue
			}
			if lanczos {
				output[row+x] = lanczosSample32(input, width, height, sx, sy)
			} else {
				output[row+x] = bilinearSample32(input, width, height, sx, sy)
			}
		}
	})
	return nil
}

// gridDisplacement evaluates the Catmull-Rom field interpolation directly,
// with edge taps clamped to the border cell.
func gridDisplacement(gridDx, gridDy []float32, cols, rows, step int, px, py float32) (float32, float32) {
	gx := px / float32(step)
	gy := py / float32(step)
	if gx < 0 || gy < 0 || gx >= float32(cols-1) || gy >= float32(rows-1) {
		return 0, 0
	}
	x0 := int(gx)
	y0 := int(gy)
	fx := gx - float32(x0)
	fy := gy - float32(y0)

	var wx, wy [4]float32
	for t := 0; t < 4; t++ {
		wx[t] = catmullWeight32(absf32(fx - float32(t-1)))
		wy[t] = catmullWeight32(absf32(fy - float32(t-1)))
	}

	var dx, dy float32
	for j := 0; j < 4; j++ {
		yTap := clamp32i(y0-1+j, 0, rows-1)
		rowBase := yTap * cols
		for i := 0; i < 4; i++ {
			xTap := clamp32i(x0-1+i, 0, cols-1)
			w := wy[j] * wx[i]
			dx += w * gridDx[rowBase+xTap]
			dy += w * gridDy[rowBase+xTap]
		}
	}
	return dx, dy
}

func catmullWeight32(t float32) float32 {
	const a = -0.5
	if t <= 1 {
		return (a+2)*t*t*t - (a+3)*t*t + 1
	}
	if t < 2 {
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	}
	return 0
}

func bilinearSample32(pix []float32, width, height int, x, y float32) float32 {
	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	if x1 > width-1 {
		x1 = width - 1
	}
	y1 := y0 + 1
	if y1 > height-1 {
		y1 = height - 1
	}
	fx := x - float32(x0)
	fy := y - float32(y0)

	top := pix[y0*width+x0]*(1-fx) + pix[y0*width+x1]*fx
	bottom := pix[y1*width+x0]*(1-fx) + pix[y1*width+x1]*fx
	return top*(1-fy) + bottom*fy
}

func lanczosSample32(pix []float32, width, height int, x, y float32) float32 {
	const radius = 3
	const maxValue = 65535

	x0 := int(math.Floor(float64(x)))
	y0 := int(math.Floor(float64(y)))

	var sum, weightSum float32
	for j := -radius + 1; j <= radius; j++ {
		sy := clamp32i(y0+j, 0, height-1)
		wy := lanczosWeight32(float64(y) - float64(y0+j))
		row := sy * width
		for i := -radius + 1; i <= radius; i++ {
			sx := clamp32i(x0+i, 0, width-1)
			w := wy * lanczosWeight32(float64(x)-float64(x0+i))
			sum += w * pix[row+sx]
			weightSum += w
		}
	}
	if weightSum == 0 {
		return 0
	}
	v := sum / weightSum
	if v < 0 {
		return 0
	}
	if v > maxValue {
		return maxValue
	}
	return v
}

func lanczosWeight32(t float64) float32 {
	const radius = 3
	if t == 0 {
		return 1
	}
	if t < -radius || t > radius {
		return 0
	}
	pt := math.Pi * t
	return float32(radius * math.Sin(pt) * math.Sin(pt/radius) / (pt * pt))
}

func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp32i(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
