package device

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"dedistort/internal/correlation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestContext(t *testing.T) *Context {
	t.Helper()
	t.Setenv(EnvDevice, "")
	ctx, err := Open(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestOpenDisabledByEnvironment(t *testing.T) {
	for _, v := range []string{"off", "0", "false", "disabled", "OFF"} {
		t.Setenv(EnvDevice, v)
		if _, err := Open(testLogger()); !errors.Is(err, ErrDisabled) {
			t.Fatalf("%s=%q: got %v, want ErrDisabled", EnvDevice, v, err)
		}
	}
}

func TestOpenReportsSoftwareCapabilities(t *testing.T) {
	ctx := openTestContext(t)
	caps := ctx.Capabilities()
	if caps.DeviceName != "software" {
		t.Fatalf("device name = %q, want software", caps.DeviceName)
	}
	if caps.MaxComputeUnits < 1 || caps.MaxWorkGroupSize < 1 || caps.MaxAllocBytes <= 0 {
		t.Fatalf("implausible capabilities: %+v", caps)
	}
}

func TestBufferLifecycle(t *testing.T) {
	ctx := openTestContext(t)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		buf, err := s.Allocate(8)
		if err != nil {
			return err
		}
		data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
		if err := s.Write(buf, data); err != nil {
			return err
		}
		got := make([]float32, 8)
		if err := s.Read(buf, got); err != nil {
			return err
		}
		for i := range data {
			if got[i] != data[i] {
				t.Fatalf("element %d = %v, want %v", i, got[i], data[i])
			}
		}
		if err := s.Release(buf); err != nil {
			return err
		}
		if err := s.Read(buf, got); err == nil {
			t.Fatal("read of a released buffer succeeded")
		}
		if err := s.Release(buf); err == nil {
			t.Fatal("second release of the same buffer succeeded")
		}
		// the zero handle releases as a no-op so error paths can release
		// unconditionally
		if err := s.Release(0); err != nil {
			t.Fatalf("release of the zero handle: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAllocateRejectsBadSizes(t *testing.T) {
	ctx := openTestContext(t)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		if _, err := s.Allocate(0); err == nil {
			t.Fatal("zero-size allocation succeeded")
		}
		if _, err := s.Allocate(-4); err == nil {
			t.Fatal("negative allocation succeeded")
		}
		over := int(ctx.Capabilities().MaxAllocBytes/4) + 1
		if _, err := s.Allocate(over); err == nil {
			t.Fatal("allocation over the device limit succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTransferBoundsChecked(t *testing.T) {
	ctx := openTestContext(t)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		buf, err := s.Allocate(4)
		if err != nil {
			return err
		}
		defer s.Release(buf)
		if err := s.Write(buf, make([]float32, 5)); err == nil {
			t.Fatal("oversized write succeeded")
		}
		if err := s.Read(buf, make([]float32, 5)); err == nil {
			t.Fatal("oversized read succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUnknownKernelRejected(t *testing.T) {
	ctx := openTestContext(t)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		if _, err := s.Kernel("correlation", "does_not_exist"); err == nil {
			t.Fatal("lookup of an unknown kernel succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestKernelArgumentErrors(t *testing.T) {
	ctx := openTestContext(t)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		in, err := s.Allocate(4)
		if err != nil {
			return err
		}
		defer s.Release(in)
		out, err := s.Allocate(4)
		if err != nil {
			return err
		}
		defer s.Release(out)

		k, err := s.Kernel("selftest", "selftest")
		if err != nil {
			return err
		}
		if err := k.Run(in, out); err == nil {
			t.Fatal("launch with a missing argument succeeded")
		}
		if err := k.Run(in, out, 4, 7); err == nil {
			t.Fatal("launch with an extra argument succeeded")
		}
		if err := k.Run(4, out, 4); err == nil {
			t.Fatal("launch with a mistyped argument succeeded")
		} else if !strings.Contains(err.Error(), "selftest:selftest") {
			t.Fatalf("launch error does not name the kernel: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestErrorsRecorded(t *testing.T) {
	ctx := openTestContext(t)
	if got := ctx.Errors(); len(got) != 0 {
		t.Fatalf("fresh context carries %d errors", len(got))
	}
	ctx.NoteError(errors.New("first"))
	ctx.NoteError(errors.New("second"))
	got := ctx.Errors()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("recorded errors = %v", got)
	}
}

func TestIntegralImageKernels(t *testing.T) {
	const width, height = 5, 4
	pix := make([]float32, width*height)
	for i := range pix {
		pix[i] = float32((i*7)%13) + 0.5
	}

	ctx := openTestContext(t)
	sat := make([]float32, width*height)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		in, err := s.Allocate(width * height)
		if err != nil {
			return err
		}
		defer s.Release(in)
		tmp, err := s.Allocate(width * height)
		if err != nil {
			return err
		}
		defer s.Release(tmp)
		out, err := s.Allocate(width * height)
		if err != nil {
			return err
		}
		defer s.Release(out)

		if err := s.Write(in, pix); err != nil {
			return err
		}
		horiz, err := s.Kernel("tile_extraction", "integral_image_horizontal")
		if err != nil {
			return err
		}
		vert, err := s.Kernel("tile_extraction", "integral_image_vertical")
		if err != nil {
			return err
		}
		if err := horiz.Run(in, tmp, width, height); err != nil {
			return err
		}
		if err := vert.Run(tmp, out, width, height); err != nil {
			return err
		}
		s.Finish()
		return s.Read(out, sat)
	})
	if err != nil {
		t.Fatal(err)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var want float32
			for sy := 0; sy <= y; sy++ {
				for sx := 0; sx <= x; sx++ {
					want += pix[sy*width+sx]
				}
			}
			got := sat[y*width+x]
			if d := got - want; d > 1e-3 || d < -1e-3 {
				t.Fatalf("sat(%d, %d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestExtractTilesCompactsAndZeroPads(t *testing.T) {
	const width, height = 8, 8
	const tileSize = 4
	ref := make([]float32, width*height)
	tgt := make([]float32, width*height)
	for i := range ref {
		ref[i] = float32(i)
		tgt[i] = float32(i) + 100
	}
	// three candidates, the middle one gated out; the last one hangs over
	// the bottom-right corner and must zero-pad
	posX := []float32{0, 2, 6}
	posY := []float32{0, 2, 6}
	flags := []float32{1, 0, 1}

	ctx := openTestContext(t)
	const area = tileSize * tileSize
	refTiles := make([]float32, 2*area)
	tgtTiles := make([]float32, 2*area)
	outX := make([]float32, 2)
	outY := make([]float32, 2)
	var valid float32
	err := ctx.ExecuteWithLock(func(s *Session) error {
		bufs := map[string]Buffer{}
		for name, n := range map[string]int{
			"ref": width * height, "tgt": width * height,
			"posX": 3, "posY": 3, "flags": 3, "indices": 3, "count": 1,
			"refTiles": 2 * area, "tgtTiles": 2 * area, "outX": 2, "outY": 2,
		} {
			b, err := s.Allocate(n)
			if err != nil {
				return err
			}
			defer s.Release(b)
			bufs[name] = b
		}
		for name, data := range map[string][]float32{
			"ref": ref, "tgt": tgt, "posX": posX, "posY": posY, "flags": flags,
		} {
			if err := s.Write(bufs[name], data); err != nil {
				return err
			}
		}

		idx, err := s.Kernel("tile_extraction", "compute_tile_indices")
		if err != nil {
			return err
		}
		if err := idx.Run(bufs["flags"], bufs["indices"], bufs["count"], 3); err != nil {
			return err
		}
		extract, err := s.Kernel("tile_extraction", "extract_tiles")
		if err != nil {
			return err
		}
		if err := extract.Run(bufs["ref"], bufs["tgt"], bufs["posX"], bufs["posY"],
			bufs["flags"], bufs["indices"], bufs["refTiles"], bufs["tgtTiles"],
			bufs["outX"], bufs["outY"], 3, tileSize, width, height); err != nil {
			return err
		}
		s.Finish()

		count := make([]float32, 1)
		if err := s.Read(bufs["count"], count); err != nil {
			return err
		}
		valid = count[0]
		for buf, dst := range map[Buffer][]float32{
			bufs["refTiles"]: refTiles, bufs["tgtTiles"]: tgtTiles,
			bufs["outX"]: outX, bufs["outY"]: outY,
		} {
			if err := s.Read(buf, dst); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if valid != 2 {
		t.Fatalf("valid count = %v, want 2", valid)
	}
	if outX[0] != 0 || outY[0] != 0 || outX[1] != 6 || outY[1] != 6 {
		t.Fatalf("compacted positions = (%v,%v) (%v,%v), want (0,0) (6,6)", outX[0], outY[0], outX[1], outY[1])
	}
	for ty := 0; ty < tileSize; ty++ {
		for tx := 0; tx < tileSize; tx++ {
			if got, want := refTiles[ty*tileSize+tx], ref[ty*width+tx]; got != want {
				t.Fatalf("tile 0 ref(%d, %d) = %v, want %v", tx, ty, got, want)
			}
			sx, sy := 6+tx, 6+ty
			var want float32
			if sx < width && sy < height {
				want = tgt[sy*width+sx]
			}
			if got := tgtTiles[area+ty*tileSize+tx]; got != want {
				t.Fatalf("tile 1 tgt(%d, %d) = %v, want %v", tx, ty, got, want)
			}
		}
	}
}

// kernelTile renders a pair of offset Gaussian features so correlation
// kernels have unambiguous structure to lock onto.
func kernelTile(size int, ox, oy float64) []float32 {
	tile := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			fx := float64(x) - ox
			fy := float64(y) - oy
			d1x, d1y := fx-20, fy-22
			d2x, d2y := fx-41, fy-35
			tile[y*size+x] = float32(1500 +
				7000*math.Exp(-(d1x*d1x+d1y*d1y)/40) +
				5000*math.Exp(-(d2x*d2x+d2y*d2y)/60))
		}
	}
	return tile
}

func TestBatchedCorrelationKernelsMatchHost(t *testing.T) {
	const size = 64
	const area = size * size
	refs := [][]float32{kernelTile(size, 0, 0), kernelTile(size, 0, 0)}
	tgts := [][]float32{kernelTile(size, 2, -1), kernelTile(size, -1.5, 3)}

	hosts := map[string]func(ref, target []float32, size int) correlation.Shift{
		"batched_correlation": correlation.BestShift,
		"batched_phase":       correlation.PhaseStrategy{}.Correlate,
		"batched_cross":       correlation.CrossStrategy{}.Correlate,
		"batched_ncc":         correlation.NCCStrategy{}.Correlate,
	}

	ctx := openTestContext(t)
	for name, host := range hosts {
		t.Run(name, func(t *testing.T) {
			out := make([]float32, len(refs)*3)
			err := ctx.ExecuteWithLock(func(s *Session) error {
				refBuf, err := s.Allocate(len(refs) * area)
				if err != nil {
					return err
				}
				defer s.Release(refBuf)
				tgtBuf, err := s.Allocate(len(refs) * area)
				if err != nil {
					return err
				}
				defer s.Release(tgtBuf)
				outBuf, err := s.Allocate(len(refs) * 3)
				if err != nil {
					return err
				}
				defer s.Release(outBuf)

				flatRef := make([]float32, 0, len(refs)*area)
				flatTgt := make([]float32, 0, len(refs)*area)
				for i := range refs {
					flatRef = append(flatRef, refs[i]...)
					flatTgt = append(flatTgt, tgts[i]...)
				}
				if err := s.Write(refBuf, flatRef); err != nil {
					return err
				}
				if err := s.Write(tgtBuf, flatTgt); err != nil {
					return err
				}
				k, err := s.Kernel("correlation", name)
				if err != nil {
					return err
				}
				if err := k.Run(refBuf, tgtBuf, outBuf, len(refs), size); err != nil {
					return err
				}
				s.Finish()
				return s.Read(outBuf, out)
			})
			if err != nil {
				t.Fatal(err)
			}
			for i := range refs {
				want := host(refs[i], tgts[i], size)
				dx := float64(out[i*3])
				dy := float64(out[i*3+1])
				conf := float64(out[i*3+2])
				if math.Abs(dx-want.Dx) > 1e-3 || math.Abs(dy-want.Dy) > 1e-3 {
					t.Fatalf("tile %d shift = (%v, %v), host says (%v, %v)", i, dx, dy, want.Dx, want.Dy)
				}
				if math.Abs(conf-want.Confidence) > 1e-3 {
					t.Fatalf("tile %d confidence = %v, host says %v", i, conf, want.Confidence)
				}
			}
		})
	}
}

func TestResidentCorrelationMatchesExtractedTiles(t *testing.T) {
	const width, height = 96, 96
	const tileSize = 32
	const area = tileSize * tileSize
	refImg := make([]float32, width*height)
	tgtImg := make([]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			fx, fy := float64(x), float64(y)
			refImg[y*width+x] = float32(1800 +
				900*math.Sin(0.31*fx) + 700*math.Cos(0.27*fy) + 350*math.Sin(0.19*(fx+fy)))
			fx, fy = fx-2, fy-1
			tgtImg[y*width+x] = float32(1800 +
				900*math.Sin(0.31*fx) + 700*math.Cos(0.27*fy) + 350*math.Sin(0.19*(fx+fy)))
		}
	}
	posX := []float32{8, 40}
	posY := []float32{16, 48}

	ctx := openTestContext(t)
	out := make([]float32, len(posX)*3)
	err := ctx.ExecuteWithLock(func(s *Session) error {
		refBuf, err := s.Allocate(width * height)
		if err != nil {
			return err
		}
		defer s.Release(refBuf)
		tgtBuf, err := s.Allocate(width * height)
		if err != nil {
			return err
		}
		defer s.Release(tgtBuf)
		pxBuf, err := s.Allocate(len(posX))
		if err != nil {
			return err
		}
		defer s.Release(pxBuf)
		pyBuf, err := s.Allocate(len(posX))
		if err != nil {
			return err
		}
		defer s.Release(pyBuf)
		outBuf, err := s.Allocate(len(posX) * 3)
		if err != nil {
			return err
		}
		defer s.Release(outBuf)

		for buf, data := range map[Buffer][]float32{
			refBuf: refImg, tgtBuf: tgtImg, pxBuf: posX, pyBuf: posY,
		} {
			if err := s.Write(buf, data); err != nil {
				return err
			}
		}
		k, err := s.Kernel("correlation", "correlate_resident_phase")
		if err != nil {
			return err
		}
		if err := k.Run(refBuf, tgtBuf, width, height, pxBuf, pyBuf, len(posX), tileSize, outBuf); err != nil {
			return err
		}
		s.Finish()
		return s.Read(outBuf, out)
	})
	if err != nil {
		t.Fatal(err)
	}

	extract := func(img []float32, x0, y0 int) []float32 {
		tile := make([]float32, area)
		for ty := 0; ty < tileSize; ty++ {
			for tx := 0; tx < tileSize; tx++ {
				tile[ty*tileSize+tx] = img[(y0+ty)*width+x0+tx]
			}
		}
		return tile
	}
	for i := range posX {
		x0, y0 := int(posX[i]), int(posY[i])
		want := correlation.PhaseStrategy{}.Correlate(extract(refImg, x0, y0), extract(tgtImg, x0, y0), tileSize)
		dx := float64(out[i*3])
		dy := float64(out[i*3+1])
		if math.Abs(dx-want.Dx) > 1e-3 || math.Abs(dy-want.Dy) > 1e-3 {
			t.Fatalf("position %d shift = (%v, %v), host says (%v, %v)", i, dx, dy, want.Dx, want.Dy)
		}
	}
}
