// Package fftutil provides 2D FFT transforms over flat complex buffers,
// built on gonum's fourier plans. Plans are pooled per length so concurrent
// tile workers never share one.
package fftutil

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	poolMu sync.Mutex
	pools  = map[int]*sync.Pool{}
)

func acquirePlan(n int) *fourier.CmplxFFT {
	poolMu.Lock()
	p, ok := pools[n]
	if !ok {
		p = &sync.Pool{New: func() any { return fourier.NewCmplxFFT(n) }}
		pools[n] = p
	}
	poolMu.Unlock()
	return p.Get().(*fourier.CmplxFFT)
}

func releasePlan(n int, plan *fourier.CmplxFFT) {
	poolMu.Lock()
	if p, ok := pools[n]; ok {
		p.Put(plan)
	}
	poolMu.Unlock()
}

// Forward2D computes the unnormalized forward 2D DFT of buf in place.
// buf is a flat row-major width x height complex grid.
func Forward2D(buf []complex128, width, height int) {
	transform2D(buf, width, height, true)
}

// Inverse2D computes the inverse 2D DFT of buf in place, normalized by
// 1/(width*height) so that Forward2D followed by Inverse2D is the identity.
func Inverse2D(buf []complex128, width, height int) {
	transform2D(buf, width, height, false)
	scale := 1 / float64(width*height)
	for i := range buf {
		buf[i] = complex(real(buf[i])*scale, imag(buf[i])*scale)
	}
}

func transform2D(buf []complex128, width, height int, forward bool) {
	rowPlan := acquirePlan(width)
	for y := 0; y < height; y++ {
		row := buf[y*width : (y+1)*width]
		if forward {
			rowPlan.Coefficients(row, row)
		} else {
			rowPlan.Sequence(row, row)
		}
	}
	releasePlan(width, rowPlan)

	colPlan := acquirePlan(height)
	col := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			col[y] = buf[y*width+x]
		}
		if forward {
			colPlan.Coefficients(col, col)
		} else {
			colPlan.Sequence(col, col)
		}
		for y := 0; y < height; y++ {
			buf[y*width+x] = col[y]
		}
	}
	releasePlan(height, colPlan)
}

// Shift2D swaps the quadrants of buf so the zero-frequency bin moves to the
// center: along each axis index i maps to i+half when i < half, i-half
// otherwise.
func Shift2D(buf []complex128, width, height int) {
	shifted := make([]complex128, len(buf))
	halfW := width / 2
	halfH := height / 2
	for y := 0; y < height; y++ {
		ny := y + halfH
		if y >= halfH {
			ny = y - halfH
		}
		for x := 0; x < width; x++ {
			nx := x + halfW
			if x >= halfW {
				nx = x - halfW
			}
			shifted[ny*width+nx] = buf[y*width+x]
		}
	}
	copy(buf, shifted)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n.
func NextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
