package correlation

import (
	"math"
	"sync"
)

var (
	windowMu sync.RWMutex
	windows  = map[int][]float64{}
)

// hannWindow returns the separable 2D Hann window for a square tile,
// win[y*size+x] = w[x]*w[y] with w[i] = 0.5*(1-cos(2*pi*i/(size-1))).
// Windows are cached per size and shared, callers must not mutate them.
func hannWindow(size int) []float64 {
	windowMu.RLock()
	win, ok := windows[size]
	windowMu.RUnlock()
	if ok {
		return win
	}

	w1 := make([]float64, size)
	if size == 1 {
		w1[0] = 1
	} else {
		for i := 0; i < size; i++ {
			w1[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
		}
	}
	win = make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			win[y*size+x] = w1[x] * w1[y]
		}
	}

	windowMu.Lock()
	windows[size] = win
	windowMu.Unlock()
	return win
}
