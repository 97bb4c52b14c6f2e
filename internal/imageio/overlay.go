package imageio

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"golang.org/x/image/tiff"

	"dedistort/internal/mono"
	"dedistort/internal/sampling"
)

// WriteOverlay renders the selected sample positions over a dimmed copy of
// the reference and writes it as a deflate-compressed 16-bit TIFF. This is
// a diagnostic artifact, written with the pure Go encoder so it carries no
// ImageMagick dependency into tooling that only inspects overlays.
func WriteOverlay(path string, ref *mono.Image, pos sampling.Positions) error {
	return writeGray16(path, sampling.DebugOverlay(ref, pos))
}

func writeGray16(path string, img *mono.Image) error {
	gray := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := img.At(x, y)
			if v < 0 {
				v = 0
			}
			if v > mono.MaxValue {
				v = mono.MaxValue
			}
			gray.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := tiff.Encode(f, gray, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("failed to encode %s: %v", path, err)
	}
	return nil
}
