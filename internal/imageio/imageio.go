// Package imageio loads and saves mono frames through ImageMagick, which
// handles the capture formats cameras actually produce, and writes debug
// overlays as plain 16-bit TIFF.
package imageio

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"dedistort/internal/mono"
)

// Initialize must be called once before any read or write, Terminate once
// at shutdown. They wrap the ImageMagick environment setup.
func Initialize() { imagick.Initialize() }

// Terminate releases the ImageMagick environment.
func Terminate() { imagick.Terminate() }

// ReadMono loads an image as 16-bit grayscale. Color input is converted
// through the gray colorspace, which uses luminance weighting.
func ReadMono(path string) (*mono.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("failed to convert %s to grayscale: %v", path, err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels from %s: %v", path, err)
	}
	floatPixels, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type %T from %s", pixels, path)
	}

	// ImageMagick exports normalized intensity
	pix := make([]float32, len(floatPixels))
	for i, v := range floatPixels {
		pix[i] = v * mono.MaxValue
	}
	return mono.FromPix(int(width), int(height), pix), nil
}

// WriteMono saves a frame, 16-bit TIFF unless the extension says otherwise.
func WriteMono(path string, img *mono.Image) error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	pixels := make([]float32, len(img.Pix))
	for i, v := range img.Pix {
		p := v / mono.MaxValue
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		pixels[i] = p
	}
	if err := mw.ConstituteImage(uint(img.Width), uint(img.Height), "I", imagick.PIXEL_FLOAT, pixels); err != nil {
		return fmt.Errorf("failed to build image for %s: %v", path, err)
	}
	if err := mw.SetImageFormat(formatFor(path)); err != nil {
		return fmt.Errorf("failed to set format for %s: %v", path, err)
	}
	mw.SetImageDepth(16)
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "PNG"
	case ".fits", ".fit":
		return "FITS"
	default:
		return "TIFF"
	}
}
