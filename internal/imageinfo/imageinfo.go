// Package imageinfo reads image dimensions and samples pixel colours.
package imageinfo

import (
	"fmt"
	"image/color"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Prober answers the two questions the pipeline asks about an image file.
type Prober interface {
	Dimensions(path string) (width, height int, err error)
	// Colors samples the colour at each pixel (column, row).
	Colors(path string, pixels [][2]int) ([]color.RGBA, error)
}

var initOnce sync.Once

// Magick implements Prober with ImageMagick.
type Magick struct{}

func ensureInit() {
	initOnce.Do(imagick.Initialize)
}

// Dimensions pings the file without decoding pixel data.
func (Magick) Dimensions(path string) (int, int, error) {
	ensureInit()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return 0, 0, fmt.Errorf("ping %s: %w", path, err)
	}
	return int(mw.GetImageWidth()), int(mw.GetImageHeight()), nil
}

// Colors reads the image once and samples every requested pixel. Pixels
// outside the image are black.
func (Magick) Colors(path string, pixels [][2]int) ([]color.RGBA, error) {
	ensureInit()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("colorspace %s: %w", path, err)
	}
	w, h := int(mw.GetImageWidth()), int(mw.GetImageHeight())
	out := make([]color.RGBA, len(pixels))
	for k, p := range pixels {
		x, y := p[0], p[1]
		if x < 0 || y < 0 || x >= w || y >= h {
			continue
		}
		pw, err := mw.GetImagePixelColor(x, y)
		if err != nil {
			return nil, fmt.Errorf("pixel %d,%d of %s: %w", x, y, path, err)
		}
		out[k] = color.RGBA{
			R: to8(pw.GetRed()),
			G: to8(pw.GetGreen()),
			B: to8(pw.GetBlue()),
			A: 255,
		}
		pw.Destroy()
	}
	return out, nil
}

func to8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Static serves fixed answers; tests and pipelines without image files use
// it.
type Static struct {
	Width, Height int
	Color         color.RGBA
}

func (s Static) Dimensions(string) (int, int, error) { return s.Width, s.Height, nil }

func (s Static) Colors(_ string, pixels [][2]int) ([]color.RGBA, error) {
	out := make([]color.RGBA, len(pixels))
	for k := range out {
		out[k] = s.Color
	}
	return out, nil
}
