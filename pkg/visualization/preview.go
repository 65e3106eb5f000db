// Package visualization renders finalized class rasters as colorized
// preview images for quick visual inspection of a segmentation run.
package visualization

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Palette maps class indices to display colors. Class 0 is rendered as
// transparent black, treating it as background/nodata.
type Palette []color.NRGBA

// NewPalette builds a deterministic palette for the given number of
// classes. Hues are spaced evenly around the color wheel so adjacent class
// indices stay visually distinct.
func NewPalette(numClasses int) Palette {
	p := make(Palette, numClasses)
	if numClasses == 0 {
		return p
	}
	p[0] = color.NRGBA{}
	for k := 1; k < numClasses; k++ {
		hue := float64(k-1) / float64(numClasses) * 360.0
		r, g, b := colorful.Hsv(hue, 0.85, 0.9).RGB255()
		p[k] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return p
}

// Color returns the display color for a class index. Indices beyond the
// palette fall back to white, so corrupt values stand out.
func (p Palette) Color(class uint8) color.NRGBA {
	if int(class) >= len(p) {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return p[class]
}

// Preview renders class rasters using a fixed palette.
type Preview struct {
	palette Palette

	// maxDim limits the longest preview edge; zero keeps full resolution.
	maxDim int
}

// NewPreview creates a renderer for rasters with the given class count.
func NewPreview(numClasses, maxDim int) *Preview {
	return &Preview{
		palette: NewPalette(numClasses),
		maxDim:  maxDim,
	}
}

// Render converts a class raster to a colorized image, downscaled to the
// configured maximum dimension.
func (p *Preview) Render(rows [][]uint8) (image.Image, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("visualization: empty class raster")
	}
	height := len(rows)
	width := len(rows[0])

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y, row := range rows {
		if len(row) != width {
			return nil, errors.Errorf("visualization: row %d has %d columns, want %d", y, len(row), width)
		}
		for x, class := range row {
			img.SetNRGBA(x, y, p.palette.Color(class))
		}
	}

	if p.maxDim > 0 && (width > p.maxDim || height > p.maxDim) {
		if width >= height {
			return imaging.Resize(img, p.maxDim, 0, imaging.NearestNeighbor), nil
		}
		return imaging.Resize(img, 0, p.maxDim, imaging.NearestNeighbor), nil
	}
	return img, nil
}

// Save renders the class raster and writes it as a PNG file.
func (p *Preview) Save(rows [][]uint8, path string) error {
	img, err := p.Render(rows)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "visualization: create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "visualization: encode %s", path)
	}
	return errors.Wrapf(f.Close(), "visualization: close %s", path)
}
