// Package tiling plans how a large raster is decomposed into a covering set
// of fixed-size, overlapping tile windows for neural network inference.
//
// Tiles are laid out on a regular stride grid. When the image extent is not
// an exact multiple of the stride, the final row or column of tiles is
// shifted inward so that it ends exactly at the image edge instead of
// shrinking, which keeps every tile at the full configured size. The one
// exception is an image smaller than a single tile, where the plan emits a
// single window covering the whole (sub-tile-sized) extent.
package tiling

import (
	"iter"

	"github.com/pkg/errors"
)

// Window is a rectangular tile region in image coordinates. RowEnd and
// ColEnd are exclusive.
type Window struct {
	RowStart int
	RowEnd   int
	ColStart int
	ColEnd   int
}

// Height returns the number of rows covered by the window.
func (w Window) Height() int { return w.RowEnd - w.RowStart }

// Width returns the number of columns covered by the window.
func (w Window) Width() int { return w.ColEnd - w.ColStart }

// Plan is the deterministic tile layout for one image. The same inputs
// always produce the same plan, so a plan can be regenerated or re-iterated
// at will.
type Plan struct {
	ImageHeight int
	ImageWidth  int
	CropSize    int
	Stride      int

	// RowStarts and ColStarts hold the window start offsets along each
	// axis, in increasing order. The last offset may be clamped inward.
	RowStarts []int
	ColStarts []int
}

// NewPlan validates the tiling configuration and computes the tile layout
// for an image of the given dimensions.
func NewPlan(height, width, cropSize, stride int) (*Plan, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("tiling: image dimensions must be positive, got %dx%d", height, width)
	}
	if cropSize <= 0 || cropSize%2 != 0 {
		return nil, errors.Errorf("tiling: crop size must be positive and even, got %d", cropSize)
	}
	if stride <= 0 || stride > cropSize {
		return nil, errors.Errorf("tiling: stride must be in (0, %d], got %d", cropSize, stride)
	}

	return &Plan{
		ImageHeight: height,
		ImageWidth:  width,
		CropSize:    cropSize,
		Stride:      stride,
		RowStarts:   axisStarts(height, cropSize, stride),
		ColStarts:   axisStarts(width, cropSize, stride),
	}, nil
}

// axisStarts computes the tile start offsets along one axis. Offsets advance
// by stride; the final offset is clamped to extent-cropSize so the last tile
// stays in bounds at full size. An extent smaller than one tile yields the
// single offset 0.
func axisStarts(extent, cropSize, stride int) []int {
	if extent <= cropSize {
		return []int{0}
	}
	var starts []int
	for off := 0; ; off += stride {
		if off+cropSize >= extent {
			starts = append(starts, extent-cropSize)
			break
		}
		starts = append(starts, off)
	}
	return starts
}

// NumWindows returns the total number of tile windows in the plan.
func (p *Plan) NumWindows() int {
	return len(p.RowStarts) * len(p.ColStarts)
}

// WindowAt returns the tile window for row band i and column band j. The
// window is clipped to the image extent, which only has an effect for
// images smaller than one tile.
func (p *Plan) WindowAt(i, j int) Window {
	rs := p.RowStarts[i]
	cs := p.ColStarts[j]
	return Window{
		RowStart: rs,
		RowEnd:   min(rs+p.CropSize, p.ImageHeight),
		ColStart: cs,
		ColEnd:   min(cs+p.CropSize, p.ImageWidth),
	}
}

// RowBand returns all windows of row band i, in column order.
func (p *Plan) RowBand(i int) []Window {
	windows := make([]Window, len(p.ColStarts))
	for j := range p.ColStarts {
		windows[j] = p.WindowAt(i, j)
	}
	return windows
}

// Windows yields every tile window in row-major order: all column windows
// of row band 0, then row band 1, and so on. The accumulation register
// relies on this ordering to decide when an output band is complete.
func (p *Plan) Windows() iter.Seq[Window] {
	return func(yield func(Window) bool) {
		for i := range p.RowStarts {
			for j := range p.ColStarts {
				if !yield(p.WindowAt(i, j)) {
					return
				}
			}
		}
	}
}

// Covers reports whether the union of the planned windows is exactly the
// full image extent. It holds for every valid plan and exists as a
// fail-fast check before processing starts.
func (p *Plan) Covers() bool {
	return axisCovered(p.RowStarts, p.CropSize, p.ImageHeight) &&
		axisCovered(p.ColStarts, p.CropSize, p.ImageWidth)
}

// axisCovered checks that the intervals [s, s+cropSize) for each start s
// cover [0, extent) without gaps.
func axisCovered(starts []int, cropSize, extent int) bool {
	if len(starts) == 0 || starts[0] != 0 {
		return false
	}
	covered := cropSize
	for i := 1; i < len(starts); i++ {
		if starts[i] <= starts[i-1] || starts[i] > covered {
			return false
		}
		covered = starts[i] + cropSize
	}
	return covered >= extent
}
