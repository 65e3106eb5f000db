// Package window computes the smooth tapering weights used to blend the
// predictions of overlapping image tiles. Each tile's per-class logits are
// scaled by a two-dimensional Bartlett-Hann mask that peaks at the tile
// center and falls off toward the edges, so that where tiles overlap the
// contribution of each tile fades out gradually instead of stopping at a
// hard seam.
package window

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// minWeight is the floor applied to the 2D mask so that every pixel of a
// tile contributes a strictly positive weight. The raw Bartlett-Hann taper
// is exactly zero at its first sample; without the floor, a stride equal to
// the tile size would leave single-pixel seams with zero total weight.
const minWeight = 1e-6

// Make1D returns the Bartlett-Hann taper of the given length, normalized so
// that the peak weight is 1.0. The taper is symmetric, strictly positive in
// the interior, and non-negative at the endpoints.
//
// A size of 1 returns the degenerate single-weight taper [1.0].
func Make1D(size int) ([]float64, error) {
	if size < 1 {
		return nil, errors.Errorf("window: size must be positive, got %d", size)
	}
	if size == 1 {
		return []float64{1.0}, nil
	}

	// gonum's window functions scale a sequence in place, so applying one
	// to a sequence of ones yields the window coefficients themselves.
	w := make([]float64, size)
	for i := range w {
		w[i] = 1.0
	}
	w = window.BartlettHann(w)

	// For even lengths the taper's continuous peak falls between samples,
	// so rescale to put the largest sample at exactly 1.0.
	floats.Scale(1.0/floats.Max(w), w)
	return w, nil
}

// Mask is a size x size grid of blending weights for one tile.
type Mask struct {
	size    int
	weights []float64
}

// Size returns the edge length of the mask.
func (m *Mask) Size() int { return m.size }

// At returns the weight at row i, column j.
func (m *Mask) At(i, j int) float64 { return m.weights[i*m.size+j] }

// Values returns the mask weights in row-major order. The returned slice is
// shared with the mask and must not be modified.
func (m *Mask) Values() []float64 { return m.weights }

// MaskSet caches the 2D blending masks for one tile size. Tiles touching an
// image boundary use variant masks whose outer half rows or columns are
// raised to full weight, because no neighboring tile exists on that side to
// make up the difference. There are sixteen possible variants; each is
// built once on first use.
type MaskSet struct {
	size  int
	taper []float64
	masks map[uint8]*Mask
}

// NewMaskSet creates a mask cache for tiles with the given edge length.
func NewMaskSet(size int) (*MaskSet, error) {
	taper, err := Make1D(size)
	if err != nil {
		return nil, err
	}
	return &MaskSet{
		size:  size,
		taper: taper,
		masks: make(map[uint8]*Mask, 16),
	}, nil
}

// Mask returns the blending mask for a tile, with the boundary flags
// indicating which sides of the tile coincide with the image boundary.
// An interior tile passes false for all four.
func (s *MaskSet) Mask(top, bottom, left, right bool) *Mask {
	key := maskKey(top, bottom, left, right)
	if m, ok := s.masks[key]; ok {
		return m
	}

	wi := boundaryTaper(s.taper, top, bottom)
	wj := boundaryTaper(s.taper, left, right)

	// Outer product of the row and column tapers, floored so every weight
	// stays strictly positive.
	weights := make([]float64, s.size*s.size)
	for i := 0; i < s.size; i++ {
		row := weights[i*s.size : (i+1)*s.size]
		for j := 0; j < s.size; j++ {
			w := wi[i] * wj[j]
			if w < minWeight {
				w = minWeight
			}
			row[j] = w
		}
	}

	m := &Mask{size: s.size, weights: weights}
	s.masks[key] = m
	return m
}

func maskKey(top, bottom, left, right bool) uint8 {
	var key uint8
	if top {
		key |= 1
	}
	if bottom {
		key |= 2
	}
	if left {
		key |= 4
	}
	if right {
		key |= 8
	}
	return key
}

// boundaryTaper returns the 1D taper with the leading or trailing half set
// to full weight when the tile touches the corresponding image boundary.
func boundaryTaper(taper []float64, lo, hi bool) []float64 {
	out := make([]float64, len(taper))
	copy(out, taper)
	half := len(taper) / 2
	if lo {
		for i := 0; i < half; i++ {
			out[i] = 1.0
		}
	}
	if hi {
		for i := half; i < len(out); i++ {
			out[i] = 1.0
		}
	}
	return out
}
