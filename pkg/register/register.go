// Package register implements the bounded-memory accumulation buffer at the
// heart of tiled segmentation. As each tile finishes inference, its per-class
// logits are scattered into the register scaled by the tile's blending mask.
// Once every tile that can touch a row of the image has been accumulated,
// that row is finalized: the class with the largest weighted logit sum wins,
// and the row's buffers are recycled for the rows that follow.
//
// The register only ever holds cropSize+stride rows of weighted sums, no
// matter how tall the image is. That bound is what lets the engine process
// rasters far larger than available memory, as long as tiles arrive in the
// planner's row-major order.
package register

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/HakaiInstitute/kelp-o-matic/pkg/tiling"
)

// ErrRowEvicted reports a tile arriving for rows that were already finalized
// and released. It indicates a violation of the planner's row-major ordering
// and is never expected during normal operation.
var ErrRowEvicted = errors.New("register: tile touches rows that were already finalized")

// ErrRowOutOfRange reports a tile or finalization request extending beyond
// the resident row span of the register.
var ErrRowOutOfRange = errors.New("register: rows outside the resident register span")

// Band is a fully-resolved horizontal strip of the output class raster.
type Band struct {
	// RowStart is the absolute image row of Classes[0].
	RowStart int

	// Classes holds one row of class indices per finalized image row.
	Classes [][]uint8
}

// NumRows returns the number of finalized rows in the band.
func (b Band) NumRows() int { return len(b.Classes) }

// Register accumulates weighted per-class logits for a sliding strip of the
// image. It is not safe for concurrent use; a single goroutine must own it.
type Register struct {
	width    int
	classes  int
	cropSize int
	stride   int
	height   int // resident rows: cropSize + stride

	noData uint8

	// next is the absolute image row that will be finalized next. Rows in
	// [next, next+height) are resident; everything above next is gone.
	next int

	// start is the ring slot holding row `next`.
	start int

	// sums[slot] holds width*classes weighted logit sums for one row,
	// class-minor. weightSums[slot] holds the width weight totals.
	sums       [][]float64
	weightSums [][]float64
}

// New creates a register for an image of the given width. cropSize and
// stride must already be validated by the tiling plan. noData is the class
// value emitted for pixels that received no tile contribution.
func New(width, classes, cropSize, stride int, noData uint8) (*Register, error) {
	if width <= 0 {
		return nil, errors.Errorf("register: width must be positive, got %d", width)
	}
	if classes <= 0 {
		return nil, errors.Errorf("register: class count must be positive, got %d", classes)
	}
	if cropSize <= 0 || stride <= 0 || stride > cropSize {
		return nil, errors.Errorf("register: invalid crop size %d / stride %d", cropSize, stride)
	}

	height := cropSize + stride
	r := &Register{
		width:      width,
		classes:    classes,
		cropSize:   cropSize,
		stride:     stride,
		height:     height,
		noData:     noData,
		sums:       make([][]float64, height),
		weightSums: make([][]float64, height),
	}
	for i := 0; i < height; i++ {
		r.sums[i] = make([]float64, width*classes)
		r.weightSums[i] = make([]float64, width)
	}
	return r, nil
}

// Height returns the fixed number of resident rows.
func (r *Register) Height() int { return r.height }

// Resident returns the absolute image row span [from, to) currently held by
// the register.
func (r *Register) Resident() (from, to int) {
	return r.next, r.next + r.height
}

// Accumulate scatters one tile's weighted logits into the register.
//
// logits holds cropSize*cropSize*classes values in row-major, class-minor
// order; mask holds cropSize*cropSize weights in row-major order. Both are
// aligned to the window's top-left corner, so a window clipped to a
// sub-tile-sized image reads only the leading rows and columns of each.
//
// Tiles must arrive in the planner's row-major order. A tile touching rows
// that were already finalized, or rows beyond the resident span, is an
// internal consistency fault and returns an error.
func (r *Register) Accumulate(win tiling.Window, logits, mask []float64) error {
	if win.RowStart < r.next {
		return errors.Wrapf(ErrRowEvicted, "tile rows [%d, %d), register at row %d", win.RowStart, win.RowEnd, r.next)
	}
	if win.RowEnd > r.next+r.height {
		return errors.Wrapf(ErrRowOutOfRange, "tile rows [%d, %d), resident span [%d, %d)", win.RowStart, win.RowEnd, r.next, r.next+r.height)
	}
	if win.ColStart < 0 || win.ColEnd > r.width {
		return errors.Errorf("register: tile cols [%d, %d) outside image width %d", win.ColStart, win.ColEnd, r.width)
	}
	if need := r.cropSize * r.cropSize; len(mask) < need || len(logits) < need*r.classes {
		return errors.Errorf("register: logits/mask smaller than %dx%d tile", r.cropSize, r.cropSize)
	}

	k := r.classes
	for i := 0; i < win.Height(); i++ {
		slot := r.slotFor(win.RowStart + i)
		sumRow := r.sums[slot]
		weightRow := r.weightSums[slot]
		for j := 0; j < win.Width(); j++ {
			w := mask[i*r.cropSize+j]
			dst := sumRow[(win.ColStart+j)*k : (win.ColStart+j+1)*k]
			src := logits[(i*r.cropSize+j)*k : (i*r.cropSize+j+1)*k]
			floats.AddScaled(dst, w, src)
			weightRow[win.ColStart+j] += w
		}
	}
	return nil
}

// FinalizeBand resolves and evicts every resident row strictly below upTo,
// returning them as a contiguous band in row order. Rows whose weight total
// is zero, which can only happen in degenerate corner cases, are emitted as
// the no-data class instead of faulting.
//
// Calling FinalizeBand with upTo at or below the current finalization
// frontier returns an empty band.
func (r *Register) FinalizeBand(upTo int) (Band, error) {
	if upTo > r.next+r.height {
		return Band{}, errors.Wrapf(ErrRowOutOfRange, "finalize up to row %d, resident span [%d, %d)", upTo, r.next, r.next+r.height)
	}
	if upTo <= r.next {
		return Band{RowStart: r.next}, nil
	}

	band := Band{
		RowStart: r.next,
		Classes:  make([][]uint8, 0, upTo-r.next),
	}

	k := r.classes
	for row := r.next; row < upTo; row++ {
		slot := r.slotFor(row)
		sumRow := r.sums[slot]
		weightRow := r.weightSums[slot]

		out := make([]uint8, r.width)
		for col := 0; col < r.width; col++ {
			if weightRow[col] <= 0 {
				out[col] = r.noData
				continue
			}
			// The weighted average is sum/weight, but the weight is a
			// positive scalar shared by all classes of the pixel, so the
			// argmax of the raw sums is the same. MaxIdx returns the first
			// maximum, which gives the lowest class index on exact ties.
			out[col] = uint8(floats.MaxIdx(sumRow[col*k : (col+1)*k]))
		}
		band.Classes = append(band.Classes, out)

		// Recycle the slot for the row `height` below this one.
		zero(sumRow)
		zero(weightRow)
	}

	advanced := upTo - r.next
	r.start = (r.start + advanced) % r.height
	r.next = upTo
	return band, nil
}

func (r *Register) slotFor(row int) int {
	return (r.start + (row - r.next)) % r.height
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
