// Package raster provides the tile-read and band-write interfaces the
// segmentation engine is built against, plus TIFF-backed implementations
// and in-memory implementations for tests and previews.
package raster

import (
	"github.com/pkg/errors"
)

// Reader supplies raw pixel windows from the input image. Implementations
// must support boundless reads: a window extending past the image bounds is
// returned fully populated, with out-of-bounds pixels set to the fill value.
type Reader interface {
	// Height returns the image height in pixels.
	Height() int

	// Width returns the image width in pixels.
	Width() int

	// NumBands returns the number of bands in the image.
	NumBands() int

	// BitDepth returns the bits per band sample (8 or 16).
	BitDepth() int

	// ReadWindow returns height*width*len(bandOrder) raw band values in
	// row-major, band-minor order for the window anchored at (rowStart,
	// colStart). bandOrder selects and orders bands using 1-based indices;
	// nil means all bands in file order. Out-of-bounds pixels are fill.
	ReadWindow(rowStart, colStart, height, width int, bandOrder []int, fill float64) ([]float64, error)

	// Close releases the underlying resources.
	Close() error
}

// Writer receives finalized rows of the output class raster. Rows must
// arrive in strictly increasing, contiguous order starting at row 0.
type Writer interface {
	// WriteRows appends the given rows, whose first row is image row
	// rowStart. Each row has exactly the image width entries.
	WriteRows(rowStart int, rows [][]uint8) error

	// Close flushes and releases the writer. Output is only valid after a
	// successful Close following a complete run.
	Close() error
}

// resolveBandOrder validates a 1-based band selection against the band
// count, defaulting to all bands in file order.
func resolveBandOrder(bandOrder []int, numBands int) ([]int, error) {
	if bandOrder == nil {
		bandOrder = make([]int, numBands)
		for i := range bandOrder {
			bandOrder[i] = i + 1
		}
		return bandOrder, nil
	}
	if len(bandOrder) == 0 {
		return nil, errors.New("raster: band order must not be empty")
	}
	for _, b := range bandOrder {
		if b < 1 || b > numBands {
			return nil, errors.Errorf("raster: band %d out of range for %d-band image", b, numBands)
		}
	}
	return bandOrder, nil
}
