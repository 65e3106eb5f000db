package raster

import (
	"github.com/pkg/errors"
)

// ArrayReader serves windows from an in-memory pixel array. It is useful
// for tests and for callers that already hold decoded imagery.
type ArrayReader struct {
	// Pixels holds H*W*Bands raw band values in row-major, band-minor order.
	Pixels []float64
	H      int
	W      int
	Bands  int
	Depth  int // bits per sample; defaults to 8 when zero
}

// Height implements Reader.
func (r *ArrayReader) Height() int { return r.H }

// Width implements Reader.
func (r *ArrayReader) Width() int { return r.W }

// NumBands implements Reader.
func (r *ArrayReader) NumBands() int { return r.Bands }

// BitDepth implements Reader.
func (r *ArrayReader) BitDepth() int {
	if r.Depth == 0 {
		return 8
	}
	return r.Depth
}

// ReadWindow implements Reader.
func (r *ArrayReader) ReadWindow(rowStart, colStart, height, width int, bandOrder []int, fill float64) ([]float64, error) {
	if len(r.Pixels) != r.H*r.W*r.Bands {
		return nil, errors.Errorf("raster: pixel buffer has %d values, want %d", len(r.Pixels), r.H*r.W*r.Bands)
	}
	bands, err := resolveBandOrder(bandOrder, r.Bands)
	if err != nil {
		return nil, err
	}

	out := make([]float64, height*width*len(bands))
	i := 0
	for row := rowStart; row < rowStart+height; row++ {
		for col := colStart; col < colStart+width; col++ {
			if row < 0 || row >= r.H || col < 0 || col >= r.W {
				for range bands {
					out[i] = fill
					i++
				}
				continue
			}
			base := (row*r.W + col) * r.Bands
			for _, b := range bands {
				out[i] = r.Pixels[base+b-1]
				i++
			}
		}
	}
	return out, nil
}

// Close implements Reader.
func (r *ArrayReader) Close() error { return nil }

// BufferWriter collects finalized rows in memory. It backs preview
// rendering and tests.
type BufferWriter struct {
	width   int
	height  int
	rows    [][]uint8
	nextRow int

	// RowStarts records the rowStart of every WriteRows call, in order.
	RowStarts []int
}

// NewBufferWriter creates an in-memory writer for an output raster of the
// given size.
func NewBufferWriter(height, width int) *BufferWriter {
	return &BufferWriter{width: width, height: height}
}

// WriteRows implements Writer.
func (w *BufferWriter) WriteRows(rowStart int, rows [][]uint8) error {
	if rowStart != w.nextRow {
		return errors.Errorf("raster: rows must be contiguous, got row %d after row %d", rowStart, w.nextRow)
	}
	if rowStart+len(rows) > w.height {
		return errors.Errorf("raster: rows [%d, %d) beyond output height %d", rowStart, rowStart+len(rows), w.height)
	}
	for i, row := range rows {
		if len(row) != w.width {
			return errors.Errorf("raster: row %d has %d columns, want %d", rowStart+i, len(row), w.width)
		}
		buf := make([]uint8, len(row))
		copy(buf, row)
		w.rows = append(w.rows, buf)
	}
	w.RowStarts = append(w.RowStarts, rowStart)
	w.nextRow = rowStart + len(rows)
	return nil
}

// Close implements Writer.
func (w *BufferWriter) Close() error {
	if w.nextRow != w.height {
		return errors.Errorf("raster: output incomplete, %d of %d rows written", w.nextRow, w.height)
	}
	return nil
}

// Rows returns the collected class rows. Valid once all rows are written.
func (w *BufferWriter) Rows() [][]uint8 { return w.rows }

// Complete reports whether every output row has been received.
func (w *BufferWriter) Complete() bool { return w.nextRow == w.height }

// MultiWriter fans WriteRows out to several writers, e.g. a TIFF writer and
// an in-memory buffer for preview rendering.
func MultiWriter(writers ...Writer) Writer {
	return &multiWriter{writers: writers}
}

type multiWriter struct {
	writers []Writer
}

func (m *multiWriter) WriteRows(rowStart int, rows [][]uint8) error {
	for _, w := range m.writers {
		if err := w.WriteRows(rowStart, rows); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiWriter) Close() error {
	var firstErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
