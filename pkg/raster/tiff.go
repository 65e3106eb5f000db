package raster

import (
	"image"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

// TIFFReader reads tile windows from a TIFF image. The image is decoded
// once on open; windows are served from the decoded pixels. Geospatial tags
// are ignored, the reader only deals in pixels.
type TIFFReader struct {
	img      image.Image
	height   int
	width    int
	numBands int
	bitDepth int
}

// OpenTIFF opens and decodes a TIFF file for windowed reading.
func OpenTIFF(path string) (*TIFFReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "raster: open %s", path)
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "raster: decode %s", path)
	}

	r := &TIFFReader{
		img:    img,
		height: img.Bounds().Dy(),
		width:  img.Bounds().Dx(),
	}
	switch img.(type) {
	case *image.Gray:
		r.numBands, r.bitDepth = 1, 8
	case *image.Gray16:
		r.numBands, r.bitDepth = 1, 16
	case *image.RGBA64, *image.NRGBA64:
		r.numBands, r.bitDepth = 4, 16
	case *image.NRGBA, *image.RGBA:
		r.numBands, r.bitDepth = 4, 8
	default:
		// CMYK, paletted and YCbCr images are served through the generic
		// color conversion path as 8-bit RGBA.
		r.numBands, r.bitDepth = 4, 8
	}
	return r, nil
}

// Height implements Reader.
func (r *TIFFReader) Height() int { return r.height }

// Width implements Reader.
func (r *TIFFReader) Width() int { return r.width }

// NumBands implements Reader.
func (r *TIFFReader) NumBands() int { return r.numBands }

// BitDepth implements Reader.
func (r *TIFFReader) BitDepth() int { return r.bitDepth }

// ReadWindow implements Reader.
func (r *TIFFReader) ReadWindow(rowStart, colStart, height, width int, bandOrder []int, fill float64) ([]float64, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("raster: window dimensions must be positive, got %dx%d", height, width)
	}
	bands, err := resolveBandOrder(bandOrder, r.numBands)
	if err != nil {
		return nil, err
	}

	minX := r.img.Bounds().Min.X
	minY := r.img.Bounds().Min.Y

	out := make([]float64, height*width*len(bands))
	i := 0
	for row := rowStart; row < rowStart+height; row++ {
		for col := colStart; col < colStart+width; col++ {
			if row < 0 || row >= r.height || col < 0 || col >= r.width {
				for range bands {
					out[i] = fill
					i++
				}
				continue
			}
			px := r.samples(minX+col, minY+row)
			for _, b := range bands {
				out[i] = px[b-1]
				i++
			}
		}
	}
	return out, nil
}

// samples returns the band values of one pixel at full sample resolution
// (0-255 for 8-bit images, 0-65535 for 16-bit images).
func (r *TIFFReader) samples(x, y int) [4]float64 {
	switch img := r.img.(type) {
	case *image.Gray:
		return [4]float64{float64(img.GrayAt(x, y).Y)}
	case *image.Gray16:
		return [4]float64{float64(img.Gray16At(x, y).Y)}
	case *image.NRGBA:
		c := img.NRGBAAt(x, y)
		return [4]float64{float64(c.R), float64(c.G), float64(c.B), float64(c.A)}
	case *image.RGBA:
		c := img.RGBAAt(x, y)
		return [4]float64{float64(c.R), float64(c.G), float64(c.B), float64(c.A)}
	case *image.NRGBA64:
		c := img.NRGBA64At(x, y)
		return [4]float64{float64(c.R), float64(c.G), float64(c.B), float64(c.A)}
	case *image.RGBA64:
		c := img.RGBA64At(x, y)
		return [4]float64{float64(c.R), float64(c.G), float64(c.B), float64(c.A)}
	default:
		cr, cg, cb, ca := r.img.At(x, y).RGBA()
		return [4]float64{float64(cr >> 8), float64(cg >> 8), float64(cb >> 8), float64(ca >> 8)}
	}
}

// Close implements Reader.
func (r *TIFFReader) Close() error {
	r.img = nil
	return nil
}

// TIFFWriter buffers the output class raster and encodes it as a
// single-band uint8 TIFF with deflate compression on Close.
type TIFFWriter struct {
	path    string
	img     *image.Gray
	width   int
	height  int
	nextRow int
	closed  bool
}

// NewTIFFWriter creates a writer for an output raster of the given size.
func NewTIFFWriter(path string, height, width int) (*TIFFWriter, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("raster: output dimensions must be positive, got %dx%d", height, width)
	}
	return &TIFFWriter{
		path:   path,
		img:    image.NewGray(image.Rect(0, 0, width, height)),
		width:  width,
		height: height,
	}, nil
}

// WriteRows implements Writer.
func (w *TIFFWriter) WriteRows(rowStart int, rows [][]uint8) error {
	if w.closed {
		return errors.New("raster: write to closed writer")
	}
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
		copy(w.img.Pix[(rowStart+i)*w.img.Stride:], row)
	}
	w.nextRow = rowStart + len(rows)
	return nil
}

// Close encodes and writes the buffered raster. It fails if the raster was
// not completely written, so a partial run never leaves a plausible-looking
// output file behind.
func (w *TIFFWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.nextRow != w.height {
		return errors.Errorf("raster: output incomplete, %d of %d rows written", w.nextRow, w.height)
	}

	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrapf(err, "raster: create %s", w.path)
	}
	if err := tiff.Encode(f, w.img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return errors.Wrapf(err, "raster: encode %s", w.path)
	}
	return errors.Wrapf(f.Close(), "raster: close %s", w.path)
}
