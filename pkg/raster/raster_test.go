package raster

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

// writeTestTIFF encodes an image to a temp file and returns its path.
func writeTestTIFF(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.tif")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, img, nil))
	require.NoError(t, f.Close())
	return path
}

// TestTIFFRoundTrip writes a class raster through TIFFWriter and reads it
// back through TIFFReader.
func TestTIFFRoundTrip(t *testing.T) {
	const height, width = 6, 9
	path := filepath.Join(t.TempDir(), "out.tif")

	w, err := NewTIFFWriter(path, height, width)
	require.NoError(t, err)

	rows := make([][]uint8, height)
	for i := range rows {
		rows[i] = make([]uint8, width)
		for j := range rows[i] {
			rows[i][j] = uint8(i*width + j)
		}
	}
	require.NoError(t, w.WriteRows(0, rows[:4]))
	require.NoError(t, w.WriteRows(4, rows[4:]))
	require.NoError(t, w.Close())

	r, err := OpenTIFF(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, height, r.Height())
	assert.Equal(t, width, r.Width())
	assert.Equal(t, 1, r.NumBands())
	assert.Equal(t, 8, r.BitDepth())

	got, err := r.ReadWindow(0, 0, height, width, nil, 0)
	require.NoError(t, err)
	for i := range rows {
		for j := range rows[i] {
			assert.Equal(t, float64(rows[i][j]), got[i*width+j])
		}
	}
}

// TestTIFFReaderBoundlessFill verifies reads past the image edge are padded
// with the fill value.
func TestTIFFReaderBoundlessFill(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 3))
	for i := range img.Pix {
		img.Pix[i] = 10
	}
	r, err := OpenTIFF(writeTestTIFF(t, img))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadWindow(1, 1, 4, 4, nil, -5)
	require.NoError(t, err)
	require.Len(t, got, 16)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := -5.0
			if i < 2 && j < 2 {
				want = 10.0
			}
			assert.Equal(t, want, got[i*4+j], "(%d,%d)", i, j)
		}
	}

	// Negative offsets pad on the leading edge too.
	got, err = r.ReadWindow(-1, -1, 2, 2, nil, 7)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 7, 7, 10}, got)
}

// TestTIFFReaderBandOrder verifies band selection and reordering on a
// multi-band image, including repeated bands.
func TestTIFFReaderBandOrder(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 255})

	r, err := OpenTIFF(writeTestTIFF(t, img))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 4, r.NumBands())

	got, err := r.ReadWindow(0, 0, 1, 2, []int{3, 1, 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{30, 10, 10, 60, 40, 40}, got)

	_, err = r.ReadWindow(0, 0, 1, 1, []int{0}, 0)
	assert.Error(t, err)
	_, err = r.ReadWindow(0, 0, 1, 1, []int{5}, 0)
	assert.Error(t, err)
}

// TestTIFFReader16Bit verifies 16-bit images are served at full sample
// resolution, not squashed to 8 bits.
func TestTIFFReader16Bit(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 1, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 40000})

	r, err := OpenTIFF(writeTestTIFF(t, img))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 16, r.BitDepth())
	got, err := r.ReadWindow(0, 0, 1, 1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 40000.0, got[0])
}

// TestTIFFWriterContiguity verifies rows must arrive in order from row zero
// with the exact output width.
func TestTIFFWriterContiguity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tif")
	w, err := NewTIFFWriter(path, 4, 3)
	require.NoError(t, err)

	assert.Error(t, w.WriteRows(1, [][]uint8{{0, 0, 0}}))
	assert.Error(t, w.WriteRows(0, [][]uint8{{0, 0}}))
	assert.Error(t, w.WriteRows(0, make([][]uint8, 5)))
	require.NoError(t, w.WriteRows(0, [][]uint8{{1, 2, 3}}))
	assert.Error(t, w.WriteRows(3, [][]uint8{{0, 0, 0}}))
}

// TestTIFFWriterIncompleteClose verifies an incomplete raster never reaches
// disk.
func TestTIFFWriterIncompleteClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tif")
	w, err := NewTIFFWriter(path, 4, 3)
	require.NoError(t, err)

	require.NoError(t, w.WriteRows(0, [][]uint8{{1, 2, 3}}))
	assert.Error(t, w.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Close is idempotent once the writer has shut down.
	assert.NoError(t, w.Close())
	assert.Error(t, w.WriteRows(1, [][]uint8{{0, 0, 0}}))
}

// TestArrayReader verifies the in-memory reader against a hand-built
// two-band raster.
func TestArrayReader(t *testing.T) {
	r := &ArrayReader{
		Pixels: []float64{
			1, 10, 2, 20,
			3, 30, 4, 40,
		},
		H: 2, W: 2, Bands: 2,
	}
	assert.Equal(t, 8, r.BitDepth())

	got, err := r.ReadWindow(0, 0, 2, 2, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 10, 2, 20, 3, 30, 4, 40}, got)

	got, err = r.ReadWindow(0, 0, 2, 2, []int{2}, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 40}, got)

	got, err = r.ReadWindow(1, 1, 2, 2, []int{1}, -1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, -1, -1, -1}, got)
}

// TestBufferWriter verifies contiguity tracking and completion reporting.
func TestBufferWriter(t *testing.T) {
	w := NewBufferWriter(3, 2)
	assert.Error(t, w.Close())
	assert.False(t, w.Complete())

	require.NoError(t, w.WriteRows(0, [][]uint8{{1, 2}, {3, 4}}))
	assert.Error(t, w.WriteRows(0, [][]uint8{{0, 0}}))
	assert.Error(t, w.WriteRows(2, [][]uint8{{0, 0}, {0, 0}}))
	require.NoError(t, w.WriteRows(2, [][]uint8{{5, 6}}))

	assert.True(t, w.Complete())
	require.NoError(t, w.Close())
	assert.Equal(t, [][]uint8{{1, 2}, {3, 4}, {5, 6}}, w.Rows())
	assert.Equal(t, []int{0, 2}, w.RowStarts)
}

// TestMultiWriter verifies fan-out and first-error propagation.
func TestMultiWriter(t *testing.T) {
	a := NewBufferWriter(2, 2)
	b := NewBufferWriter(2, 2)
	mw := MultiWriter(a, b)

	require.NoError(t, mw.WriteRows(0, [][]uint8{{1, 2}, {3, 4}}))
	require.NoError(t, mw.Close())
	assert.Equal(t, a.Rows(), b.Rows())

	short := NewBufferWriter(3, 2)
	mw = MultiWriter(NewBufferWriter(2, 2), short)
	require.NoError(t, mw.WriteRows(0, [][]uint8{{1, 2}, {3, 4}}))
	assert.Error(t, mw.Close())
}
