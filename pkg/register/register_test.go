package register

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HakaiInstitute/kelp-o-matic/pkg/tiling"
)

// onesMask returns a flat unit weight mask for a cropSize tile.
func onesMask(cropSize int) []float64 {
	m := make([]float64, cropSize*cropSize)
	for i := range m {
		m[i] = 1.0
	}
	return m
}

// constLogits returns tile logits where the given class has value v and all
// other classes are zero.
func constLogits(cropSize, classes int, class int, v float64) []float64 {
	data := make([]float64, cropSize*cropSize*classes)
	for px := 0; px < cropSize*cropSize; px++ {
		data[px*classes+class] = v
	}
	return data
}

func fullWindow(rowStart, colStart, cropSize int) tiling.Window {
	return tiling.Window{
		RowStart: rowStart,
		RowEnd:   rowStart + cropSize,
		ColStart: colStart,
		ColEnd:   colStart + cropSize,
	}
}

// TestAccumulateFinalize verifies the basic accumulate → finalize flow: a
// single tile of class-1 logits finalizes to class 1 across its extent.
func TestAccumulateFinalize(t *testing.T) {
	const crop, stride, classes = 8, 4, 3
	reg, err := New(8, classes, crop, stride, 255)
	require.NoError(t, err)
	assert.Equal(t, crop+stride, reg.Height())

	win := fullWindow(0, 0, crop)
	require.NoError(t, reg.Accumulate(win, constLogits(crop, classes, 1, 2.5), onesMask(crop)))

	band, err := reg.FinalizeBand(crop)
	require.NoError(t, err)
	assert.Equal(t, 0, band.RowStart)
	require.Equal(t, crop, band.NumRows())
	for _, row := range band.Classes {
		for _, class := range row {
			assert.Equal(t, uint8(1), class)
		}
	}

	from, _ := reg.Resident()
	assert.Equal(t, crop, from)
}

// TestArgmaxTieBreak verifies that exact ties resolve to the lowest class
// index, which keeps runs reproducible.
func TestArgmaxTieBreak(t *testing.T) {
	const crop, stride, classes = 4, 2, 4
	reg, err := New(4, classes, crop, stride, 0)
	require.NoError(t, err)

	// Classes 1 and 2 tie; class 1 must win.
	logits := make([]float64, crop*crop*classes)
	for px := 0; px < crop*crop; px++ {
		logits[px*classes+1] = 3.0
		logits[px*classes+2] = 3.0
	}
	require.NoError(t, reg.Accumulate(fullWindow(0, 0, crop), logits, onesMask(crop)))

	band, err := reg.FinalizeBand(crop)
	require.NoError(t, err)
	for _, row := range band.Classes {
		for _, class := range row {
			assert.Equal(t, uint8(1), class)
		}
	}
}

// TestWeightedBlendWinsOverUnweighted verifies accumulation is add-scaled:
// two overlapping tiles disagree, and the one with more total weight at a
// pixel decides its class.
func TestWeightedBlendWinsOverUnweighted(t *testing.T) {
	const crop, stride, classes = 4, 2, 2
	reg, err := New(6, classes, crop, stride, 0)
	require.NoError(t, err)

	// Tile A (cols 0-4) votes class 0 with weight 1; tile B (cols 2-6)
	// votes class 1 with weight 3 via its mask.
	heavy := make([]float64, crop*crop)
	for i := range heavy {
		heavy[i] = 3.0
	}
	require.NoError(t, reg.Accumulate(fullWindow(0, 0, crop), constLogits(crop, classes, 0, 1), onesMask(crop)))
	require.NoError(t, reg.Accumulate(fullWindow(0, 2, crop), constLogits(crop, classes, 1, 1), heavy))

	band, err := reg.FinalizeBand(crop)
	require.NoError(t, err)
	for _, row := range band.Classes {
		assert.Equal(t, []uint8{0, 0, 1, 1, 1, 1}, row)
	}
}

// TestNoDataSentinel verifies rows that never received a contribution are
// emitted as the no-data class instead of faulting.
func TestNoDataSentinel(t *testing.T) {
	const crop, stride, classes = 4, 2, 2
	reg, err := New(4, classes, crop, stride, 9)
	require.NoError(t, err)

	band, err := reg.FinalizeBand(2)
	require.NoError(t, err)
	require.Equal(t, 2, band.NumRows())
	for _, row := range band.Classes {
		for _, class := range row {
			assert.Equal(t, uint8(9), class)
		}
	}
}

// TestEvictedRowFault verifies the defensive ordering check: a tile for
// rows that were already finalized is an internal consistency fault.
func TestEvictedRowFault(t *testing.T) {
	const crop, stride, classes = 4, 2, 2
	reg, err := New(4, classes, crop, stride, 0)
	require.NoError(t, err)

	_, err = reg.FinalizeBand(4)
	require.NoError(t, err)

	err = reg.Accumulate(fullWindow(2, 0, crop), constLogits(crop, classes, 0, 1), onesMask(crop))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRowEvicted)
}

// TestOutOfRangeFaults verifies tiles and finalizations beyond the resident
// span are rejected.
func TestOutOfRangeFaults(t *testing.T) {
	const crop, stride, classes = 4, 2, 2
	reg, err := New(4, classes, crop, stride, 0)
	require.NoError(t, err)

	// Resident span is [0, 6); a tile ending at row 10 cannot fit.
	err = reg.Accumulate(fullWindow(6, 0, crop), constLogits(crop, classes, 0, 1), onesMask(crop))
	assert.ErrorIs(t, err, ErrRowOutOfRange)

	_, err = reg.FinalizeBand(7)
	assert.ErrorIs(t, err, ErrRowOutOfRange)

	// Finalizing at or below the frontier is a no-op, not an error.
	band, err := reg.FinalizeBand(0)
	require.NoError(t, err)
	assert.Equal(t, 0, band.NumRows())
}

// TestRingRecycling verifies that evicted row buffers are zeroed before
// reuse: a later band must not inherit stale sums from the rows it
// replaced.
func TestRingRecycling(t *testing.T) {
	const crop, stride, classes = 4, 2, 2
	reg, err := New(4, classes, crop, stride, 0)
	require.NoError(t, err)

	// Band at rows 0-4 votes class 1 heavily.
	require.NoError(t, reg.Accumulate(fullWindow(0, 0, crop), constLogits(crop, classes, 1, 100), onesMask(crop)))
	band, err := reg.FinalizeBand(4)
	require.NoError(t, err)
	require.Equal(t, 4, band.NumRows())

	// Rows 4-8 now reuse the recycled slots; a light class-0 vote must win.
	require.NoError(t, reg.Accumulate(fullWindow(4, 0, crop), constLogits(crop, classes, 0, 1), onesMask(crop)))
	band, err = reg.FinalizeBand(8)
	require.NoError(t, err)
	require.Equal(t, 4, band.NumRows())
	for _, row := range band.Classes {
		for _, class := range row {
			assert.Equal(t, uint8(0), class)
		}
	}
}

// TestBoundedMemoryTallImage simulates a very tall image processed in
// planner order and checks that the register's resident span never exceeds
// cropSize+stride rows while every output row still finalizes correctly.
func TestBoundedMemoryTallImage(t *testing.T) {
	const (
		height  = 100_000
		width   = 8
		crop    = 16
		stride  = 8
		classes = 2
	)

	plan, err := tiling.NewPlan(height, width, crop, stride)
	require.NoError(t, err)
	reg, err := New(width, classes, crop, stride, 0)
	require.NoError(t, err)

	mask := onesMask(crop)
	logits := constLogits(crop, classes, 1, 1)

	rowsOut := 0
	for i := range plan.RowStarts {
		for _, win := range plan.RowBand(i) {
			require.NoError(t, reg.Accumulate(win, logits, mask))

			from, to := reg.Resident()
			require.Equal(t, crop+stride, to-from, "resident span must stay fixed")
		}
		upTo := height
		if i+1 < len(plan.RowStarts) {
			upTo = plan.RowStarts[i+1]
		}
		band, err := reg.FinalizeBand(upTo)
		require.NoError(t, err)
		for _, row := range band.Classes {
			require.Len(t, row, width)
			for _, class := range row {
				require.Equal(t, uint8(1), class)
			}
		}
		rowsOut += band.NumRows()
	}
	assert.Equal(t, height, rowsOut)
}

// TestNewValidation verifies constructor argument checks.
func TestNewValidation(t *testing.T) {
	_, err := New(0, 2, 4, 2, 0)
	assert.Error(t, err)
	_, err = New(4, 0, 4, 2, 0)
	assert.Error(t, err)
	_, err = New(4, 2, 4, 8, 0)
	assert.Error(t, err)
}
