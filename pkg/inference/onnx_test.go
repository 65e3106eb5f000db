package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/HakaiInstitute/kelp-o-matic/pkg/tiling"
)

// TestPackNCHW verifies the channel-minor to channel-major conversion and
// the scale-then-normalize pixel math.
func TestPackNCHW(t *testing.T) {
	opts := ONNXOptions{
		InputChannels: 2,
		MaxPixelValue: 255,
		Mean:          []float64{0.5, 0.0},
		Std:           []float64{0.5, 1.0},
	}

	// One 2x2 tile, band values interleaved per pixel.
	pixels := []float64{
		255, 0,
		0, 255,
		127.5, 0,
		255, 255,
	}
	out, err := packNCHW(pixels, 2, opts)
	require.NoError(t, err)
	require.Len(t, out, 8)

	// Channel 0: (v/255 - 0.5) / 0.5
	assert.InDelta(t, 1.0, float64(out[0]), 1e-6)
	assert.InDelta(t, -1.0, float64(out[1]), 1e-6)
	assert.InDelta(t, 0.0, float64(out[2]), 1e-6)
	assert.InDelta(t, 1.0, float64(out[3]), 1e-6)

	// Channel 1: v/255 untouched by normalization.
	assert.InDelta(t, 0.0, float64(out[4]), 1e-6)
	assert.InDelta(t, 1.0, float64(out[5]), 1e-6)
	assert.InDelta(t, 0.0, float64(out[6]), 1e-6)
	assert.InDelta(t, 1.0, float64(out[7]), 1e-6)
}

// TestPackNCHWNoNormalization verifies nil mean/std degrade to pure pixel
// scaling.
func TestPackNCHWNoNormalization(t *testing.T) {
	opts := ONNXOptions{InputChannels: 1, MaxPixelValue: 65535}
	out, err := packNCHW([]float64{65535, 0, 32767.5, 65535}, 2, opts)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(out[0]), 1e-6)
	assert.InDelta(t, 0.0, float64(out[1]), 1e-6)
	assert.InDelta(t, 0.5, float64(out[2]), 1e-6)

	_, err = packNCHW([]float64{1, 2, 3}, 2, opts)
	assert.Error(t, err)
}

// TestUnpackKHW verifies the class-major model layout converts back to the
// class-minor layout the register consumes.
func TestUnpackKHW(t *testing.T) {
	// 2 classes over a 2x2 tile: class plane 0 then class plane 1.
	data := []float32{
		1, 2, 3, 4,
		10, 20, 30, 40,
	}
	out := unpackKHW(data, 2, 2)
	assert.Equal(t, []float64{1, 10, 2, 20, 3, 30, 4, 40}, out)
}

// TestPackUnpackRoundTrip verifies spatial alignment survives both layout
// conversions.
func TestPackUnpackRoundTrip(t *testing.T) {
	const size = 4
	opts := ONNXOptions{InputChannels: 3, MaxPixelValue: 1}

	pixels := make([]float64, size*size*3)
	for i := range pixels {
		pixels[i] = float64(i)
	}
	packed, err := packNCHW(pixels, size, opts)
	require.NoError(t, err)

	// With 3 "classes" equal to the 3 channels, unpacking inverts packing.
	back := unpackKHW(packed, 3, size)
	for i := range pixels {
		assert.InDelta(t, pixels[i], back[i], 1e-6)
	}
}

// TestONNXOptionsValidate exercises the option checks.
func TestONNXOptionsValidate(t *testing.T) {
	valid := func() ONNXOptions {
		return ONNXOptions{
			ModelPath:     "model.onnx",
			InputChannels: 3,
			NumClasses:    2,
			InputSize:     1024,
			MaxPixelValue: 255,
		}
	}

	opts := valid()
	assert.NoError(t, opts.validate())

	opts = valid()
	opts.ModelPath = ""
	assert.Error(t, opts.validate())

	opts = valid()
	opts.NumClasses = 0
	assert.Error(t, opts.validate())

	opts = valid()
	opts.MaxPixelValue = 0
	assert.Error(t, opts.validate())

	opts = valid()
	opts.Mean = []float64{0.5}
	assert.Error(t, opts.validate())

	opts = valid()
	opts.Std = []float64{0.5, 0.5}
	assert.Error(t, opts.validate())
}

// TestCheckOutputShape verifies the model output shape guard.
func TestCheckOutputShape(t *testing.T) {
	assert.NoError(t, checkOutputShape(ort.NewShape(2, 3, 8, 8), 2, 3, 8))
	assert.Error(t, checkOutputShape(ort.NewShape(2, 3, 8), 2, 3, 8))
	assert.Error(t, checkOutputShape(ort.NewShape(1, 3, 8, 8), 2, 3, 8))
	assert.Error(t, checkOutputShape(ort.NewShape(2, 4, 8, 8), 2, 3, 8))
	assert.Error(t, checkOutputShape(ort.NewShape(2, 3, 8, 4), 2, 3, 8))
}

// TestFuncAdapter verifies the function adapter forwards calls unchanged.
func TestFuncAdapter(t *testing.T) {
	win := tiling.Window{RowStart: 0, RowEnd: 4, ColStart: 0, ColEnd: 4}
	f := Func{
		NumClasses: 5,
		Fn: func(_ context.Context, tiles []Tile) ([]Logits, error) {
			require.Len(t, tiles, 1)
			return []Logits{{Window: tiles[0].Window}}, nil
		},
	}
	assert.Equal(t, 5, f.Classes())

	out, err := f.Infer(context.Background(), []Tile{{Window: win}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, win, out[0].Window)
}
