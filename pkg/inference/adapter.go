// Package inference defines the pluggable model interface the segmentation
// engine calls for each batch of tiles, together with the ONNX Runtime
// implementation used in production.
package inference

import (
	"context"

	"github.com/HakaiInstitute/kelp-o-matic/pkg/tiling"
)

// Tile is one tile's raw pixel data, ready for inference.
type Tile struct {
	// Window is the image region the pixels were read from. The pixel
	// buffer is always a full crop-size square; for windows clipped to the
	// image extent the trailing rows and columns are boundless-read fill.
	Window tiling.Window

	// Pixels holds cropSize*cropSize*channels raw band values in
	// row-major, channel-minor order.
	Pixels []float64
}

// Logits is the per-class model output for one tile.
type Logits struct {
	// Window is copied from the input tile.
	Window tiling.Window

	// Data holds cropSize*cropSize*classes values in row-major,
	// class-minor order, spatially aligned with the input pixels.
	Data []float64
}

// Adapter runs model inference on batches of tiles. Implementations must
// preserve batch order and spatial alignment: output element i corresponds
// to input tile i, with no implicit cropping or resizing.
type Adapter interface {
	// Classes returns the number of output classes per pixel.
	Classes() int

	// Infer runs the model on a batch of tiles.
	Infer(ctx context.Context, tiles []Tile) ([]Logits, error)
}

// Func adapts a plain function into an Adapter. It is mainly useful for
// tests and for models hosted outside ONNX Runtime.
type Func struct {
	NumClasses int
	Fn         func(ctx context.Context, tiles []Tile) ([]Logits, error)
}

// Classes implements Adapter.
func (f Func) Classes() int { return f.NumClasses }

// Infer implements Adapter.
func (f Func) Infer(ctx context.Context, tiles []Tile) ([]Logits, error) {
	return f.Fn(ctx, tiles)
}
