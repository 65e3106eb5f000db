package inference

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configures an ONNX Runtime segmentation model.
type ONNXOptions struct {
	// ModelPath is the local path to the .onnx file.
	ModelPath string

	// InputName and OutputName are the model's tensor names. Most exported
	// segmentation models use "input" and "output".
	InputName  string
	OutputName string

	// InputChannels is the number of bands the model expects.
	InputChannels int

	// NumClasses is the number of output classes per pixel.
	NumClasses int

	// InputSize is the tile edge length the model was exported for.
	InputSize int

	// MaxPixelValue scales raw band values into [0, 1] before
	// normalization, e.g. 255 for 8-bit imagery.
	MaxPixelValue float64

	// Mean and Std are optional per-channel normalization constants applied
	// after scaling. Both must have InputChannels entries when set.
	Mean []float64
	Std  []float64

	// IntraOpThreads limits ONNX Runtime's internal parallelism. Zero lets
	// the runtime decide.
	IntraOpThreads int
}

func (o *ONNXOptions) validate() error {
	if o.ModelPath == "" {
		return errors.New("inference: model path is required")
	}
	if o.InputChannels <= 0 || o.NumClasses <= 0 || o.InputSize <= 0 {
		return errors.Errorf("inference: channels, classes and input size must be positive (got %d, %d, %d)",
			o.InputChannels, o.NumClasses, o.InputSize)
	}
	if o.MaxPixelValue <= 0 {
		return errors.Errorf("inference: max pixel value must be positive, got %g", o.MaxPixelValue)
	}
	if o.Mean != nil && len(o.Mean) != o.InputChannels {
		return errors.Errorf("inference: mean has %d entries for %d channels", len(o.Mean), o.InputChannels)
	}
	if o.Std != nil && len(o.Std) != o.InputChannels {
		return errors.Errorf("inference: std has %d entries for %d channels", len(o.Std), o.InputChannels)
	}
	return nil
}

var ortInitOnce sync.Once

// InitRuntime loads the ONNX Runtime shared library and initializes its
// environment. libPath may be empty, in which case the path is taken from
// the KOM_ONNXRUNTIME_LIB environment variable or a per-platform default.
// Safe to call more than once; only the first call takes effect.
func InitRuntime(libPath string) error {
	var err error
	ortInitOnce.Do(func() {
		if libPath == "" {
			libPath = sharedLibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		err = ort.InitializeEnvironment()
	})
	return errors.Wrap(err, "inference: initialize onnxruntime")
}

// DestroyRuntime releases the ONNX Runtime environment. Call it once all
// sessions are closed, typically at process teardown.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

func sharedLibPath() string {
	if p := os.Getenv("KOM_ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// ONNXAdapter implements Adapter on top of an ONNX Runtime session. The
// session accepts NCHW float32 batches of any leading batch dimension, so a
// short final batch does not need padding.
type ONNXAdapter struct {
	opts ONNXOptions
	sess *ort.DynamicAdvancedSession
}

// NewONNXAdapter opens an inference session for the given model. InitRuntime
// must have succeeded first. Close must be called to release the session.
func NewONNXAdapter(opts ONNXOptions) (*ONNXAdapter, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.InputName == "" {
		opts.InputName = "input"
	}
	if opts.OutputName == "" {
		opts.OutputName = "output"
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "inference: session options")
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, errors.Wrap(err, "inference: set intra-op threads")
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		sessOpts,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "inference: load model %s", opts.ModelPath)
	}

	return &ONNXAdapter{opts: opts, sess: sess}, nil
}

// Classes implements Adapter.
func (a *ONNXAdapter) Classes() int { return a.opts.NumClasses }

// Close releases the underlying ONNX Runtime session.
func (a *ONNXAdapter) Close() error {
	return errors.Wrap(a.sess.Destroy(), "inference: destroy session")
}

// Infer implements Adapter. Tiles are normalized, packed into one NCHW
// batch tensor, run through the model, and unpacked back into per-tile
// class-minor logits.
func (a *ONNXAdapter) Infer(ctx context.Context, tiles []Tile) ([]Logits, error) {
	if len(tiles) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := a.opts.InputSize
	input := make([]float32, 0, len(tiles)*a.opts.InputChannels*size*size)
	for i, tile := range tiles {
		packed, err := packNCHW(tile.Pixels, size, a.opts)
		if err != nil {
			return nil, errors.Wrapf(err, "inference: tile %d", i)
		}
		input = append(input, packed...)
	}

	inShape := ort.NewShape(int64(len(tiles)), int64(a.opts.InputChannels), int64(size), int64(size))
	inTensor, err := ort.NewTensor(inShape, input)
	if err != nil {
		return nil, errors.Wrap(err, "inference: input tensor")
	}
	defer inTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := a.sess.Run([]ort.Value{inTensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "inference: session run")
	}
	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("inference: model returned %T, want float32 tensor", outputs[0])
	}
	defer outTensor.Destroy()

	if err := checkOutputShape(outTensor.GetShape(), len(tiles), a.opts.NumClasses, size); err != nil {
		return nil, err
	}

	data := outTensor.GetData()
	perTile := a.opts.NumClasses * size * size
	results := make([]Logits, len(tiles))
	for i, tile := range tiles {
		results[i] = Logits{
			Window: tile.Window,
			Data:   unpackKHW(data[i*perTile:(i+1)*perTile], a.opts.NumClasses, size),
		}
	}
	return results, nil
}

// packNCHW converts one tile from row-major channel-minor float64 pixels to
// channel-major float32, applying pixel scaling and normalization.
func packNCHW(pixels []float64, size int, opts ONNXOptions) ([]float32, error) {
	c := opts.InputChannels
	if len(pixels) != size*size*c {
		return nil, errors.Errorf("pixel buffer has %d values, want %d", len(pixels), size*size*c)
	}

	out := make([]float32, c*size*size)
	for ch := 0; ch < c; ch++ {
		mean, std := 0.0, 1.0
		if opts.Mean != nil {
			mean = opts.Mean[ch]
		}
		if opts.Std != nil {
			std = opts.Std[ch]
		}
		plane := out[ch*size*size : (ch+1)*size*size]
		for px := 0; px < size*size; px++ {
			v := pixels[px*c+ch] / opts.MaxPixelValue
			plane[px] = float32((v - mean) / std)
		}
	}
	return out, nil
}

// unpackKHW converts one tile's class-major model output back to row-major
// class-minor float64 logits.
func unpackKHW(data []float32, classes, size int) []float64 {
	out := make([]float64, size*size*classes)
	for k := 0; k < classes; k++ {
		plane := data[k*size*size : (k+1)*size*size]
		for px := 0; px < size*size; px++ {
			out[px*classes+k] = float64(plane[px])
		}
	}
	return out
}

func checkOutputShape(shape ort.Shape, batch, classes, size int) error {
	if len(shape) != 4 ||
		shape[0] != int64(batch) ||
		shape[1] != int64(classes) ||
		shape[2] != int64(size) ||
		shape[3] != int64(size) {
		return errors.Errorf("inference: output shape %v, want [%d %d %d %d]", shape, batch, classes, size, size)
	}
	return nil
}
