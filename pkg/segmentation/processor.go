// Package segmentation drives the tiled inference pipeline: it plans the
// tile coverage of the input raster, reads and batches tile pixels, runs
// them through the inference adapter, accumulates the weighted logits in the
// bounded register, and writes finalized output bands in strictly increasing
// row order.
package segmentation

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HakaiInstitute/kelp-o-matic/pkg/inference"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/raster"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/register"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/tiling"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/window"
)

// State is the orchestrator's lifecycle state.
type State int

const (
	// StateInit is the state before Process is called.
	StateInit State = iota
	// StateStreaming is the per-tile read/infer/accumulate/write loop.
	StateStreaming
	// StateFinalFlush finalizes the remaining resident register rows after
	// the last tile. Every successful run passes through it.
	StateFinalFlush
	// StateDone means the output raster is complete.
	StateDone
	// StateFailed means the run aborted; any partial output must be
	// discarded by the caller.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateFinalFlush:
		return "final_flush"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures one processing run.
type Options struct {
	// CropSize is the tile edge length. Must be positive and even.
	CropSize int

	// Stride is the offset between consecutive tiles. Defaults to
	// CropSize/2; must be positive and at most CropSize.
	Stride int

	// BatchSize is the number of tiles per inference call. Defaults to 1.
	// It affects throughput only, never output values.
	BatchSize int

	// BandOrder selects and orders input bands with 1-based indices. Nil
	// means all bands in file order.
	BandOrder []int

	// FillValue pads boundless reads past the image edge.
	FillValue float64

	// NoDataClass is written for pixels that received no contribution.
	NoDataClass uint8

	// DefaultClass is the class assumed for uniform tiles when
	// SkipUniformTiles is enabled.
	DefaultClass uint8

	// SkipUniformTiles short-circuits inference for tiles whose raw pixels
	// are all one value (typically nodata borders of an orthomosaic).
	SkipUniformTiles bool

	// Progress, when set, receives a monotonic count of completed tiles.
	Progress func(done, total int)
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Stride == 0 {
		opts.Stride = opts.CropSize / 2
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 1
	}
	return opts
}

func (o *Options) validate() error {
	if o.CropSize <= 0 || o.CropSize%2 != 0 {
		return errors.Errorf("segmentation: crop size must be positive and even, got %d", o.CropSize)
	}
	if o.Stride <= 0 || o.Stride > o.CropSize {
		return errors.Errorf("segmentation: stride must be in (0, %d], got %d", o.CropSize, o.Stride)
	}
	if o.BatchSize <= 0 {
		return errors.Errorf("segmentation: batch size must be positive, got %d", o.BatchSize)
	}
	return nil
}

// Processor runs the tiled segmentation pipeline over one raster. A
// Processor is single-use: create one per run.
type Processor struct {
	model  inference.Adapter
	reader raster.Reader
	writer raster.Writer
	opts   Options
	log    *zap.Logger
	state  State
}

// NewProcessor validates the configuration and assembles a pipeline. The
// reader and writer remain owned by the caller, which closes them after the
// run; logger may be nil.
func NewProcessor(model inference.Adapter, reader raster.Reader, writer raster.Writer, opts Options, logger *zap.Logger) (*Processor, error) {
	if model == nil || reader == nil || writer == nil {
		return nil, errors.New("segmentation: model, reader and writer are all required")
	}
	if model.Classes() <= 0 {
		return nil, errors.Errorf("segmentation: model reports %d classes", model.Classes())
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		model:  model,
		reader: reader,
		writer: writer,
		opts:   opts,
		log:    logger,
		state:  StateInit,
	}, nil
}

// State returns the current lifecycle state.
func (p *Processor) State() State { return p.state }

// Process runs the pipeline to completion. Any read, inference, or write
// error aborts the run: the register's weighted averages for earlier rows
// may already be flushed, so there is no partial-success contract and the
// caller must discard the output on error.
//
// Cancellation via ctx is honored between tile batches.
func (p *Processor) Process(ctx context.Context) error {
	if p.state != StateInit {
		return errors.Errorf("segmentation: processor already ran (state %s)", p.state)
	}
	if err := p.run(ctx); err != nil {
		p.state = StateFailed
		p.log.Error("segmentation failed", zap.Error(err))
		return err
	}
	p.state = StateDone
	return nil
}

func (p *Processor) run(ctx context.Context) error {
	height := p.reader.Height()
	width := p.reader.Width()
	classes := p.model.Classes()

	plan, err := tiling.NewPlan(height, width, p.opts.CropSize, p.opts.Stride)
	if err != nil {
		return err
	}
	if !plan.Covers() {
		return errors.Errorf("segmentation: tile plan does not cover the %dx%d image", height, width)
	}

	masks, err := window.NewMaskSet(p.opts.CropSize)
	if err != nil {
		return err
	}
	reg, err := register.New(width, classes, p.opts.CropSize, p.opts.Stride, p.opts.NoDataClass)
	if err != nil {
		return err
	}

	total := plan.NumWindows()
	done := 0
	p.log.Info("starting tiled segmentation",
		zap.Int("height", height),
		zap.Int("width", width),
		zap.Int("crop_size", p.opts.CropSize),
		zap.Int("stride", p.opts.Stride),
		zap.Int("classes", classes),
		zap.Int("tiles", total),
	)

	p.state = StateStreaming
	for bandIdx := range plan.RowStarts {
		windows := plan.RowBand(bandIdx)

		for batchStart := 0; batchStart < len(windows); batchStart += p.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "segmentation: canceled")
			}

			batchEnd := min(batchStart+p.opts.BatchSize, len(windows))
			results, err := p.processBatch(ctx, windows[batchStart:batchEnd])
			if err != nil {
				return err
			}
			for _, res := range results {
				mask := masks.Mask(
					res.Window.RowStart == 0,
					res.Window.RowEnd >= height,
					res.Window.ColStart == 0,
					res.Window.ColEnd >= width,
				)
				if err := reg.Accumulate(res.Window, res.Data, mask.Values()); err != nil {
					return err
				}
			}

			done += batchEnd - batchStart
			if p.opts.Progress != nil {
				p.opts.Progress(done, total)
			}
		}

		// Every tile of this row band is accumulated. Rows above the next
		// band's start can receive no further contributions.
		if bandIdx+1 < len(plan.RowStarts) {
			if err := p.flush(reg, plan.RowStarts[bandIdx+1]); err != nil {
				return err
			}
		}
	}

	p.state = StateFinalFlush
	if err := p.flush(reg, height); err != nil {
		return err
	}

	p.log.Info("segmentation complete", zap.Int("tiles", total))
	return nil
}

// processBatch reads and infers one batch of tile windows, keeping the
// batch's window order. Uniform tiles bypass the model when the shortcut is
// enabled; their contribution is a unit logit for the default class, which
// keeps the register math identical to the inference path.
func (p *Processor) processBatch(ctx context.Context, windows []tiling.Window) ([]inference.Logits, error) {
	size := p.opts.CropSize
	classes := p.model.Classes()

	tiles := make([]inference.Tile, 0, len(windows))
	results := make([]inference.Logits, len(windows))
	inferIdx := make([]int, 0, len(windows))

	for i, win := range windows {
		pixels, err := p.reader.ReadWindow(win.RowStart, win.ColStart, size, size, p.opts.BandOrder, p.opts.FillValue)
		if err != nil {
			return nil, errors.Wrapf(err, "segmentation: read tile at row %d col %d", win.RowStart, win.ColStart)
		}
		if p.opts.SkipUniformTiles && uniform(pixels) {
			results[i] = inference.Logits{Window: win, Data: unitLogits(size, classes, p.opts.DefaultClass)}
			continue
		}
		tiles = append(tiles, inference.Tile{Window: win, Pixels: pixels})
		inferIdx = append(inferIdx, i)
	}

	if len(tiles) > 0 {
		inferred, err := p.model.Infer(ctx, tiles)
		if err != nil {
			return nil, errors.Wrap(err, "segmentation: inference")
		}
		if len(inferred) != len(tiles) {
			return nil, errors.Errorf("segmentation: adapter returned %d results for %d tiles", len(inferred), len(tiles))
		}
		for bi, res := range inferred {
			if len(res.Data) != size*size*classes {
				return nil, errors.Errorf("segmentation: adapter returned %d logits per tile, want %d", len(res.Data), size*size*classes)
			}
			results[inferIdx[bi]] = res
		}
	}
	return results, nil
}

// flush finalizes register rows below upTo and hands them to the writer.
func (p *Processor) flush(reg *register.Register, upTo int) error {
	band, err := reg.FinalizeBand(upTo)
	if err != nil {
		return err
	}
	if band.NumRows() == 0 {
		return nil
	}
	if err := p.writer.WriteRows(band.RowStart, band.Classes); err != nil {
		return errors.Wrapf(err, "segmentation: write rows at %d", band.RowStart)
	}
	p.log.Debug("flushed output band",
		zap.Int("row_start", band.RowStart),
		zap.Int("rows", band.NumRows()),
	)
	return nil
}

func uniform(pixels []float64) bool {
	for _, v := range pixels[1:] {
		if v != pixels[0] {
			return false
		}
	}
	return true
}

func unitLogits(size, classes int, class uint8) []float64 {
	data := make([]float64, size*size*classes)
	c := int(class)
	if c >= classes {
		c = 0
	}
	for px := 0; px < size*size; px++ {
		data[px*classes+c] = 1.0
	}
	return data
}
