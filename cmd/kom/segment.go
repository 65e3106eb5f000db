package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/HakaiInstitute/kelp-o-matic/internal/registry"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/config"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/inference"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/raster"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/segmentation"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/visualization"
)

func segmentCommand() *cli.Command {
	return &cli.Command{
		Name:  "segment",
		Usage: "run tiled segmentation on a raster image",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model name (see `kom models`)", Required: true},
			&cli.StringFlag{Name: "revision", Usage: "model revision (default: latest)", Value: "latest"},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "path to the input raster", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "path for the output class raster", Required: true},
			&cli.IntFlag{Name: "crop-size", Usage: "tile size in pixels (must be even; default: model preferred size)"},
			&cli.IntFlag{Name: "stride", Usage: "tile stride in pixels (default: crop-size/2)"},
			&cli.IntFlag{Name: "batch-size", Usage: "tiles per inference call"},
			&cli.IntSliceFlag{Name: "band-order", Aliases: []string{"b"}, Usage: "1-based band reordering, e.g. -b 3 -b 2 -b 1"},
			&cli.BoolFlag{Name: "preview", Usage: "also write a colorized PNG preview"},
		},
		Action: runSegment,
	}
}

func runSegment(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applySegmentFlags(cfg, c)

	logger, err := newLogger(cfg.Output.Verbose || c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg, err := registry.FromConfigDir(cfg.Models.ConfigDir)
	if err != nil {
		return err
	}
	model, err := reg.Get(c.String("model"), c.String("revision"))
	if err != nil {
		return err
	}

	cacheDir := cfg.Models.CacheDir
	if cacheDir == "" {
		if cacheDir, err = registry.DefaultCacheDir(); err != nil {
			return err
		}
	}
	if model.IsRemote() && !model.IsCached(cacheDir) {
		pterm.Info.Printfln("Downloading model %s (%s)...", model.Name, model.Revision)
	}
	modelPath, err := model.LocalPath(ctx, cacheDir)
	if err != nil {
		return err
	}

	reader, err := raster.OpenTIFF(c.String("input"))
	if err != nil {
		return err
	}
	defer reader.Close()

	cropSize := cfg.Processing.CropSize
	if cropSize == 0 {
		cropSize = model.InputSize
	} else if cropSize != model.InputSize {
		pterm.Warning.Printfln("Crop size %d does not match model preferred size %d; using %d.",
			cropSize, model.InputSize, model.InputSize)
		cropSize = model.InputSize
	}

	maxPixelValue := model.MaxPixelValue
	if maxPixelValue == 0 {
		switch reader.BitDepth() {
		case 16:
			maxPixelValue = 65535
		default:
			maxPixelValue = 255
		}
	}

	if err := inference.InitRuntime(cfg.Models.ONNXRuntimeLib); err != nil {
		return err
	}
	defer inference.DestroyRuntime()

	adapter, err := inference.NewONNXAdapter(inference.ONNXOptions{
		ModelPath:      modelPath,
		InputName:      model.InputName,
		OutputName:     model.OutputName,
		InputChannels:  model.InputChannels,
		NumClasses:     model.NumClasses,
		InputSize:      cropSize,
		MaxPixelValue:  maxPixelValue,
		Mean:           model.Mean,
		Std:            model.Std,
		IntraOpThreads: cfg.Models.IntraOpThreads,
	})
	if err != nil {
		return err
	}
	defer adapter.Close()

	tiffWriter, err := raster.NewTIFFWriter(c.String("output"), reader.Height(), reader.Width())
	if err != nil {
		return err
	}
	var writer raster.Writer = tiffWriter
	var preview *raster.BufferWriter
	if cfg.Output.Preview {
		preview = raster.NewBufferWriter(reader.Height(), reader.Width())
		writer = raster.MultiWriter(tiffWriter, preview)
	}

	bar, barDone := newProgress()
	processor, err := segmentation.NewProcessor(adapter, reader, writer, segmentation.Options{
		CropSize:         cropSize,
		Stride:           cfg.Processing.Stride,
		BatchSize:        cfg.Processing.BatchSize,
		BandOrder:        cfg.Processing.BandOrder,
		FillValue:        cfg.Processing.FillValue,
		NoDataClass:      model.NoDataValue,
		DefaultClass:     model.DefaultClass,
		SkipUniformTiles: cfg.Processing.SkipUniformTiles,
		Progress:         bar,
	}, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	err = processor.Process(ctx)
	barDone()
	if err != nil {
		// The output file is never written on failure; nothing to clean up.
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	pterm.Success.Printfln("Segmentation complete in %s. Output written to %s", time.Since(start).Round(time.Second), c.String("output"))

	if preview != nil {
		previewPath := c.String("output") + ".png"
		p := visualization.NewPreview(model.NumClasses, cfg.Output.PreviewMaxDim)
		if err := p.Save(preview.Rows(), previewPath); err != nil {
			return errors.Wrap(err, "write preview")
		}
		pterm.Info.Printfln("Preview written to %s", previewPath)
	}
	return nil
}

// applySegmentFlags overlays command line flags on the loaded configuration.
func applySegmentFlags(cfg *config.Config, c *cli.Context) {
	if c.IsSet("crop-size") {
		cfg.Processing.CropSize = c.Int("crop-size")
	}
	if c.IsSet("stride") {
		cfg.Processing.Stride = c.Int("stride")
	}
	if c.IsSet("batch-size") {
		cfg.Processing.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("band-order") {
		cfg.Processing.BandOrder = c.IntSlice("band-order")
	}
	if c.Bool("preview") {
		cfg.Output.Preview = true
	}
}

// newProgress returns a progress callback backed by a pterm progress bar,
// created lazily once the total tile count is known, and a stop function.
func newProgress() (func(done, total int), func()) {
	var bar *pterm.ProgressbarPrinter
	prev := 0
	update := func(done, total int) {
		if bar == nil {
			bar, _ = pterm.DefaultProgressbar.
				WithTotal(total).
				WithTitle("Segmenting").
				Start()
		}
		if bar != nil && done > prev {
			bar.Add(done - prev)
			prev = done
		}
	}
	stop := func() {
		if bar != nil {
			bar.Stop()
		}
	}
	return update, stop
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
