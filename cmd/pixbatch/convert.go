package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bnema/pixbatch/config"
	"github.com/bnema/pixbatch/internal/adapter/converter/ffmpeg"
	"github.com/bnema/pixbatch/internal/adapter/http/validation"
	"github.com/bnema/pixbatch/internal/adapter/storage/jsonfile"
	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/service"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".avif": true, ".bmp": true,
}

var (
	convFormat      string
	convQuality     int
	convMaxWidth    int
	convMaxHeight   int
	convKeepAspect  bool
	convConcurrency int
	convRetries     int
	convRemote      string
	convChunkSize   int
	convForce       bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <input-dir> <output-dir>",
	Short: "Convert every image under a directory",
	Long: `Convert every image under input-dir into output-dir, keeping the directory
layout. A manifest in output-dir remembers what was converted, so unchanged
images converted with the same settings are skipped on the next run.`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	f := convertCmd.Flags()
	f.StringVarP(&convFormat, "format", "f", "", "output format: webp, avif, png or jpeg")
	f.IntVar(&convQuality, "quality", 0, "quality from 1 to 100")
	f.IntVar(&convMaxWidth, "max-width", 0, "maximum output width, 0 for none")
	f.IntVar(&convMaxHeight, "max-height", 0, "maximum output height, 0 for none")
	f.BoolVar(&convKeepAspect, "keep-aspect", true, "keep the aspect ratio when resizing")
	f.IntVarP(&convConcurrency, "concurrency", "c", 0, "parallel conversions")
	f.IntVar(&convRetries, "retries", 0, "retries per failed conversion")
	f.StringVar(&convRemote, "remote", "", "send chunks to the batch codec at this URL instead of local ffmpeg")
	f.IntVar(&convChunkSize, "chunk-size", 0, "items per remote request")
	f.BoolVar(&convForce, "force", false, "convert even when an up to date output exists")
}

func runConvert(cmd *cobra.Command, args []string) error {
	inDir, outDir := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := applyConvertFlags(cmd, cfg)
	if err != nil {
		return err
	}

	absIn, err := filepath.Abs(inDir)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absOut, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	items, err := collectItems(absIn, absOut)
	if err != nil {
		return err
	}

	store, err := jsonfile.NewStore(absOut)
	if err != nil {
		return err
	}

	local := ffmpeg.NewConverter("")
	coord, err := newCoordinator(cfg, local)
	if err != nil {
		return err
	}
	svcOpts := []service.Option{
		service.WithPathFunc(mirrorPaths(absOut)),
		service.WithChunkSize(cfg.Batch.ChunkSize),
	}
	if local.Available() == nil {
		svcOpts = append(svcOpts, service.WithProber(local))
	}
	bus := service.NewEventBus()
	svc := service.NewBatchService(coord, store, bus, absOut, svcOpts...)

	pending, skipped := selectPending(items, opts, convForce, svc.NeedsConversion)
	if len(pending) == 0 {
		printf("nothing to convert (%d up to date)\n", skipped)
		return nil
	}
	logger.Info.Printf("converting %d images from %s to %s (%d up to date), %s", len(pending), absIn, absOut, skipped, opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.Subscribe(service.AllBatches)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		reportProgress(events)
	}()

	batch, err := svc.SubmitBatch(ctx, pending, opts)
	if err != nil {
		bus.Unsubscribe(service.AllBatches, events)
		<-progressDone
		return err
	}

	final, err := svc.Wait(ctx, batch.ID)
	if errors.Is(err, context.Canceled) {
		logger.Warn.Printf("interrupted, cancelling batch %s", batch.ID)
		_ = svc.CancelBatch(batch.ID)
		final, err = svc.Wait(context.Background(), batch.ID)
	}
	bus.Unsubscribe(service.AllBatches, events)
	<-progressDone
	if err != nil {
		return err
	}

	for _, r := range final.Results {
		if !r.Success {
			fmt.Fprintf(os.Stderr, "failed: %s: %s\n", r.ID, r.Error())
		}
	}
	printf("%s\n", service.Summarize(final.Results))

	if final.Status == domain.BatchStatusCancelled {
		return errors.New("conversion cancelled")
	}
	if final.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", final.Failed, final.Total)
	}
	return nil
}

// applyConvertFlags layers the flags that were set on top of the configured
// defaults and returns the conversion options to use.
func applyConvertFlags(cmd *cobra.Command, cfg *config.Config) (domain.ConversionOptions, error) {
	f := cmd.Flags()
	if f.Changed("concurrency") {
		cfg.Scheduler.Concurrency = convConcurrency
	}
	if f.Changed("retries") {
		cfg.Scheduler.MaxRetries = convRetries
	}
	if f.Changed("remote") {
		cfg.Batch.Mode = string(service.ModeChunk)
		cfg.Batch.RemoteURL = convRemote
	}
	if f.Changed("chunk-size") {
		cfg.Batch.ChunkSize = convChunkSize
	}
	if err := cfg.Validate(); err != nil {
		return domain.ConversionOptions{}, err
	}

	opts := cfg.ConversionOptions()
	if f.Changed("format") {
		format, err := domain.ParseFormat(convFormat)
		if err != nil {
			return opts, err
		}
		opts.Format = format
	}
	if f.Changed("quality") {
		opts.Quality = convQuality
	}
	if f.Changed("max-width") {
		opts.MaxWidth = convMaxWidth
	}
	if f.Changed("max-height") {
		opts.MaxHeight = convMaxHeight
	}
	if f.Changed("keep-aspect") {
		opts.MaintainAspectRatio = convKeepAspect
	}
	return opts, opts.Validate()
}

// collectItems reads every image under root, skipping the skip directory.
// Item IDs are slash separated paths relative to root. Files whose content
// is not an allowed image are kept as rejected items so they are reported.
func collectItems(root, skip string) ([]domain.Item, error) {
	var items []domain.Item
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		item := domain.Item{ID: filepath.ToSlash(rel), Name: d.Name(), Data: data}
		if mime, ok := validation.DetectImage(data); !ok {
			item.Rejected = fmt.Errorf("%w: %w: %s", domain.ErrInvalidInput, validation.ErrDisallowedFileType, mime)
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return items, nil
}

// mirrorPaths writes each output under dir at the item's relative path with
// the target extension.
func mirrorPaths(dir string) service.PathFunc {
	return func(_ string, item domain.Item, format domain.Format) string {
		return filepath.Join(dir, filepath.FromSlash(domain.ReplaceExtension(item.ID, format)))
	}
}

// selectPending drops items that are up to date, unless force is set, and
// items whose output path collides with an earlier item's (photo.png and
// photo.jpg both become photo.webp).
func selectPending(items []domain.Item, opts domain.ConversionOptions, force bool, needs func(domain.Item, domain.ConversionOptions) bool) ([]domain.Item, int) {
	var pending []domain.Item
	skipped := 0
	outputs := make(map[string]string, len(items))
	for _, it := range items {
		out := domain.ReplaceExtension(it.ID, opts.Format)
		if prev, dup := outputs[out]; dup {
			logger.Warn.Printf("skipping %s: output %s already produced by %s", it.ID, out, prev)
			skipped++
			continue
		}
		outputs[out] = it.ID
		if !force && it.Rejected == nil && !needs(it, opts) {
			skipped++
			continue
		}
		pending = append(pending, it)
	}
	return pending, skipped
}

// reportProgress prints one progress line per event until events closes.
func reportProgress(events <-chan service.Event) {
	printed := false
	for ev := range events {
		if ev.Type != service.EventProgress || quiet {
			continue
		}
		fmt.Fprintf(os.Stderr, "\r[%d/%d] %d ok, %d failed", ev.Completed+ev.Failed, ev.Total, ev.Completed, ev.Failed)
		printed = true
	}
	if printed {
		fmt.Fprintln(os.Stderr)
	}
}

func printf(format string, args ...any) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}
