package cogwarp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"go.airbusds-geo.com/log"
)

// An ObjectStore moves files between object storage and the local disk.
// URLs are s3://bucket/key or gs://bucket/object.
type ObjectStore interface {
	Exists(ctx context.Context, url string) (bool, error)
	Size(ctx context.Context, url string) (int64, error)
	Download(ctx context.Context, url, localPath string) error
	Upload(ctx context.Context, localPath, url string) error
}

// ConvertOptions drives one file conversion.
type ConvertOptions struct {
	// SourceURL is the input raster: a local path or an object URL.
	SourceURL string
	// DestURL is where the finished COG goes: local path or object URL.
	DestURL string
	// TargetEPSG is the destination projection, 4326 when zero.
	TargetEPSG int
	// Overwrite replaces an existing destination instead of skipping it.
	Overwrite bool
	// ForceChunking disables the whole file fast path for small rasters.
	ForceChunking bool
	// CacheDir holds downloaded sources and intermediates. Defaults to
	// the system temp directory.
	CacheDir string
	// SrcNoData and DstNoData override the sentinels read from the file
	// and derived from the pixel type.
	SrcNoData *float64
	DstNoData *float64
	// Config, when non-nil, bypasses size based selection.
	Config *ChunkConfig
	// ExtraWarpSwitches are validated operator switches appended to every
	// warp call.
	ExtraWarpSwitches []string
}

// ConvertResult summarizes one conversion for reporting.
type ConvertResult struct {
	SourceURL string
	DestURL   string
	Skipped   bool
	Retried   bool
	SizeBytes int64
	Duration  time.Duration
	Report    COGReport
}

// Converter runs the full reprojection-to-COG pipeline for single files.
type Converter struct {
	Store ObjectStore
	// Sampler overrides process memory sampling, for tests.
	Sampler MemorySampler
	// attempt overrides the single-attempt pipeline, for tests. Nil runs
	// runOnce.
	attempt attemptFunc
}

type attemptFunc func(ctx context.Context, opts ConvertOptions, cfg ChunkConfig,
	srcPath, cacheDir string, size int64) (string, COGReport, error)

func isObjectURL(p string) bool {
	return strings.HasPrefix(p, "s3://") || strings.HasPrefix(p, "gs://")
}

func (c *Converter) sourceSize(ctx context.Context, url string) (int64, error) {
	if isObjectURL(url) {
		return c.Store.Size(ctx, url)
	}
	fi, err := os.Stat(url)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (c *Converter) destExists(ctx context.Context, url string) (bool, error) {
	if isObjectURL(url) {
		return c.Store.Exists(ctx, url)
	}
	_, err := os.Stat(url)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Convert reprojects one raster to the target projection and writes it as a
// cloud optimized GeoTIFF. Streaming faults trigger a download of the source
// and a full restart with streaming disabled; partial output from a failed
// attempt is discarded.
func (c *Converter) Convert(ctx context.Context, opts ConvertOptions) (ConvertResult, error) {
	start := time.Now()
	res := ConvertResult{SourceURL: opts.SourceURL, DestURL: opts.DestURL}
	lg := log.Logger(ctx).Sugar()

	if !opts.Overwrite {
		exists, err := c.destExists(ctx, opts.DestURL)
		if err != nil {
			return res, fmt.Errorf("check destination %s: %w", opts.DestURL, err)
		}
		if exists {
			lg.Infof("%s already exists, skipping", opts.DestURL)
			res.Skipped = true
			res.Duration = time.Since(start)
			return res, nil
		}
	}

	size, err := c.sourceSize(ctx, opts.SourceURL)
	if err != nil {
		return res, fmt.Errorf("size of %s: %w", opts.SourceURL, err)
	}
	res.SizeBytes = size

	cfg := ConfigForSize(size)
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.ForceChunking {
		cfg.WholeFile = false
	}
	if !isObjectURL(opts.SourceURL) {
		cfg.UseStreaming = false
	}
	lg.Infof("converting %s (%s): chunk=%d limit=%gMB wholefile=%v streaming=%v",
		opts.SourceURL, FormatBytes(size), cfg.FixedChunkSize, cfg.MemoryLimitMB,
		cfg.WholeFile, cfg.UseStreaming)

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}

	srcPath := opts.SourceURL
	var cached string
	defer func() {
		if cached != "" {
			os.Remove(cached)
		}
	}()
	if isObjectURL(opts.SourceURL) && !cfg.UseStreaming {
		cached = filepath.Join(cacheDir, uuid.NewString()+filepath.Ext(opts.SourceURL))
		if err := c.Store.Download(ctx, opts.SourceURL, cached); err != nil {
			return res, fmt.Errorf("download %s: %w", opts.SourceURL, err)
		}
		srcPath = cached
	}

	cogPath, err := c.runAttempts(ctx, &res, opts, cfg, srcPath, cacheDir, size)
	if err != nil {
		return res, err
	}
	defer os.Remove(cogPath)

	if isObjectURL(opts.DestURL) {
		if err := c.Store.Upload(ctx, cogPath, opts.DestURL); err != nil {
			return res, fmt.Errorf("upload %s: %w", opts.DestURL, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.DestURL), 0o755); err != nil {
			return res, err
		}
		if err := os.Rename(cogPath, opts.DestURL); err != nil {
			return res, fmt.Errorf("move output: %w", err)
		}
	}
	res.Duration = time.Since(start)
	lg.Infof("converted %s in %s", opts.DestURL, res.Duration.Round(time.Second))
	return res, nil
}

// runAttempts runs the reprojection, falling back from streaming to a
// downloaded copy when a streaming fault aborts an attempt. It returns the
// path of the validated local COG.
func (c *Converter) runAttempts(ctx context.Context, res *ConvertResult, opts ConvertOptions,
	cfg ChunkConfig, srcPath, cacheDir string, size int64) (string, error) {
	lg := log.Logger(ctx).Sugar()
	run := c.attempt
	if run == nil {
		run = c.runOnce
	}
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	var downloaded string
	defer func() {
		if downloaded != "" {
			os.Remove(downloaded)
		}
	}()
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		cogPath, report, err := run(ctx, opts, cfg, srcPath, cacheDir, size)
		if err == nil {
			res.Report = report
			return cogPath, nil
		}
		lastErr = err
		var serr *StreamingError
		if !errors.As(err, &serr) {
			return "", err
		}
		if !cfg.UseStreaming {
			return "", fmt.Errorf("streaming fault on local copy: %w", err)
		}
		lg.Warnf("attempt %d: streaming fault at band %d window %d,%d, downloading source: %v",
			attempt, serr.Band, serr.Window.X, serr.Window.Y, serr.Err)
		downloaded = filepath.Join(cacheDir, uuid.NewString()+filepath.Ext(opts.SourceURL))
		if err := c.Store.Download(ctx, opts.SourceURL, downloaded); err != nil {
			return "", fmt.Errorf("download after streaming fault: %w", err)
		}
		srcPath = downloaded
		cfg = cfg.WithoutStreaming()
		res.Retried = true
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", retries, lastErr)
}

// runOnce performs one complete attempt: reproject into a tiled
// intermediate, build overviews, translate to COG, validate. The
// intermediate and, on failure, the partial COG are removed.
func (c *Converter) runOnce(ctx context.Context, opts ConvertOptions, cfg ChunkConfig,
	srcPath, cacheDir string, size int64) (string, COGReport, error) {
	src, err := OpenSource(srcPath)
	if err != nil {
		return "", COGReport{}, err
	}
	defer src.Close()

	epsg := opts.TargetEPSG
	if epsg == 0 {
		epsg = 4326
	}
	dstSRS, err := godal.NewSpatialRefFromEPSG(epsg)
	if err != nil {
		return "", COGReport{}, fmt.Errorf("epsg %d: %w", epsg, err)
	}
	defer dstSRS.Close()

	gt, width, height, err := SuggestedWarpOutput(src.Dataset(), dstSRS)
	if err != nil {
		return "", COGReport{}, err
	}

	nodata := NoDataPolicy{Source: opts.SrcNoData, Dest: opts.DstNoData}
	if nodata.Source == nil {
		nodata.Source = src.NoData()
	}
	if nodata.Dest == nil {
		if nodata.Source != nil {
			v := *nodata.Source
			nodata.Dest = &v
		} else {
			v := DefaultNoData(src.DataType())
			nodata.Dest = &v
		}
	}

	warpAlg, ovrAlg := ResamplingForType(src.DataType())
	if !cfg.WholeFile {
		// the chunked engine stays on nearest so chunk seams never blend
		warpAlg = godal.Nearest
	}

	profile := ProfileForOutput(src.DataType(), size)
	interPath := filepath.Join(cacheDir, uuid.NewString()+"-warp.tif")
	dst, err := CreateDestination(interPath, width, height, src.BandCount(), src.DataType(),
		gt, dstSRS, nodata.FillValue(), profile)
	if err != nil {
		return "", COGReport{}, err
	}
	defer os.Remove(interPath)

	warper, err := NewDatasetWarper(src.Dataset(), dstSRS, warpAlg, nodata)
	if err != nil {
		dst.Close()
		return "", COGReport{}, err
	}
	warper.SetExtraSwitches(opts.ExtraWarpSwitches)

	isFloat := src.DataType() == godal.Float32 || src.DataType() == godal.Float64
	reproj := &ChunkReprojector{
		Src:     src,
		Warper:  warper,
		DestGT:  gt,
		NoData:  nodata,
		IsFloat: isFloat,
	}
	if cfg.WholeFile {
		p := &WholeFileProcessor{Reproj: reproj, Writer: dst, Width: width, Height: height}
		err = p.Process(ctx)
	} else {
		p := &FixedGridProcessor{
			Cfg: cfg, Reproj: reproj, Writer: dst,
			Width: width, Height: height, Sampler: c.Sampler,
		}
		if cfg.ShowProgress {
			lg := log.Logger(ctx).Sugar()
			p.Progress = func(band, done, total int) {
				if done == total || done%64 == 0 {
					lg.Infof("band %d: %d/%d chunks", band, done, total)
				}
			}
		}
		err = p.Process(ctx)
	}
	warper.Close()
	if err != nil {
		dst.Close()
		return "", COGReport{}, err
	}

	if err := BuildCOGOverviews(dst.Dataset(), width, height, ovrAlg); err != nil {
		dst.Close()
		return "", COGReport{}, err
	}

	cogPath := filepath.Join(cacheDir, uuid.NewString()+"-cog.tif")
	err = Cogify(dst.Dataset(), cogPath, profile, ovrAlg)
	dst.Close()
	if err != nil {
		os.Remove(cogPath)
		return "", COGReport{}, err
	}

	report, err := ValidateCOGFile(cogPath)
	if err != nil {
		os.Remove(cogPath)
		return "", COGReport{}, fmt.Errorf("validate %s: %w", cogPath, err)
	}
	if !report.Valid() {
		os.Remove(cogPath)
		return "", COGReport{}, fmt.Errorf("output is not a valid cloud optimized geotiff: %s", report)
	}
	log.Logger(ctx).Sugar().Debugf("validated %s: %s", cogPath, report)
	return cogPath, report, nil
}
