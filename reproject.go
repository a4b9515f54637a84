package cogwarp

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/airbusgeo/godal"
	"go.airbusds-geo.com/log"
)

// Source describes the raster being reprojected.
type Source interface {
	BandCount() int
	DataType() godal.DataType
	Path() string
}

// A Warper resamples one band of the source into a destination window. The
// buffer is pre-filled with no-data and has the window's dimensions; gt is
// the window-local destination geotransform.
type Warper interface {
	WarpWindow(ctx context.Context, band int, win Window, gt [6]float64, buf *Buffer) error
}

// A BandWriter persists a finished window of one band.
type BandWriter interface {
	WriteWindow(band int, win Window, buf *Buffer) error
}

// ChunkReprojector reprojects a single destination window of a single band.
// It owns the local failure policy: a failed warp over a local source is
// recovered by leaving the no-data fill in place, a failed warp over a
// remote source that looks like a streaming fault aborts the file.
type ChunkReprojector struct {
	Src     Source
	Warper  Warper
	DestGT  [6]float64
	NoData  NoDataPolicy
	IsFloat bool
}

// ReprojectWindow fills buf with the reprojected content of win for the
// given band. On local warp failure the buffer keeps its no-data fill and a
// nil error is returned; a *StreamingError means the whole file must be
// retried without streaming.
func (r *ChunkReprojector) ReprojectWindow(ctx context.Context, band int, win Window, buf *Buffer) error {
	buf.Fill(r.NoData.FillValue())
	gt := win.Transform(r.DestGT)
	if err := r.Warper.WarpWindow(ctx, band, win, gt, buf); err != nil {
		kind := ClassifyWarpFailure(err)
		if (kind == FailureStreaming || kind == FailureNetwork) && IsRemotePath(r.Src.Path()) {
			return &StreamingError{Band: band, Window: win, Err: err}
		}
		log.Logger(ctx).Sugar().Warnf("band %d window %d,%d %dx%d: warp failed, filled with nodata: %v",
			band, win.X, win.Y, win.Width, win.Height, err)
		buf.Fill(r.NoData.FillValue())
		return nil
	}
	if r.IsFloat {
		if n := buf.SanitizeNaNInf(r.NoData.FillValue()); n > 0 {
			log.Logger(ctx).Sugar().Debugf("band %d window %d,%d: replaced %d non-finite pixels",
				band, win.X, win.Y, n)
		}
	}
	return nil
}

// FixedGridProcessor walks a fixed destination chunk grid band by band,
// subdividing chunks when process memory runs over the configured limit.
type FixedGridProcessor struct {
	Cfg     ChunkConfig
	Reproj  *ChunkReprojector
	Writer  BandWriter
	Width   int
	Height  int
	Sampler MemorySampler

	// Progress, when set, is called after each completed outer chunk.
	Progress func(band, done, total int)
}

func (p *FixedGridProcessor) sample() float64 {
	if p.Sampler != nil {
		return p.Sampler()
	}
	return ProcessMemoryMB()
}

// Process reprojects every band over the full chunk grid. It returns the
// first fatal error; *StreamingError is propagated unwrapped-compatible so
// callers can errors.As it and restart with a downloaded source.
func (p *FixedGridProcessor) Process(ctx context.Context) error {
	if err := p.Cfg.Validate(); err != nil {
		return fmt.Errorf("chunk config: %w", err)
	}
	nx, ny := GridDims(p.Width, p.Height, p.Cfg.FixedChunkSize)
	total := nx * ny
	bands := p.Reproj.Src.BandCount()
	for band := 1; band <= bands; band++ {
		if err := p.processBand(ctx, band, total); err != nil {
			return fmt.Errorf("band %d: %w", band, err)
		}
		if p.Cfg.AggressiveGC {
			runtime.GC()
			debug.FreeOSMemory()
		}
		if p.Cfg.EnableMemoryMonitoring {
			log.Logger(ctx).Sugar().Infof("band %d/%d done, rss %.0fMB, available %.0fMB",
				band, bands, p.sample(), AvailableMemoryMB())
		}
	}
	return nil
}

func (p *FixedGridProcessor) processBand(ctx context.Context, band, total int) error {
	done := 0
	for c, ok := FirstChunk(p.Width, p.Height, p.Cfg.FixedChunkSize), true; ok; c, ok = c.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processChunk(ctx, band, c.Window); err != nil {
			return err
		}
		done++
		if p.Progress != nil {
			p.Progress(band, done, total)
		}
		if p.Cfg.AggressiveGC && done%32 == 0 {
			runtime.GC()
		}
	}
	return nil
}

func (p *FixedGridProcessor) processChunk(ctx context.Context, band int, win Window) error {
	if ShouldSubdivide(p.sample(), p.Cfg) && win.Width > SubChunkSize && win.Height > SubChunkSize {
		return p.processSubdivided(ctx, band, win)
	}
	buf, err := NewBuffer(p.Reproj.Src.DataType(), win.Width, win.Height, p.Reproj.NoData.FillValue())
	if err != nil {
		return err
	}
	if err := p.Reproj.ReprojectWindow(ctx, band, win, buf); err != nil {
		return err
	}
	return p.Writer.WriteWindow(band, win, buf)
}

func (p *FixedGridProcessor) processSubdivided(ctx context.Context, band int, win Window) error {
	log.Logger(ctx).Sugar().Debugf("band %d window %d,%d: rss over %gMB, subdividing",
		band, win.X, win.Y, p.Cfg.MemoryLimitMB)
	for sc, ok := win.FirstSubChunk(), true; ok; sc, ok = sc.Next() {
		buf, err := NewBuffer(p.Reproj.Src.DataType(), sc.Width, sc.Height, p.Reproj.NoData.FillValue())
		if err != nil {
			return err
		}
		if err := p.Reproj.ReprojectWindow(ctx, band, sc.Window, buf); err != nil {
			return err
		}
		if err := p.Writer.WriteWindow(band, sc.Window, buf); err != nil {
			return err
		}
		buf = nil
		runtime.GC()
	}
	return nil
}

// WholeFileProcessor reprojects each band in a single full-raster window.
// There is no local recovery at this scale: any warp failure is fatal, and
// streaming faults still surface as *StreamingError for the download retry.
type WholeFileProcessor struct {
	Reproj *ChunkReprojector
	Writer BandWriter
	Width  int
	Height int
}

func (p *WholeFileProcessor) Process(ctx context.Context) error {
	win := Window{X: 0, Y: 0, Width: p.Width, Height: p.Height}
	bands := p.Reproj.Src.BandCount()
	for band := 1; band <= bands; band++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := NewBuffer(p.Reproj.Src.DataType(), win.Width, win.Height, p.Reproj.NoData.FillValue())
		if err != nil {
			return err
		}
		buf.Fill(p.Reproj.NoData.FillValue())
		gt := win.Transform(p.Reproj.DestGT)
		if err := p.Reproj.Warper.WarpWindow(ctx, band, win, gt, buf); err != nil {
			kind := ClassifyWarpFailure(err)
			if (kind == FailureStreaming || kind == FailureNetwork) && IsRemotePath(p.Reproj.Src.Path()) {
				return &StreamingError{Band: band, Window: win, Err: err}
			}
			return fmt.Errorf("band %d: %w", band, err)
		}
		if p.Reproj.IsFloat {
			buf.SanitizeNaNInf(p.Reproj.NoData.FillValue())
		}
		if err := p.Writer.WriteWindow(band, win, buf); err != nil {
			return fmt.Errorf("band %d: %w", band, err)
		}
		buf = nil
		runtime.GC()
	}
	return nil
}
