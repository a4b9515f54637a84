package cogwarp

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	bands int
	dtype godal.DataType
	path  string
}

func (s *stubSource) BandCount() int           { return s.bands }
func (s *stubSource) DataType() godal.DataType { return s.dtype }
func (s *stubSource) Path() string             { return s.path }

type stubWarper struct {
	fn func(band int, win Window, gt [6]float64, buf *Buffer) error
}

func (w *stubWarper) WarpWindow(ctx context.Context, band int, win Window, gt [6]float64, buf *Buffer) error {
	return w.fn(band, win, gt, buf)
}

type writeRecord struct {
	band int
	win  Window
	data interface{}
}

type recordingWriter struct {
	writes []writeRecord
}

func (r *recordingWriter) WriteWindow(band int, win Window, buf *Buffer) error {
	// snapshot: buffers are reused by value semantics only, keep a copy
	var data interface{}
	switch d := buf.Data.(type) {
	case []float32:
		cp := make([]float32, len(d))
		copy(cp, d)
		data = cp
	case []uint8:
		cp := make([]uint8, len(d))
		copy(cp, d)
		data = cp
	default:
		data = buf.Data
	}
	r.writes = append(r.writes, writeRecord{band: band, win: win, data: data})
	return nil
}

func testConfig() ChunkConfig {
	return ChunkConfig{FixedChunkSize: 256, MemoryLimitMB: 150, MaxRetries: 3}
}

func newGridProcessor(src *stubSource, warp *stubWarper, w *recordingWriter,
	width, height int, sampler MemorySampler) *FixedGridProcessor {
	return &FixedGridProcessor{
		Cfg: testConfig(),
		Reproj: &ChunkReprojector{
			Src:     src,
			Warper:  warp,
			DestGT:  [6]float64{0, 1, 0, 0, 0, 1},
			NoData:  NoDataPolicy{},
			IsFloat: src.dtype == godal.Float32 || src.dtype == godal.Float64,
		},
		Writer:  w,
		Width:   width,
		Height:  height,
		Sampler: sampler,
	}
}

func lowMem() float64  { return 50 }
func highMem() float64 { return 500 }

func TestFixedGridProcessAllBands(t *testing.T) {
	src := &stubSource{bands: 3, dtype: godal.Byte, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		buf.Fill(float64(band))
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 1000, 1000, lowMem)

	require.NoError(t, p.Process(context.Background()))
	// 16 chunks per band, 3 bands
	require.Len(t, w.writes, 48)
	area := 0
	for _, rec := range w.writes[:16] {
		assert.Equal(t, 1, rec.band)
		area += rec.win.Pixels()
	}
	assert.Equal(t, 1000*1000, area)
	last := w.writes[47]
	assert.Equal(t, 3, last.band)
	assert.Equal(t, uint8(3), last.data.([]uint8)[0])
}

func TestFixedGridWindowTransform(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "/data/in.tif"}
	var gts [][6]float64
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		gts = append(gts, gt)
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 600, 300, lowMem)

	require.NoError(t, p.Process(context.Background()))
	// identity raster transform: each window gt carries its pixel origin
	require.Len(t, gts, 6)
	assert.Equal(t, 0.0, gts[0][0])
	assert.Equal(t, 256.0, gts[1][0])
	assert.Equal(t, 512.0, gts[2][0])
	assert.Equal(t, 256.0, gts[3][3])
}

func TestLocalFailureFilledWithNoData(t *testing.T) {
	nd := -9999.0
	src := &stubSource{bands: 1, dtype: godal.Float32, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		if win.X == 256 && win.Y == 0 {
			return errors.New("warp: something broke")
		}
		buf.Fill(1)
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 512, 512, lowMem)
	p.Reproj.NoData = NoDataPolicy{Dest: &nd}

	require.NoError(t, p.Process(context.Background()))
	require.Len(t, w.writes, 4)
	for _, rec := range w.writes {
		data := rec.data.([]float32)
		if rec.win.X == 256 && rec.win.Y == 0 {
			assert.Equal(t, float32(-9999), data[0])
		} else {
			assert.Equal(t, float32(1), data[0])
		}
	}
}

func TestStreamingFailureAbortsFile(t *testing.T) {
	src := &stubSource{bands: 2, dtype: godal.Byte, path: "/vsis3/bucket/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		if band == 2 && win.Y == 256 {
			return errors.New("chunk and warp failed: /vsis3/bucket/in.tif")
		}
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 512, 512, lowMem)

	err := p.Process(context.Background())
	require.Error(t, err)
	var serr *StreamingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 2, serr.Band)
	assert.Equal(t, 256, serr.Window.Y)
	// band 1 complete, band 2 stopped at the failing chunk
	assert.Len(t, w.writes, 6)
}

func TestStreamingErrorOnLocalPathIsRecovered(t *testing.T) {
	// the same driver message over a local file is a local failure, not
	// a streaming abort
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		return errors.New("chunk and warp failed")
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 256, 256, lowMem)

	require.NoError(t, p.Process(context.Background()))
	assert.Len(t, w.writes, 1)
}

func TestGenericFailureOnRemotePathIsRecovered(t *testing.T) {
	// a non-transport warp failure over a streamed source is filled with
	// nodata like any local failure, never escalated to a streaming abort,
	// even though its message mentions the remote path
	nd := -9999.0
	src := &stubSource{bands: 1, dtype: godal.Float32, path: "/vsis3/bucket/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		if win.X == 256 && win.Y == 0 {
			return &WarpFailure{Kind: FailureUnknown, Window: win,
				Err: errors.New("invalid band index for /vsis3/bucket/in.tif")}
		}
		buf.Fill(1)
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 512, 512, lowMem)
	p.Reproj.NoData = NoDataPolicy{Dest: &nd}

	require.NoError(t, p.Process(context.Background()))
	require.Len(t, w.writes, 4)
	for _, rec := range w.writes {
		data := rec.data.([]float32)
		if rec.win.X == 256 && rec.win.Y == 0 {
			assert.Equal(t, float32(-9999), data[0])
		} else {
			assert.Equal(t, float32(1), data[0])
		}
	}
}

func TestMemoryPressureSubdivides(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 512, 512, highMem)

	require.NoError(t, p.Process(context.Background()))
	// 4 outer chunks, each split into 4 sub-chunks
	require.Len(t, w.writes, 16)
	area := 0
	for _, rec := range w.writes {
		assert.Equal(t, SubChunkSize, rec.win.Width)
		assert.Equal(t, SubChunkSize, rec.win.Height)
		assert.Zero(t, rec.win.X%SubChunkSize)
		assert.Zero(t, rec.win.Y%SubChunkSize)
		area += rec.win.Pixels()
	}
	assert.Equal(t, 512*512, area)
}

func TestSubdivisionBuffersAreSmall(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Float64, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		assert.LessOrEqual(t, buf.SizeBytes(), SubChunkSize*SubChunkSize*8)
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 1000, 1000, highMem)
	require.NoError(t, p.Process(context.Background()))
}

func TestStreamingFailureFromSubChunk(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "s3://bucket/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		if win.X == 384 && win.Y == 256 {
			return errors.New("vsi read failure")
		}
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 512, 512, highMem)

	err := p.Process(context.Background())
	require.Error(t, err)
	var serr *StreamingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, Window{X: 384, Y: 256, Width: 128, Height: 128}, serr.Window)
	// the first three outer chunks and one sub-chunk of the fourth were
	// written before the abort, nothing more
	assert.Len(t, w.writes, 13)
	for _, rec := range w.writes {
		assert.NotEqual(t, serr.Window, rec.win)
	}
}

func TestNaNSanitizedBeforeWrite(t *testing.T) {
	nd := -9999.0
	src := &stubSource{bands: 1, dtype: godal.Float32, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		data := buf.Data.([]float32)
		data[0] = float32(math.NaN())
		data[1] = float32(math.Inf(1))
		data[2] = 5
		return nil
	}}
	w := &recordingWriter{}
	p := newGridProcessor(src, warp, w, 128, 128, lowMem)
	p.Reproj.NoData = NoDataPolicy{Dest: &nd}

	require.NoError(t, p.Process(context.Background()))
	require.Len(t, w.writes, 1)
	data := w.writes[0].data.([]float32)
	assert.Equal(t, float32(-9999), data[0])
	assert.Equal(t, float32(-9999), data[1])
	assert.Equal(t, float32(5), data[2])
}

func TestProcessInvalidConfig(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "/data/in.tif"}
	p := newGridProcessor(src, &stubWarper{fn: nil}, &recordingWriter{}, 256, 256, lowMem)
	p.Cfg.FixedChunkSize = 200
	assert.Error(t, p.Process(context.Background()))
}

func TestProcessContextCancel(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		return nil
	}}
	p := newGridProcessor(src, warp, &recordingWriter{}, 1000, 1000, lowMem)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Process(ctx), context.Canceled)
}

func TestProgressCallback(t *testing.T) {
	src := &stubSource{bands: 2, dtype: godal.Byte, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		return nil
	}}
	p := newGridProcessor(src, warp, &recordingWriter{}, 512, 512, lowMem)
	var calls []int
	p.Progress = func(band, done, total int) {
		assert.Equal(t, 4, total)
		calls = append(calls, band*100+done)
	}
	require.NoError(t, p.Process(context.Background()))
	assert.Equal(t, []int{101, 102, 103, 104, 201, 202, 203, 204}, calls)
}

func TestWholeFileProcess(t *testing.T) {
	src := &stubSource{bands: 2, dtype: godal.Float32, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		assert.Equal(t, Window{X: 0, Y: 0, Width: 300, Height: 200}, win)
		buf.Fill(float64(band))
		return nil
	}}
	w := &recordingWriter{}
	p := &WholeFileProcessor{
		Reproj: &ChunkReprojector{
			Src: src, Warper: warp,
			DestGT: [6]float64{0, 1, 0, 0, 0, 1}, NoData: NoDataPolicy{}, IsFloat: true,
		},
		Writer: w, Width: 300, Height: 200,
	}
	require.NoError(t, p.Process(context.Background()))
	require.Len(t, w.writes, 2)
	assert.Equal(t, float32(2), w.writes[1].data.([]float32)[0])
}

func TestWholeFileFailureIsFatal(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "/data/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		return errors.New("warp: something broke")
	}}
	w := &recordingWriter{}
	p := &WholeFileProcessor{
		Reproj: &ChunkReprojector{Src: src, Warper: warp, NoData: NoDataPolicy{}},
		Writer: w, Width: 100, Height: 100,
	}
	assert.Error(t, p.Process(context.Background()))
	assert.Empty(t, w.writes)
}

func TestWholeFileStreamingError(t *testing.T) {
	src := &stubSource{bands: 1, dtype: godal.Byte, path: "gs://bucket/in.tif"}
	warp := &stubWarper{fn: func(band int, win Window, gt [6]float64, buf *Buffer) error {
		return errors.New("CURL error: connection reset")
	}}
	p := &WholeFileProcessor{
		Reproj: &ChunkReprojector{Src: src, Warper: warp, NoData: NoDataPolicy{}},
		Writer: &recordingWriter{}, Width: 100, Height: 100,
	}
	err := p.Process(context.Background())
	var serr *StreamingError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 1, serr.Band)
}
