package cogwarp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects   map[string][]byte
	downloads []string
	fail      error
}

func (f *fakeStore) Exists(ctx context.Context, url string) (bool, error) {
	if f.fail != nil {
		return false, f.fail
	}
	_, ok := f.objects[url]
	return ok, nil
}

func (f *fakeStore) Size(ctx context.Context, url string) (int64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	data, ok := f.objects[url]
	if !ok {
		return 0, fmt.Errorf("not found: %s", url)
	}
	return int64(len(data)), nil
}

func (f *fakeStore) Download(ctx context.Context, url, localPath string) error {
	data, ok := f.objects[url]
	if !ok {
		return fmt.Errorf("not found: %s", url)
	}
	f.downloads = append(f.downloads, url)
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeStore) Upload(ctx context.Context, localPath, url string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[url] = data
	return nil
}

func TestIsObjectURL(t *testing.T) {
	assert.True(t, isObjectURL("s3://b/k"))
	assert.True(t, isObjectURL("gs://b/k"))
	assert.False(t, isObjectURL("/data/f.tif"))
	assert.False(t, isObjectURL("https://x/f.tif"))
}

func TestSourceSize(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"s3://b/in.tif": make([]byte, 1234)}}
	c := &Converter{Store: store}

	n, err := c.sourceSize(context.Background(), "s3://b/in.tif")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)

	local := filepath.Join(t.TempDir(), "in.tif")
	require.NoError(t, os.WriteFile(local, make([]byte, 99), 0o644))
	n, err = c.sourceSize(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, int64(99), n)

	_, err = c.sourceSize(context.Background(), "s3://b/missing.tif")
	assert.Error(t, err)
}

func TestDestExists(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"gs://b/out.tif": {1}}}
	c := &Converter{Store: store}

	ok, err := c.destExists(context.Background(), "gs://b/out.tif")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.destExists(context.Background(), "gs://b/other.tif")
	require.NoError(t, err)
	assert.False(t, ok)

	local := filepath.Join(t.TempDir(), "out.tif")
	ok, err = c.destExists(context.Background(), local)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, os.WriteFile(local, []byte{1}, 0o644))
	ok, err = c.destExists(context.Background(), local)
	require.NoError(t, err)
	assert.True(t, ok)
}

// stubAttempt builds an attemptFunc that records the config and source path
// of every call and plays back the given errors, one per attempt, succeeding
// once they run out.
func stubAttempt(cfgs *[]ChunkConfig, paths *[]string, errs ...error) attemptFunc {
	return func(ctx context.Context, opts ConvertOptions, cfg ChunkConfig,
		srcPath, cacheDir string, size int64) (string, COGReport, error) {
		*cfgs = append(*cfgs, cfg)
		*paths = append(*paths, srcPath)
		if n := len(*cfgs); n <= len(errs) {
			return "", COGReport{}, errs[n-1]
		}
		report := COGReport{Tiled: true, OverviewCount: 3, DecreasingDims: true, HeaderFirst: true}
		return filepath.Join(cacheDir, "done-cog.tif"), report, nil
	}
}

func streamingFault() error {
	return fmt.Errorf("band 1: %w", &StreamingError{
		Band:   1,
		Window: Window{Y: 256, Width: 256, Height: 256},
		Err:    errors.New("chunk and warp failed"),
	})
}

func TestRetryAfterStreamingFault(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"s3://b/in.tif": make([]byte, 64)}}
	c := &Converter{Store: store}
	var cfgs []ChunkConfig
	var paths []string
	c.attempt = stubAttempt(&cfgs, &paths, streamingFault())

	cfg := ChunkConfig{FixedChunkSize: 256, MemoryLimitMB: 250, UseStreaming: true, MaxRetries: 3}
	opts := ConvertOptions{SourceURL: "s3://b/in.tif", DestURL: "s3://b/out.tif"}
	res := ConvertResult{}
	cogPath, err := c.runAttempts(context.Background(), &res, opts, cfg, opts.SourceURL, t.TempDir(), 64)
	require.NoError(t, err)
	assert.NotEmpty(t, cogPath)
	assert.True(t, res.Retried)
	assert.True(t, res.Report.Valid())

	// the first attempt streamed, the second ran on a downloaded copy with
	// streaming disabled
	require.Len(t, cfgs, 2)
	assert.True(t, cfgs[0].UseStreaming)
	assert.False(t, cfgs[1].UseStreaming)
	require.Len(t, paths, 2)
	assert.Equal(t, "s3://b/in.tif", paths[0])
	assert.NotEqual(t, "s3://b/in.tif", paths[1])
	assert.Equal(t, []string{"s3://b/in.tif"}, store.downloads)
}

func TestRetryBudgetExhausted(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"s3://b/in.tif": make([]byte, 64)}}
	c := &Converter{Store: store}
	var cfgs []ChunkConfig
	var paths []string
	c.attempt = stubAttempt(&cfgs, &paths, streamingFault(), streamingFault())

	cfg := ChunkConfig{FixedChunkSize: 256, MemoryLimitMB: 250, UseStreaming: true, MaxRetries: 1}
	opts := ConvertOptions{SourceURL: "s3://b/in.tif", DestURL: "s3://b/out.tif"}
	res := ConvertResult{}
	_, err := c.runAttempts(context.Background(), &res, opts, cfg, opts.SourceURL, t.TempDir(), 64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 1 attempts")
	assert.Len(t, cfgs, 1)
}

func TestStreamingFaultOnLocalCopyIsFatal(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"s3://b/in.tif": make([]byte, 64)}}
	c := &Converter{Store: store}
	var cfgs []ChunkConfig
	var paths []string
	c.attempt = stubAttempt(&cfgs, &paths, streamingFault(), streamingFault())

	cfg := ChunkConfig{FixedChunkSize: 256, MemoryLimitMB: 250, UseStreaming: true, MaxRetries: 3}
	opts := ConvertOptions{SourceURL: "s3://b/in.tif", DestURL: "s3://b/out.tif"}
	res := ConvertResult{}
	_, err := c.runAttempts(context.Background(), &res, opts, cfg, opts.SourceURL, t.TempDir(), 64)
	require.Error(t, err)
	// second fault hit the downloaded copy: no further retry makes sense
	assert.Contains(t, err.Error(), "streaming fault on local copy")
	assert.Len(t, cfgs, 2)
	assert.Len(t, store.downloads, 1)
}

func TestNonStreamingFailureIsNotRetried(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"s3://b/in.tif": make([]byte, 64)}}
	c := &Converter{Store: store}
	var cfgs []ChunkConfig
	var paths []string
	c.attempt = stubAttempt(&cfgs, &paths, errors.New("output is not a valid cloud optimized geotiff"))

	cfg := ChunkConfig{FixedChunkSize: 256, MemoryLimitMB: 250, UseStreaming: true, MaxRetries: 3}
	opts := ConvertOptions{SourceURL: "s3://b/in.tif", DestURL: "s3://b/out.tif"}
	res := ConvertResult{}
	_, err := c.runAttempts(context.Background(), &res, opts, cfg, opts.SourceURL, t.TempDir(), 64)
	require.Error(t, err)
	assert.Len(t, cfgs, 1)
	assert.False(t, res.Retried)
	assert.Empty(t, store.downloads)
}

func TestConvertSkipsExisting(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"s3://b/in.tif":  make([]byte, 10),
		"s3://b/out.tif": {1},
	}}
	c := &Converter{Store: store}
	res, err := c.Convert(context.Background(), ConvertOptions{
		SourceURL: "s3://b/in.tif",
		DestURL:   "s3://b/out.tif",
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}
