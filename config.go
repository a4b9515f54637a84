package cogwarp

import (
	"fmt"

	"github.com/airbusgeo/godal"
)

const gib = 1 << 30

// ChunkConfig is the per-run processing configuration. It is constructed once
// before a file is processed and never mutated: the one legitimate change,
// disabling streaming for the download retry, goes through WithoutStreaming
// which returns a fresh value.
type ChunkConfig struct {
	// FixedChunkSize is the outer chunk edge in pixels. It must be a
	// positive multiple of SubChunkSize so that sub-chunking preserves
	// grid alignment.
	FixedChunkSize int
	// MemoryLimitMB is the process RSS above which outer chunks are
	// subdivided. Sampling is advisory: this is a throttle heuristic, not
	// a hard ceiling on process memory.
	MemoryLimitMB float64
	AggressiveGC  bool
	// EnableMemoryMonitoring controls the per-band memory report only;
	// the subdivision decision always samples.
	EnableMemoryMonitoring bool
	ShowProgress           bool
	// UseStreaming selects reading the source on demand from object
	// storage instead of downloading it first.
	UseStreaming bool
	// WholeFile selects the non-chunked fast path for small rasters.
	WholeFile  bool
	MaxRetries int
}

// Validate reports whether the configuration can drive the fixed-grid engine.
func (c ChunkConfig) Validate() error {
	if c.FixedChunkSize <= 0 {
		return fmt.Errorf("chunk size %d must be positive", c.FixedChunkSize)
	}
	if c.FixedChunkSize%SubChunkSize != 0 {
		return fmt.Errorf("chunk size %d must be a multiple of %d", c.FixedChunkSize, SubChunkSize)
	}
	if c.MemoryLimitMB <= 0 {
		return fmt.Errorf("memory limit %gMB must be positive", c.MemoryLimitMB)
	}
	return nil
}

// WithoutStreaming returns a copy of the configuration for the download
// retry: same grid, same policies, streaming disabled.
func (c ChunkConfig) WithoutStreaming() ChunkConfig {
	nc := c
	nc.UseStreaming = false
	return nc
}

// ConfigForSize selects a chunk configuration from the source file size.
// Thresholds follow the operational tuning for a ~25GB machine: the bigger
// the file, the smaller the chunks and the tighter the memory limit.
func ConfigForSize(sizeBytes int64) ChunkConfig {
	switch {
	case sizeBytes > 7*gib:
		return ChunkConfig{
			FixedChunkSize:         256,
			MemoryLimitMB:          150,
			AggressiveGC:           true,
			EnableMemoryMonitoring: true,
			ShowProgress:           true,
			MaxRetries:             5,
		}
	case sizeBytes > 3*gib:
		return ChunkConfig{
			FixedChunkSize:         256,
			MemoryLimitMB:          250,
			AggressiveGC:           true,
			EnableMemoryMonitoring: true,
			ShowProgress:           true,
			MaxRetries:             3,
		}
	case sizeBytes > 3*gib/2:
		return ChunkConfig{
			FixedChunkSize:         512,
			MemoryLimitMB:          300,
			AggressiveGC:           true,
			EnableMemoryMonitoring: true,
			ShowProgress:           true,
			MaxRetries:             3,
		}
	default:
		// Small enough to reproject band by band in one shot. The chunk
		// size is only the fallback if the caller forces chunking.
		return ChunkConfig{
			FixedChunkSize: 256,
			MemoryLimitMB:  500,
			ShowProgress:   true,
			WholeFile:      true,
			UseStreaming:   true,
			MaxRetries:     3,
		}
	}
}

// NoDataPolicy carries the source and destination no-data sentinels. When
// they differ, both are passed to every warp call: the source sentinel tells
// the resampler which pixels to ignore, the destination sentinel is written
// wherever no valid source data maps.
type NoDataPolicy struct {
	Source *float64
	Dest   *float64
}

// FillValue is what buffers are pre-filled with: the destination sentinel,
// or 0 when none is declared.
func (p NoDataPolicy) FillValue() float64 {
	if p.Dest != nil {
		return *p.Dest
	}
	return 0
}

// Remaps reports whether the warp must translate the source sentinel to a
// different destination sentinel.
func (p NoDataPolicy) Remaps() bool {
	return p.Source != nil && p.Dest != nil && *p.Source != *p.Dest
}

// DefaultNoData picks a no-data sentinel appropriate for a pixel type, used
// when the source declares none.
func DefaultNoData(dtype godal.DataType) float64 {
	switch dtype {
	case godal.Byte, godal.UInt16, godal.UInt32:
		return 0
	case godal.Int16, godal.Int32, godal.Float32, godal.Float64:
		return -9999
	default:
		return -9999
	}
}

// PredictorForType returns the TIFF compression predictor for a pixel type:
// horizontal differencing for integers, the floating point predictor for
// floats.
func PredictorForType(dtype godal.DataType) int {
	switch dtype {
	case godal.Byte, godal.UInt16, godal.Int16, godal.UInt32, godal.Int32:
		return 2
	case godal.Float32, godal.Float64:
		return 3
	default:
		return 1
	}
}

// ResamplingForType picks the warp and overview resampling for a pixel type.
// Floating point data is continuous (bilinear/average); byte data is usually
// categorical (nearest/mode); wider integers default to continuous.
func ResamplingForType(dtype godal.DataType) (warp, overview godal.ResamplingAlg) {
	switch dtype {
	case godal.Float32, godal.Float64:
		return godal.Bilinear, godal.Average
	case godal.Byte:
		return godal.Nearest, godal.Mode
	default:
		return godal.Bilinear, godal.Average
	}
}

// A CreationProfile is the validated set of compression and tiling options
// for the destination GeoTIFF and the final COG pass.
type CreationProfile struct {
	Compression string // ZSTD, LZW or DEFLATE
	ZstdLevel   int
	Predictor   int
	BlockSize   int
	BigTIFF     string // YES or IF_SAFER
	NumThreads  string
}

// ProfileForOutput selects compression settings from the pixel type and the
// source size: maximum compression for small files, faster settings and
// smaller blocks as files grow.
func ProfileForOutput(dtype godal.DataType, sizeBytes int64) CreationProfile {
	p := CreationProfile{
		Compression: "ZSTD",
		Predictor:   PredictorForType(dtype),
		BlockSize:   512,
		BigTIFF:     "IF_SAFER",
		NumThreads:  "ALL_CPUS",
	}
	switch {
	case sizeBytes > 3*gib:
		p.ZstdLevel = 9
		p.BlockSize = 256
		p.BigTIFF = "YES"
	case sizeBytes > gib:
		p.ZstdLevel = 15
	default:
		p.ZstdLevel = 22
	}
	return p
}

func (p CreationProfile) Validate() error {
	switch p.Compression {
	case "ZSTD", "LZW", "DEFLATE":
	default:
		return fmt.Errorf("unsupported compression %q", p.Compression)
	}
	if p.Compression == "ZSTD" && (p.ZstdLevel < 1 || p.ZstdLevel > 22) {
		return fmt.Errorf("zstd level %d out of range 1..22", p.ZstdLevel)
	}
	if p.Predictor < 1 || p.Predictor > 3 {
		return fmt.Errorf("predictor %d out of range 1..3", p.Predictor)
	}
	if p.BlockSize <= 0 || p.BlockSize%16 != 0 {
		return fmt.Errorf("block size %d must be a positive multiple of 16", p.BlockSize)
	}
	switch p.BigTIFF {
	case "", "YES", "NO", "IF_SAFER", "IF_NEEDED":
	default:
		return fmt.Errorf("invalid bigtiff policy %q", p.BigTIFF)
	}
	return nil
}

// CreationOptions returns the GTiff driver creation options for the
// intermediate reprojected file.
func (p CreationProfile) CreationOptions() []string {
	opts := []string{
		"TILED=YES",
		fmt.Sprintf("BLOCKXSIZE=%d", p.BlockSize),
		fmt.Sprintf("BLOCKYSIZE=%d", p.BlockSize),
		fmt.Sprintf("COMPRESS=%s", p.Compression),
		fmt.Sprintf("PREDICTOR=%d", p.Predictor),
	}
	if p.Compression == "ZSTD" {
		opts = append(opts, fmt.Sprintf("ZSTD_LEVEL=%d", p.ZstdLevel))
	}
	if p.BigTIFF != "" {
		opts = append(opts, fmt.Sprintf("BIGTIFF=%s", p.BigTIFF))
	}
	if p.NumThreads != "" {
		opts = append(opts, fmt.Sprintf("NUM_THREADS=%s", p.NumThreads))
	}
	return opts
}

// COGOptions returns the COG driver creation options for the final pass.
func (p CreationProfile) COGOptions(overviewResampling godal.ResamplingAlg) []string {
	opts := []string{
		fmt.Sprintf("COMPRESS=%s", p.Compression),
		fmt.Sprintf("BLOCKSIZE=%d", p.BlockSize),
		fmt.Sprintf("OVERVIEW_RESAMPLING=%s", overviewResampling),
		"PREDICTOR=YES",
	}
	if p.BigTIFF != "" {
		opts = append(opts, fmt.Sprintf("BIGTIFF=%s", p.BigTIFF))
	}
	if p.NumThreads != "" {
		opts = append(opts, fmt.Sprintf("NUM_THREADS=%s", p.NumThreads))
	}
	return opts
}
