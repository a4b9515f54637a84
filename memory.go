package cogwarp

import (
	"fmt"
	"math"
	"os"

	"github.com/airbusgeo/godal"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// A MemorySampler reports the current process RSS in megabytes. The fixed
// grid processor samples once per outer chunk; tests substitute a canned
// sampler.
type MemorySampler func() float64

// ProcessMemoryMB samples the resident set size of the current process.
// A sampling failure reads as zero, which never triggers subdivision.
func ProcessMemoryMB() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(mi.RSS) / (1 << 20)
}

// AvailableMemoryMB reports the system memory available for allocation.
func AvailableMemoryMB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return float64(vm.Available) / (1 << 20)
}

// ShouldSubdivide reports whether the current RSS is over the configured
// limit and the outer chunk should be processed as sub-chunks.
func ShouldSubdivide(currentMB float64, cfg ChunkConfig) bool {
	return currentMB > cfg.MemoryLimitMB
}

// OptimalChunkSize computes a square chunk edge that targets the given
// memory budget for one band buffer, clamped to [SubChunkSize, 4096] and
// rounded down to a multiple of SubChunkSize.
func OptimalChunkSize(targetMB float64, dtype godal.DataType) int {
	bpp := dtype.Size()
	if bpp <= 0 {
		bpp = 8
	}
	edge := int(math.Sqrt(targetMB * (1 << 20) / float64(bpp)))
	if edge > 4096 {
		edge = 4096
	}
	edge -= edge % SubChunkSize
	if edge < SubChunkSize {
		edge = SubChunkSize
	}
	return edge
}

// EstimateChunkMB returns the buffer size in megabytes for a square chunk of
// the given edge and pixel type.
func EstimateChunkMB(chunkSize int, dtype godal.DataType) float64 {
	return float64(chunkSize) * float64(chunkSize) * float64(dtype.Size()) / (1 << 20)
}

// FormatBytes renders a byte count for logs and reports.
func FormatBytes(n int64) string {
	if n < 0 {
		return fmt.Sprintf("%d B", n)
	}
	return humanize.IBytes(uint64(n))
}
