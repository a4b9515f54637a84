package cogwarp

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// A Buffer holds the pixels of one destination window for one band. It is
// created fresh for each window, handed to the warp primitive, written to the
// destination, and dropped: a buffer never outlives its chunk iteration,
// which is what bounds peak memory to one chunk regardless of raster size.
type Buffer struct {
	DType         godal.DataType
	Width, Height int
	// Data is a []uint8, []int8, []uint16, []int16, []uint32, []int32,
	// []float32 or []float64 of Width*Height elements in row-major order,
	// suitable for godal band IO.
	Data interface{}
}

// NewBuffer allocates a Width*Height buffer of the given type with every
// element set to fill.
func NewBuffer(dtype godal.DataType, width, height int, fill float64) (*Buffer, error) {
	b := &Buffer{DType: dtype, Width: width, Height: height}
	n := width * height
	switch dtype {
	case godal.Byte:
		b.Data = make([]uint8, n)
	case godal.Int16:
		b.Data = make([]int16, n)
	case godal.UInt16:
		b.Data = make([]uint16, n)
	case godal.Int32:
		b.Data = make([]int32, n)
	case godal.UInt32:
		b.Data = make([]uint32, n)
	case godal.Float32:
		b.Data = make([]float32, n)
	case godal.Float64:
		b.Data = make([]float64, n)
	default:
		return nil, fmt.Errorf("unsupported pixel type %s", dtype)
	}
	if fill != 0 {
		b.Fill(fill)
	}
	return b, nil
}

// Fill overwrites every element with v, truncated to the buffer's type.
func (b *Buffer) Fill(v float64) {
	switch data := b.Data.(type) {
	case []uint8:
		for i := range data {
			data[i] = uint8(v)
		}
	case []int16:
		for i := range data {
			data[i] = int16(v)
		}
	case []uint16:
		for i := range data {
			data[i] = uint16(v)
		}
	case []int32:
		for i := range data {
			data[i] = int32(v)
		}
	case []uint32:
		for i := range data {
			data[i] = uint32(v)
		}
	case []float32:
		for i := range data {
			data[i] = float32(v)
		}
	case []float64:
		for i := range data {
			data[i] = v
		}
	}
}

// SizeBytes returns the memory footprint of the buffer's pixel data.
func (b *Buffer) SizeBytes() int {
	return b.Width * b.Height * b.DType.Size()
}

// SanitizeNaNInf replaces every NaN and infinity with nodata and returns the
// number of replacements. Integer buffers are left untouched. The operation
// is idempotent as long as nodata itself is finite.
func (b *Buffer) SanitizeNaNInf(nodata float64) int {
	fixed := 0
	switch data := b.Data.(type) {
	case []float32:
		nd := float32(nodata)
		for i, v := range data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				data[i] = nd
				fixed++
			}
		}
	case []float64:
		for i, v := range data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				data[i] = nodata
				fixed++
			}
		}
	}
	return fixed
}
