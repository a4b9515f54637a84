package cogwarp

// SubChunkSize is the fixed granularity used when an outer chunk must be
// subdivided under memory pressure. Outer chunk sizes are always multiples of
// SubChunkSize, so sub-chunk origins land on the same absolute pixel grid as
// full chunks and switching granularity mid-raster never shifts a seam.
const SubChunkSize = 128

// A Window is an axis-aligned rectangle in destination pixel space. X and Y
// are the offsets of the upper left corner relative to the raster origin.
type Window struct {
	X, Y          int
	Width, Height int
}

// Pixels returns the number of pixels covered by the window.
func (w Window) Pixels() int {
	return w.Width * w.Height
}

// Transform restricts a full-raster geotransform to the window, i.e. returns
// the geotransform of a raster whose (0,0) pixel is the window's (X,Y) pixel.
func (w Window) Transform(gt [6]float64) [6]float64 {
	return [6]float64{
		gt[0] + float64(w.X)*gt[1] + float64(w.Y)*gt[2],
		gt[1], gt[2],
		gt[3] + float64(w.X)*gt[4] + float64(w.Y)*gt[5],
		gt[4], gt[5],
	}
}

// A Chunk is one window of the destination chunk grid, along with the state
// needed to advance to the next grid cell in row-major order.
type Chunk struct {
	Window
	chunkSize        int
	originX, originY int
	boundX, boundY   int
}

func clip(origin, bound, chunkSize int) int {
	if bound-origin < chunkSize {
		return bound - origin
	}
	return chunkSize
}

// FirstChunk returns the first window of the row-major grid of chunkSize
// squares covering a width x height destination raster. Edge windows are
// clipped, never padded. Iterate with Chunk.Next:
//
//	for c, ok := FirstChunk(w, h, cs), true; ok; c, ok = c.Next() {
//		...
//	}
func FirstChunk(width, height, chunkSize int) Chunk {
	return Chunk{
		Window: Window{
			X: 0, Y: 0,
			Width:  clip(0, width, chunkSize),
			Height: clip(0, height, chunkSize),
		},
		chunkSize: chunkSize,
		boundX:    width,
		boundY:    height,
	}
}

// FirstSubChunk returns the first window of the nested SubChunkSize grid
// covering w. Sub-windows are expressed in absolute raster coordinates and
// clipped at w's own boundary, not the raster boundary.
func (w Window) FirstSubChunk() Chunk {
	return Chunk{
		Window: Window{
			X: w.X, Y: w.Y,
			Width:  clip(w.X, w.X+w.Width, SubChunkSize),
			Height: clip(w.Y, w.Y+w.Height, SubChunkSize),
		},
		chunkSize: SubChunkSize,
		originX:   w.X,
		originY:   w.Y,
		boundX:    w.X + w.Width,
		boundY:    w.Y + w.Height,
	}
}

// Next returns the grid cell following c in row-major order, or ok=false once
// the grid is exhausted.
func (c Chunk) Next() (Chunk, bool) {
	nc := c
	nc.X = c.X + c.chunkSize
	if nc.X >= c.boundX {
		nc.X = c.originX
		nc.Y = c.Y + c.chunkSize
		if nc.Y >= c.boundY {
			return Chunk{}, false
		}
	}
	nc.Width = clip(nc.X, c.boundX, c.chunkSize)
	nc.Height = clip(nc.Y, c.boundY, c.chunkSize)
	return nc, true
}

// GridDims returns the number of chunk columns and rows needed to cover a
// width x height raster at the given chunk size.
func GridDims(width, height, chunkSize int) (nx, ny int) {
	nx = (width + chunkSize - 1) / chunkSize
	ny = (height + chunkSize - 1) / chunkSize
	return nx, ny
}
