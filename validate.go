package cogwarp

import (
	"fmt"
	"os"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

// SubfileTypeReducedImage marks an overview IFD.
const SubfileTypeReducedImage = 1

// cogIFD is the subset of TIFF tags a cloud optimized layout check needs.
type cogIFD struct {
	SubfileType uint32   `tiff:"field,tag=254"`
	ImageWidth  uint64   `tiff:"field,tag=256"`
	ImageLength uint64   `tiff:"field,tag=257"`
	TileWidth   uint16   `tiff:"field,tag=322"`
	TileLength  uint16   `tiff:"field,tag=323"`
	TileOffsets []uint64 `tiff:"field,tag=324"`
}

// COGReport is the outcome of a layout check: the individual findings and
// the overall verdict.
type COGReport struct {
	Tiled          bool
	OverviewCount  int
	DecreasingDims bool
	HeaderFirst    bool
}

// Valid reports whether the file satisfies the cloud optimized layout:
// tiled IFDs, at least one overview, overviews strictly decreasing in
// size, and all IFD headers before the first tile byte.
func (r COGReport) Valid() bool {
	return r.Tiled && r.OverviewCount > 0 && r.DecreasingDims && r.HeaderFirst
}

func (r COGReport) String() string {
	return fmt.Sprintf("tiled=%v overviews=%d decreasing=%v header-first=%v",
		r.Tiled, r.OverviewCount, r.DecreasingDims, r.HeaderFirst)
}

func unmarshalCOGIFD(ifd tiff.IFD) (cogIFD, error) {
	c := cogIFD{}
	err := tiff.UnmarshalIFD(ifd, &c)
	if err != nil {
		return c, err
	}
	return c, nil
}

// checkIFDs evaluates the layout rules over the parsed directory chain. The
// first IFD is the full resolution image, subsequent reduced-resolution IFDs
// are the overviews.
func checkIFDs(ifds []cogIFD) (COGReport, error) {
	if len(ifds) == 0 {
		return COGReport{}, fmt.Errorf("no image directories")
	}
	rep := COGReport{Tiled: true, DecreasingDims: true}
	firstData := func(ifd cogIFD) uint64 {
		var first uint64
		for _, off := range ifd.TileOffsets {
			// offset 0 marks a sparse tile with no data
			if off == 0 {
				continue
			}
			if first == 0 || off < first {
				first = off
			}
		}
		return first
	}
	var overviewMin uint64
	prevW, prevL := ifds[0].ImageWidth, ifds[0].ImageLength
	for i, ifd := range ifds {
		if ifd.TileWidth == 0 || ifd.TileLength == 0 || len(ifd.TileOffsets) == 0 {
			rep.Tiled = false
			continue
		}
		if i == 0 || ifd.SubfileType&SubfileTypeReducedImage == 0 {
			continue
		}
		rep.OverviewCount++
		if ifd.ImageWidth >= prevW || ifd.ImageLength >= prevL {
			rep.DecreasingDims = false
		}
		prevW, prevL = ifd.ImageWidth, ifd.ImageLength
		if f := firstData(ifd); f > 0 && (overviewMin == 0 || f < overviewMin) {
			overviewMin = f
		}
	}
	// A cloud optimized writer emits all directories up front and the
	// overview tiles before the full resolution tiles, so a range reader
	// gets the small previews from the head of the file. Interleaved or
	// trailing directories break that ordering.
	mainFirst := firstData(ifds[0])
	rep.HeaderFirst = mainFirst > 0 && (rep.OverviewCount == 0 || overviewMin < mainFirst)
	return rep, nil
}

// ValidateCOG parses the TIFF structure from r and checks the cloud
// optimized layout rules.
func ValidateCOG(r tiff.ReadAtReadSeeker) (COGReport, error) {
	tif, err := tiff.Parse(r, nil, nil)
	if err != nil {
		return COGReport{}, fmt.Errorf("parse tiff: %w", err)
	}
	tifds := tif.IFDs()
	ifds := make([]cogIFD, 0, len(tifds))
	for i, tifd := range tifds {
		c, err := unmarshalCOGIFD(tifd)
		if err != nil {
			return COGReport{}, fmt.Errorf("ifd %d: %w", i, err)
		}
		ifds = append(ifds, c)
	}
	return checkIFDs(ifds)
}

// ValidateCOGFile opens path and checks its layout. A non-COG file is not
// an error at this level; callers decide from the report.
func ValidateCOGFile(path string) (COGReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return COGReport{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ValidateCOG(f)
}
