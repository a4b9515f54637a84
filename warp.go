package cogwarp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
)

// warpResamplingName maps a godal resampling algorithm to the name gdalwarp
// accepts for -r. The only divergence is nearest, which warp spells "near".
func warpResamplingName(alg godal.ResamplingAlg) string {
	if alg == godal.Nearest {
		return "near"
	}
	return alg.String()
}

// DatasetWarper implements Warper over an open godal source dataset. Each
// band is exposed through a cached single-band VRT so that gdalwarp, which
// has no band selector, only resamples the band being processed.
type DatasetWarper struct {
	src        *godal.Dataset
	dstWKT     string
	resampling godal.ResamplingAlg
	nodata     NoDataPolicy
	extra      []string
	bandVRTs   map[int]*godal.Dataset
}

// NewDatasetWarper wraps src for warping into the dst spatial reference.
func NewDatasetWarper(src *godal.Dataset, dstSRS *godal.SpatialRef, resampling godal.ResamplingAlg, nodata NoDataPolicy) (*DatasetWarper, error) {
	wkt, err := dstSRS.WKT()
	if err != nil {
		return nil, fmt.Errorf("export destination srs: %w", err)
	}
	return &DatasetWarper{
		src:        src,
		dstWKT:     wkt,
		resampling: resampling,
		nodata:     nodata,
		bandVRTs:   make(map[int]*godal.Dataset),
	}, nil
}

// SetExtraSwitches appends operator supplied gdalwarp switches to every
// warp call. Callers are expected to have validated them.
func (w *DatasetWarper) SetExtraSwitches(switches []string) {
	w.extra = switches
}

func (w *DatasetWarper) bandVRT(band int) (*godal.Dataset, error) {
	if ds, ok := w.bandVRTs[band]; ok {
		return ds, nil
	}
	name := fmt.Sprintf("/vsimem/%s-b%d.vrt", uuid.NewString(), band)
	ds, err := w.src.Translate(name, []string{"-of", "VRT", "-b", strconv.Itoa(band)})
	if err != nil {
		return nil, fmt.Errorf("band %d vrt: %w", band, err)
	}
	w.bandVRTs[band] = ds
	return ds, nil
}

func fmtNoData(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WarpWindow resamples one band of the source into buf. The window is
// realized as an in-memory single-band dataset positioned by gt, warped
// into, then read back.
func (w *DatasetWarper) WarpWindow(ctx context.Context, band int, win Window, gt [6]float64, buf *Buffer) error {
	src, err := w.bandVRT(band)
	if err != nil {
		return err
	}
	mem, err := godal.Create(godal.Memory, "", 1, buf.DType, win.Width, win.Height)
	if err != nil {
		return fmt.Errorf("warp setup: %w", err)
	}
	defer mem.Close()
	if err := mem.SetGeoTransform(gt); err != nil {
		return fmt.Errorf("warp setup: %w", err)
	}
	sr, err := godal.NewSpatialRefFromWKT(w.dstWKT)
	if err != nil {
		return fmt.Errorf("warp setup: %w", err)
	}
	defer sr.Close()
	if err := mem.SetSpatialRef(sr); err != nil {
		return fmt.Errorf("warp setup: %w", err)
	}
	fill := w.nodata.FillValue()
	if err := mem.SetNoData(fill); err != nil {
		return fmt.Errorf("warp setup: %w", err)
	}
	if err := mem.Bands()[0].Fill(fill, 0); err != nil {
		return fmt.Errorf("warp setup: %w", err)
	}
	switches := []string{"-r", warpResamplingName(w.resampling)}
	if w.nodata.Source != nil {
		switches = append(switches, "-srcnodata", fmtNoData(*w.nodata.Source))
	}
	switches = append(switches, "-dstnodata", fmtNoData(fill))
	switches = append(switches, w.extra...)
	if err := mem.WarpInto([]*godal.Dataset{src}, switches); err != nil {
		// classify on the raw driver message, then wrap neutrally: anything
		// added here would be matched by the classifier instead
		return &WarpFailure{Kind: ClassifyWarpFailure(err), Window: win, Err: err}
	}
	if err := mem.Bands()[0].Read(0, 0, buf.Data, win.Width, win.Height); err != nil {
		return fmt.Errorf("read warped window %d,%d: %w", win.X, win.Y, err)
	}
	return nil
}

// Close releases the cached band VRTs.
func (w *DatasetWarper) Close() error {
	var firstErr error
	for band, ds := range w.bandVRTs {
		if err := ds.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close band %d vrt: %w", band, err)
		}
		delete(w.bandVRTs, band)
	}
	return firstErr
}

// SuggestedWarpOutput computes the destination grid a reprojection to dstSRS
// would produce: the geotransform and pixel dimensions gdalwarp itself would
// pick. It builds a throwaway warped VRT and reads its georeferencing.
func SuggestedWarpOutput(src *godal.Dataset, dstSRS *godal.SpatialRef) (gt [6]float64, width, height int, err error) {
	wkt, err := dstSRS.WKT()
	if err != nil {
		return gt, 0, 0, fmt.Errorf("export destination srs: %w", err)
	}
	name := fmt.Sprintf("/vsimem/%s-suggest.vrt", uuid.NewString())
	vrt, err := godal.Warp(name, []*godal.Dataset{src}, []string{"-of", "VRT", "-t_srs", wkt})
	if err != nil {
		return gt, 0, 0, fmt.Errorf("suggest warp output: %w", err)
	}
	defer vrt.Close()
	gt, err = vrt.GeoTransform()
	if err != nil {
		return gt, 0, 0, fmt.Errorf("suggest warp output: %w", err)
	}
	st := vrt.Structure()
	return gt, st.SizeX, st.SizeY, nil
}
