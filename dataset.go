package cogwarp

import (
	"fmt"

	"github.com/airbusgeo/godal"
)

// SourceDataset wraps an open raster and implements Source.
type SourceDataset struct {
	ds    *godal.Dataset
	path  string
	st    godal.DatasetStructure
	gt    [6]float64
	srs   *godal.SpatialRef
	noDat *float64
}

// OpenSource opens a raster for reading. The path may be local or a VSI
// path into object storage.
func OpenSource(path string) (*SourceDataset, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st := ds.Structure()
	if st.NBands == 0 {
		ds.Close()
		return nil, fmt.Errorf("open %s: no raster bands", path)
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("open %s: no geotransform: %w", path, err)
	}
	s := &SourceDataset{ds: ds, path: path, st: st, gt: gt, srs: ds.SpatialRef()}
	if nd, ok := ds.Bands()[0].NoData(); ok {
		s.noDat = &nd
	}
	return s, nil
}

func (s *SourceDataset) BandCount() int { return s.st.NBands }

func (s *SourceDataset) DataType() godal.DataType { return s.st.DataType }

func (s *SourceDataset) Path() string { return s.path }

func (s *SourceDataset) Width() int { return s.st.SizeX }

func (s *SourceDataset) Height() int { return s.st.SizeY }

func (s *SourceDataset) GeoTransform() [6]float64 { return s.gt }

func (s *SourceDataset) Dataset() *godal.Dataset { return s.ds }

// Structure returns the raster dimensions and block layout.
func (s *SourceDataset) Structure() godal.DatasetStructure { return s.st }

// NoData returns the band 1 no-data sentinel, or nil when none is declared.
func (s *SourceDataset) NoData() *float64 { return s.noDat }

func (s *SourceDataset) Close() error {
	if s.srs != nil {
		s.srs.Close()
		s.srs = nil
	}
	if s.ds == nil {
		return nil
	}
	err := s.ds.Close()
	s.ds = nil
	return err
}

// DestDataset is the reprojected intermediate file being written window by
// window. It implements BandWriter.
type DestDataset struct {
	ds   *godal.Dataset
	path string
}

// CreateDestination creates the intermediate tiled GeoTIFF with full
// georeferencing and no-data metadata set up front, so that window writes
// are the only mutation during processing.
func CreateDestination(path string, width, height, bands int, dtype godal.DataType,
	gt [6]float64, srs *godal.SpatialRef, nodata float64, profile CreationProfile) (*DestDataset, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("creation profile: %w", err)
	}
	ds, err := godal.Create(godal.GTiff, path, bands, dtype, width, height,
		godal.CreationOption(profile.CreationOptions()...))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := ds.SetGeoTransform(gt); err != nil {
		ds.Close()
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := ds.SetSpatialRef(srs); err != nil {
		ds.Close()
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := ds.SetNoData(nodata); err != nil {
		ds.Close()
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &DestDataset{ds: ds, path: path}, nil
}

// WriteWindow persists one window of one band.
func (d *DestDataset) WriteWindow(band int, win Window, buf *Buffer) error {
	bands := d.ds.Bands()
	if band < 1 || band > len(bands) {
		return fmt.Errorf("write %s: band %d out of range 1..%d", d.path, band, len(bands))
	}
	if err := bands[band-1].Write(win.X, win.Y, buf.Data, win.Width, win.Height); err != nil {
		return fmt.Errorf("write %s band %d window %d,%d: %w", d.path, band, win.X, win.Y, err)
	}
	return nil
}

func (d *DestDataset) Path() string { return d.path }

func (d *DestDataset) Dataset() *godal.Dataset { return d.ds }

func (d *DestDataset) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}
