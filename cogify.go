package cogwarp

import (
	"fmt"

	"github.com/airbusgeo/godal"
)

// OverviewFactors computes the decimation levels for a raster: powers of two
// until the largest dimension fits in a single 256px tile. Degenerate inputs
// fall back to a standard pyramid.
func OverviewFactors(width, height int) []int {
	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	var factors []int
	for f := 2; maxDim/f > 256; f *= 2 {
		factors = append(factors, f)
	}
	if len(factors) == 0 {
		return []int{2, 4, 8}
	}
	return factors
}

// BuildCOGOverviews builds the overview pyramid on the intermediate file
// before the COG translate, using the resampling appropriate for the pixel
// type.
func BuildCOGOverviews(ds *godal.Dataset, width, height int, overviewResampling godal.ResamplingAlg) error {
	factors := OverviewFactors(width, height)
	if err := ds.BuildOverviews(godal.Levels(factors...), godal.Resampling(overviewResampling)); err != nil {
		return fmt.Errorf("build overviews %v: %w", factors, err)
	}
	return nil
}

// Cogify translates the reprojected intermediate into a cloud optimized
// GeoTIFF at dstPath. The COG driver re-tiles, orders IFDs header first and
// regenerates overviews from the pyramid already present.
func Cogify(src *godal.Dataset, dstPath string, profile CreationProfile, overviewResampling godal.ResamplingAlg) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("creation profile: %w", err)
	}
	cog, err := src.Translate(dstPath, []string{"-of", "COG"},
		godal.CreationOption(profile.COGOptions(overviewResampling)...))
	if err != nil {
		return fmt.Errorf("cogify %s: %w", dstPath, err)
	}
	if err := cog.Close(); err != nil {
		return fmt.Errorf("cogify %s: %w", dstPath, err)
	}
	return nil
}
