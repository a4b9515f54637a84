package cogwarp

import (
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
)

func TestOverviewFactors(t *testing.T) {
	assert.Equal(t, []int{2, 4, 8, 16, 32}, OverviewFactors(10000, 10000))
	assert.Equal(t, []int{2, 4, 8, 16, 32}, OverviewFactors(2000, 10000))
	assert.Equal(t, []int{2}, OverviewFactors(1000, 1000))
	// small rasters get the fallback pyramid
	assert.Equal(t, []int{2, 4, 8}, OverviewFactors(300, 300))
	assert.Equal(t, []int{2, 4, 8}, OverviewFactors(0, 0))
}

func TestCOGOptionsContent(t *testing.T) {
	p := ProfileForOutput(godal.Float32, 2*gib)
	opts := p.COGOptions(godal.Average)
	assert.Contains(t, opts, "COMPRESS=ZSTD")
	assert.Contains(t, opts, "BLOCKSIZE=512")
	assert.Contains(t, opts, "OVERVIEW_RESAMPLING=average")
	assert.Contains(t, opts, "PREDICTOR=YES")
	assert.Contains(t, opts, "BIGTIFF=IF_SAFER")
}
