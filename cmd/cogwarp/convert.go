package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/disasterpix/cogwarp"
	"go.airbusds-geo.com/log"
)

var (
	targetEPSG    int
	overwrite     bool
	forceChunking bool
	chunkSize     int
	memoryLimitMB float64
	srcNoData     string
	dstNoData     string
	warpSwitches  string
)

var convertCmd = &cobra.Command{
	Use:   "convert src dst",
	Short: "reproject one raster and write it as a cloud optimized geotiff",
	Long: `Reprojects src to the target projection and writes dst as a cloud
optimized geotiff. src and dst may be local paths or s3:// / gs:// urls.
Large files are processed over a fixed chunk grid with memory adaptive
subdivision; files that stream badly from object storage are downloaded
and retried automatically.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts, err := buildConvertOptions(args[0], args[1])
		if err != nil {
			return err
		}
		conv := &cogwarp.Converter{Store: store}
		res, err := conv.Convert(ctx, opts)
		if err != nil {
			return err
		}
		if res.Skipped {
			return nil
		}
		log.Logger(ctx).Sugar().Infof("%s: %s, %s", res.DestURL, res.Report, res.Duration.Round(time.Second))
		return nil
	},
}

func buildConvertOptions(src, dst string) (cogwarp.ConvertOptions, error) {
	opts := cogwarp.ConvertOptions{
		SourceURL:     src,
		DestURL:       dst,
		TargetEPSG:    targetEPSG,
		Overwrite:     overwrite,
		ForceChunking: forceChunking,
		CacheDir:      cacheDir,
	}
	var err error
	if opts.SrcNoData, err = parseNoData(srcNoData); err != nil {
		return opts, err
	}
	if opts.DstNoData, err = parseNoData(dstNoData); err != nil {
		return opts, err
	}
	if opts.ExtraWarpSwitches, err = parseWarpSwitches(warpSwitches); err != nil {
		return opts, err
	}
	if chunkSize != 0 || memoryLimitMB != 0 {
		cfg := cogwarp.ConfigForSize(0)
		cfg.WholeFile = false
		cfg.UseStreaming = true
		if chunkSize != 0 {
			cfg.FixedChunkSize = chunkSize
		}
		if memoryLimitMB != 0 {
			cfg.MemoryLimitMB = memoryLimitMB
		}
		if err := cfg.Validate(); err != nil {
			return opts, fmt.Errorf("chunk config: %w", err)
		}
		opts.Config = &cfg
	}
	return opts, nil
}

func init() {
	f := convertCmd.Flags()
	f.IntVar(&targetEPSG, "epsg", 4326, "target projection epsg code")
	f.BoolVar(&overwrite, "overwrite", false, "replace an existing destination")
	f.BoolVar(&forceChunking, "forceChunking", false, "always use the chunked engine, even for small files")
	f.IntVar(&chunkSize, "chunkSize", 0, "override the chunk grid size (multiple of 128)")
	f.Float64Var(&memoryLimitMB, "memoryLimit", 0, "override the subdivision memory limit in MB")
	f.StringVar(&srcNoData, "srcnodata", "", "override the source nodata value")
	f.StringVar(&dstNoData, "dstnodata", "", "override the destination nodata value")
	f.StringVar(&warpSwitches, "warpSwitches", "", "extra gdalwarp switches, e.g. \"-wo NUM_THREADS=4\"")
}
