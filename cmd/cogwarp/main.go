package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	osios3 "github.com/airbusgeo/osio/s3"
	"github.com/disasterpix/cogwarp"
	"go.airbusds-geo.com/log"
)

var store *cogwarp.MultiStore

var verbose bool
var blocksize string
var numCachedBlocks int
var cacheDir string
var startTime time.Time

var rootCmd = &cobra.Command{
	Use:   "cogwarp",
	Short: "reproject rasters to cloud optimized geotiffs",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		if !verbose {
			os.Setenv("LOGLEVEL", "info")
			log.Structured()
		}
		ctx := cmd.Context()

		store = &cogwarp.MultiStore{}

		awscfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err == nil {
			s3cl := awss3.NewFromConfig(awscfg)
			store.S3 = cogwarp.NewS3Store(s3cl)
			s3h, err := osios3.Handle(ctx, osios3.S3Client(s3cl))
			if err != nil {
				return fmt.Errorf("s3.handle: %w", err)
			}
			s3a, err := osio.NewAdapter(s3h, osio.BlockSize(blocksize), osio.NumCachedBlocks(numCachedBlocks))
			if err != nil {
				return fmt.Errorf("osio.new: %w", err)
			}
			if err := godal.RegisterVSIHandler("s3://", s3a); err != nil {
				return fmt.Errorf("register s3 osio: %w", err)
			}
		}

		stcl, err := storage.NewClient(ctx)
		if err == nil {
			if store.GCS, err = cogwarp.NewGCSStore(ctx, stcl); err != nil {
				return err
			}
			gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
			if err != nil {
				return fmt.Errorf("gcs.handle: %w", err)
			}
			gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(blocksize), osio.NumCachedBlocks(numCachedBlocks))
			if err != nil {
				return fmt.Errorf("osio.new: %w", err)
			}
			if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
				return fmt.Errorf("register gcs osio: %w", err)
			}
		}

		godal.RegisterAll()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "object storage cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of cached object storage blocks")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cacheDir", "", "directory for downloads and intermediates (default: system temp)")
	rootCmd.AddCommand(convertCmd, batchCmd, validateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// parseWarpSwitches splits and validates extra gdalwarp switches. Switches
// that would change the output grid are refused: the engine owns the grid.
func parseWarpSwitches(sw string) ([]string, error) {
	if sw == "" {
		return nil, nil
	}
	parts, err := shellwords.Parse(sw)
	if err != nil {
		return nil, fmt.Errorf("parse switches %q: %w", sw, err)
	}
	for _, s := range parts {
		switch s {
		case "-te", "-tr", "-ts", "-t_srs", "-r", "-srcnodata", "-dstnodata", "-of", "-overwrite":
			return nil, fmt.Errorf("%s switch not allowed", s)
		}
	}
	return parts, nil
}

func parseNoData(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	var v float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &v); err != nil {
		return nil, fmt.Errorf("invalid nodata %q: %w", s, err)
	}
	return &v, nil
}
