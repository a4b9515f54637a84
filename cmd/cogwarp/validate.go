package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/disasterpix/cogwarp"
	"go.airbusds-geo.com/log"
)

var validateCmd = &cobra.Command{
	Use:   "validate file.tif...",
	Short: "check that files have a cloud optimized layout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		lg := log.Logger(ctx).Sugar()
		bad := 0
		for _, path := range args {
			report, err := cogwarp.ValidateCOGFile(path)
			if err != nil {
				return err
			}
			if report.Valid() {
				lg.Infof("%s: ok (%s)", path, report)
				continue
			}
			bad++
			fmt.Fprintf(os.Stderr, "%s: NOT a cloud optimized geotiff (%s)\n", path, report)
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d files failed validation", bad, len(args))
		}
		return nil
	},
}
