package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/tbonfort/gobs"
	"sigs.k8s.io/yaml"

	"github.com/disasterpix/cogwarp"
)

var (
	jobFile    string
	listPrefix string
	listExt    string
	destPrefix string
	eventName  string
	nameSuffix string
	workers    int
	shell      bool
)

// batchFile is the yaml job description:
//
//	event: cyclone-2026
//	dest: s3://bucket/cogs
//	jobs:
//	  - source: s3://bucket/raw/S2A_NDVI_20260115.tif
//	    target_dir: Sentinel-2/NDVI
type batchFile struct {
	Event string             `json:"event,omitempty"`
	Dest  string             `json:"dest,omitempty"`
	Jobs  []cogwarp.BatchJob `json:"jobs"`
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "convert many rasters from a job file or an object storage prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := cogwarp.BatchOptions{
			DestPrefix: destPrefix,
			EventName:  eventName,
			Suffix:     nameSuffix,
			Workers:    workers,
		}
		var err error
		if opts.Convert, err = buildConvertOptions("", ""); err != nil {
			return err
		}

		switch {
		case jobFile != "":
			raw, err := os.ReadFile(jobFile)
			if err != nil {
				return fmt.Errorf("read %s: %w", jobFile, err)
			}
			bf := batchFile{}
			if err := yaml.Unmarshal(raw, &bf); err != nil {
				return fmt.Errorf("parse %s: %w", jobFile, err)
			}
			opts.Jobs = bf.Jobs
			if opts.EventName == "" {
				opts.EventName = bf.Event
			}
			if opts.DestPrefix == "" {
				opts.DestPrefix = bf.Dest
			}
		case listPrefix != "":
			urls, err := store.List(ctx, listPrefix)
			if err != nil {
				return err
			}
			for _, u := range urls {
				if listExt != "" && !strings.HasSuffix(strings.ToLower(u), strings.ToLower(listExt)) {
					continue
				}
				opts.Jobs = append(opts.Jobs, cogwarp.BatchJob{SourceURL: u})
			}
		default:
			return fmt.Errorf("one of --jobs or --list is required")
		}
		if opts.DestPrefix == "" {
			return fmt.Errorf("no destination prefix")
		}

		if shell {
			printPlan(opts)
			return nil
		}

		if err := preflight(opts); err != nil {
			return err
		}

		conv := &cogwarp.Converter{Store: store}
		report, err := conv.RunBatch(ctx, opts)
		if err != nil {
			return err
		}
		printReport(report)
		if len(report.Failures) > 0 {
			return fmt.Errorf("%d of %d conversions failed", len(report.Failures), len(opts.Jobs))
		}
		return nil
	},
}

// preflight opens every remote source in parallel, so that missing or
// unreadable inputs fail the batch before any conversion starts.
func preflight(opts cogwarp.BatchOptions) error {
	pool := gobs.NewPool(8)
	batch := pool.Batch()
	for _, job := range opts.Jobs {
		job := job
		batch.Submit(func() error {
			src, err := cogwarp.OpenSource(job.SourceURL)
			if err != nil {
				return err
			}
			return src.Close()
		})
	}
	if err := batch.Wait(); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}

// printPlan emits one shell command per job instead of running anything.
func printPlan(opts cogwarp.BatchOptions) {
	for _, job := range opts.Jobs {
		cmd := []string{"cogwarp", "convert", job.SourceURL, opts.DestFor(job)}
		if targetEPSG != 4326 {
			cmd = append(cmd, "--epsg", fmt.Sprintf("%d", targetEPSG))
		}
		if overwrite {
			cmd = append(cmd, "--overwrite")
		}
		if warpSwitches != "" {
			cmd = append(cmd, "--warpSwitches", warpSwitches)
		}
		fmt.Println(shellescape.QuoteCommand(cmd))
	}
}

func printReport(r cogwarp.BatchReport) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"source", "output", "size", "time"})
	for _, res := range r.Results {
		status := res.DestURL
		if res.Skipped {
			status = "skipped"
		}
		t.AppendRow(table.Row{res.SourceURL, status,
			cogwarp.FormatBytes(res.SizeBytes), res.Duration.Round(time.Second)})
	}
	t.Render()
	if len(r.Failures) == 0 {
		return
	}
	ft := table.NewWriter()
	ft.SetOutputMirror(os.Stdout)
	ft.AppendHeader(table.Row{"source", "category", "error"})
	for kind, failures := range r.FailuresByKind() {
		for _, f := range failures {
			ft.AppendRow(table.Row{f.SourceURL, kind.String(), f.Err.Error()})
		}
	}
	ft.Render()
}

func init() {
	f := batchCmd.Flags()
	f.StringVar(&jobFile, "jobs", "", "yaml job file")
	f.StringVar(&listPrefix, "list", "", "convert every object under this s3:// or gs:// prefix")
	f.StringVar(&listExt, "ext", ".tif", "extension filter for --list")
	f.StringVar(&destPrefix, "dest", "", "destination prefix for generated output names")
	f.StringVar(&eventName, "event", "", "event name prefix for generated output names")
	f.StringVar(&nameSuffix, "suffix", "day", "suffix for generated output names")
	f.IntVar(&workers, "workers", 1, "concurrent conversions")
	f.BoolVar(&shell, "shell", false, "print per-file convert commands instead of running")

	f.IntVar(&targetEPSG, "epsg", 4326, "target projection epsg code")
	f.BoolVar(&overwrite, "overwrite", false, "replace existing destinations")
	f.BoolVar(&forceChunking, "forceChunking", false, "always use the chunked engine")
	f.StringVar(&srcNoData, "srcnodata", "", "override the source nodata value")
	f.StringVar(&dstNoData, "dstnodata", "", "override the destination nodata value")
	f.StringVar(&warpSwitches, "warpSwitches", "", "extra gdalwarp switches")
}
