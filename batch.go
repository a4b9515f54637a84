package cogwarp

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.airbusds-geo.com/log"
)

// BatchJob is one conversion in a batch run.
type BatchJob struct {
	SourceURL string `json:"source"`
	DestURL   string `json:"dest,omitempty"`
	TargetDir string `json:"target_dir,omitempty"`
}

// BatchOptions drives a batch of conversions.
type BatchOptions struct {
	Jobs []BatchJob
	// DestPrefix is where outputs without an explicit DestURL go.
	DestPrefix string
	// EventName prefixes generated output names.
	EventName string
	// Suffix is the generated name suffix, "day" when empty.
	Suffix string
	// Workers bounds concurrent conversions; sequential when < 2. Large
	// sources are memory hungry, so this stays low in practice.
	Workers int
	Convert ConvertOptions
}

// BatchFailure records one failed conversion with its classified cause.
type BatchFailure struct {
	SourceURL string
	Kind      FailureKind
	Err       error
}

// BatchReport is the outcome of a batch run.
type BatchReport struct {
	Results  []ConvertResult
	Failures []BatchFailure
	Duration time.Duration
}

// Converted counts the conversions that produced output.
func (r BatchReport) Converted() int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped {
			n++
		}
	}
	return n
}

// Skipped counts the jobs whose destination already existed.
func (r BatchReport) Skipped() int {
	return len(r.Results) - r.Converted()
}

// FailuresByKind groups failures by their classified cause.
func (r BatchReport) FailuresByKind() map[FailureKind][]BatchFailure {
	m := make(map[FailureKind][]BatchFailure)
	for _, f := range r.Failures {
		m[f.Kind] = append(m[f.Kind], f)
	}
	return m
}

// DestFor resolves a job's output URL, generating the name from the source
// when the job does not pin one.
func (o BatchOptions) DestFor(job BatchJob) string {
	if job.DestURL != "" {
		return job.DestURL
	}
	name := COGFilename(job.SourceURL, o.EventName, o.Suffix)
	prefix := o.DestPrefix
	if job.TargetDir != "" {
		prefix = joinURL(prefix, job.TargetDir)
	}
	return joinURL(prefix, name)
}

func joinURL(prefix, rest string) string {
	if isObjectURL(prefix) {
		return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(rest, "/")
	}
	return path.Join(prefix, rest)
}

// RunBatch converts every job, bounded by the worker count. Individual
// failures are collected, not fatal: the report carries them classified by
// cause so operators can tell a flaky network from a broken file.
func (c *Converter) RunBatch(ctx context.Context, opts BatchOptions) (BatchReport, error) {
	start := time.Now()
	report := BatchReport{}
	if len(opts.Jobs) == 0 {
		return report, fmt.Errorf("no jobs")
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(workers)
	for _, job := range opts.Jobs {
		job := job
		p.Go(func() {
			co := opts.Convert
			co.SourceURL = job.SourceURL
			co.DestURL = opts.DestFor(job)
			res, err := c.Convert(ctx, co)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, BatchFailure{
					SourceURL: job.SourceURL,
					Kind:      classifyBatchFailure(err),
					Err:       err,
				})
				log.Logger(ctx).Sugar().Errorf("convert %s: %v", job.SourceURL, err)
				return
			}
			report.Results = append(report.Results, res)
		})
	}
	p.Wait()
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].SourceURL < report.Results[j].SourceURL
	})
	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].SourceURL < report.Failures[j].SourceURL
	})
	report.Duration = time.Since(start)
	return report, nil
}

func classifyBatchFailure(err error) FailureKind {
	var serr *StreamingError
	if errors.As(err, &serr) {
		return FailureStreaming
	}
	return ClassifyWarpFailure(err)
}
