package process

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

type (
	// DispatcherParams wires a Dispatcher.
	DispatcherParams struct {
		Registry *source.Registry
		Runner   *pipeline.Runner
		Blobs    pipeline.Blobs
		Notifier pipeline.Notifier

		// Workers is the number of concurrent per-file pipelines.
		Workers int

		// QuarantineDir receives files no source claims.
		QuarantineDir string

		Logger *slog.Logger
	}

	// Dispatcher matches discovered files to sources and runs the
	// matched jobs on a bounded worker pool. Each worker owns one
	// pipeline at a time; a job is never in flight twice.
	Dispatcher struct {
		registry      *source.Registry
		runner        *pipeline.Runner
		blobs         pipeline.Blobs
		notifier      pipeline.Notifier
		workers       int
		quarantineDir string
		log           *slog.Logger
	}

	// matchedJob pairs a file with the source that claimed it.
	matchedJob struct {
		job pipeline.FileJob
		cfg *source.Config
	}

	// Summary is the outcome of one dispatcher run.
	Summary struct {
		Processed int
		Succeeded int
		Failed    int
		Cancelled int
		Unmatched int

		Results []*pipeline.LoadResult
	}
)

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p DispatcherParams) *Dispatcher {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	return &Dispatcher{
		registry:      p.Registry,
		runner:        p.Runner,
		blobs:         p.Blobs,
		notifier:      p.Notifier,
		workers:       workers,
		quarantineDir: p.QuarantineDir,
		log:           p.Logger,
	}
}

// Run matches every job and processes the matched set to completion.
// It returns once all jobs are drained or the context is cancelled;
// per-file failures are recorded in the summary, never returned.
func (d *Dispatcher) Run(ctx context.Context, jobs []pipeline.FileJob) *Summary {
	summary := &Summary{}

	matched := make([]matchedJob, 0, len(jobs))

	for _, job := range jobs {
		cfg := d.registry.Match(job.Name)
		if cfg == nil {
			d.quarantineUnmatched(ctx, job)
			summary.Unmatched++

			continue
		}

		d.log.Debug("matched file to source",
			slog.String("file", job.Name), slog.String("source", cfg.Name))
		matched = append(matched, matchedJob{job: job, cfg: cfg})
	}

	if len(matched) == 0 {
		return summary
	}

	queue := make(chan matchedJob)
	results := make(chan *pipeline.LoadResult, len(matched))

	var group errgroup.Group

	for i := 0; i < d.workers; i++ {
		workerID := i

		group.Go(func() error {
			d.worker(ctx, workerID, queue, results)

			return nil
		})
	}

feed:
	for _, mj := range matched {
		select {
		case queue <- mj:
		case <-ctx.Done():
			break feed
		}
	}

	close(queue)

	_ = group.Wait()
	close(results)

	for result := range results {
		summary.record(result)
	}

	return summary
}

// worker pulls jobs until the queue closes, running exactly one
// pipeline at a time.
func (d *Dispatcher) worker(ctx context.Context, id int, queue <-chan matchedJob, results chan<- *pipeline.LoadResult) {
	log := d.log.With(slog.Int("worker", id))

	for mj := range queue {
		log.Info("processing file",
			slog.String("file", mj.job.Name), slog.String("source", mj.cfg.Name))
		results <- d.process(ctx, mj)
	}
}

// process runs one pipeline, translating a panic into a WorkerPanic
// result so no fault ever takes the worker down. The panicked file
// stays in the drop directory for the next invocation; any stage
// table it left behind is swept by its deterministic name.
func (d *Dispatcher) process(ctx context.Context, mj matchedJob) (result *pipeline.LoadResult) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		d.log.Error("worker panic",
			slog.String("file", mj.job.Name),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))

		now := time.Now().UTC()
		result = &pipeline.LoadResult{
			SourceName:  mj.cfg.Name,
			Filename:    mj.job.Name,
			State:       pipeline.StateFailed,
			ErrorKind:   pipeline.KindWorkerPanic,
			ErrorDetail: fmt.Sprintf("panic: %v", r),
			StartedAt:   now,
			EndedAt:     now,
		}

		d.notifier.NotifyFailure(ctx, result)
	}()

	return d.runner.Run(ctx, mj.job, mj.cfg)
}

// quarantineUnmatched moves a file no source claims out of the drop
// directory. No database state is written for it.
func (d *Dispatcher) quarantineUnmatched(ctx context.Context, job pipeline.FileJob) {
	d.log.Warn("no source matches file", slog.String("file", job.Name))

	dst := d.quarantineDir + "/" + job.Name
	if err := d.blobs.Move(ctx, job.Location, dst); err != nil {
		d.log.Error("moving unmatched file failed",
			slog.String("file", job.Name), slog.Any("error", err))
		d.notifier.NotifyInternal(ctx, "FileLoader could not relocate unmatched file",
			fmt.Sprintf("%s: %v", job.Name, err))
	}
}

// record folds one terminal result into the summary.
func (s *Summary) record(result *pipeline.LoadResult) {
	s.Processed++
	s.Results = append(s.Results, result)

	switch result.State {
	case pipeline.StateSucceeded:
		s.Succeeded++
	case pipeline.StateCancelled:
		s.Cancelled++
	default:
		s.Failed++
	}
}

// FailureLines renders one line per failed load for run summaries.
func (s *Summary) FailureLines() []string {
	var lines []string

	for _, result := range s.Results {
		if !result.Failed() {
			continue
		}

		lines = append(lines, fmt.Sprintf("%s (%s): %s",
			result.Filename, result.SourceName, result.ErrorKind))
	}

	return lines
}
