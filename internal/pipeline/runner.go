package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fileloader-io/fileloader/internal/source"
)

// failureSampleLimit caps the rejected-record sample carried on the
// LoadResult for notification bodies. The full set lives in the dead
// letter queue.
const failureSampleLimit = 50

// cleanupTimeout bounds the cleanup path, which runs on a detached
// context so cancellation cannot leave stage tables behind.
const cleanupTimeout = 2 * time.Minute

// RunnerParams wires a Runner. All dependencies are shared across
// workers and must be safe for concurrent use; per-load state lives in
// the stage instances the Stages factory builds.
type RunnerParams struct {
	Blobs    Blobs
	LoadLog  LoadLog
	Stager   Stager
	Hasher   Hasher
	Stages   Stages
	Notifier Notifier
	Events   EventSink

	// ArchiveDir receives a copy of every file before anything else
	// happens to it.
	ArchiveDir string

	// QuarantineDir receives duplicate and failed files. The source
	// file never stays in the drop directory once its load terminates.
	QuarantineDir string

	// Retries is the attempt budget for transient failures, per step.
	Retries int

	Logger *slog.Logger
}

// Runner drives one file through the pipeline: archive, dedupe, stage,
// stream, audit, publish, cleanup. A Runner is shared by all workers;
// Run may be called concurrently for distinct jobs.
type Runner struct {
	blobs    Blobs
	loadLog  LoadLog
	stager   Stager
	hasher   Hasher
	stages   Stages
	notifier Notifier
	events   EventSink

	archiveDir    string
	quarantineDir string
	retries       int
	log           *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		blobs:         p.Blobs,
		loadLog:       p.LoadLog,
		stager:        p.Stager,
		hasher:        p.Hasher,
		stages:        p.Stages,
		notifier:      p.Notifier,
		events:        p.Events,
		archiveDir:    p.ArchiveDir,
		quarantineDir: p.QuarantineDir,
		retries:       p.Retries,
		log:           p.Logger,
	}
}

// Run processes one file to its terminal state. It never returns an
// error: every outcome, including cancellation, lands in the
// LoadResult, and cleanup has already run by the time Run returns.
func (r *Runner) Run(ctx context.Context, job FileJob, cfg *source.Config) *LoadResult {
	result := &LoadResult{
		SourceName: cfg.Name,
		Filename:   job.Name,
		State:      StateRunning,
		StartedAt:  time.Now().UTC(),
	}

	run := &load{
		runner: r,
		job:    job,
		cfg:    cfg,
		result: result,
		log: r.log.With(
			slog.String("source", cfg.Name),
			slog.String("file", job.Name),
		),
	}

	err := run.execute(ctx)
	run.finish(ctx, err)

	return result
}

// load is the per-file pipeline state. One load runs on one worker,
// strictly sequentially.
type load struct {
	runner *Runner
	job    FileJob
	cfg    *source.Config
	result *LoadResult
	log    *slog.Logger

	// stage is the stage table name, set once staging succeeds and
	// used by cleanup to decide whether there is anything to drop.
	stage string
}

// execute walks the ordered pipeline steps. Any returned error is
// terminal for this file; finish translates it into the result.
func (l *load) execute(ctx context.Context) error {
	if err := l.archive(ctx); err != nil {
		return err
	}

	if err := l.allocate(ctx); err != nil {
		return err
	}

	if err := l.dedupe(ctx); err != nil {
		return err
	}

	if err := l.createStage(ctx); err != nil {
		return err
	}

	if err := l.stream(ctx); err != nil {
		return err
	}

	if err := l.audit(ctx); err != nil {
		return err
	}

	return l.publish(ctx)
}

// archive copies the file into the archive directory before anything
// touches the database. The copy retries over transient store errors.
func (l *load) archive(ctx context.Context) error {
	dst := joinLocation(l.runner.archiveDir, l.job.Name)

	err := RetryNotify(ctx, l.runner.retries, func() error {
		return l.runner.blobs.Copy(ctx, l.job.Location, dst)
	}, l.retryLog("archive copy"))
	if err != nil {
		return WrapError(KindArchiveFailed, err, "copying %s to archive", l.job.Name)
	}

	l.log.Debug("archived", slog.String("archive", dst))

	return nil
}

// allocate inserts the Running log row and claims the file_load_id.
func (l *load) allocate(ctx context.Context) error {
	var id int64

	err := RetryNotify(ctx, l.runner.retries, func() error {
		var allocErr error
		id, allocErr = l.runner.loadLog.Allocate(ctx, l.cfg.Name, l.job.Name)

		return allocErr
	}, l.retryLog("load id allocation"))
	if err != nil {
		return WrapError(KindDBUnavailable, err, "allocating file_load_id for %s", l.job.Name)
	}

	l.result.FileLoadID = id
	l.log = l.log.With(slog.Int64("file_load_id", id))
	l.phase(ctx, PhaseArchived)

	return nil
}

// dedupe hashes the file content and rejects files already loaded
// successfully under the same name and hash.
func (l *load) dedupe(ctx context.Context) error {
	var hash string

	err := RetryNotify(ctx, l.runner.retries, func() error {
		var hashErr error
		hash, hashErr = l.runner.hasher.Hash(ctx, l.job.Location, l.cfg.Compressed(l.job.Name))

		return hashErr
	}, l.retryLog("content hashing"))
	if err != nil {
		return WrapError(KindStoreUnavailable, err, "hashing %s", l.job.Name)
	}

	if err := l.runner.loadLog.SetContentHash(ctx, l.result.FileLoadID, hash); err != nil {
		return WrapError(KindDBUnavailable, err, "recording content hash for %s", l.job.Name)
	}

	seen, err := l.runner.loadLog.SeenSucceeded(ctx, l.job.Name, hash)
	if err != nil {
		return WrapError(KindDBUnavailable, err, "checking duplicate for %s", l.job.Name)
	}

	if seen {
		return Errorf(KindDuplicateFile,
			"file %s with hash %s was already loaded successfully", l.job.Name, hash)
	}

	l.phase(ctx, PhaseDeduped)

	return nil
}

// createStage builds the per-load stage table.
func (l *load) createStage(ctx context.Context) error {
	var stage string

	err := RetryNotify(ctx, l.runner.retries, func() error {
		var stageErr error
		stage, stageErr = l.runner.stager.CreateStage(ctx, l.cfg, l.result.FileLoadID)

		return stageErr
	}, l.retryLog("stage creation"))
	if err != nil {
		return WrapError(KindStageCreateFailed, err, "creating stage for %s", l.job.Name)
	}

	l.stage = stage
	l.phase(ctx, PhaseStaged)

	return nil
}

// stream drives the read, validate and write stages one batch at a
// time. Reading continues past the validation threshold so the dead
// letter queue captures the complete error set; the threshold decision
// lands only after end of stream.
func (l *load) stream(ctx context.Context) error {
	rd, err := l.runner.stages.Reader(l.job, l.cfg)
	if err != nil {
		return WrapError(KindConfigError, err, "building reader for %s", l.job.Name)
	}
	defer func() { _ = rd.Close() }()

	if err := rd.Open(ctx); err != nil {
		return err
	}

	validator := l.runner.stages.Validator(l.cfg)
	writer := l.runner.stages.Writer(l.cfg, l.job, l.result.FileLoadID, l.stage)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := rd.NextBatch(ctx)
		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}

		l.result.RowsRead += int64(len(batch.Records))

		validated := validator.ValidateBatch(batch)
		l.sampleFailures(validated.Invalid)

		if err := writer.Push(ctx, validated); err != nil {
			return err
		}
	}

	l.phase(ctx, PhaseRead)

	if err := writer.Flush(ctx); err != nil {
		return err
	}

	l.result.RowsInvalid = validator.InvalidCount()
	l.result.RowsValid = l.result.RowsRead - l.result.RowsInvalid

	if l.result.RowsRead == 0 {
		return Errorf(KindNoDataInFile, "file %s has no data rows", l.job.Name)
	}

	l.phase(ctx, PhaseValidated)

	if l.result.RowsInvalid > l.cfg.Threshold {
		return Errorf(KindThresholdExceeded,
			"%d invalid rows exceed threshold %d", l.result.RowsInvalid, l.cfg.Threshold)
	}

	l.phase(ctx, PhaseWritten)

	return nil
}

// audit runs the grain uniqueness check and the declared audits.
func (l *load) audit(ctx context.Context) error {
	auditor := l.runner.stages.Auditor(l.cfg, l.stage)

	if err := auditor.Audit(ctx); err != nil {
		return err
	}

	l.phase(ctx, PhaseAudited)

	return nil
}

// publish merges the stage into the target. The merge is a single
// attempt: retrying a partially applied publish risks applying it
// twice on engines without an atomic merge.
func (l *load) publish(ctx context.Context) error {
	publisher := l.runner.stages.Publisher(l.cfg, l.stage)

	published, err := publisher.Publish(ctx)
	if err != nil {
		return err
	}

	l.result.RowsInserted = published.Inserted
	l.result.RowsUpdated = published.Updated
	l.result.RowsPublished = published.Inserted + published.Updated
	l.phase(ctx, PhasePublished)

	return nil
}

// finish resolves the terminal state, runs the mandatory cleanup path
// and fans out notifications and the load event. Cleanup runs on a
// detached context so a cancelled run still drops its stage table and
// relocates its file.
func (l *load) finish(ctx context.Context, err error) {
	l.result.EndedAt = time.Now().UTC()

	switch kind := KindOf(err); {
	case err == nil:
		l.result.State = StateSucceeded
	case kind == KindCancelled:
		l.result.State = StateCancelled
		l.result.ErrorKind = KindCancelled
		l.result.ErrorDetail = err.Error()
	case kind != "":
		l.result.State = StateFailed
		l.result.ErrorKind = kind
		l.result.ErrorDetail = err.Error()
	default:
		// Unknown faults inside a worker are operational, not
		// file-level.
		l.result.State = StateFailed
		l.result.ErrorKind = KindWorkerPanic
		l.result.ErrorDetail = err.Error()
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	l.cleanup(cleanupCtx)
	l.closeLog(cleanupCtx)

	switch l.result.State {
	case StateSucceeded:
		l.log.Info("load succeeded",
			slog.Int64("rows_read", l.result.RowsRead),
			slog.Int64("rows_valid", l.result.RowsValid),
			slog.Int64("rows_invalid", l.result.RowsInvalid),
			slog.Int64("rows_published", l.result.RowsPublished),
			slog.Duration("took", l.result.Duration()))
	case StateCancelled:
		l.log.Info("load cancelled", slog.Duration("took", l.result.Duration()))
	default:
		l.log.Error("load failed",
			slog.String("kind", string(l.result.ErrorKind)),
			slog.String("detail", l.result.ErrorDetail))
		l.runner.notifier.NotifyFailure(cleanupCtx, l.result)
	}

	l.runner.events.Emit(cleanupCtx, l.result)
}

// cleanup drops the stage table and settles the source file: deleted
// from the drop directory on success, moved to quarantine otherwise.
// Cleanup errors are reported but never mask the terminal state.
func (l *load) cleanup(ctx context.Context) {
	if l.stage != "" {
		err := Retry(ctx, l.runner.retries, func() error {
			return l.runner.stager.DropStage(ctx, l.stage)
		})
		if err != nil {
			l.cleanupFault(ctx, fmt.Sprintf("dropping stage %s", l.stage), err)
		}
	}

	if l.result.State == StateSucceeded {
		err := Retry(ctx, l.runner.retries, func() error {
			return l.runner.blobs.Delete(ctx, l.job.Location)
		})
		if err != nil {
			l.cleanupFault(ctx, fmt.Sprintf("deleting %s from drop directory", l.job.Name), err)
		}

		return
	}

	// Quarantined names carry a timestamp suffix so repeated failures
	// of the same filename never overwrite each other.
	dst := joinLocation(l.runner.quarantineDir, quarantineName(l.job.Name, l.result.EndedAt))

	err := Retry(ctx, l.runner.retries, func() error {
		return l.runner.blobs.Move(ctx, l.job.Location, dst)
	})
	if err != nil {
		l.cleanupFault(ctx, fmt.Sprintf("quarantining %s", l.job.Name), err)
	}
}

// closeLog writes the terminal file_load_log row.
func (l *load) closeLog(ctx context.Context) {
	err := Retry(ctx, l.runner.retries, func() error {
		return l.runner.loadLog.Close(ctx, l.result)
	})
	if err != nil {
		l.cleanupFault(ctx, fmt.Sprintf("closing load log %d", l.result.FileLoadID), err)
	}
}

func (l *load) cleanupFault(ctx context.Context, what string, err error) {
	l.log.Error("cleanup step failed", slog.String("step", what), slog.Any("error", err))
	l.runner.notifier.NotifyInternal(ctx, "FileLoader cleanup failed",
		fmt.Sprintf("%s: %s: %v", l.job.Name, what, err))
}

// phase records pipeline progress in the log row. Progress reporting
// is best effort and never fails the load.
func (l *load) phase(ctx context.Context, phase Phase) {
	if err := l.runner.loadLog.RecordPhase(ctx, l.result.FileLoadID, phase); err != nil {
		l.log.Warn("recording phase failed",
			slog.String("phase", string(phase)), slog.Any("error", err))
	}
}

// sampleFailures keeps the first failureSampleLimit rejections for the
// stakeholder notification.
func (l *load) sampleFailures(failures []ValidationFailure) {
	room := failureSampleLimit - len(l.result.Failures)
	if room <= 0 || len(failures) == 0 {
		return
	}

	if len(failures) > room {
		failures = failures[:room]
	}

	l.result.Failures = append(l.result.Failures, failures...)
}

// retryLog returns a retry callback that logs each backoff.
func (l *load) retryLog(step string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		l.log.Warn("transient failure, retrying",
			slog.String("step", step),
			slog.Duration("retry_in", next),
			slog.Any("error", err))
	}
}

// joinLocation appends a filename to a directory location, for both
// URI and bare-path forms.
func joinLocation(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// quarantineName suffixes the filename with the load's end timestamp.
func quarantineName(name string, at time.Time) string {
	return fmt.Sprintf("%s.%s", name, at.UTC().Format("20060102T150405Z"))
}
