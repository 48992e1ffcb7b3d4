package process

import (
	"log/slog"

	"github.com/fileloader-io/fileloader/internal/audit"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/publish"
	"github.com/fileloader-io/fileloader/internal/reader"
	"github.com/fileloader-io/fileloader/internal/source"
	"github.com/fileloader-io/fileloader/internal/validate"
	"github.com/fileloader-io/fileloader/internal/write"
)

// StageFactory builds the per-load stage instances from the shared
// stores. The factory itself is stateless and shared by all workers;
// everything it hands out belongs to exactly one load.
type StageFactory struct {
	Opener  reader.Opener
	Stage   write.Store
	Audits  audit.Store
	Targets publish.Store
	DLQ     interface {
		write.FailureStore
		publish.DLQ
	}

	BatchSize int
	Retries   int
	Logger    *slog.Logger
}

var _ pipeline.Stages = (*StageFactory)(nil)

// Reader builds the format-specific reader for one file.
func (f *StageFactory) Reader(job pipeline.FileJob, cfg *source.Config) (pipeline.Reader, error) {
	return reader.New(f.Opener, job, cfg, f.BatchSize)
}

// Validator builds the per-file validator.
func (f *StageFactory) Validator(cfg *source.Config) pipeline.Validator {
	return validate.New(cfg)
}

// Writer builds the stage writer for one load.
func (f *StageFactory) Writer(cfg *source.Config, job pipeline.FileJob, fileLoadID int64, stage string) pipeline.Writer {
	return write.New(write.Params{
		Config:     cfg,
		Store:      f.Stage,
		Failures:   f.DLQ,
		Stage:      stage,
		Filename:   job.Name,
		FileLoadID: fileLoadID,
		BatchSize:  f.BatchSize,
		Retries:    f.Retries,
		Logger:     f.Logger,
	})
}

// Auditor builds the post-write auditor for one stage table.
func (f *StageFactory) Auditor(cfg *source.Config, stage string) pipeline.Auditor {
	return audit.New(cfg, f.Audits, stage, f.Logger)
}

// Publisher builds the merge publisher for one stage table.
func (f *StageFactory) Publisher(cfg *source.Config, stage string) pipeline.Publisher {
	return publish.New(cfg, f.Targets, f.DLQ, stage, f.Logger)
}
