package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/events"
	"github.com/fileloader-io/fileloader/internal/filestore"
	"github.com/fileloader-io/fileloader/internal/notify"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/process"
	"github.com/fileloader-io/fileloader/internal/source"
	"github.com/fileloader-io/fileloader/internal/storage"
)

// runOptions carries the run command's flag overrides. Everything else
// comes from the environment.
type runOptions struct {
	file      string
	directory string
	source    string
	database  string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one snapshot of the drop directory",
		Long: "Run discovers files in the drop directory, matches them to " +
			"configured sources and loads each through the staged pipeline. " +
			"Per-file failures are quarantined and notified; the process " +
			"exits non-zero only when the run itself cannot proceed.",
		Run: func(cmd *cobra.Command, _ []string) {
			os.Exit(runLoader(cmd.Context(), opts))
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "process only this file from the drop directory")
	cmd.Flags().StringVar(&opts.directory, "directory", "", "override the drop directory")
	cmd.Flags().StringVar(&opts.source, "source", "", "restrict the run to one configured source")
	cmd.Flags().StringVar(&opts.database, "database", "", "override the database connection string")

	return cmd
}

// runLoader wires the full pipeline and processes one snapshot. It
// returns the process exit code; every resource it opens is released
// before it returns.
func runLoader(ctx context.Context, opts *runOptions) int {
	cfg := config.LoadConfig()

	if opts.directory != "" {
		cfg.DirectoryPath = opts.directory
	}

	if opts.database != "" {
		cfg.SetDatabaseURL(opts.database)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))

		return exitConfig
	}

	logger.Info("starting fileloader",
		slog.String("version", version),
		slog.String("config", cfg.String()),
	)

	registry, err := source.LoadRegistry(cfg.SourcesPath)
	if err != nil {
		logger.Error("loading source registry",
			slog.String("path", cfg.SourcesPath), slog.Any("error", err))

		return exitConfig
	}

	if opts.source != "" {
		registry, err = registry.Restrict(opts.source)
		if err != nil {
			logger.Error("unknown source", slog.String("source", opts.source), slog.Any("error", err))

			return exitConfig
		}
	}

	logger.Info("source registry loaded", slog.Int("sources", registry.Len()))

	dialectName, err := cfg.Dialect()
	if err != nil {
		logger.Error("resolving dialect", slog.Any("error", err))

		return exitConfig
	}

	dialect, err := storage.DialectFor(dialectName)
	if err != nil {
		logger.Error("resolving dialect", slog.Any("error", err))

		return exitConfig
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageCfg := storage.LoadConfig()
	storageCfg.SetDatabaseURL(cfg.DatabaseURL())
	storageCfg.EnsurePoolFor(cfg.WorkerCount)

	conn, err := storage.Connect(ctx, storageCfg, dialect)
	if err != nil {
		logger.Error("connecting to database",
			slog.String("database", cfg.MaskDatabaseURL()), slog.Any("error", err))

		return exitInternal
	}

	defer func() {
		_ = conn.Close()
	}()

	if err := storage.EnsureSystemTables(ctx, conn); err != nil {
		logger.Error("ensuring system tables", slog.Any("error", err))

		return exitInternal
	}

	logger.Info("database connected",
		slog.String("dialect", dialect.Name()),
		slog.String("database", cfg.MaskDatabaseURL()),
	)

	blobs, err := filestore.New(ctx, cfg.Platform)
	if err != nil {
		logger.Error("creating file store",
			slog.String("platform", cfg.Platform), slog.Any("error", err))

		return exitInternal
	}

	loadLog := storage.NewLoadLogStore(conn)
	stageStore := storage.NewStageStore(conn)
	if cfg.SQLServerBulkCopy {
		stageStore.EnableBulkCopy()
	}
	dlqStore := storage.NewDLQStore(conn)
	publishStore := storage.NewPublishStore(conn)

	var emailer notify.Emailer
	if cfg.SMTP.Host != "" {
		emailer = notify.NewEmailSender(cfg.SMTP, logger)
	}

	router := notify.NewRouter(notify.RouterParams{
		Registry:      registry,
		Email:         emailer,
		Webhook:       notify.NewWebhook(cfg.WebhookURL, cfg.RetryAttempts, logger),
		Limiter:       notify.NewLimiter(cfg.NotifyRatePerMinute, cfg.NotifyBurst),
		DataTeamEmail: cfg.DataTeamEmail,
		Logger:        logger,
	})

	emitter := events.NewEmitter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)

	defer func() {
		if err := emitter.Close(); err != nil {
			logger.Warn("closing event emitter", slog.Any("error", err))
		}
	}()

	runner := pipeline.NewRunner(pipeline.RunnerParams{
		Blobs:   blobs,
		LoadLog: loadLog,
		Stager:  stageStore,
		Hasher:  filestore.NewHasher(blobs),
		Stages: &process.StageFactory{
			Opener:    blobs,
			Stage:     stageStore,
			Audits:    stageStore,
			Targets:   publishStore,
			DLQ:       dlqStore,
			BatchSize: cfg.BatchSize,
			Retries:   cfg.RetryAttempts,
			Logger:    logger,
		},
		Notifier:      router,
		Events:        emitter,
		ArchiveDir:    cfg.ArchivePath,
		QuarantineDir: cfg.DuplicateFilesPath,
		Retries:       cfg.RetryAttempts,
		Logger:        logger,
	})

	jobs, err := discoverJobs(ctx, blobs, cfg, opts, logger)
	if err != nil {
		return exitInternal
	}

	if len(jobs) == 0 {
		logger.Info("drop directory is empty, nothing to do")

		return exitOK
	}

	dispatcher := process.NewDispatcher(process.DispatcherParams{
		Registry:      registry,
		Runner:        runner,
		Blobs:         blobs,
		Notifier:      router,
		Workers:       cfg.WorkerCount,
		QuarantineDir: cfg.DuplicateFilesPath,
		Logger:        logger,
	})

	summary := dispatcher.Run(ctx, jobs)

	notify.NewSlack(cfg.SlackWebhookURL, logger).SendRunSummary(ctx, notify.RunSummary{
		Processed:    summary.Processed,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
		Cancelled:    summary.Cancelled,
		Unmatched:    summary.Unmatched,
		FailureLines: summary.FailureLines(),
	})

	logger.Info("run complete",
		slog.Int("processed", summary.Processed),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("cancelled", summary.Cancelled),
		slog.Int("unmatched", summary.Unmatched),
	)

	return exitOK
}

// discoverJobs snapshots the drop directory, or builds the single job
// the --file flag names.
func discoverJobs(
	ctx context.Context,
	blobs filestore.Store,
	cfg *config.Config,
	opts *runOptions,
	logger *slog.Logger,
) ([]pipeline.FileJob, error) {
	if opts.file != "" {
		return []pipeline.FileJob{{
			Location:     filestore.Join(cfg.DirectoryPath, opts.file),
			Name:         opts.file,
			Size:         -1,
			DiscoveredAt: time.Now().UTC(),
		}}, nil
	}

	jobs, err := process.NewDiscovery(blobs, logger).Snapshot(ctx, cfg.DirectoryPath)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("listing drop directory",
				slog.String("directory", cfg.DirectoryPath), slog.Any("error", err))
		}

		return nil, err
	}

	logger.Info("discovered files",
		slog.String("directory", cfg.DirectoryPath), slog.Int("count", len(jobs)))

	return jobs, nil
}
