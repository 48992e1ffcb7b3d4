package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/migrations"
)

func newMigrateCommand() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate [up|down|status|version|drop]",
		Short: "Manage the loader's PostgreSQL schema",
		Long: "Migrate applies the embedded schema migrations. Only the " +
			"PostgreSQL dialect is migrated here; the other engines " +
			"receive their system tables at startup.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status", "version", "drop"},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runMigrate(cmd, args[0], databaseURL))
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database", "", "override the database connection string")

	return cmd
}

func runMigrate(cmd *cobra.Command, action, databaseURL string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if databaseURL == "" {
		databaseURL = config.GetEnvStr("DATABASE_URL", "")
	}

	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")

		return exitConfig
	}

	runner, err := migrations.NewRunner(cmd.Context(), databaseURL, logger)
	if err != nil {
		logger.Error("initialising migration runner", slog.Any("error", err))

		return exitInternal
	}

	defer func() {
		_ = runner.Close()
	}()

	switch action {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "status":
		err = runner.Status()
	case "version":
		err = runner.Version()
	case "drop":
		err = runner.Drop()
	default:
		logger.Error("unknown migrate action", slog.String("action", action))

		return exitConfig
	}

	if err != nil {
		logger.Error(fmt.Sprintf("migrate %s failed", action), slog.Any("error", err))

		return exitInternal
	}

	return exitOK
}
