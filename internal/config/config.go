package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
)

// Sentinel errors for configuration validation failures. All of them are
// fatal at startup (exit code 2); nothing in the loader runs with a
// half-valid configuration.
var (
	ErrMissingDatabaseURL   = errors.New("DATABASE_URL is required")
	ErrUnsupportedDialect   = errors.New("DATABASE_URL scheme is not a supported dialect")
	ErrMissingDirectoryPath = errors.New("DIRECTORY_PATH is required")
	ErrMissingArchivePath   = errors.New("ARCHIVE_PATH is required")
	ErrMissingDuplicates    = errors.New("DUPLICATE_FILES_PATH is required")
	ErrUnknownPlatform      = errors.New("FILE_HELPER_PLATFORM must be one of local, aws, azure, gcp")
	ErrInvalidBatchSize     = errors.New("BATCH_SIZE must be positive")
	ErrInvalidWorkerCount   = errors.New("WORKER_COUNT must be positive")
	ErrInvalidRetryAttempts = errors.New("RETRY_ATTEMPTS must not be negative")
	ErrIncompleteSMTP       = errors.New("SMTP_HOST requires SMTP_PORT and FROM_EMAIL")
)

// Dialect identifiers derived from the DATABASE_URL scheme.
const (
	DialectPostgres  = "postgres"
	DialectMySQL     = "mysql"
	DialectSQLServer = "mssql"
	DialectBigQuery  = "bigquery"
)

// Platform identifiers for the file store adapters.
const (
	PlatformLocal = "local"
	PlatformAWS   = "aws"
	PlatformAzure = "azure"
	PlatformGCP   = "gcp"
)

type (
	// Config is the immutable process configuration. It is loaded once at
	// startup and passed explicitly to every component; no package keeps
	// process-wide mutable settings.
	Config struct {
		// EnvState is the resolved ENV_STATE value ("dev", "test", "" for prod).
		EnvState string

		// LogLevel controls the slog handler level.
		LogLevel slog.Level

		// DirectoryPath is the drop directory URI (file://, s3://, gs://,
		// https://<account>.blob.core.windows.net/<container>/...). A bare
		// filesystem path is treated as file://.
		DirectoryPath string

		// ArchivePath receives a copy of every file before processing.
		ArchivePath string

		// DuplicateFilesPath receives duplicate, unmatched, and quarantined files.
		DuplicateFilesPath string

		// Platform selects the file store adapter. Inferred from the
		// DirectoryPath scheme when FILE_HELPER_PLATFORM is unset.
		Platform string

		// SourcesPath is the YAML source registry file.
		SourcesPath string

		// BatchSize bounds every in-memory batch and bulk-insert buffer.
		BatchSize int

		// WorkerCount is the number of concurrent per-file pipelines.
		WorkerCount int

		// RetryAttempts bounds retries of transient failures per operation.
		RetryAttempts int

		// SQLServerBulkCopy widens insert batches on the SQL Server dialect.
		SQLServerBulkCopy bool

		// SMTP carries the stakeholder email transport settings.
		SMTP SMTPConfig

		// DataTeamEmail is CC'd on every stakeholder notification.
		DataTeamEmail string

		// WebhookURL receives internal error alerts. Empty disables webhooks.
		WebhookURL string

		// SlackWebhookURL receives the end-of-run summary. Empty disables it.
		SlackWebhookURL string

		// KafkaBrokers enables the load-event emitter when non-empty.
		KafkaBrokers []string

		// KafkaTopic is the load-event topic.
		KafkaTopic string

		// OpenTelemetryEndpoint and OpenTelemetryToken are handed to
		// collaborators that export telemetry; the loader itself does not.
		OpenTelemetryEndpoint string
		OpenTelemetryToken    string

		// NotifyRatePerMinute and NotifyBurst bound outbound notifications.
		NotifyRatePerMinute int
		NotifyBurst         int

		databaseURL string
	}

	// SMTPConfig holds the email transport settings. Port 465 selects
	// implicit TLS; any other port uses STARTTLS when offered.
	SMTPConfig struct {
		Host     string
		Port     int
		User     string
		Password string
		From     string
	}
)

// LoadConfig reads the full loader configuration from the environment,
// applying defaults. Call Validate before using the result.
func LoadConfig() *Config {
	directory := GetEnvStr("DIRECTORY_PATH", "")

	return &Config{
		EnvState:              strings.ToLower(strings.TrimSpace(GetEnvStr(EnvStateKey, ""))),
		LogLevel:              GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		DirectoryPath:         directory,
		ArchivePath:           GetEnvStr("ARCHIVE_PATH", ""),
		DuplicateFilesPath:    GetEnvStr("DUPLICATE_FILES_PATH", ""),
		Platform:              GetEnvStr("FILE_HELPER_PLATFORM", inferPlatform(directory)),
		SourcesPath:           GetEnvStr("SOURCES_PATH", "sources.yaml"),
		BatchSize:             GetEnvInt("BATCH_SIZE", 100000),
		WorkerCount:           GetEnvInt("WORKER_COUNT", runtime.NumCPU()),
		RetryAttempts:         GetEnvInt("RETRY_ATTEMPTS", 3),
		SQLServerBulkCopy:     GetEnvBool("SQL_SERVER_SQLBULKCOPY_FLAG", false),
		SMTP:                  loadSMTP(),
		DataTeamEmail:         GetEnvStr("DATA_TEAM_EMAIL", ""),
		WebhookURL:            GetEnvStr("WEBHOOK_URL", ""),
		SlackWebhookURL:       GetEnvStr("SLACK_WEBHOOK_URL", ""),
		KafkaBrokers:          ParseCommaSeparatedList(GetEnvStr("KAFKA_BROKERS", "")),
		KafkaTopic:            GetEnvStr("KAFKA_TOPIC", "file-load-events"),
		OpenTelemetryEndpoint: GetEnvStr("OPEN_TELEMETRY_ENDPOINT", ""),
		OpenTelemetryToken:    GetEnvStr("OPEN_TELEMETRY_TOKEN", ""),
		NotifyRatePerMinute:   GetEnvInt("NOTIFY_RATE_LIMIT", 30),
		NotifyBurst:           GetEnvInt("NOTIFY_BURST", 10),
		databaseURL:           GetEnvStr("DATABASE_URL", ""),
	}
}

func loadSMTP() SMTPConfig {
	return SMTPConfig{
		Host:     GetEnvStr("SMTP_HOST", ""),
		Port:     GetEnvInt("SMTP_PORT", 587),
		User:     GetEnvStr("SMTP_USER", ""),
		Password: GetEnvStr("SMTP_PASSWORD", ""),
		From:     GetEnvStr("FROM_EMAIL", ""),
	}
}

// inferPlatform guesses the file store platform from a location URI.
func inferPlatform(location string) string {
	switch {
	case strings.HasPrefix(location, "s3://"):
		return PlatformAWS
	case strings.HasPrefix(location, "gs://"):
		return PlatformGCP
	case strings.Contains(location, ".blob.core.windows.net"):
		return PlatformAzure
	default:
		return PlatformLocal
	}
}

// Validate checks the configuration for use. It returns the first violation
// found; callers treat any error as fatal.
func (c *Config) Validate() error {
	if c.databaseURL == "" {
		return ErrMissingDatabaseURL
	}

	if _, err := c.Dialect(); err != nil {
		return err
	}

	if c.DirectoryPath == "" {
		return ErrMissingDirectoryPath
	}

	if c.ArchivePath == "" {
		return ErrMissingArchivePath
	}

	if c.DuplicateFilesPath == "" {
		return ErrMissingDuplicates
	}

	switch c.Platform {
	case PlatformLocal, PlatformAWS, PlatformAzure, PlatformGCP:
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownPlatform, c.Platform)
	}

	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if c.WorkerCount <= 0 {
		return ErrInvalidWorkerCount
	}

	if c.RetryAttempts < 0 {
		return ErrInvalidRetryAttempts
	}

	if c.SMTP.Host != "" && (c.SMTP.Port <= 0 || c.SMTP.From == "") {
		return ErrIncompleteSMTP
	}

	return nil
}

// DatabaseURL returns the raw connection string. Never log the result;
// use MaskDatabaseURL for anything user-visible.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// SetDatabaseURL overrides the connection string. Used by tests and the
// CLI --database flag; production code reads it from the environment.
func (c *Config) SetDatabaseURL(databaseURL string) {
	c.databaseURL = databaseURL
}

// Dialect maps the DATABASE_URL scheme to a dialect identifier.
func (c *Config) Dialect() (string, error) {
	scheme := c.databaseURL
	if idx := strings.Index(scheme, "://"); idx >= 0 {
		scheme = scheme[:idx]
	} else {
		return "", fmt.Errorf("%w: no scheme in connection string", ErrUnsupportedDialect)
	}

	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	case "mssql", "sqlserver":
		return DialectSQLServer, nil
	case "bigquery":
		return DialectBigQuery, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrUnsupportedDialect, scheme)
	}
}

// MaskDatabaseURL returns the connection string with any password replaced
// by "***" for safe logging.
func (c *Config) MaskDatabaseURL() string {
	parsed, err := url.Parse(c.databaseURL)
	if err != nil || parsed.User == nil {
		return c.databaseURL
	}

	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "***")
	}

	return parsed.String()
}

// String implements fmt.Stringer with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{env: %q, directory: %q, platform: %q, database: %q, workers: %d, batch: %d}",
		c.EnvState, c.DirectoryPath, c.Platform, c.MaskDatabaseURL(), c.WorkerCount, c.BatchSize,
	)
}
