// Package storage persists all load state: the file_load_log, the
// dead letter queue, per-load stage tables and the merge into target
// tables. SQL generation is dialect-driven so one set of stores serves
// PostgreSQL, MySQL, SQL Server and BigQuery.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

const healthCheckTimeout = 5 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is created
	// without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrDriverUnavailable is returned when the configured dialect has
	// no bundled driver.
	ErrDriverUnavailable = errors.New("no database driver bundled for dialect")
)

// Connection wraps the database handle with its dialect so every store
// renders SQL for the engine it actually talks to.
type Connection struct {
	*sql.DB

	dialect Dialect
}

// Connect opens a database connection for the configured dialect and
// verifies it with a ping.
//
// Only the PostgreSQL driver ships with the binary; the other dialects
// generate SQL for external execution paths and return
// ErrDriverUnavailable here.
func Connect(ctx context.Context, cfg *Config, dialect Dialect) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driverName := dialect.DriverName()
	if driverName == "" {
		return nil, fmt.Errorf("%w: %s", ErrDriverUnavailable, dialect.Name())
	}

	db, err := sql.Open(driverName, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()

		return nil, classify(fmt.Errorf("pinging database: %w", err))
	}

	return &Connection{DB: db, dialect: dialect}, nil
}

// Dialect returns the SQL dialect this connection renders.
func (c *Connection) Dialect() Dialect {
	return c.dialect
}

// HealthCheck verifies the connection is ready to serve requests.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("database health check failed: %w", err))
	}

	return nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Check PostgreSQL error codes (Class 08 = Connection Exception)
	// Per PostgreSQL documentation, all 08xxx errors are connection-related:
	//   08000 - connection_exception
	//   08003 - connection_does_not_exist
	//   08006 - connection_failure
	//   08001 - sqlclient_unable_to_establish_sqlconnection
	//   08004 - sqlserver_rejected_establishment_of_sqlconnection
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	// Check standard database/sql connection errors
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// isRetryableSQLState checks for serialization failures and deadlocks,
// which succeed when replayed.
func isRetryableSQLState(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}

	return false
}

// isTimeout reports per-operation deadline hits and driver i/o
// timeouts. Each store re-arms its operation timeout on every attempt,
// so a timed-out statement is worth retrying.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify tags retryable database errors with the pipeline's
// transient marker. Cancellation passes through untouched; timeouts
// count as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if isTimeout(err) || isDatabaseConnectionError(err) || isRetryableSQLState(err) {
		return fmt.Errorf("%w: %w", pipeline.ErrTransient, err)
	}

	return err
}
