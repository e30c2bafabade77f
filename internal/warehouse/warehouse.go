// Package warehouse opens the analytical store the pipeline writes to.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"

	"derivflow/config"
	"derivflow/internal/models"
	"derivflow/logger"
)

const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

var identRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Warehouse is an open database handle plus the schema tables live in.
type Warehouse struct {
	DB     *sql.DB
	Driver string
	Schema string
}

// Open connects to the configured store and verifies it answers a ping.
// Every failure is a fatal setup error.
func Open(ctx context.Context, cfg config.WarehouseConfig) (*Warehouse, error) {
	const op = "warehouse.open"
	log := logger.GetLogger().WithComponent("warehouse").WithFields(logger.Fields{
		"driver": cfg.Driver,
		"schema": cfg.Schema,
	})

	if cfg.Driver != DriverPostgres && cfg.Driver != DriverDuckDB {
		return nil, models.NewError(models.ErrFatalSetup, op, fmt.Errorf("unsupported driver %q", cfg.Driver))
	}
	if cfg.Schema != "" && !identRegexp.MatchString(cfg.Schema) {
		return nil, models.NewError(models.ErrFatalSetup, op, fmt.Errorf("invalid schema %q", cfg.Schema))
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, models.NewError(models.ErrFatalSetup, op, fmt.Errorf("open database: %w", err))
	}

	if cfg.Driver == DriverDuckDB {
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		maxOpen := cfg.MaxOpen
		if maxOpen <= 0 {
			maxOpen = 4
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	attempts := cfg.PingAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var pingErr error
pingLoop:
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		log.WithFields(logger.Fields{
			"attempt": i + 1,
			"max":     attempts,
		}).WithError(pingErr).Warn("database ping failed")

		if i < attempts-1 {
			select {
			case <-time.After(time.Second * time.Duration(i+1)):
			case <-ctx.Done():
				pingErr = ctx.Err()
				break pingLoop
			}
		}
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, models.NewError(models.ErrFatalSetup, op,
			fmt.Errorf("ping database after %d attempts: %w", attempts, pingErr))
	}

	log.Info("warehouse connection established")
	return &Warehouse{DB: db, Driver: cfg.Driver, Schema: cfg.Schema}, nil
}

// Close releases the connection pool.
func (w *Warehouse) Close() error {
	return w.DB.Close()
}

// QuoteIdent validates name as a lowercase identifier and double-quotes it.
func QuoteIdent(name string) (string, error) {
	if !identRegexp.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// Qualify returns the quoted, optionally schema-qualified table name.
func Qualify(schema, table string) (string, error) {
	t, err := QuoteIdent(table)
	if err != nil {
		return "", err
	}
	if schema == "" {
		return t, nil
	}
	s, err := QuoteIdent(schema)
	if err != nil {
		return "", err
	}
	return s + "." + t, nil
}

// TableDDL renders the CREATE TABLE statement for a destination table.
func TableDDL(schema, table string, kind models.MetricKind) (string, error) {
	name, err := Qualify(schema, table)
	if err != nil {
		return "", err
	}
	cols := []string{`"dt" TIMESTAMP PRIMARY KEY`, `"date" DATE`, `"time" TIME`}
	for _, c := range kind.Columns() {
		cols = append(cols, fmt.Sprintf("%q DOUBLE PRECISION", c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(cols, ", ")), nil
}

// EnsureTables creates the schema and every destination table that does not exist yet.
func (w *Warehouse) EnsureTables(ctx context.Context, tables map[string]models.MetricKind) error {
	const op = "warehouse.ensure_tables"
	if w.Schema != "" {
		s, err := QuoteIdent(w.Schema)
		if err != nil {
			return models.NewError(models.ErrFatalSetup, op, err)
		}
		if _, err := w.DB.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+s); err != nil {
			return models.NewError(models.ErrFatalSetup, op, fmt.Errorf("create schema: %w", err))
		}
	}

	for table, kind := range tables {
		ddl, err := TableDDL(w.Schema, table, kind)
		if err != nil {
			return models.NewError(models.ErrFatalSetup, op, err)
		}
		if _, err := w.DB.ExecContext(ctx, ddl); err != nil {
			return models.NewError(models.ErrFatalSetup, op, fmt.Errorf("create table %s: %w", table, err))
		}
	}

	logger.GetLogger().WithComponent("warehouse").WithFields(logger.Fields{
		"tables": len(tables),
		"schema": w.Schema,
	}).Info("destination tables ensured")
	return nil
}
