// Package sink persists canonical row sets with insert-if-absent semantics.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"derivflow/internal/metrics"
	"derivflow/internal/models"
	"derivflow/internal/warehouse"
	"derivflow/logger"
)

const (
	defaultChunkRows = 500
	cleanupTimeout   = 10 * time.Second
	maxStagingPrefix = 40
)

// Sink writes RowSets into destination tables through a per-write staging table.
type Sink struct {
	db        *sql.DB
	schema    string
	chunkRows int
	recorder  *metrics.Recorder
	log       *logger.Log
}

// New builds a Sink over db. Destination tables are qualified with schema when set.
func New(db *sql.DB, schema string, recorder *metrics.Recorder) *Sink {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Sink{
		db:        db,
		schema:    schema,
		chunkRows: defaultChunkRows,
		recorder:  recorder,
		log:       logger.GetLogger(),
	}
}

// Write merge-inserts rows whose dt is not yet present in table and returns
// the number of inserted rows. Failures are logged and reported as
// persistence errors with zero rows inserted.
func (s *Sink) Write(ctx context.Context, rows models.RowSet, table string) (int64, error) {
	if rows.Len() == 0 {
		return 0, nil
	}

	log := s.log.WithComponent("sink").WithFields(logger.Fields{
		"table": table,
		"kind":  string(rows.Kind),
		"rows":  rows.Len(),
	})
	start := time.Now()

	inserted, err := s.write(ctx, rows, table)
	if err != nil {
		log.WithError(err).Error("failed to persist rows")
		return 0, models.NewError(models.ErrPersistenceFailure, "sink.write", err)
	}

	log.WithFields(logger.Fields{
		"inserted": inserted,
		"skipped":  int64(rows.Len()) - inserted,
	}).Info("rows merged")
	logger.LogPerformanceEntry(log, "sink", "merge", time.Since(start), logger.Fields{"table": table})
	s.recorder.ObserveInserted(s.log, string(rows.Kind), table, inserted)
	return inserted, nil
}

func (s *Sink) write(ctx context.Context, rows models.RowSet, table string) (int64, error) {
	dest, err := warehouse.Qualify(s.schema, table)
	if err != nil {
		return 0, err
	}
	columns := rows.Columns()
	quoted := make([]string, len(columns))
	for i, c := range columns {
		if quoted[i], err = warehouse.QuoteIdent(c); err != nil {
			return 0, err
		}
	}
	colList := strings.Join(quoted, ", ")

	// temp tables are connection scoped
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var inserted int64
	err = withStaging(ctx, conn, stagingName(table), dest, func(staging string) error {
		if err := s.stage(ctx, conn, staging, colList, len(columns), rows); err != nil {
			return err
		}
		res, err := conn.ExecContext(ctx, mergeSQL(dest, staging, quoted))
		if err != nil {
			return fmt.Errorf("merge into %s: %w", table, err)
		}
		inserted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// withStaging creates an empty temporary copy of dest, runs fn with its
// quoted name and drops it afterwards whatever fn returns. A failed drop is
// logged only: fn's result stands and the table dies with the session.
func withStaging(ctx context.Context, conn *sql.Conn, name, dest string, fn func(staging string) error) error {
	staging, err := warehouse.QuoteIdent(name)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT * FROM %s LIMIT 0", staging, dest)); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}

	defer func() {
		// ctx may already be cancelled here
		dropCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if _, dropErr := conn.ExecContext(dropCtx, "DROP TABLE IF EXISTS "+staging); dropErr != nil {
			logger.GetLogger().WithComponent("sink").WithFields(logger.Fields{
				"staging": name,
			}).WithError(dropErr).Warn("failed to drop staging table")
		}
	}()

	return fn(staging)
}

func (s *Sink) stage(ctx context.Context, conn *sql.Conn, staging, colList string, width int, rows models.RowSet) error {
	for lo := 0; lo < rows.Len(); lo += s.chunkRows {
		hi := lo + s.chunkRows
		if hi > rows.Len() {
			hi = rows.Len()
		}
		chunk := rows.Rows[lo:hi]

		tuples := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*width)
		for _, r := range chunk {
			if len(r.Values) != width-3 {
				return fmt.Errorf("row at %s has %d values, want %d", r.DT.Format(time.RFC3339), len(r.Values), width-3)
			}
			n := len(args)
			ph := make([]string, width)
			ph[0] = fmt.Sprintf("$%d", n+1)
			ph[1] = fmt.Sprintf("CAST($%d AS DATE)", n+2)
			ph[2] = fmt.Sprintf("CAST($%d AS TIME)", n+3)
			for i := 3; i < width; i++ {
				ph[i] = fmt.Sprintf("$%d", n+i+1)
			}
			tuples = append(tuples, "("+strings.Join(ph, ", ")+")")

			args = append(args, r.DT.UTC(), r.Date, r.Time)
			for i := range r.Values {
				args = append(args, r.Arg(i))
			}
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", staging, colList, strings.Join(tuples, ", "))
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("stage rows %d-%d: %w", lo, hi, err)
		}
	}
	return nil
}

func mergeSQL(dest, staging string, quoted []string) string {
	cols := strings.Join(quoted, ", ")
	sel := make([]string, len(quoted))
	for i, c := range quoted {
		sel[i] = "s." + c
	}
	return fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s d WHERE d."dt" = s."dt")`,
		dest, cols, strings.Join(sel, ", "), staging, dest,
	)
}

func stagingName(table string) string {
	if len(table) > maxStagingPrefix {
		table = table[:maxStagingPrefix]
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "stg_" + table + "_" + id[:12]
}
