package models

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Row is one canonical record keyed by DT.
type Row struct {
	DT     time.Time // UTC instant
	Date   string    // civil date in the target timezone
	Time   string    // time of day in the target timezone
	Values []float64 // ordered as Kind.Columns()
	Null   []bool    // nil when every value is present
}

// IsNull reports whether value i is missing from the source payload.
func (r Row) IsNull(i int) bool {
	return i < len(r.Null) && r.Null[i]
}

// Arg returns value i as a driver argument, nil when it is missing.
func (r Row) Arg(i int) any {
	if r.IsNull(i) {
		return nil
	}
	return r.Values[i]
}

// NewRow splits dt into date and time in loc.
func NewRow(dt time.Time, loc *time.Location, values ...float64) Row {
	local := dt.In(loc)
	return Row{
		DT:     dt.UTC(),
		Date:   local.Format(DateLayout),
		Time:   local.Format(TimeLayout),
		Values: values,
	}
}

// RowSet is the canonical output of an aggregation, ordered by DT ascending.
type RowSet struct {
	Kind MetricKind
	Rows []Row
}

func (r RowSet) Len() int { return len(r.Rows) }

// Head returns a RowSet limited to the first n rows.
func (r RowSet) Head(n int) RowSet {
	if n < 0 || n >= len(r.Rows) {
		return r
	}
	return RowSet{Kind: r.Kind, Rows: r.Rows[:n]}
}

// Value returns the named column of row i. Missing values are reported as errors.
func (r RowSet) Value(i int, column string) (float64, error) {
	idx, err := r.Kind.ColumnIndex(column)
	if err != nil {
		return 0, err
	}
	if r.Rows[i].IsNull(idx) {
		return 0, fmt.Errorf("row %d: %s is null", i, column)
	}
	return r.Rows[i].Values[idx], nil
}

// Columns returns all stored columns: dt, date, time then the kind's value columns.
func (r RowSet) Columns() []string {
	return append([]string{"dt", "date", "time"}, r.Kind.Columns()...)
}
