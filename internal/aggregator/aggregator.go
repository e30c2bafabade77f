// Package aggregator reshapes raw Coinalyze series into canonical rows.
package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"derivflow/internal/models"
)

// Func converts raw series into rows with date/time split in loc.
type Func func(series []models.Series, loc *time.Location) (models.RowSet, error)

// reducer combines the values observed for one column at one instant.
type reducer int

const (
	reduceLast reducer = iota
	reduceSum
	reduceMean
)

type point struct {
	t       int64
	vals    []float64
	missing []bool // nil when every value is present
}

type bucket struct {
	acc  []decimal.Decimal
	n    []int  // values folded into acc per column
	null []bool // reduceLast only: last observation was missing
}

// Aggregate dispatches to the transform of kind.
func Aggregate(kind models.MetricKind, series []models.Series, loc *time.Location) (models.RowSet, error) {
	switch kind {
	case models.KindPrice:
		return Price(series, loc)
	case models.KindOpenInterest:
		return OpenInterest(series, loc)
	case models.KindLongShortRatio:
		return LongShortRatio(series, loc)
	case models.KindFundingRate:
		return FundingRate(series, loc)
	default:
		return models.RowSet{}, fmt.Errorf("aggregate: unknown metric kind %q", kind)
	}
}

// Price maps the first series carrying history one-to-one onto rows.
func Price(series []models.Series, loc *time.Location) (models.RowSet, error) {
	for _, s := range series {
		if !s.HasHistory() {
			continue
		}
		return build(models.KindPrice, []models.Series{s}, loc, decodeOHLCV, []reducer{
			reduceLast, reduceLast, reduceLast, reduceLast, reduceLast,
		})
	}
	return models.RowSet{Kind: models.KindPrice}, nil
}

// OpenInterest sums open, high, low and close across all contracts per instant.
func OpenInterest(series []models.Series, loc *time.Location) (models.RowSet, error) {
	return build(models.KindOpenInterest, series, loc, decodeOHLC, []reducer{
		reduceSum, reduceSum, reduceSum, reduceSum,
	})
}

// LongShortRatio averages the ratio and sums long and short values per instant.
func LongShortRatio(series []models.Series, loc *time.Location) (models.RowSet, error) {
	return build(models.KindLongShortRatio, series, loc, decodeRatio, []reducer{
		reduceMean, reduceSum, reduceSum,
	})
}

// FundingRate averages open, high, low and close across contracts per instant.
func FundingRate(series []models.Series, loc *time.Location) (models.RowSet, error) {
	return build(models.KindFundingRate, series, loc, decodeOHLC, []reducer{
		reduceMean, reduceMean, reduceMean, reduceMean,
	})
}

func build(kind models.MetricKind, series []models.Series, loc *time.Location, decode func(json.RawMessage) ([]point, error), reducers []reducer) (models.RowSet, error) {
	if loc == nil {
		loc = time.UTC
	}
	out := models.RowSet{Kind: kind}

	buckets := make(map[int64]*bucket)
	for _, s := range series {
		if !s.HasHistory() {
			continue
		}
		points, err := decode(s.History)
		if err != nil {
			return out, fmt.Errorf("aggregate %s: decode history of %s: %w", kind, s.Symbol, err)
		}
		for _, p := range points {
			b, ok := buckets[p.t]
			if !ok {
				b = &bucket{
					acc:  make([]decimal.Decimal, len(reducers)),
					n:    make([]int, len(reducers)),
					null: make([]bool, len(reducers)),
				}
				buckets[p.t] = b
			}
			for i, r := range reducers {
				if i < len(p.missing) && p.missing[i] {
					if r == reduceLast {
						b.null[i] = true
					}
					continue
				}
				v := decimal.NewFromFloat(p.vals[i])
				if r == reduceLast {
					b.acc[i] = v
					b.null[i] = false
				} else {
					b.acc[i] = b.acc[i].Add(v)
				}
				b.n[i]++
			}
		}
	}
	if len(buckets) == 0 {
		return out, nil
	}

	instants := make([]int64, 0, len(buckets))
	for t := range buckets {
		instants = append(instants, t)
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i] < instants[j] })

	out.Rows = make([]models.Row, 0, len(instants))
	for _, t := range instants {
		b := buckets[t]
		vals := make([]float64, len(reducers))
		var nulls []bool
		for i, r := range reducers {
			if b.n[i] == 0 || (r == reduceLast && b.null[i]) {
				if nulls == nil {
					nulls = make([]bool, len(reducers))
				}
				nulls[i] = true
				continue
			}
			d := b.acc[i]
			if r == reduceMean {
				d = d.Div(decimal.NewFromInt(int64(b.n[i])))
			}
			vals[i] = d.InexactFloat64()
		}
		row := models.NewRow(time.Unix(t, 0), loc, vals...)
		row.Null = nulls
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func decodeOHLC(raw json.RawMessage) ([]point, error) {
	var pts []models.OHLCPoint
	if err := json.Unmarshal(raw, &pts); err != nil {
		return nil, err
	}
	out := make([]point, len(pts))
	for i, p := range pts {
		out[i] = point{t: p.T, vals: []float64{p.O, p.H, p.L, p.C}}
	}
	return out, nil
}

func decodeOHLCV(raw json.RawMessage) ([]point, error) {
	var pts []models.OHLCPoint
	if err := json.Unmarshal(raw, &pts); err != nil {
		return nil, err
	}
	out := make([]point, len(pts))
	for i, p := range pts {
		out[i] = point{t: p.T, vals: []float64{p.O, p.H, p.L, p.C, 0}}
		if p.V == nil {
			out[i].missing = []bool{false, false, false, false, true}
		} else {
			out[i].vals[4] = *p.V
		}
	}
	return out, nil
}

func decodeRatio(raw json.RawMessage) ([]point, error) {
	var pts []models.RatioPoint
	if err := json.Unmarshal(raw, &pts); err != nil {
		return nil, err
	}
	out := make([]point, len(pts))
	for i, p := range pts {
		out[i] = point{t: p.T, vals: []float64{p.R, p.L, p.S}}
	}
	return out, nil
}
