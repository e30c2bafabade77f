package models

import "fmt"

// MetricKind identifies one of the Coinalyze series the pipeline collects.
type MetricKind string

const (
	KindPrice          MetricKind = "price"
	KindOpenInterest   MetricKind = "open_interest"
	KindLongShortRatio MetricKind = "long_short_ratio"
	KindFundingRate    MetricKind = "funding_rate"
)

// ExchangeKinds are the per-exchange kinds; price is fetched once per coin.
var ExchangeKinds = []MetricKind{KindOpenInterest, KindLongShortRatio, KindFundingRate}

type kindInfo struct {
	endpoint string
	suffix   string
	columns  []string
	nullable map[string]bool
}

var kindTable = map[MetricKind]kindInfo{
	KindPrice: {
		endpoint: "ohlcv-history",
		suffix:   "price_history",
		columns:  []string{"open_price", "high_price", "low_price", "close_price", "volume"},
		nullable: map[string]bool{"volume": true},
	},
	KindOpenInterest: {
		endpoint: "open-interest-history",
		suffix:   "oi_history",
		columns:  []string{"open_oi", "high_oi", "low_oi", "close_oi"},
	},
	KindLongShortRatio: {
		endpoint: "long-short-ratio-history",
		suffix:   "lsr_history",
		columns:  []string{"ratio", "long_value", "short_value"},
	},
	KindFundingRate: {
		endpoint: "funding-rate-history",
		suffix:   "funding_rate_history",
		columns:  []string{"open_rate", "high_rate", "low_rate", "close_rate"},
	},
}

// Valid reports whether k is a known kind.
func (k MetricKind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// Endpoint is the Coinalyze path (relative to the API base) serving this kind.
func (k MetricKind) Endpoint() string { return kindTable[k].endpoint }

// TableSuffix is appended to the coin (and exchange) to build the destination table name.
func (k MetricKind) TableSuffix() string { return kindTable[k].suffix }

// Columns returns the value columns of the kind, in storage order.
func (k MetricKind) Columns() []string {
	cols := kindTable[k].columns
	out := make([]string, len(cols))
	copy(out, cols)
	return out
}

// ColumnIndex returns the position of column within the kind's value columns.
func (k MetricKind) ColumnIndex(column string) (int, error) {
	for i, c := range kindTable[k].columns {
		if c == column {
			return i, nil
		}
	}
	return -1, fmt.Errorf("kind %s has no column %q", k, column)
}

// Nullable reports whether column may be absent from the source payload.
func (k MetricKind) Nullable(column string) bool { return kindTable[k].nullable[column] }

func (k MetricKind) String() string { return string(k) }
