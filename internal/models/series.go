package models

import "encoding/json"

// Series is one element of a Coinalyze history response. History is decoded
// by the metric specific aggregator since point layouts differ per endpoint.
type Series struct {
	Symbol  string          `json:"symbol"`
	History json.RawMessage `json:"history"`
}

// HasHistory reports whether the series carries a non-null history array.
func (s Series) HasHistory() bool {
	if len(s.History) == 0 {
		return false
	}
	return string(s.History) != "null"
}

// OHLCPoint is a history point of the price, open interest and funding rate endpoints.
type OHLCPoint struct {
	T int64    `json:"t"`
	O float64  `json:"o"`
	H float64  `json:"h"`
	L float64  `json:"l"`
	C float64  `json:"c"`
	V *float64 `json:"v,omitempty"`
}

// RatioPoint is a long/short ratio history point. L and S are the long and short values.
type RatioPoint struct {
	T int64   `json:"t"`
	R float64 `json:"r"`
	L float64 `json:"l"`
	S float64 `json:"s"`
}
