package models

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RequestWindow describes one Coinalyze history request.
type RequestWindow struct {
	Coin         string
	Exchange     string // empty for price
	Kind         MetricKind
	Symbols      []string
	Interval     string
	From         int64 // epoch seconds
	To           int64 // epoch seconds
	ConvertToUSD bool
}

// NewRequestWindow builds a window covering [now-lookback, now].
func NewRequestWindow(coin, exchange string, kind MetricKind, symbols []string, interval string, now time.Time, lookback time.Duration) RequestWindow {
	return RequestWindow{
		Coin:     coin,
		Exchange: exchange,
		Kind:     kind,
		Symbols:  symbols,
		Interval: interval,
		From:     now.Add(-lookback).Unix(),
		To:       now.Unix(),
	}
}

// Params renders the window as Coinalyze query parameters.
func (w RequestWindow) Params() url.Values {
	v := url.Values{}
	v.Set("symbols", strings.Join(w.Symbols, ","))
	v.Set("interval", w.Interval)
	v.Set("from", strconv.FormatInt(w.From, 10))
	v.Set("to", strconv.FormatInt(w.To, 10))
	if w.ConvertToUSD {
		v.Set("convert_to_usd", "true")
	}
	return v
}

// Label is a short human readable identifier used in logs.
func (w RequestWindow) Label() string {
	if w.Exchange == "" {
		return w.Coin + "/" + string(w.Kind)
	}
	return w.Coin + "/" + w.Exchange + "/" + string(w.Kind)
}
