package symbols

import (
	"strings"

	"derivflow/config"
	"derivflow/internal/models"
)

const coinPlaceholder = "{coin}"

// ExchangeSymbols expands the exchange's contract templates for coin and
// appends the Coinalyze exchange code.
//
//	{coin}USDT_PERP + .A -> BTCUSDT_PERP.A
func ExchangeSymbols(coin string, ex config.ExchangeConfig) []string {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	out := make([]string, 0, len(ex.Contracts))
	for _, tpl := range ex.Contracts {
		tpl = strings.TrimSpace(tpl)
		if tpl == "" {
			continue
		}
		out = append(out, strings.ReplaceAll(tpl, coinPlaceholder, coin)+ex.Code)
	}
	return out
}

// PriceSymbol returns the spot symbol used for the price series, e.g. BTCUSDT.6.
func PriceSymbol(coin, suffix string) string {
	return strings.ToUpper(strings.TrimSpace(coin)) + suffix
}

// TableName derives the destination table for a coin, an optional exchange
// and a metric kind:
//
//	btc_price_history
//	btc_binance_oi_history
func TableName(coin, exchange string, kind models.MetricKind) string {
	parts := []string{strings.ToLower(strings.TrimSpace(coin))}
	if exchange != "" {
		parts = append(parts, strings.ToLower(strings.TrimSpace(exchange)))
	}
	parts = append(parts, kind.TableSuffix())
	return strings.Join(parts, "_")
}

// Tables lists every destination table the configuration produces.
func Tables(cfg *config.Config) map[string]models.MetricKind {
	out := make(map[string]models.MetricKind)
	for _, coin := range cfg.Coins {
		out[TableName(coin, "", models.KindPrice)] = models.KindPrice
		for _, ex := range cfg.Exchanges {
			for _, kind := range models.ExchangeKinds {
				out[TableName(coin, ex.Name, kind)] = kind
			}
		}
	}
	return out
}
