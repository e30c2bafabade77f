package symbols

import (
	"reflect"
	"testing"

	"derivflow/config"
	"derivflow/internal/models"
)

func TestExchangeSymbols(t *testing.T) {
	tests := []struct {
		coin string
		ex   config.ExchangeConfig
		want []string
	}{
		{"BTC", config.ExchangeConfig{Name: "binance", Code: ".A", Contracts: []string{"{coin}USDT_PERP", "{coin}USD_PERP"}}, []string{"BTCUSDT_PERP.A", "BTCUSD_PERP.A"}},
		{"eth", config.ExchangeConfig{Name: "bybit", Code: ".6", Contracts: []string{"{coin}USDT", " ", "{coin}USD"}}, []string{"ETHUSDT.6", "ETHUSD.6"}},
		{"SOL", config.ExchangeConfig{Name: "okx", Code: ".3", Contracts: nil}, []string{}},
	}
	for _, tt := range tests {
		if got := ExchangeSymbols(tt.coin, tt.ex); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ExchangeSymbols(%s,%s)=%v want %v", tt.coin, tt.ex.Name, got, tt.want)
		}
	}
}

func TestPriceSymbol(t *testing.T) {
	if got := PriceSymbol("xrp", "USDT.6"); got != "XRPUSDT.6" {
		t.Errorf("PriceSymbol = %s", got)
	}
}

func TestTableName(t *testing.T) {
	tests := []struct {
		coin, exchange string
		kind           models.MetricKind
		want           string
	}{
		{"BTC", "", models.KindPrice, "btc_price_history"},
		{"BTC", "Binance", models.KindOpenInterest, "btc_binance_oi_history"},
		{"ETH", "bybit", models.KindLongShortRatio, "eth_bybit_lsr_history"},
		{"SOL", "okx", models.KindFundingRate, "sol_okx_funding_rate_history"},
	}
	for _, tt := range tests {
		if got := TableName(tt.coin, tt.exchange, tt.kind); got != tt.want {
			t.Errorf("TableName(%s,%s,%s)=%s want %s", tt.coin, tt.exchange, tt.kind, got, tt.want)
		}
	}
}

func TestTables(t *testing.T) {
	cfg := config.Default()
	tables := Tables(&cfg)
	// 4 coins x (1 price + 3 exchanges x 3 kinds)
	if len(tables) != 40 {
		t.Fatalf("expected 40 tables, got %d", len(tables))
	}
	if tables["xrp_okx_lsr_history"] != models.KindLongShortRatio {
		t.Errorf("missing xrp_okx_lsr_history")
	}
}
