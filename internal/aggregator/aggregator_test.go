package aggregator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"derivflow/internal/models"
)

var jst = time.FixedZone("JST", 9*3600)

func series(t *testing.T, payload string) []models.Series {
	t.Helper()
	var out []models.Series
	require.NoError(t, json.Unmarshal([]byte(payload), &out))
	return out
}

func TestOpenInterestSumsAcrossContracts(t *testing.T) {
	raw := series(t, `[
		{"symbol":"BTCUSDT_PERP.A","history":[{"t":1700000300,"o":1,"h":2,"l":1,"c":12},{"t":1700000000,"o":1,"h":2,"l":0.5,"c":10}]},
		{"symbol":"BTCUSD_PERP.A","history":[{"t":1700000000,"o":3,"h":4,"l":2.5,"c":22}]}
	]`)

	rs, err := OpenInterest(raw, jst)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
	assert.Equal(t, models.KindOpenInterest, rs.Kind)

	// ascending by instant
	assert.Equal(t, int64(1700000000), rs.Rows[0].DT.Unix())
	assert.Equal(t, int64(1700000300), rs.Rows[1].DT.Unix())

	closeOI, err := rs.Value(0, "close_oi")
	require.NoError(t, err)
	assert.Equal(t, 32.0, closeOI)
	assert.Equal(t, []float64{4, 6, 3, 32}, rs.Rows[0].Values)
	assert.Equal(t, []float64{1, 2, 1, 12}, rs.Rows[1].Values)
}

func TestLongShortRatioMeanAndSum(t *testing.T) {
	raw := series(t, `[
		{"symbol":"A","history":[{"t":100,"r":1.2,"l":60,"s":50}]},
		{"symbol":"B","history":[{"t":100,"r":0.8,"l":40,"s":50}]}
	]`)

	rs, err := LongShortRatio(raw, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, []float64{1.0, 100, 100}, rs.Rows[0].Values)
}

func TestFundingRateMean(t *testing.T) {
	raw := series(t, `[
		{"symbol":"A","history":[{"t":100,"o":0.0001,"h":0.0003,"l":0.0001,"c":0.0002}]},
		{"symbol":"B","history":[{"t":100,"o":0.0003,"h":0.0005,"l":0.0001,"c":0.0004}]},
		{"symbol":"C","history":[{"t":100,"o":0.0002,"h":0.0004,"l":0.0004,"c":0.0003}]}
	]`)

	rs, err := FundingRate(raw, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, []float64{0.0002, 0.0004, 0.0002, 0.0003}, rs.Rows[0].Values)
}

func TestPriceUsesFirstSeriesWithHistory(t *testing.T) {
	raw := series(t, `[
		{"symbol":"EMPTY"},
		{"symbol":"BTCUSDT.6","history":[{"t":200,"o":1,"h":2,"l":0.5,"c":1.5,"v":10},{"t":100,"o":3,"h":4,"l":2,"c":3.5}]},
		{"symbol":"OTHER","history":[{"t":100,"o":99,"h":99,"l":99,"c":99,"v":99}]}
	]`)

	rs, err := Price(raw, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
	assert.Equal(t, []float64{3, 4, 2, 3.5, 0}, rs.Rows[0].Values)
	assert.True(t, rs.Rows[0].IsNull(4))
	assert.Equal(t, []float64{1, 2, 0.5, 1.5, 10}, rs.Rows[1].Values)
	assert.Nil(t, rs.Rows[1].Null)
}

func TestPriceMissingVolumeIsNull(t *testing.T) {
	raw := series(t, `[{"symbol":"BTCUSDT.6","history":[{"t":1704110400,"o":1,"h":2,"l":0.5,"c":1.5}]}]`)

	rs, err := Price(raw, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, []bool{false, false, false, false, true}, rs.Rows[0].Null)
	assert.Nil(t, rs.Rows[0].Arg(4))

	_, err = rs.Value(0, "volume")
	assert.Error(t, err)
	closePrice, err := rs.Value(0, "close_price")
	require.NoError(t, err)
	assert.Equal(t, 1.5, closePrice)
}

func TestPriceDuplicateInstantLastVolumeWins(t *testing.T) {
	raw := series(t, `[{"symbol":"X","history":[{"t":100,"o":1,"h":1,"l":1,"c":1},{"t":100,"o":2,"h":2,"l":2,"c":2,"v":7}]}]`)

	rs, err := Price(raw, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.False(t, rs.Rows[0].IsNull(4))
	assert.Equal(t, 7.0, rs.Rows[0].Values[4])
}

func TestPriceDuplicateInstantKeepsLast(t *testing.T) {
	raw := series(t, `[{"symbol":"X","history":[{"t":100,"o":1,"h":1,"l":1,"c":1,"v":1},{"t":100,"o":2,"h":2,"l":2,"c":2,"v":2}]}]`)

	rs, err := Price(raw, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, rs.Rows[0].Values)
}

func TestTimezoneSplit(t *testing.T) {
	ts := time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC).Unix()
	raw := []models.Series{{
		Symbol:  "X",
		History: json.RawMessage(`[{"t":` + jsonInt(ts) + `,"o":1,"h":1,"l":1,"c":1}]`),
	}}

	rs, err := OpenInterest(raw, jst)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "2024-01-02", rs.Rows[0].Date)
	assert.Equal(t, "00:30:00", rs.Rows[0].Time)
	assert.Equal(t, time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC), rs.Rows[0].DT)
}

func TestEmptyInputs(t *testing.T) {
	kinds := []models.MetricKind{models.KindPrice, models.KindOpenInterest, models.KindLongShortRatio, models.KindFundingRate}
	for _, kind := range kinds {
		rs, err := Aggregate(kind, nil, jst)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.Len(), kind)
		assert.Equal(t, kind, rs.Kind)

		rs, err = Aggregate(kind, []models.Series{{Symbol: "X"}, {Symbol: "Y", History: json.RawMessage("null")}}, jst)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.Len(), kind)

		rs, err = Aggregate(kind, []models.Series{{Symbol: "X", History: json.RawMessage("[]")}}, jst)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.Len(), kind)
	}
}

func TestMalformedHistory(t *testing.T) {
	raw := []models.Series{{Symbol: "X", History: json.RawMessage(`{"t":1}`)}}
	_, err := OpenInterest(raw, time.UTC)
	assert.Error(t, err)
}

func TestAggregateUnknownKind(t *testing.T) {
	_, err := Aggregate(models.MetricKind("volume"), nil, time.UTC)
	assert.Error(t, err)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
