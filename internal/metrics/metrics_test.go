package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"derivflow/logger"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder()
	log := logger.GetLogger()

	r.ObserveFetch(log, "open_interest", OutcomeSuccess, 1)
	r.ObserveFetch(log, "open_interest", OutcomeSuccess, 2)
	r.ObserveFetch(log, "price", OutcomeEmpty, 4)
	r.ObserveRetry(log, "open_interest", 15*time.Second)
	r.ObserveInserted(log, "open_interest", "btc_binance_oi_history", 12)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.fetchTotal.WithLabelValues("open_interest", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fetchTotal.WithLabelValues("price", OutcomeEmpty)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retries))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.rowsInserted.WithLabelValues("open_interest")))
}

func TestPushWithoutURLIsNoop(t *testing.T) {
	require.NoError(t, NewRecorder().Push(context.Background(), "", "derivflow"))
}

func TestPushSendsToGateway(t *testing.T) {
	var hits int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder()
	r.MarkRunComplete(time.Now())
	require.NoError(t, r.Push(context.Background(), srv.URL, "derivflow"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.True(t, strings.HasSuffix(path.Load().(string), "/job/derivflow"))
}
