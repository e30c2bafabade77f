package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"derivflow/internal/metrics"
	"derivflow/internal/models"
)

const oiPayload = `[{"symbol":"BTCUSDT_PERP.A","history":[{"t":1700000000,"o":1,"h":2,"l":0.5,"c":10}]}]`

type countingLimiter struct{ calls int32 }

func (l *countingLimiter) Wait(ctx context.Context) error {
	atomic.AddInt32(&l.calls, 1)
	return ctx.Err()
}

func newTestFetcher(url string, attempts int, limiter Limiter) *Fetcher {
	return New(Options{
		BaseURL:     url,
		APIKey:      "secret",
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      NoJitter,
		Limiter:     limiter,
		Recorder:    metrics.NewRecorder(),
	})
}

func oiWindow() models.RequestWindow {
	w := models.NewRequestWindow("BTC", "binance", models.KindOpenInterest,
		[]string{"BTCUSDT_PERP.A", "BTCUSD_PERP.A"}, "5min", time.Unix(1700003000, 0), time.Hour)
	w.ConvertToUSD = true
	return w
}

func TestFetchSuccess(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		_, _ = w.Write([]byte(oiPayload))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	res := newTestFetcher(srv.URL, 4, limiter).Fetch(context.Background(), oiWindow())

	require.NoError(t, res.Err)
	assert.False(t, res.Empty())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, res.Series, 1)
	assert.Equal(t, "BTCUSDT_PERP.A", res.Series[0].Symbol)
	assert.Equal(t, int32(1), atomic.LoadInt32(&limiter.calls))

	require.NotNil(t, seen)
	assert.Equal(t, "/open-interest-history", seen.URL.Path)
	assert.Equal(t, "secret", seen.Header.Get("api-key"))
	q := seen.URL.Query()
	assert.Equal(t, "BTCUSDT_PERP.A,BTCUSD_PERP.A", q.Get("symbols"))
	assert.Equal(t, "5min", q.Get("interval"))
	assert.Equal(t, "1699999400", q.Get("from"))
	assert.Equal(t, "1700003000", q.Get("to"))
	assert.Equal(t, "true", q.Get("convert_to_usd"))
}

func TestFetchRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(oiPayload))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	res := newTestFetcher(srv.URL, 4, limiter).Fetch(context.Background(), oiWindow())

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// every attempt passes through the limiter
	assert.Equal(t, int32(3), atomic.LoadInt32(&limiter.calls))
}

func TestFetchRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := newTestFetcher(srv.URL, 4, nil).Fetch(context.Background(), oiWindow())

	require.Error(t, res.Err)
	assert.True(t, res.Empty())
	assert.Nil(t, res.Series)
	assert.Equal(t, models.ErrRateLimited, models.KindOf(res.Err))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
}

func TestFetchNon429IsTerminal(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError} {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "nope", status)
		}))

		res := newTestFetcher(srv.URL, 4, nil).Fetch(context.Background(), oiWindow())
		srv.Close()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "status %d", status)
		assert.True(t, res.Empty())
		assert.Equal(t, models.ErrUpstreamRejected, models.KindOf(res.Err))
		assert.Equal(t, status, res.StatusCode)
	}
}

func TestFetchMalformedBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"not":"an array"`))
	}))
	defer srv.Close()

	res := newTestFetcher(srv.URL, 4, nil).Fetch(context.Background(), oiWindow())
	assert.Equal(t, models.ErrTransportFailure, models.KindOf(res.Err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := newTestFetcher(url, 4, nil).Fetch(context.Background(), oiWindow())
	assert.Equal(t, models.ErrTransportFailure, models.KindOf(res.Err))
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchEmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT_PERP.A"}]`))
	}))
	defer srv.Close()

	res := newTestFetcher(srv.URL, 4, nil).Fetch(context.Background(), oiWindow())
	require.NoError(t, res.Err)
	assert.True(t, res.Empty())
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(Options{
		BaseURL:     srv.URL,
		MaxAttempts: 4,
		BaseDelay:   time.Hour,
		Recorder:    metrics.NewRecorder(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := f.Fetch(ctx, oiWindow())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.ErrTransportFailure, models.KindOf(res.Err))
	assert.Equal(t, 1, res.Attempts)
}
