// Package fetcher issues Coinalyze history requests with request pacing and
// bounded retry on HTTP 429.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"derivflow/config"
	"derivflow/internal/metrics"
	"derivflow/internal/models"
	"derivflow/logger"
)

// Limiter gates request admission. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Result is the outcome of one Fetch. Series is nil whenever Err is set.
type Result struct {
	Series     []models.Series
	Kind       models.MetricKind
	Attempts   int
	StatusCode int
	Err        error
}

// Empty reports whether the result carries no usable records.
func (r Result) Empty() bool {
	if r.Err != nil {
		return true
	}
	for _, s := range r.Series {
		if s.HasHistory() {
			return false
		}
	}
	return true
}

// Options configures a Fetcher.
type Options struct {
	BaseURL     string
	APIKey      string
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration

	HTTPClient *http.Client
	Limiter    Limiter
	Jitter     func() time.Duration
	Recorder   *metrics.Recorder
	Log        *logger.Log
}

// Fetcher performs GET requests against the Coinalyze API.
type Fetcher struct {
	baseURL     string
	apiKey      string
	maxAttempts int
	baseDelay   time.Duration
	client      *http.Client
	limiter     Limiter
	jitter      func() time.Duration
	recorder    *metrics.Recorder
	log         *logger.Log
}

// New builds a Fetcher. Unset options fall back to an unlimited limiter, no
// jitter, a single attempt and the default recorder.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		client:      opts.HTTPClient,
		limiter:     opts.Limiter,
		jitter:      opts.Jitter,
		recorder:    opts.Recorder,
		log:         opts.Log,
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = 1
	}
	if f.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		f.client = &http.Client{Timeout: timeout}
	}
	if f.limiter == nil {
		f.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if f.jitter == nil {
		f.jitter = NoJitter
	}
	if f.recorder == nil {
		f.recorder = metrics.Default()
	}
	if f.log == nil {
		f.log = logger.GetLogger()
	}
	return f
}

// NewFromConfig builds a Fetcher from the application configuration.
func NewFromConfig(cfg *config.Config, recorder *metrics.Recorder) *Fetcher {
	var limiter *rate.Limiter
	if rpm := cfg.RateLimit.RequestsPerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return New(Options{
		BaseURL:     cfg.Coinalyze.BaseURL,
		APIKey:      cfg.Coinalyze.APIKey,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Timeout:     cfg.Coinalyze.Timeout,
		Limiter:     limiter,
		Jitter:      UniformJitter(cfg.Retry.MaxJitter),
		Recorder:    recorder,
	})
}

// errRateLimited marks a 429 response; it is the only retryable outcome.
var errRateLimited = errors.New("rate limited (429)")

// Fetch requests the window's endpoint. Rate limited responses are retried
// with exponential backoff up to the configured attempt cap; any other
// failure returns immediately.
func (f *Fetcher) Fetch(ctx context.Context, w models.RequestWindow) Result {
	op := "fetch." + string(w.Kind)
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"coin":     w.Coin,
		"exchange": w.Exchange,
		"kind":     string(w.Kind),
		"window":   w.Label(),
	})

	endpoint := fmt.Sprintf("%s/%s?%s", f.baseURL, w.Kind.Endpoint(), w.Params().Encode())
	res := Result{Kind: w.Kind}

	attempt := func() error {
		res.Attempts++
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(models.NewError(models.ErrTransportFailure, op, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(models.NewError(models.ErrTransportFailure, op, err))
		}
		req.Header.Set("api-key", f.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return backoff.Permanent(models.NewError(models.ErrTransportFailure, op, err))
		}
		defer resp.Body.Close()
		res.StatusCode = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			return models.NewError(models.ErrRateLimited, op, errRateLimited)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(models.NewError(models.ErrUpstreamRejected, op,
				fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
		}

		var series []models.Series
		if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
			return backoff.Permanent(models.NewError(models.ErrTransportFailure, op,
				fmt.Errorf("decode response: %w", err)))
		}
		res.Series = series
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(logger.Fields{
			"attempt": res.Attempts,
			"wait":    wait.String(),
		}).Warn("rate limited by coinalyze, retrying")
		f.recorder.ObserveRetry(f.log, string(w.Kind), wait)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&rateLimitBackOff{base: f.baseDelay, jitter: f.jitter}, uint64(f.maxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(attempt, policy, notify)
	if err != nil {
		if models.KindOf(err) == models.ErrUnknown {
			// context cancelled while waiting between attempts
			err = models.NewError(models.ErrTransportFailure, op, err)
		}
		res.Series = nil
		res.Err = err

		entry := log.WithFields(logger.Fields{
			"attempts":    res.Attempts,
			"status_code": res.StatusCode,
		}).WithError(err)
		if models.IsKind(err, models.ErrRateLimited) {
			entry.Error("rate limit retries exhausted")
		} else {
			entry.Error("coinalyze request failed")
		}
		f.recorder.ObserveFetch(f.log, string(w.Kind), metrics.OutcomeFailure, res.Attempts)
		return res
	}

	outcome := metrics.OutcomeSuccess
	if res.Empty() {
		outcome = metrics.OutcomeEmpty
	}
	log.WithFields(logger.Fields{
		"attempts": res.Attempts,
		"series":   len(res.Series),
	}).Info("fetched coinalyze history")
	f.recorder.ObserveFetch(f.log, string(w.Kind), outcome, res.Attempts)
	return res
}
