// Package pipeline runs one collection pass over every configured coin and
// exchange: fetch, aggregate, optionally archive, then merge into the warehouse.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"derivflow/config"
	"derivflow/internal/aggregator"
	"derivflow/internal/fetcher"
	"derivflow/internal/metrics"
	"derivflow/internal/models"
	"derivflow/internal/pacing"
	"derivflow/internal/symbols"
	"derivflow/logger"
)

// Fetcher retrieves the raw series of one request window.
type Fetcher interface {
	Fetch(ctx context.Context, w models.RequestWindow) fetcher.Result
}

// Writer persists a RowSet into a destination table.
type Writer interface {
	Write(ctx context.Context, rows models.RowSet, table string) (int64, error)
}

// Archiver mirrors a RowSet to long term storage.
type Archiver interface {
	Archive(ctx context.Context, coin, exchange string, rows models.RowSet) (string, error)
}

// StepFailure describes one metric step that did not persist.
type StepFailure struct {
	Coin     string
	Exchange string
	Kind     models.MetricKind
	ErrKind  models.ErrorKind
	Err      string
}

// Summary aggregates the outcome of a run.
type Summary struct {
	Steps        int
	Succeeded    int
	Empty        int
	Failed       int
	RowsInserted int64
	Failures     []StepFailure
	Duration     time.Duration
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver mirrors every persisted batch through a.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithPacer replaces the sleeping pacer.
func WithPacer(p pacing.Pacer) Option {
	return func(o *Orchestrator) { o.pacer = p }
}

// WithClock sets the source of the request window end.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator drives the sequential collection loop.
type Orchestrator struct {
	cfg      *config.Config
	fetcher  Fetcher
	writer   Writer
	archiver Archiver
	pacer    pacing.Pacer
	loc      *time.Location
	now      func() time.Time
	recorder *metrics.Recorder
	log      *logger.Log
}

// New validates the collaborators and resolves the target timezone.
func New(cfg *config.Config, f Fetcher, w Writer, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || f == nil || w == nil {
		return nil, models.NewError(models.ErrFatalSetup, "pipeline.new", fmt.Errorf("config, fetcher and writer are required"))
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, models.NewError(models.ErrFatalSetup, "pipeline.new", err)
	}
	o := &Orchestrator{
		cfg:      cfg,
		fetcher:  f,
		writer:   w,
		pacer:    pacing.SleepPacer{},
		loc:      loc,
		now:      time.Now,
		recorder: metrics.Default(),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run processes every coin, its price series and each exchange's open
// interest, long/short ratio and funding rate. Failing steps are recorded and
// skipped. A cancelled context stops the run between steps.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	start := time.Now()
	log := o.log.WithComponent("pipeline")
	log.WithFields(logger.Fields{
		"coins":     o.cfg.Coins,
		"exchanges": len(o.cfg.Exchanges),
		"debug":     o.cfg.Debug.Enabled,
	}).Info("starting coinalyze collection run")

	err := o.run(ctx, &sum)
	sum.Duration = time.Since(start)

	entry := log.WithFields(logger.Fields{
		"steps":         sum.Steps,
		"succeeded":     sum.Succeeded,
		"empty":         sum.Empty,
		"failed":        sum.Failed,
		"rows_inserted": sum.RowsInserted,
		"duration":      sum.Duration.String(),
	})
	if err != nil {
		entry.WithError(err).Warn("collection run interrupted")
		return sum, err
	}
	entry.Info("collection run finished")
	o.recorder.MarkRunComplete(time.Now())
	return sum, nil
}

func (o *Orchestrator) run(ctx context.Context, sum *Summary) error {
	pacingCfg := o.cfg.Pacing
	for ci, coin := range o.cfg.Coins {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.step(ctx, sum, coin, "", models.KindPrice,
			[]string{symbols.PriceSymbol(coin, o.cfg.Price.SymbolSuffix)}, false)

		for _, ex := range o.cfg.Exchanges {
			syms := symbols.ExchangeSymbols(coin, ex)
			for _, kind := range models.ExchangeKinds {
				if err := o.pacer.Pause(ctx, pacingCfg.MetricDelay); err != nil {
					return err
				}
				convert := kind == models.KindOpenInterest && o.cfg.Coinalyze.ConvertOIToUSD
				o.step(ctx, sum, coin, ex.Name, kind, syms, convert)
			}
			if err := o.pacer.Pause(ctx, pacingCfg.ExchangeDelay); err != nil {
				return err
			}
		}

		if ci < len(o.cfg.Coins)-1 {
			if err := o.pacer.Pause(ctx, pacingCfg.CoinDelay); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (o *Orchestrator) step(ctx context.Context, sum *Summary, coin, exchange string, kind models.MetricKind, syms []string, convertToUSD bool) {
	sum.Steps++
	log := o.log.WithComponent("pipeline").WithFields(logger.Fields{
		"coin":     coin,
		"exchange": exchange,
		"kind":     string(kind),
	})

	fail := func(err error) {
		sum.Failed++
		sum.Failures = append(sum.Failures, StepFailure{
			Coin:     coin,
			Exchange: exchange,
			Kind:     kind,
			ErrKind:  models.KindOf(err),
			Err:      err.Error(),
		})
		log.WithError(err).Warn("metric step failed, continuing")
	}

	if len(syms) == 0 {
		sum.Empty++
		log.Warn("no symbols configured, skipping")
		return
	}

	window := models.NewRequestWindow(coin, exchange, kind, syms, o.cfg.Coinalyze.Interval, o.now(), o.cfg.Coinalyze.Lookback)
	window.ConvertToUSD = convertToUSD

	res := o.fetcher.Fetch(ctx, window)
	if res.Err != nil {
		fail(res.Err)
		return
	}
	if res.Empty() {
		sum.Empty++
		log.Info("no records returned, skipping write")
		return
	}

	rows, err := aggregator.Aggregate(kind, res.Series, o.loc)
	if err != nil {
		fail(models.NewError(models.ErrTransportFailure, "aggregate."+string(kind), err))
		return
	}
	if rows.Len() == 0 {
		sum.Empty++
		log.Info("aggregation produced no rows, skipping write")
		return
	}

	if o.cfg.Debug.Enabled {
		rows = rows.Head(o.cfg.Debug.RecordLimit)
		first := rows.Rows[0]
		log.WithFields(logger.Fields{
			"rows":      rows.Len(),
			"first_dt":  first.DT.Format(time.RFC3339),
			"first_row": first.Values,
		}).Debug("debug mode: truncated batch")
	}

	if o.archiver != nil {
		if _, err := o.archiver.Archive(ctx, coin, exchange, rows); err != nil {
			log.WithError(err).Warn("failed to archive batch")
		}
	}

	table := symbols.TableName(coin, exchange, kind)
	inserted, err := o.writer.Write(ctx, rows, table)
	if err != nil {
		fail(err)
		return
	}

	sum.Succeeded++
	sum.RowsInserted += inserted
	logger.LogDataFlowEntry(log, "coinalyze", table, rows.Len(), string(kind))
}
