package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"derivflow/config"
	"derivflow/internal/archive"
	"derivflow/internal/fetcher"
	"derivflow/internal/metrics"
	"derivflow/internal/pipeline"
	"derivflow/internal/sink"
	"derivflow/internal/symbols"
	"derivflow/internal/warehouse"
	"derivflow/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath, "config/config.yml")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service": cfg.Derivflow.Name,
		"version": cfg.Derivflow.Version,
		"env":     config.AppEnvironment(),
		"config":  path,
	}).Info("starting derivflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wh, err := warehouse.Open(ctx, cfg.Warehouse)
	if err != nil {
		log.WithError(err).Error("warehouse unavailable")
		return 1
	}
	defer wh.Close()

	if cfg.Warehouse.Bootstrap {
		if err := wh.EnsureTables(ctx, symbols.Tables(cfg)); err != nil {
			log.WithError(err).Error("failed to bootstrap destination tables")
			return 1
		}
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace); err != nil {
			log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		}
	}

	recorder := metrics.Default()
	opts := []pipeline.Option{pipeline.WithRecorder(recorder)}
	var arch *archive.Archiver
	if cfg.Storage.S3.Enabled {
		arch, err = archive.New(ctx, cfg)
		if err != nil {
			log.WithError(err).Warn("s3 archive disabled")
			arch = nil
		} else {
			opts = append(opts, pipeline.WithArchiver(arch))
		}
	}

	orch, err := pipeline.New(cfg, fetcher.NewFromConfig(cfg, recorder), sink.New(wh.DB, wh.Schema, recorder), opts...)
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		return 1
	}

	summary, runErr := orch.Run(ctx)

	// ctx may be cancelled; metrics still go out
	pushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if arch != nil {
		if _, err := arch.Flush(pushCtx); err != nil {
			log.WithError(err).Warn("failed to upload archive manifest")
		}
	}
	if err := recorder.Push(pushCtx, cfg.Metrics.Pushgateway.URL, cfg.Metrics.Pushgateway.Job); err != nil {
		log.WithError(err).Warn("failed to push metrics")
	}
	logger.LogReport(log)

	if runErr != nil {
		log.WithError(runErr).WithFields(logger.Fields{"failed": summary.Failed}).Warn("derivflow stopped before completing the run")
		return 130
	}

	log.WithFields(logger.Fields{
		"succeeded":     summary.Succeeded,
		"failed":        summary.Failed,
		"rows_inserted": summary.RowsInserted,
	}).Info("derivflow stopped")
	return 0
}
