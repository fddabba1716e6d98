package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"healthwatch/internal/api"
	"healthwatch/internal/cache"
	"healthwatch/internal/config"
	"healthwatch/internal/engine"
	"healthwatch/internal/fetch"
	"healthwatch/internal/logging"
	"healthwatch/internal/metrics"
	"healthwatch/internal/state"
	"healthwatch/internal/storage"
)

const version = "1.0.0"

func main() {
	var (
		configPath string
		noCache    bool
		predict    bool
		horizon    int
		watch      bool
		cleanup    bool
	)
	flag.StringVar(&configPath, "config", "", "path to configuration file (yaml or json)")
	flag.BoolVar(&noCache, "no-cache", false, "bypass the snapshot cache for this run")
	flag.BoolVar(&predict, "predict", false, "generate trend predictions this cycle")
	flag.IntVar(&horizon, "horizon", 0, "prediction horizon in hours (0 = config default)")
	flag.BoolVar(&watch, "watch", false, "run cycles continuously at the configured interval")
	flag.BoolVar(&cleanup, "cleanup", false, "apply the retention policy before the first cycle")
	flag.Parse()

	var mgr *config.Manager
	if configPath != "" {
		m, err := config.NewManager(config.ResolvePath(configPath))
		if err != nil {
			slog.Error("failed to load config", "path", configPath, "err", err)
			os.Exit(1)
		}
		mgr = m
	} else {
		mgr = config.NewStatic(config.DefaultConfig())
	}
	cfg := mgr.Get()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogJSON)
	logger.Info("starting healthwatch", "version", version, "source", cfg.Source.Kind)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", "err", err)
		os.Exit(1)
	}

	var snapshotCache *cache.Cache
	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache, logger)
		if err != nil {
			logger.Warn("cache unavailable, continuing without it", "err", err)
		} else {
			snapshotCache = c
		}
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Init(ctx); err != nil {
		logger.Error("failed to initialize store", "err", err)
		os.Exit(1)
	}

	var source fetch.Source
	var kafkaSource *fetch.KafkaSource
	if strings.ToLower(cfg.Source.Kind) == "kafka" {
		kafkaSource = fetch.NewKafkaSource(cfg.Source.Kafka, logger)
		source = kafkaSource
	} else {
		source = fetch.NewFetcher(cfg.Source, snapshotCache, logger)
	}
	if kafkaSource != nil {
		defer kafkaSource.Close()
	}

	eng := engine.New(source, store, cfg.Analytics, logger)
	latest := state.NewLatest()
	anomalyBuf := state.NewAnomalyBuffer(1000)

	api.Start(ctx, mgr, store, latest, anomalyBuf, eng, logger, version)

	if cleanup {
		deleted, err := eng.Cleanup(ctx, cfg.Storage.RetentionDays)
		if err != nil {
			logger.Error("retention cleanup failed", "err", err)
		} else {
			logger.Info("retention cleanup complete", "deleted", deleted)
		}
	}

	opts := engine.CycleOptions{
		UseCache:     !noCache,
		Predict:      predict,
		HorizonHours: horizon,
	}

	if !watch && !cfg.Watch.Enabled {
		result, err := eng.RunCycle(ctx, opts)
		latest.Update(result)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	interval := cfg.Watch.Interval
	logger.Info("watch mode", "interval", interval)
	runWatch(ctx, eng, snapshotCache, latest, anomalyBuf, cfg, opts, interval, logger)
	logger.Info("shutdown complete")
}

// runWatch executes cycles sequentially on a fixed interval. Cycles
// never overlap: the next tick is only consumed after the previous
// cycle has returned. Housekeeping (retention, cache sweep, baseline
// reset) runs when the day changes.
func runWatch(ctx context.Context, eng *engine.Engine, snapshotCache *cache.Cache, latest *state.Latest, anomalyBuf *state.AnomalyBuffer, cfg *config.Config, opts engine.CycleOptions, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastDay := time.Now().UTC().YearDay()
	runOnce := func() {
		result, err := eng.RunCycle(ctx, opts)
		latest.Update(result)
		if len(result.Anomalies) > 0 {
			anomalyBuf.Add(result.Anomalies...)
		}
		if err != nil && logger != nil {
			logger.Error("cycle failed", "err", err)
		}
	}

	runOnce()
	for {
		select {
		case <-ticker.C:
			if day := time.Now().UTC().YearDay(); day != lastDay {
				lastDay = day
				eng.RefreshBaselines()
				if snapshotCache != nil {
					snapshotCache.SweepExpired()
				}
				if deleted, err := eng.Cleanup(ctx, cfg.Storage.RetentionDays); err != nil {
					logger.Error("retention cleanup failed", "err", err)
				} else if deleted > 0 {
					logger.Info("retention cleanup complete", "deleted", deleted)
				}
			}
			runOnce()
		case <-ctx.Done():
			return
		}
	}
}
