package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"iotguard/internal/alerts"
	"iotguard/internal/config"
	"iotguard/internal/engine"
	"iotguard/internal/logging"
	"iotguard/internal/metrics"
	"iotguard/internal/model"
	"iotguard/internal/storage"
)

// runtime is everything serve and replay share.
type runtime struct {
	cfg     *config.Manager
	logger  *slog.Logger
	metrics *metrics.Store
	alerts  *alerts.Store
	store   storage.Store
	engine  *engine.Engine
}

func loadManager() (*config.Manager, error) {
	if configPath == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	m, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return m, nil
}

func newRuntime(ctx context.Context, logOut io.Writer, logFormat string) (*runtime, error) {
	mgr, err := loadManager()
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.New(logOut, level, logFormat)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	metricsStore := metrics.NewStore()
	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	sink := alerts.Fanout{alertStore, alerts.NewLogSink(logger)}
	if store != nil {
		minSeverity := model.Severity(strings.ToUpper(cfg.Storage.MinSeverity))
		sink = append(sink, alerts.NewStorageSink(store, minSeverity, logger))
	}
	eng := engine.NewEngine(cfg, logger, metricsStore, sink, store)

	return &runtime{
		cfg:     mgr,
		logger:  logger,
		metrics: metricsStore,
		alerts:  alertStore,
		store:   store,
		engine:  eng,
	}, nil
}

func (r *runtime) Close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close storage failed", "err", err)
		}
	}
}
