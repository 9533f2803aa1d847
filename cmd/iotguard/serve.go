package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"iotguard/internal/api"
	"iotguard/internal/config"
	"iotguard/internal/ingest"
	"iotguard/internal/model"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, os.Stdout, "json")
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg.Get()
	events := make(chan model.Event, cfg.Ingest.ChannelBuffer)
	rt.engine.Start(ctx, events)

	servers := []*http.Server{
		ingest.StartREST(ctx, rt.cfg, events, rt.logger),
		api.Start(ctx, rt.cfg, rt.metrics, rt.alerts, rt.engine, rt.logger, version),
	}
	ingest.StartTCPStream(ctx, rt.cfg, events, rt.logger)
	ingest.StartFileTail(ctx, rt.cfg, events, rt.logger)
	ingest.StartKafka(ctx, rt.cfg, events, rt.logger)

	if rt.cfg.Path() != "" {
		go rt.cfg.Watch(3*time.Second,
			func(next *config.Config) {
				rt.engine.UpdateConfig(next)
				rt.logger.Info("config reloaded", "path", rt.cfg.Path())
			},
			func(err error) {
				rt.logger.Warn("config reload failed", "err", err)
			},
			ctx.Done(),
		)
	}

	rt.logger.Info("iotguard started", "version", version, "config", rt.cfg.Path())
	<-ctx.Done()
	rt.logger.Info("iotguard stopping")
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdown); err != nil {
			rt.logger.Warn("http shutdown failed", "addr", srv.Addr, "err", err)
		}
	}
	return nil
}
