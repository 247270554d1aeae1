package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"duster/internal/config"
	"duster/internal/inbound"
	"duster/internal/worker"
)

// relay is the running core: inbound handling, the retry loop and the rate
// window collector, all on top of deps.
type relay struct {
	cfg     config.RelayConfig
	deps    *deps
	handler *inbound.Handler
	retry   *worker.RetryLoop
}

func newRelay(cfg config.RelayConfig, d *deps) *relay {
	dispatcher := newDispatcher(cfg, d)
	return &relay{
		cfg:  cfg,
		deps: d,
		handler: &inbound.Handler{
			Store:      d.store,
			Sender:     dispatcher,
			Events:     d.events,
			SendPeriod: cfg.SendMessagePeriod,
		},
		retry: &worker.RetryLoop{
			Store:                d.store,
			Sender:               dispatcher,
			Events:               d.events,
			WaitResponseTimeout:  cfg.WaitResponseTimeout,
			SendPeriod:           cfg.SendMessagePeriod,
			MaxConcurrentDevices: cfg.RetryMaxConcurrentDevices,
		},
	}
}

// start connects the transport and launches the background jobs. They stop
// when ctx is done; the returned group tracks them.
func (r *relay) start(ctx context.Context) (*sync.WaitGroup, error) {
	if err := r.deps.gateway.Start(ctx, r.handler.Handle); err != nil {
		return nil, fmt.Errorf("transport start: %w", err)
	}
	slog.Info("transport started", "mode", r.cfg.MQTTMode)

	var wg sync.WaitGroup
	if r.deps.cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.deps.cache.RunCollector(ctx, r.cfg.CollectorPeriod)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.RunFixedDelay(ctx, "retry", r.cfg.CheckInterval, r.retry.RunCycle)
	}()
	return &wg, nil
}
