// Hasher: Neural Inference Engine Powered by SHA-256 ASICs
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mmdriver/internal/mm/config"
	"mmdriver/internal/mm/control"
	"mmdriver/internal/mm/discovery"
	"mmdriver/internal/mm/driver"
	"mmdriver/internal/mm/jobpusher"
	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/registry"
	"mmdriver/internal/mm/trace"
	"mmdriver/internal/mm/transport"
)

func main() {
	cfg := config.Load()
	cfg.Clamp()

	reg := registry.New()
	ring := jobpusher.NewRing()

	xport, err := openTransport(cfg)
	if err != nil {
		log.Fatalf("mmdriverd: open transport: %v", err)
	}
	defer xport.Close()

	if cfg.TraceEnabled {
		tracer, terr := trace.New()
		if terr != nil {
			log.Printf("mmdriverd: tracer disabled: %v", terr)
		} else if tx, ok := xport.(interface{ SetTracer(*trace.Tracer) }); ok {
			defer tracer.Close()
			tx.SetTracer(tracer)
		}
	}

	ov := discovery.Overrides{
		VoltageLevel: cfg.VoltageLevel,
		FanMin:       cfg.FanMin,
		FanMax:       cfg.FanMax,
		PLLFreqs:     cfg.PLLFreqs,
		SmartSpeed:   cfg.SmartSpeedEnabled,
		OTPReadASIC:  cfg.OTPReadASIC,
	}

	loop := driver.NewLoop(reg, xport, ring, nil)
	loop.Overrides = ov
	loop.PollingDelay = time.Duration(cfg.PollingDelayMS) * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	discovery.Scan(ctx, reg, xport, ov, time.Now())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go runLoop(ctx, loop, ticker)

	var srv *http.Server
	if cfg.ControlAddr != "" {
		srv = runControlServer(reg, xport, loop, cfg.ControlAddr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("mmdriverd: shutting down")
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("mmdriverd: control server shutdown error: %v", err)
		}
	}
}

func openTransport(cfg *config.Config) (transport.Transport, error) {
	if !cfg.UseUSB {
		return transport.OpenI2C(cfg.I2CBus)
	}
	return transport.OpenUSBBridge(context.Background(), cfg.AUCClock, cfg.AUCXDelay)
}

// runLoop drives Loop.Tick once a second until the context is cancelled or
// Tick reports the device gone, the one error treated as fatal rather than
// something to log and keep ticking past.
func runLoop(ctx context.Context, loop *driver.Loop, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, err := loop.Tick(ctx, now)
			if err == nil {
				continue
			}
			log.Printf("mmdriverd: main loop: %v", err)
			if errors.Is(err, mmerr.ErrDeviceGone) {
				log.Println("mmdriverd: device gone, stopping main loop")
				return
			}
		}
	}
}

func runControlServer(reg *registry.Registry, xport transport.Transport, loop *driver.Loop, addr string) *http.Server {
	api := control.New(reg, xport, loop)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}
	go func() {
		log.Printf("mmdriverd: control API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("mmdriverd: control API error: %v", err)
		}
	}()
	return srv
}
