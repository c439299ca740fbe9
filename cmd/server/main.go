// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noldarim/conductor/internal/bus"
	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/container"
	"github.com/noldarim/conductor/internal/ide"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/orchestrator"
	"github.com/noldarim/conductor/internal/orchestrator/services"
	"github.com/noldarim/conductor/internal/protocol"
	"github.com/noldarim/conductor/internal/server"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("version", version).Msg("Starting conductor API server")

	// This context drives every long-running component: the task
	// processor drains work until it is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.Init(ctx, observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		mainLog.Error().Err(err).Msg("Error initializing telemetry")
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %v\n", err)
		os.Exit(1)
	}

	b := bus.New()
	b.Use(func(_ context.Context, evt protocol.Event) (protocol.Event, bool) {
		telemetry.Metrics.EventsPublished.WithLabelValues(evt.Topic).Inc()
		return evt, true
	})

	c := container.New()
	if err := orchestrator.Wire(c, cfg, b, telemetry.Metrics); err != nil {
		mainLog.Error().Err(err).Msg("Error wiring services")
		fmt.Fprintf(os.Stderr, "Error wiring services: %v\n", err)
		os.Exit(1)
	}

	// Start everything in dependency order. OnStart hooks receive ctx, so
	// the processor's run loop lives until cancel().
	if hookErrs := c.StartAll(ctx); len(hookErrs) > 0 {
		for _, he := range hookErrs {
			mainLog.Error().Err(he.Err).Str("service", he.Service).Str("hook", he.Hook).Msg("Service failed to start")
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		c.StopAll(stopCtx)
		stopCancel()
		os.Exit(1)
	}
	mainLog.Info().Msg("All services started")

	srv := server.New(&cfg.Server, server.Deps{
		Orchestrator:   mustResolve[*orchestrator.Service](c, "orchestrator"),
		IDE:            mustResolve[*ide.Service](c, "ide"),
		Chat:           mustResolve[*services.ChatService](c, "chat"),
		Bus:            b,
		Metrics:        telemetry.Metrics,
		MetricsHandler: telemetry.MetricsHandler(),
	})

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// cancelled run context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	// Stop background services in reverse start order.
	cancel()
	if hookErrs := c.StopAll(shutdownCtx); len(hookErrs) > 0 {
		for _, he := range hookErrs {
			mainLog.Error().Err(he.Err).Str("service", he.Service).Str("hook", he.Hook).Msg("Service failed to stop")
		}
	}

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error flushing telemetry")
	}

	mainLog.Info().Msg("API server shut down")
}

// mustResolve pulls a started singleton out of the container. Wiring
// bugs surface here, at startup, instead of as nil handlers later.
func mustResolve[T any](c *container.Container, name string) T {
	svc, err := container.ResolveAs[T](c, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving service %q: %v\n", name, err)
		os.Exit(1)
	}
	return svc
}
