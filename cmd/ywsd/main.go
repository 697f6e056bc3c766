// Command ywsd runs the stage-1 routing daemon: it wires the store and
// cache gateways to the dispatcher and exposes the control channel and
// diagnostic HTTP endpoint described in §6.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventphone/ywsd/internal/cache"
	"github.com/eventphone/ywsd/internal/config"
	"github.com/eventphone/ywsd/internal/controlchannel"
	"github.com/eventphone/ywsd/internal/diagnostic"
	"github.com/eventphone/ywsd/internal/metrics"
	"github.com/eventphone/ywsd/internal/routing/dispatch"
	"github.com/eventphone/ywsd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ywsd",
		"control_channel_addr", cfg.ControlChannelAddr,
		"diagnostic_addr", cfg.DiagnosticAddr,
		"cache_backend", cfg.CacheBackend,
	)

	gw, err := store.OpenPostgres(cfg.StoreDSN, logger)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	cacheGW, closeCache, err := openCache(cfg, logger)
	if err != nil {
		slog.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer closeCache()

	contacts, err := cfg.ParseHomeServerContacts()
	if err != nil {
		slog.Error("invalid home-server-contacts", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	collector := metrics.NewCollector(registry)

	dispatcher := dispatch.New(gw, cacheGW, logger, dispatch.Config{
		MaxForwardDepth:    cfg.MaxForwardDepth,
		RequestTimeout:     cfg.RequestTimeout,
		CacheTTL:           cfg.CacheTTL,
		LocalHomeServerID:  cfg.LocalHomeServerID,
		HomeServerContacts: contacts,
		OutboundGateway:    cfg.OutboundGateway,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
	}, collector)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	ccSrv := controlchannel.NewServer(dispatcher, cfg.ControlChannelAddr, logger)
	if err := ccSrv.Start(appCtx); err != nil {
		slog.Error("failed to start control channel", "error", err)
		os.Exit(1)
	}

	diagHandler := diagnostic.NewServer(dispatcher, cfg.CORSOrigins, logger, registry)
	httpSrv := &http.Server{
		Addr:         cfg.DiagnosticAddr,
		Handler:      diagHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("diagnostic endpoint listening", "addr", cfg.DiagnosticAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("diagnostic endpoint error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	ccSrv.Stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("diagnostic endpoint shutdown error", "error", err)
	}

	slog.Info("ywsd stopped")
}

// openCache selects the cache.Gateway backend per cfg.CacheBackend and
// returns a close function releasing any backing resources (for the memory
// backend, the close function stops its janitor goroutine).
func openCache(cfg *config.Config, logger *slog.Logger) (cache.Gateway, func(), error) {
	switch cfg.CacheBackend {
	case "redis":
		r, err := cache.NewRedis(cfg.CacheAddr, "", cfg.CacheDB, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	default:
		m := cache.NewMemory(logger)
		ctx, cancel := context.WithCancel(context.Background())
		m.StartJanitor(ctx, time.Minute)
		return m, cancel, nil
	}
}
