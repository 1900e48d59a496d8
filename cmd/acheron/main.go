// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command acheron runs the traffic analysis daemon: capture ingestion, TCP
// reassembly, pattern scanning, and the analyst HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"acheron.dev/acheron/internal/api"
	"acheron.dev/acheron/internal/assembly"
	"acheron.dev/acheron/internal/capture"
	"acheron.dev/acheron/internal/config"
	"acheron.dev/acheron/internal/flows"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
	"acheron.dev/acheron/internal/rules"
	"acheron.dev/acheron/internal/storage"
	"acheron.dev/acheron/internal/streams"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "acheron: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	logger := logging.New(logging.Config{
		Output: os.Stdout,
		Level:  logging.ParseLevel(cfg.LogLevel),
		JSON:   cfg.LogJSON,
	})
	logging.SetDefault(logger)

	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	// Settings persisted by POST /setup win over the config file; the config
	// file can pre-seed them for unattended deployments.
	settings := cfg.Settings
	configured, err := store.LoadSettings(ctx, &settings)
	if err != nil {
		return err
	}
	if !configured && cfg.Settings.ServerAddress != "" {
		if err := cfg.Settings.Validate(); err != nil {
			return err
		}
		settings = cfg.Settings
		if err := store.SaveSettings(ctx, &settings); err != nil {
			return err
		}
		configured = true
	}
	settings.ApplyDefaults()

	registry, err := rules.NewRegistry(ctx, store, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	m := metrics.New()
	if _, version := registry.CurrentDatabase(); version > 0 {
		m.RulesVersion.Set(float64(version))
	}

	var geo flows.Resolver
	if cfg.GeoIPDB != "" {
		geoip, err := flows.OpenGeoIP(cfg.GeoIPDB)
		if err != nil {
			return err
		}
		defer geoip.Close()
		geo = geoip
	}

	// The persister is constructed after the API server because it broadcasts
	// through the websocket manager; no packet arrives before Start below.
	var persister *flows.Persister
	assembler := assembly.NewAssembler(assembly.Config{
		BlockGap:    settings.BlockGap(),
		IdleTimeout: settings.IdleFlow(),
		OnComplete: func(cf *assembly.CompletedFlow) {
			persister.Enqueue(cf)
		},
	}, logger)

	captures, err := capture.NewManager(store, assembler, m, capture.Config{
		PcapsDir: cfg.PcapsDir,
	}, logger)
	if err != nil {
		return err
	}

	rescanner := flows.NewRescanner(store, registry, m, flows.RescanMode(cfg.RescanMode), logger)
	rescanner.Start()

	reader := streams.NewReader(store, logger, uint64(settings.DefaultQueryLimit))

	server := api.NewServer(api.Options{
		Store:      store,
		Registry:   registry,
		Reader:     reader,
		Captures:   captures,
		Rescanner:  rescanner,
		Metrics:    m,
		Logger:     logger,
		Settings:   settings,
		Configured: configured,
	})

	persister = flows.NewPersister(store, registry, geo, server.Notifier(), m, flows.PersisterConfig{
		MaxChunkBytes: settings.MaxChunkBytes,
	}, logger)
	persister.Start()

	var watcher *capture.Watcher
	if cfg.WatchDir != "" {
		if watcher, err = capture.NewWatcher(captures, cfg.WatchDir, logger); err != nil {
			return err
		}
		watcher.Start()
	}

	httpSrv := server.HTTPServer(cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if watcher != nil {
		watcher.Close()
	}
	captures.Close()

	// Force every open flow through the pipeline before the workers drain.
	assembler.FlushAll()
	persister.Close()
	rescanner.Close()
	server.Close()

	logger.Info("bye")
	return nil
}
