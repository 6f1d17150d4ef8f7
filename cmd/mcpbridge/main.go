package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mcpbridge/internal/broker"
	"mcpbridge/internal/childproc"
	"mcpbridge/internal/config"
	"mcpbridge/internal/events"
	"mcpbridge/internal/filter"
	browserfs "mcpbridge/internal/fs"
	"mcpbridge/internal/logx"
	"mcpbridge/internal/metrics"
	"mcpbridge/internal/server"
	"mcpbridge/internal/session"
)

var version = "dev"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logx.Configure(cfg.LogLevel, cfg.Pretty); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logx.Component("main")

	root, err := browserfs.NewRoot(cfg.BasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid base path")
	}
	dir, err := root.Resolve(cfg.Cwd)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid working directory")
	}

	settings, err := config.LoadFilterSettings(cfg.Filters)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load filter settings")
	}
	chain, err := filter.NewDefaultChain(logx.Component("filter"), settings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build filter chain")
	}

	var store *events.Store
	if cfg.Transcript {
		if cfg.TranscriptDir != "" {
			store, err = events.NewStore(cfg.TranscriptDir)
		} else {
			store, err = events.NewTempStore()
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create transcript store")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version)

	spawn := broker.ChildSpawner(logx.Component("child"), childproc.Config{
		Command:       cfg.Command[0],
		Args:          cfg.Command[1:],
		Dir:           dir,
		Env:           cfg.Env,
		ShutdownGrace: cfg.ShutdownGrace,
	})
	opts := broker.Options{InboundSize: cfg.InboundSize, StartGrace: cfg.StartGrace}
	if store != nil {
		opts.Recorder = store
	}
	registry := session.NewRegistry(logx.Component("session"), cfg.QueueSize)
	b := broker.New(logx.Component("broker"), registry, chain, spawn, opts)

	app := server.New(logx.Component("http"), b, server.Options{
		AllowNetworks:  cfg.Networks(),
		AllowedOrigins: cfg.AllowOrigins,
		APIKey:         cfg.APIKey,
		Keepalive:      cfg.Keepalive,
		Transcripts:    store,
		Gatherer:       reg,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", "http://"+cfg.Addr()).
		Strs("command", cfg.Command).
		Str("cwd", dir).
		Strs("allow_cidrs", cfg.AllowCIDRs).
		Str("auth_mode", cfg.AuthMode()).
		Int("filters_enabled", chain.EnabledCount()).
		Bool("transcript", store != nil).
		Str("version", version).
		Msg("mcpbridge listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("sessions did not close in time")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if store != nil && cfg.TranscriptDir == "" {
		if err := store.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("failed to remove transcripts")
		}
	}
}
