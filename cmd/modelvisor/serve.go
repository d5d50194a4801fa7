package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelvisor/internal/alloc"
	"modelvisor/internal/config"
	"modelvisor/internal/eventbus"
	"modelvisor/internal/httpapi"
	"modelvisor/internal/launcher"
	"modelvisor/internal/manager"
	"modelvisor/internal/probe"
	"modelvisor/internal/registry"
)

func serveCmd() *cobra.Command {
	var f flagValues
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, f.configPath, func() (config.Config, error) { return f.load(cmd) })
		},
	}
	f.registerServe(cmd)
	return cmd
}

// serve runs until ctx ends. reload rebuilds the merged file, env and flag
// configuration for the model watcher.
func serve(ctx context.Context, cfg config.Config, configPath string, reload func() (config.Config, error)) error {
	log := newLogger(cfg)
	log.Info().Str("event", "starting").Str("addr", cfg.Addr).Str("content_root", cfg.ContentRoot).
		Str("backend", cfg.Backend.Command).Msg("modelvisor starting")

	sup, closeEvents, err := newSupervisor(cfg, &log)
	if err != nil {
		return err
	}
	defer closeEvents()

	go sup.Run(ctx)
	if cfg.Watch {
		go watchModels(ctx, configPath, cfg.ModelsDir, reload, sup, &log)
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, nil, nil)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(sup),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("event", "listening").Str("addr", cfg.Addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Str("event", "shutdown").Msg("signal received, shutting down")
	case serveErr = <-errCh:
		log.Error().Str("event", "server_error").Err(serveErr).Msg("control API failed")
	}

	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hcancel()
	if err := srv.Shutdown(hctx); err != nil {
		log.Warn().Str("event", "shutdown_error").Err(err).Msg("graceful HTTP shutdown failed")
	}
	// every backend gets its full grace period, plus slack for the kill
	sctx, scancel := context.WithTimeout(context.Background(), cfg.StopGraceDuration()+10*time.Second)
	defer scancel()
	if err := sup.Shutdown(sctx); err != nil {
		log.Error().Str("event", "shutdown_error").Err(err).Msg("stopping backends")
		return errors.Join(serveErr, err)
	}
	log.Info().Str("event", "stopped").Msg("all backends stopped")
	return serveErr
}

// newSupervisor wires launcher, allocator, prober, cache and event sinks. The
// returned func closes the event bus connection.
func newSupervisor(cfg config.Config, log *zerolog.Logger) (*manager.Supervisor, func(), error) {
	cache, err := newCache(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact cache: %w", err)
	}
	l, err := launcher.New(launcher.Config{
		Command: cfg.Backend.Command,
		Args:    cfg.Backend.Args,
		Host:    cfg.Backend.Host,
		Env:     cfg.Backend.Env,
		SlotEnv: cfg.Backend.SlotEnv,
		Logger:  log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("launcher: %w", err)
	}
	a, err := alloc.New(alloc.Config{
		Host:       cfg.Backend.Host,
		PortStart:  cfg.Ports.Start,
		PortEnd:    cfg.Ports.End,
		Slots:      cfg.Resources.Slots,
		Policy:     alloc.Policy(cfg.Resources.Policy),
		MaxPerSlot: cfg.Resources.MaxPerSlot,
		SkipBound:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("allocator: %w", err)
	}
	specs, err := registry.Build(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("models: %w", err)
	}

	var pub manager.EventPublisher
	closeEvents := func() {}
	if cfg.NATS.URL != "" {
		nc, err := eventbus.Connect(eventbus.Config{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.Subject, Logger: log})
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		pub = nc
		closeEvents = func() {
			if err := nc.Close(); err != nil {
				log.Warn().Str("event", "nats_close").Err(err).Msg("closing nats")
			}
		}
	}

	sup, err := manager.New(manager.Config{
		Models:     specs,
		AllowAdhoc: cfg.AllowAdhocModels,
		Cache:      cache,
		Launcher:   manager.ExecLauncher(l),
		Prober: probe.Prober{
			Client:   &http.Client{},
			Interval: cfg.ReadinessInterval(),
			Timeout:  cfg.ReadinessTimeout(),
		},
		Allocator:        a,
		ProbeHost:        l.Host(),
		HealthPath:       cfg.Backend.HealthPath,
		ReadinessTimeout: cfg.ReadinessTimeout(),
		StopGrace:        cfg.StopGraceDuration(),
		PollInterval:     cfg.PollIntervalDuration(),
		Publisher:        pub,
		Logger:           log,
	})
	if err != nil {
		closeEvents()
		return nil, nil, err
	}
	log.Info().Str("event", "models_registered").Int("count", len(specs)).Msg("model list loaded")
	return sup, closeEvents, nil
}

// watchModels re-registers the model list whenever the config file or the
// models directory changes. Each reload goes through reload so command-line
// overrides keep applying. Runtime settings other than the model list need a
// restart.
func watchModels(ctx context.Context, path, modelsDir string, reload func() (config.Config, error), sup *manager.Supervisor, log *zerolog.Logger) {
	opts := config.WatchOptions{Dirs: []string{modelsDir}, Logger: log, Load: reload}
	err := config.Watch(ctx, path, opts, func(c config.Config, err error) {
		if err != nil {
			return
		}
		specs, err := registry.Build(c)
		if err != nil {
			log.Warn().Str("event", "reload_failed").Err(err).Msg("model list reload failed")
			return
		}
		if _, err := sup.Register(specs); err != nil {
			log.Warn().Str("event", "reload_failed").Err(err).Msg("model list rejected")
		}
	})
	if err != nil {
		log.Warn().Str("event", "watch_stopped").Err(err).Msg("config watch stopped")
	}
}
