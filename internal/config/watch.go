package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"modelvisor/internal/common/fsutil"
	"modelvisor/internal/common/logging"
)

const defaultDebounce = 500 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	// Dirs are extra directories (such as models_dir) whose changes also
	// trigger a reload.
	Dirs     []string
	Debounce time.Duration
	Logger   *zerolog.Logger
	// Load rebuilds the configuration on each reload. The default reads the
	// watched file, applies defaults and validates it.
	Load func() (Config, error)
}

// Watch reloads the file at path whenever it or one of opts.Dirs changes and
// hands the result to onChange. Bursts of events within the debounce window
// produce one reload. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(Config, error)) error {
	log := logging.OrNop(opts.Logger).With().Str("component", "config_watch").Logger()
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	load := opts.Load
	if load == nil {
		load = func() (Config, error) {
			cfg, err := Load(abs)
			if err != nil {
				return cfg, err
			}
			cfg.ApplyDefaults()
			return cfg, cfg.Validate()
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	extra := make(map[string]bool, len(opts.Dirs))
	for _, d := range opts.Dirs {
		if d == "" {
			continue
		}
		d, err := fsutil.ExpandHome(d)
		if err != nil {
			return err
		}
		if a, err := filepath.Abs(d); err == nil {
			extra[a] = true
		}
	}
	// editors replace files by rename, so watch the parent directory
	dirs := map[string]bool{filepath.Dir(abs): true}
	for d := range extra {
		dirs[d] = true
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	log.Info().Str("event", "watch_started").Str("path", abs).Msg("watching configuration")

	relevant := func(name string) bool {
		name = filepath.Clean(name)
		return name == abs || extra[filepath.Dir(name)]
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !relevant(ev.Name) {
				continue
			}
			log.Debug().Str("event", "watch_change").Str("path", ev.Name).Str("op", ev.Op.String()).Msg("change detected")
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Str("event", "watch_error").Err(err).Msg("watcher error")
		case <-timer.C:
			cfg, err := load()
			if err != nil {
				log.Warn().Str("event", "reload_failed").Err(err).Msg("configuration reload failed")
			}
			onChange(cfg, err)
		}
	}
}
