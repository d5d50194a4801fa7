package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelvisor/internal/artifact"
	"modelvisor/internal/common/logging"
	"modelvisor/internal/config"
)

// flagValues holds command-line overrides; a flag only wins when set.
type flagValues struct {
	configPath  string
	addr        string
	logLevel    string
	logFormat   string
	contentRoot string
	modelsDir   string
	allowAdhoc  bool
	backendCmd  string
	healthPath  string
	portStart   int
	portEnd     int
	slots       string
	slotPolicy  string
	corsEnabled bool
	corsOrigins string
	natsURL     string
	watch       bool
}

func (f *flagValues) registerCommon(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Configuration file (.yaml, .json or .toml)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (env MODELVISOR_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: json or console")
	fs.StringVar(&f.contentRoot, "content-root", "", "Directory holding downloaded artifacts")
}

func (f *flagValues) registerServe(cmd *cobra.Command) {
	f.registerCommon(cmd)
	fs := cmd.Flags()
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080 (env MODELVISOR_ADDR)")
	fs.StringVar(&f.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	fs.BoolVar(&f.allowAdhoc, "allow-adhoc", false, "Create models on first start, using the id as artifact reference")
	fs.StringVar(&f.backendCmd, "backend-cmd", "", "Backend executable (default llama-server)")
	fs.StringVar(&f.healthPath, "health-path", "", "Backend readiness path (default /health)")
	fs.IntVar(&f.portStart, "port-start", 0, "First port leased to backends")
	fs.IntVar(&f.portEnd, "port-end", 0, "Last port leased to backends")
	fs.StringVar(&f.slots, "slots", "", "Comma-separated resource slots, e.g. GPU indices 0,1")
	fs.StringVar(&f.slotPolicy, "slot-policy", "", "Slot policy: shared or exclusive")
	fs.BoolVar(&f.corsEnabled, "cors-enabled", false, "Enable CORS for the control API")
	fs.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins")
	fs.StringVar(&f.natsURL, "nats-url", "", "Publish lifecycle events to this NATS server")
	fs.BoolVar(&f.watch, "watch", false, "Reload the model list when the config file changes")
}

// load reads the config file (if any), then applies env fallbacks and set
// flags, defaults and validation in that order.
func (f *flagValues) load(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if v := os.Getenv("MODELVISOR_ADDR"); v != "" && cfg.Addr == "" {
		cfg.Addr = v
	}
	if v := os.Getenv("MODELVISOR_LOG_LEVEL"); v != "" && cfg.LogLevel == "" {
		cfg.LogLevel = v
	}

	set := cmd.Flags().Changed
	if set("addr") {
		cfg.Addr = f.addr
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if set("content-root") {
		cfg.ContentRoot = f.contentRoot
	}
	if set("models-dir") {
		cfg.ModelsDir = f.modelsDir
	}
	if set("allow-adhoc") {
		cfg.AllowAdhocModels = f.allowAdhoc
	}
	if set("backend-cmd") {
		cfg.Backend.Command = f.backendCmd
	}
	if set("health-path") {
		cfg.Backend.HealthPath = f.healthPath
	}
	if set("port-start") {
		cfg.Ports.Start = f.portStart
	}
	if set("port-end") {
		cfg.Ports.End = f.portEnd
	}
	if set("slots") {
		cfg.Resources.Slots = splitCSV(f.slots)
	}
	if set("slot-policy") {
		cfg.Resources.Policy = f.slotPolicy
	}
	if set("cors-enabled") {
		cfg.CORS.Enabled = f.corsEnabled
	}
	if set("cors-origins") {
		cfg.CORS.AllowedOrigins = splitCSV(f.corsOrigins)
	}
	if set("nats-url") {
		cfg.NATS.URL = f.natsURL
	}
	if set("watch") {
		cfg.Watch = f.watch
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Watch && f.configPath == "" {
		return cfg, fmt.Errorf("invalid config: --watch needs --config")
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.LogLevel).Msg("unknown log level, using info")
	}
	return log
}

// newCache wires every artifact source into the content-addressed cache.
func newCache(cfg config.Config, log *zerolog.Logger) (*artifact.Cache, error) {
	client := &http.Client{}
	token := cfg.Sources.Hub.Token
	if token == "" {
		token = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	hub := artifact.HubSource{
		BaseURL:     cfg.Sources.Hub.BaseURL,
		Token:       token,
		Client:      client,
		Concurrency: cfg.Sources.Hub.Concurrency,
	}
	web := artifact.HTTPSource{Client: client}
	return artifact.New(artifact.Config{
		Root: cfg.ContentRoot,
		Sources: map[string]artifact.Source{
			artifact.SchemeFile:  artifact.FileSource{},
			artifact.SchemeHTTP:  web,
			artifact.SchemeHTTPS: web,
			artifact.SchemeHub:   hub,
			artifact.SchemeS3: &artifact.S3Source{
				Region:       cfg.Sources.S3.Region,
				EndpointURL:  cfg.Sources.S3.EndpointURL,
				UsePathStyle: cfg.Sources.S3.UsePathStyle,
			},
		},
		Logger: log,
	})
}
