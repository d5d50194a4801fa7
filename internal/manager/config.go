package manager

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"modelvisor/internal/alloc"
	"modelvisor/internal/artifact"
	"modelvisor/internal/launcher"
	"modelvisor/internal/probe"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultStopGrace    = 30 * time.Second
	defaultPollInterval = 10 * time.Second
	defaultHealthPath   = "/health"
	defaultProbeHost    = "127.0.0.1"
)

// Resolver maps an artifact reference to a local directory.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Process is the supervisor's handle to one backend child.
type Process interface {
	PID() int
	Done() <-chan struct{}
	// ExitReason describes a finished process; "" while running.
	ExitReason() string
	// Stop terminates gracefully and kills after grace or when ctx ends.
	Stop(ctx context.Context, grace time.Duration) error
}

// Launcher starts backend processes.
type Launcher interface {
	Launch(ctx context.Context, spec launcher.Spec) (Process, error)
}

// Prober waits for a started process to become healthy.
type Prober interface {
	WaitReady(ctx context.Context, h probe.Handle, target string) probe.Result
}

// ExecLauncher adapts a launcher.Launcher to the Launcher interface.
func ExecLauncher(l *launcher.Launcher) Launcher { return execLauncher{l: l} }

type execLauncher struct{ l *launcher.Launcher }

func (e execLauncher) Launch(ctx context.Context, spec launcher.Spec) (Process, error) {
	p, err := e.l.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config encapsulates the collaborators and tunables of a Supervisor.
type Config struct {
	Models []ModelSpec
	// AllowAdhoc creates a record on Start for unknown ids, using the id as
	// the artifact reference.
	AllowAdhoc bool

	Cache     Resolver
	Launcher  Launcher
	Prober    Prober
	Allocator *alloc.Allocator

	// EntryPoint picks the file handed to the backend from an artifact
	// directory. Defaults to artifact.EntryPoint.
	EntryPoint func(dir string) string
	// ProbeHost and HealthPath form the readiness URL http://host:port/path.
	ProbeHost  string
	HealthPath string
	// ReadinessTimeout is reported in readiness errors; the Prober enforces it.
	ReadinessTimeout time.Duration
	StopGrace        time.Duration
	// PollInterval drives resource-usage polling; negative disables it.
	PollInterval time.Duration
	// MemoryUsage reports resident bytes for pid. Defaults to gopsutil.
	MemoryUsage func(ctx context.Context, pid int) (uint64, error)

	Publisher EventPublisher
	Logger    *zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.EntryPoint == nil {
		c.EntryPoint = artifact.EntryPoint
	}
	if c.ProbeHost == "" {
		c.ProbeHost = defaultProbeHost
	}
	if c.HealthPath == "" {
		c.HealthPath = defaultHealthPath
	}
	if c.HealthPath[0] != '/' {
		c.HealthPath = "/" + c.HealthPath
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MemoryUsage == nil {
		c.MemoryUsage = processRSS
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Prober == nil {
		// Intentionally no client Timeout: each attempt carries its own deadline.
		c.Prober = probe.Prober{Client: &http.Client{}, Timeout: c.ReadinessTimeout}
	}
}
