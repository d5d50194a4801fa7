// Package launcher spawns backing inference-server processes.
//
// A Process is the exclusive handle to one child. Its Done channel closes
// exactly once when the child exits; ExitErr reports why.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelvisor/internal/alloc"
	"modelvisor/internal/common/logging"
)

// DefaultSlotEnv is the variable used to pin a child to its resource slot.
const DefaultSlotEnv = "CUDA_VISIBLE_DEVICES"

// DefaultArgs starts a llama.cpp compatible server.
var DefaultArgs = []string{"-m", "{model}", "--host", "{host}", "--port", "{port}"}

const stderrTailBytes = 4096

// Config configures a Launcher.
type Config struct {
	// Command is the backend binary (path or name on $PATH).
	Command string
	// Args is the argument template. Placeholders: {model} {port} {host} {slot} {id}.
	Args []string
	Host string
	// Env is appended to the supervisor's environment for every child.
	Env []string
	// SlotEnv names the variable receiving the slot; "-" disables it.
	SlotEnv string
	WorkDir string
	// WaitDelay bounds how long output copying may outlive the child.
	WaitDelay time.Duration
	Logger    *zerolog.Logger
}

// Spec describes one launch.
type Spec struct {
	ModelID      string
	ArtifactPath string
	Port         int
	Slot         string
	// Args and Env are per-model extras appended after the template.
	Args []string
	Env  []string
}

// LaunchError reports that the backend could not be started or died before
// it became ready.
type LaunchError struct {
	ModelID    string
	Err        error
	StderrTail string
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %s: %v", e.ModelID, e.Err)
	if e.StderrTail != "" {
		msg += "; stderr tail: " + e.StderrTail
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunch reports whether err is (or wraps) a LaunchError.
func IsLaunch(err error) bool {
	var e *LaunchError
	return errors.As(err, &e)
}

// Launcher starts processes from a fixed command template.
type Launcher struct {
	cfg Config
	log zerolog.Logger
}

// New validates cfg and returns a Launcher.
func New(cfg Config) (*Launcher, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("launcher: command is empty")
	}
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultArgs
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SlotEnv == "" {
		cfg.SlotEnv = DefaultSlotEnv
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &Launcher{cfg: cfg, log: logging.OrNop(cfg.Logger)}, nil
}

// Host is the interface children bind to.
func (l *Launcher) Host() string { return l.cfg.Host }

// Command renders the argv for s without starting anything.
func (l *Launcher) Command(s Spec) []string {
	r := strings.NewReplacer(
		"{model}", s.ArtifactPath,
		"{port}", strconv.Itoa(s.Port),
		"{host}", l.cfg.Host,
		"{slot}", s.Slot,
		"{id}", s.ModelID,
	)
	argv := make([]string, 0, 1+len(l.cfg.Args)+len(s.Args))
	argv = append(argv, l.cfg.Command)
	for _, a := range l.cfg.Args {
		argv = append(argv, r.Replace(a))
	}
	for _, a := range s.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

// Launch starts the backend for s. The child is not bound to ctx; ctx only
// aborts the launch before the process is spawned.
func (l *Launcher) Launch(ctx context.Context, s Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPortFree(l.cfg.Host, s.Port); err != nil {
		return nil, &LaunchError{ModelID: s.ModelID, Err: err}
	}
	argv := l.Command(s)
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, &LaunchError{ModelID: s.ModelID, Err: fmt.Errorf("backend binary: %w", err)}
	}

	cmd := exec.Command(bin, argv[1:]...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	if l.cfg.SlotEnv != "-" && s.Slot != "" && s.Slot != alloc.SharedSlot {
		cmd.Env = append(cmd.Env, l.cfg.SlotEnv+"="+s.Slot)
	}
	cmd.Env = append(cmd.Env, s.Env...)
	cmd.WaitDelay = l.cfg.WaitDelay
	setProcAttrs(cmd)

	log := l.log.With().Str("model", s.ModelID).Logger()
	tail := &tailBuffer{max: stderrTailBytes}
	stdout := &lineLogger{log: log, stream: "stdout"}
	stderr := &lineLogger{log: log, stream: "stderr", tee: tail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{ModelID: s.ModelID, Err: fmt.Errorf("start backend: %w", err)}
	}
	p := &Process{
		modelID: s.ModelID,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		port:    s.Port,
		done:    make(chan struct{}),
		tail:    tail,
	}
	log.Info().Str("event", "spawn").Int("pid", p.pid).Int("port", s.Port).Str("slot", s.Slot).Strs("argv", argv).Msg("backend started")
	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("event", "exit").Int("pid", p.pid).Msg("backend exited")
	}()
	return p, nil
}

// Process is a running (or exited) backend child.
type Process struct {
	modelID string
	cmd     *exec.Cmd
	pid     int
	port    int
	done    chan struct{}
	tail    *tailBuffer

	mu      sync.Mutex
	exitErr error
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Port() int { return p.port }

// Done closes when the child has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is nil while running and after a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether Done has fired.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// StderrTail returns the last few KiB the child wrote to stderr.
func (p *Process) StderrTail() string { return p.tail.String() }

// ExitReason describes why the child ended, for status reporting.
func (p *Process) ExitReason() string {
	if !p.Exited() {
		return ""
	}
	reason := "exited with status 0"
	if err := p.ExitErr(); err != nil {
		reason = err.Error()
	}
	if t := strings.TrimSpace(p.StderrTail()); t != "" {
		if i := strings.LastIndexByte(t, '\n'); i >= 0 {
			t = t[i+1:]
		}
		reason += ": " + t
	}
	return reason
}

// Terminate signals the child (and its process group): SIGTERM when graceful,
// SIGKILL otherwise. Signalling an exited process is a no-op.
func (p *Process) Terminate(graceful bool) error {
	if p.Exited() {
		return nil
	}
	err := signalProcess(p.cmd.Process, graceful)
	if err != nil && p.Exited() {
		return nil
	}
	return err
}

// Stop terminates gracefully and escalates to a kill once grace elapses or
// ctx ends. It returns after the child has exited.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if err := p.Terminate(true); err != nil {
		return p.kill(err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	return p.kill(nil)
}

func (p *Process) kill(prev error) error {
	if err := p.Terminate(false); err != nil {
		return errors.Join(prev, err)
	}
	<-p.done
	return nil
}

func checkPortFree(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d already bound: %w", port, err)
	}
	return ln.Close()
}
