package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelvisor/internal/alloc"
	"modelvisor/internal/launcher"
	"modelvisor/internal/probe"
)

func init() { strictTransitions = true }

// fakeCache counts Resolve calls per reference. A non-nil gate blocks every
// call until closed.
type fakeCache struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	err   error
}

func newFakeCache() *fakeCache { return &fakeCache{calls: map[string]int{}} }

func (c *fakeCache) Resolve(ctx context.Context, ref string) (string, error) {
	c.mu.Lock()
	c.calls[ref]++
	gate, err := c.gate, c.err
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "/cache/" + ref, nil
}

func (c *fakeCache) count(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[ref]
}

func (c *fakeCache) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// fakeProc stands in for a backend child.
type fakeProc struct {
	pid   int
	done  chan struct{}
	once  sync.Once
	stops atomic.Int32

	mu      sync.Mutex
	reason  string
	grace   time.Duration
	stopErr error
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *fakeProc) stopGrace() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grace
}

// exit simulates the child dying on its own.
func (p *fakeProc) exit(reason string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) Stop(ctx context.Context, grace time.Duration) error {
	p.stops.Add(1)
	p.mu.Lock()
	p.grace = grace
	err := p.stopErr
	p.mu.Unlock()
	p.exit("signal: terminated")
	return err
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []launcher.Spec
	procs []*fakeProc
	err   error
	pid   int
}

func (l *fakeLauncher) Launch(ctx context.Context, spec launcher.Spec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	l.pid++
	p := &fakeProc{pid: 1000 + l.pid, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// fakeProber reports Ready immediately unless gated; it honors crashes while
// gated, and cancellation unless holdOnCancel is set.
type fakeProber struct {
	gate         chan struct{}
	holdOnCancel bool
	result       probe.Result
	calls        atomic.Int32
}

func (p *fakeProber) WaitReady(ctx context.Context, h probe.Handle, target string) probe.Result {
	p.calls.Add(1)
	if p.gate != nil {
		canceled := ctx.Done()
		if p.holdOnCancel {
			canceled = nil
		}
		select {
		case <-p.gate:
		case <-canceled:
			return probe.Canceled
		case <-h.Done():
			return probe.Crashed
		}
	}
	select {
	case <-h.Done():
		return probe.Crashed
	default:
	}
	return p.result
}

type harness struct {
	s        *Supervisor
	cache    *fakeCache
	launcher *fakeLauncher
	prober   *fakeProber
	alloc    *alloc.Allocator
	events   *MemoryPublisher
}

// newHarness builds a supervisor over fakes with models registered as
// id -> "ref-"+id. mutate may adjust the config before construction.
func newHarness(t *testing.T, mutate func(*Config, *alloc.Config), ids ...string) *harness {
	t.Helper()
	h := &harness{
		cache:    newFakeCache(),
		launcher: &fakeLauncher{},
		prober:   &fakeProber{result: probe.Ready},
		events:   NewMemoryPublisher(),
	}
	acfg := alloc.Config{PortStart: 41000, PortEnd: 41009}
	cfg := Config{
		Cache:        h.cache,
		Launcher:     h.launcher,
		Prober:       h.prober,
		PollInterval: -1,
		StopGrace:    time.Second,
		Publisher:    h.events,
		MemoryUsage:  func(context.Context, int) (uint64, error) { return 0, nil },
	}
	for _, id := range ids {
		cfg.Models = append(cfg.Models, ModelSpec{ID: id, ArtifactRef: "ref-" + id})
	}
	if mutate != nil {
		mutate(&cfg, &acfg)
	}
	a, err := alloc.New(acfg)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	h.alloc = a
	if cfg.Allocator == nil {
		cfg.Allocator = a
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return h
}

func waitPhase(t *testing.T, s *Supervisor, id string, want Phase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := s.Phase(id)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("model %s: phase=%s, want %s", id, got, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
