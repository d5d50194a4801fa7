package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelvisor/internal/alloc"
	"modelvisor/internal/artifact"
	"modelvisor/internal/httpapi"
	"modelvisor/internal/launcher"
	"modelvisor/internal/manager"
	"modelvisor/internal/probe"
	"modelvisor/internal/registry"
)

// createTempModelsDir creates a temporary directory populated with small
// .gguf files and returns its path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

// backend is an in-process stand-in for a model server: an HTTP listener on
// the leased port whose /health turns 200 after warmup.
type backend struct {
	pid  int
	spec launcher.Spec
	srv  *http.Server
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason string
}

func (b *backend) PID() int              { return b.pid }
func (b *backend) Done() <-chan struct{} { return b.done }

func (b *backend) ExitReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

func (b *backend) exit(reason string) {
	b.once.Do(func() {
		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()
		_ = b.srv.Close()
		close(b.done)
	})
}

func (b *backend) Stop(ctx context.Context, grace time.Duration) error {
	b.exit("signal: terminated")
	return nil
}

type inprocLauncher struct {
	warmup atomic.Int64 // nanoseconds
	pids   atomic.Int32

	mu       sync.Mutex
	backends []*backend
}

func (l *inprocLauncher) Launch(ctx context.Context, spec launcher.Spec) (manager.Process, error) {
	if _, err := os.Stat(spec.ArtifactPath); err != nil {
		return nil, &launcher.LaunchError{ModelID: spec.ModelID, Err: err}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(spec.Port)))
	if err != nil {
		return nil, &launcher.LaunchError{ModelID: spec.ModelID, Err: err}
	}
	ready := time.Now().Add(time.Duration(l.warmup.Load()))
	b := &backend{pid: 5000 + int(l.pids.Add(1)), spec: spec, done: make(chan struct{})}
	b.srv = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || time.Now().Before(ready) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})}
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.exit(err.Error())
		}
	}()
	l.mu.Lock()
	l.backends = append(l.backends, b)
	l.mu.Unlock()
	return b, nil
}

func (l *inprocLauncher) last() *backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backends[len(l.backends)-1]
}

type env struct {
	srv      *httptest.Server
	sup      *manager.Supervisor
	launcher *inprocLauncher
	alloc    *alloc.Allocator
	events   *manager.MemoryPublisher
}

func newEnv(t *testing.T, modelsDir string, mutate func(*manager.Config)) *env {
	t.Helper()
	specs, err := registry.LoadDir(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	cache, err := artifact.New(artifact.Config{
		Root:    t.TempDir(),
		Sources: map[string]artifact.Source{artifact.SchemeFile: artifact.FileSource{}},
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	a, err := alloc.New(alloc.Config{PortStart: 43100, PortEnd: 43199, SkipBound: true})
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	e := &env{launcher: &inprocLauncher{}, alloc: a, events: manager.NewMemoryPublisher()}
	e.launcher.warmup.Store(int64(100 * time.Millisecond))
	cfg := manager.Config{
		Models:           specs,
		Cache:            cache,
		Launcher:         e.launcher,
		Allocator:        a,
		Prober:           probe.Prober{Interval: 20 * time.Millisecond, Timeout: 5 * time.Second},
		ReadinessTimeout: 5 * time.Second,
		StopGrace:        time.Second,
		PollInterval:     -1,
		MemoryUsage:      func(context.Context, int) (uint64, error) { return 1 << 20, nil },
		Publisher:        e.events,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.sup, err = manager.New(cfg)
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	e.srv = httptest.NewServer(httpapi.NewMux(e.sup))
	t.Cleanup(func() {
		e.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.sup.Shutdown(ctx)
	})
	return e
}

func httpDo(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func decode(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("json: %v\n%s", err, b)
	}
}
