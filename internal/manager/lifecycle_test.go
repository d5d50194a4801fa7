package manager

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"modelvisor/internal/alloc"
	"modelvisor/internal/probe"
	"modelvisor/pkg/types"
)

func TestConcurrentStartsShareOneSequence(t *testing.T) {
	h := newHarness(t, nil, "m")
	h.cache.gate = make(chan struct{})

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := h.s.Start(context.Background(), "m")
			errs[i], ports[i] = err, st.Port
		}(i)
	}
	waitFor(t, "download to begin", func() bool { return h.cache.count("ref-m") == 1 })
	time.Sleep(20 * time.Millisecond)
	close(h.cache.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ports[i] != ports[0] {
			t.Fatalf("caller %d saw port %d, want %d", i, ports[i], ports[0])
		}
	}
	if got := h.cache.count("ref-m"); got != 1 {
		t.Fatalf("downloads=%d, want 1", got)
	}
	if got := h.launcher.count(); got != 1 {
		t.Fatalf("launches=%d, want 1", got)
	}
}

func TestConcurrentStartsShareFailure(t *testing.T) {
	h := newHarness(t, nil, "m")
	h.launcher.setErr(context.DeadlineExceeded)
	h.cache.gate = make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.s.Start(context.Background(), "m")
		}(i)
	}
	waitFor(t, "download to begin", func() bool { return h.cache.count("ref-m") == 1 })
	time.Sleep(10 * time.Millisecond)
	close(h.cache.gate)
	wg.Wait()
	for i, err := range errs {
		if !IsLaunch(err) {
			t.Fatalf("caller %d: expected launch error, got %v", i, err)
		}
	}
}

func TestStopDuringDownload(t *testing.T) {
	h := newHarness(t, nil, "m")
	h.cache.gate = make(chan struct{})
	startErr := make(chan error, 1)
	go func() {
		_, err := h.s.Start(context.Background(), "m")
		startErr <- err
	}()
	waitPhase(t, h.s, "m", PhaseDownloading)
	waitFor(t, "download to begin", func() bool { return h.cache.count("ref-m") == 1 })

	st, err := h.s.Stop(ctxT(t), "m")
	if err != nil || st.State != types.StateStopped {
		t.Fatalf("Stop: %v %+v", err, st)
	}
	if err := <-startErr; !IsStopSuperseded(err) {
		t.Fatalf("start caller: expected superseded, got %v", err)
	}
	if h.launcher.count() != 0 {
		t.Fatalf("launched after stop")
	}
	if u := h.alloc.Snapshot(); len(u.Ports) != 0 {
		t.Fatalf("lease leaked: %v", u.Ports)
	}
}

func TestStopDuringProbingReleasesOnce(t *testing.T) {
	h := newHarness(t, nil, "m")
	h.prober.gate = make(chan struct{})
	startErr := make(chan error, 1)
	go func() {
		_, err := h.s.Start(context.Background(), "m")
		startErr <- err
	}()
	waitPhase(t, h.s, "m", PhaseProbing)

	ctx := ctxT(t)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.s.Stop(ctx, "m"); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := <-startErr; !IsStopSuperseded(err) {
		t.Fatalf("start caller: expected superseded, got %v", err)
	}
	st, _ := h.s.Status("m")
	if st.State != types.StateStopped || st.Port != 0 {
		t.Fatalf("unexpected: %+v", st)
	}
	if got := h.launcher.proc(0).stops.Load(); got != 1 {
		t.Fatalf("process torn down %d times", got)
	}
	if u := h.alloc.Snapshot(); len(u.Ports) != 0 {
		t.Fatalf("lease leaked: %v", u.Ports)
	}
	names := h.events.Names("m")
	if names[len(names)-1] != "stopped" {
		t.Fatalf("last event %v", names)
	}
	stopped := 0
	for _, n := range names {
		if n == "stopped" {
			stopped++
		}
	}
	if stopped != 1 {
		t.Fatalf("stopped emitted %d times: %v", stopped, names)
	}
}

func TestCrashWhileRunningMarksFailed(t *testing.T) {
	h := newHarness(t, nil, "m")
	st, err := h.s.Start(ctxT(t), "m")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := st.Port

	h.launcher.proc(0).exit("signal: killed")
	waitPhase(t, h.s, "m", PhaseFailed)

	st, _ = h.s.Status("m")
	if st.State != types.StateFailed || st.Port != 0 || st.PID != 0 {
		t.Fatalf("unexpected: %+v", st)
	}
	if want := "backend exited unexpectedly: signal: killed"; st.LastError != want {
		t.Fatalf("lastError=%q want %q", st.LastError, want)
	}
	if u := h.alloc.Snapshot(); len(u.Ports) != 0 {
		t.Fatalf("lease leaked: %v", u.Ports)
	}

	// the freed port is reusable and Failed accepts a retry
	st, err = h.s.Start(ctxT(t), "m")
	if err != nil || st.Port != port || st.Starts != 2 {
		t.Fatalf("restart: %v %+v", err, st)
	}
}

func TestDistinctPortsAndReuse(t *testing.T) {
	h := newHarness(t, nil, "a", "b", "c")
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := h.s.Start(context.Background(), id); err != nil {
				t.Errorf("Start %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	a, _ := h.s.Status("a")
	b, _ := h.s.Status("b")
	if a.Port == 0 || a.Port == b.Port {
		t.Fatalf("ports a=%d b=%d", a.Port, b.Port)
	}

	if _, err := h.s.Stop(ctxT(t), "a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c, err := h.s.Start(ctxT(t), "c")
	if err != nil {
		t.Fatalf("Start c: %v", err)
	}
	if c.Port != a.Port {
		t.Fatalf("expected c to reuse port %d, got %d", a.Port, c.Port)
	}
}

func TestStartStopStart(t *testing.T) {
	h := newHarness(t, nil, "m")
	for i := 1; i <= 2; i++ {
		st, err := h.s.Start(ctxT(t), "m")
		if err != nil || st.State != types.StateRunning {
			t.Fatalf("start %d: %v %+v", i, err, st)
		}
		if st.Starts != uint64(i) {
			t.Fatalf("starts=%d want %d", st.Starts, i)
		}
		if _, err := h.s.Stop(ctxT(t), "m"); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if h.launcher.count() != 2 {
		t.Fatalf("launches=%d", h.launcher.count())
	}
}

func TestExclusiveSlotExhausted(t *testing.T) {
	h := newHarness(t, func(_ *Config, a *alloc.Config) {
		a.Slots = []string{"0"}
		a.Policy = alloc.PolicyExclusive
	}, "a", "b")
	if _, err := h.s.Start(ctxT(t), "a"); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	st, err := h.s.Start(ctxT(t), "b")
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if st.State != types.StateFailed {
		t.Fatalf("b state=%s", st.State)
	}
	if h.launcher.count() != 1 {
		t.Fatalf("b must not launch")
	}

	if _, err := h.s.Stop(ctxT(t), "a"); err != nil {
		t.Fatalf("Stop a: %v", err)
	}
	st, err = h.s.Start(ctxT(t), "b")
	if err != nil || st.ResourceUsage.Slot != "0" {
		t.Fatalf("Start b after stop: %v %+v", err, st)
	}
}

func TestProbeTimeoutFailsAtBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	iv := 50 * time.Millisecond
	h := newHarness(t, func(c *Config, a *alloc.Config) {
		// the only leasable port is the fake health server's
		a.PortStart, a.PortEnd = port, port
		c.ProbeHost = host
		c.Prober = probe.Prober{Interval: iv, Timeout: 2 * iv}
		c.ReadinessTimeout = 2 * iv
	}, "m")

	began := time.Now()
	st, err := h.s.Start(ctxT(t), "m")
	el := time.Since(began)
	if !IsReadinessTimeout(err) {
		t.Fatalf("expected readiness timeout, got %v", err)
	}
	if el < 2*iv || el > 2*iv+250*time.Millisecond {
		t.Fatalf("failed after %v, want about %v", el, 2*iv)
	}
	if st.State != types.StateFailed || st.LastError == "" {
		t.Fatalf("unexpected: %+v", st)
	}
	if got := h.launcher.proc(0).stops.Load(); got != 1 {
		t.Fatalf("backend killed %d times", got)
	}
	if u := h.alloc.Snapshot(); len(u.Ports) != 0 {
		t.Fatalf("lease leaked: %v", u.Ports)
	}
}

func TestProbeReachesRealHealthEndpoint(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	h := newHarness(t, func(c *Config, a *alloc.Config) {
		a.PortStart, a.PortEnd = port, port
		c.ProbeHost = host
		c.HealthPath = "/v1/models"
		c.Prober = probe.Prober{Interval: 10 * time.Millisecond, Timeout: time.Second}
	}, "m")
	if _, err := h.s.Start(ctxT(t), "m"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) == 0 || paths[0] != "/v1/models" {
		t.Fatalf("health paths %v", paths)
	}
}

func TestStartWhileStoppingReportsStatus(t *testing.T) {
	h := newHarness(t, nil, "m")
	h.prober.gate = make(chan struct{})
	h.prober.holdOnCancel = true
	startErr := make(chan error, 1)
	go func() {
		_, err := h.s.Start(context.Background(), "m")
		startErr <- err
	}()
	waitPhase(t, h.s, "m", PhaseProbing)

	ctx := ctxT(t)
	stopErr := make(chan error, 1)
	go func() {
		_, err := h.s.Stop(ctx, "m")
		stopErr <- err
	}()
	// the cancelled start has not unwound yet
	waitPhase(t, h.s, "m", PhaseStopping)

	st, err := h.s.Start(ctx, "m")
	if err != nil || st.State != types.StateStopping {
		t.Fatalf("Start while stopping: %v %+v", err, st)
	}
	st, err = h.s.StartAsync("m")
	if err != nil || st.State != types.StateStopping {
		t.Fatalf("StartAsync while stopping: %v %+v", err, st)
	}

	close(h.prober.gate)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-startErr; !IsStopSuperseded(err) {
		t.Fatalf("first start: expected superseded, got %v", err)
	}
	if h.launcher.count() != 1 {
		t.Fatalf("launches=%d", h.launcher.count())
	}
}

func TestShutdownCancelsBaseWhenStopFails(t *testing.T) {
	h := newHarness(t, nil, "m")
	if _, err := h.s.Start(ctxT(t), "m"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.launcher.proc(0)
	p.mu.Lock()
	p.stopErr = errors.New("kill: operation not permitted")
	p.mu.Unlock()

	if err := h.s.Shutdown(ctxT(t)); err == nil {
		t.Fatalf("expected the stop error")
	}
	select {
	case <-h.s.base.Done():
	default:
		t.Fatalf("base context still live after Shutdown")
	}
	if _, err := h.s.Start(ctxT(t), "m"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected shutting down, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to Phase }{
		{PhaseStopped, PhaseDownloading},
		{PhaseFailed, PhaseDownloading},
		{PhaseDownloading, PhaseLaunching},
		{PhaseDownloading, PhaseFailed},
		{PhaseLaunching, PhaseProbing},
		{PhaseProbing, PhaseRunning},
		{PhaseProbing, PhaseStopping},
		{PhaseRunning, PhaseFailed},
		{PhaseStopping, PhaseStopped},
	}
	for _, tc := range legal {
		if !tc.from.canTransition(tc.to) {
			t.Fatalf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}
	illegal := []struct{ from, to Phase }{
		{PhaseStopped, PhaseRunning},
		{PhaseStopped, PhaseStopping},
		{PhaseFailed, PhaseStopped},
		{PhaseRunning, PhaseStopped},
		{PhaseStopping, PhaseFailed},
		{PhaseStopping, PhaseRunning},
		{PhaseDownloading, PhaseRunning},
	}
	for _, tc := range illegal {
		if tc.from.canTransition(tc.to) {
			t.Fatalf("%s -> %s should be refused", tc.from, tc.to)
		}
	}
}

func TestIllegalTransitionRefused(t *testing.T) {
	h := newHarness(t, nil, "m")
	h.s.mu.Lock()
	r := h.s.models["m"]
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("expected panic for stopped -> running")
			}
		}()
		h.s.transition(r, PhaseRunning, nil)
	}()

	h.s.strict = false
	h.s.transition(r, PhaseRunning, nil)
	phase := r.phase
	h.s.mu.Unlock()
	if phase != PhaseStopped {
		t.Fatalf("phase=%s after refused transition", phase)
	}
	for _, n := range h.events.Names("m") {
		if n == "running" {
			t.Fatalf("refused transition published an event")
		}
	}
}
