package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"modelvisor/internal/launcher"
	"modelvisor/internal/probe"
	"modelvisor/pkg/types"
)

// Start brings model id to Running. It is a no-op for models already loading,
// running or stopping; concurrent callers join the in-flight sequence and
// receive its outcome. A stopping model reports its current status. The sequence keeps running if ctx ends first.
func (s *Supervisor) Start(ctx context.Context, id string) (types.ModelStatus, error) {
	c, err := s.beginStart(id)
	if err != nil {
		return types.ModelStatus{}, err
	}
	if c != nil {
		select {
		case <-c.done:
			err = c.err
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	st, serr := s.Status(id)
	if err == nil {
		err = serr
	}
	return st, err
}

// StartAsync begins (or joins) the start sequence and returns immediately.
func (s *Supervisor) StartAsync(id string) (types.ModelStatus, error) {
	if _, err := s.beginStart(id); err != nil {
		return types.ModelStatus{}, err
	}
	return s.Status(id)
}

// beginStart returns the in-flight start call for id, creating one when the
// model is Stopped or Failed. A nil call means there is nothing to wait for.
func (s *Supervisor) beginStart(id string) (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}
	r, ok := s.models[id]
	if !ok {
		if !s.cfg.AllowAdhoc {
			return nil, ErrModelNotFound(id)
		}
		spec := ModelSpec{ID: id, ArtifactRef: id}
		if err := validSpec(spec); err != nil {
			return nil, ErrModelNotFound(id)
		}
		r = newRecord(spec)
		s.models[id] = r
		s.log.Info().Str("event", "adhoc_model").Str("model", id).Msg("model created on demand")
	}
	if r.phase == PhaseStopping {
		return nil, nil
	}
	if r.start != nil {
		return r.start, nil
	}
	if !r.phase.inactive() {
		return nil, nil
	}
	if r.next != nil {
		r.spec, r.next = *r.next, nil
	}
	c := newCall()
	ctx, cancel := context.WithCancel(s.base)
	r.start, r.cancel = c, cancel
	s.transition(r, PhaseDownloading, nil)
	go s.runStart(ctx, r, c)
	return c, nil
}

func (s *Supervisor) runStart(ctx context.Context, r *record, c *call) {
	began := time.Now()
	r.op.Lock()
	err := s.startSequence(ctx, r)
	s.mu.Lock()
	r.start = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	s.mu.Unlock()
	r.op.Unlock()

	result := "ok"
	switch {
	case err == nil:
		startDuration.Observe(time.Since(began).Seconds())
	case IsStopSuperseded(err):
		result = "superseded"
	default:
		result = "failed"
	}
	startsTotal.WithLabelValues(result).Inc()
	c.err = err
	close(c.done)
}

// startSequence drives r from Downloading to Running. Whenever it observes
// Stopping it returns without touching the process or lease: the stop
// sequence, waiting on r.op, tears them down.
func (s *Supervisor) startSequence(ctx context.Context, r *record) error {
	s.mu.RLock()
	spec, phase := r.spec, r.phase
	s.mu.RUnlock()
	id := spec.ID
	if phase != PhaseDownloading || ctx.Err() != nil {
		return stopSupersededError{id: id}
	}

	dir, err := s.cfg.Cache.Resolve(ctx, spec.ArtifactRef)
	if err != nil {
		return s.fail(r, PhaseDownloading, err)
	}

	lease, err := s.cfg.Allocator.Acquire()
	if err != nil {
		return s.fail(r, PhaseDownloading, err)
	}
	s.mu.Lock()
	if r.phase != PhaseDownloading {
		s.mu.Unlock()
		lease.Release()
		return stopSupersededError{id: id}
	}
	r.lease, r.port, r.slot = lease, lease.Port, lease.Slot
	s.transition(r, PhaseLaunching, map[string]any{"slot": lease.Slot})
	s.mu.Unlock()

	proc, err := s.cfg.Launcher.Launch(ctx, launcher.Spec{
		ModelID:      id,
		ArtifactPath: s.cfg.EntryPoint(dir),
		Port:         lease.Port,
		Slot:         lease.Slot,
		Args:         spec.Args,
		Env:          spec.Env,
	})
	if err != nil {
		if ctx.Err() == nil && !IsLaunch(err) {
			err = &launcher.LaunchError{ModelID: id, Err: err}
		}
		return s.fail(r, PhaseLaunching, err)
	}

	s.mu.Lock()
	r.proc, r.pid = proc, proc.PID()
	if r.phase != PhaseLaunching {
		// stop arrived while spawning; it owns proc now
		s.mu.Unlock()
		return stopSupersededError{id: id}
	}
	s.transition(r, PhaseProbing, nil)
	s.mu.Unlock()
	go s.watchExit(r, proc)

	target := "http://" + net.JoinHostPort(s.cfg.ProbeHost, strconv.Itoa(lease.Port)) + s.cfg.HealthPath
	res := s.cfg.Prober.WaitReady(ctx, proc, target)

	s.mu.Lock()
	if r.phase != PhaseProbing || r.proc != proc {
		s.mu.Unlock()
		return stopSupersededError{id: id}
	}
	if res == probe.Ready && exited(proc) {
		res = probe.Crashed
	}
	switch res {
	case probe.Ready:
		r.lastError = ""
		r.startedAt = time.Now()
		r.starts++
		s.transition(r, PhaseRunning, map[string]any{"target": target})
		s.mu.Unlock()
		return nil
	case probe.Crashed:
		s.mu.Unlock()
		return s.failProcess(r, proc, &launcher.LaunchError{ModelID: id, Err: errors.New("backend exited before ready: " + proc.ExitReason())})
	case probe.TimedOut:
		s.mu.Unlock()
		return s.failProcess(r, proc, readinessTimeoutError{id: id, after: s.cfg.ReadinessTimeout})
	default:
		s.mu.Unlock()
		if ctx.Err() != nil && s.stopping(r) {
			return stopSupersededError{id: id}
		}
		return s.failProcess(r, proc, fmt.Errorf("readiness probe %s", res))
	}
}

// fail moves r from phase `at` to Failed, releasing any lease it holds. If a
// stop got there first the start is reported as superseded instead.
func (s *Supervisor) fail(r *record, at Phase, cause error) error {
	s.mu.Lock()
	if r.phase != at {
		s.mu.Unlock()
		return stopSupersededError{id: r.spec.ID}
	}
	lease := r.lease
	r.lease = nil
	r.lastError = cause.Error()
	s.transition(r, PhaseFailed, map[string]any{"error": cause.Error()})
	s.mu.Unlock()
	lease.Release()
	return cause
}

// failProcess claims proc and the lease from r, kills the process and
// records Failed, unless a stop arrived meanwhile.
func (s *Supervisor) failProcess(r *record, proc Process, cause error) error {
	s.mu.Lock()
	if r.proc != proc {
		s.mu.Unlock()
		return stopSupersededError{id: r.spec.ID}
	}
	lease := r.lease
	r.proc, r.lease = nil, nil
	s.mu.Unlock()

	// no grace: the backend never became healthy
	_ = proc.Stop(context.Background(), 0)
	lease.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.phase == PhaseStopping {
		// the pending stop finds nothing left to tear down and records Stopped
		return stopSupersededError{id: r.spec.ID}
	}
	r.lastError = cause.Error()
	s.transition(r, PhaseFailed, map[string]any{"error": cause.Error()})
	return cause
}

func (s *Supervisor) stopping(r *record) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return r.phase == PhaseStopping
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
