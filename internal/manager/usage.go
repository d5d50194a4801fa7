package manager

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"modelvisor/pkg/types"
)

// processRSS reports the resident set size of pid.
func processRSS(ctx context.Context, pid int) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// Run polls resource usage until ctx ends. It returns immediately when
// polling is disabled.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cfg.PollInterval < 0 {
		return
	}
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.base.Done():
			return
		case <-t.C:
			s.pollUsage(ctx)
		}
	}
}

// Refresh polls resource usage immediately and returns the updated list.
func (s *Supervisor) Refresh(ctx context.Context) []types.ModelStatus {
	s.pollUsage(ctx)
	return s.List()
}

type usageTarget struct {
	r   *record
	pid int
}

func (s *Supervisor) pollUsage(ctx context.Context) {
	s.mu.RLock()
	var targets []usageTarget
	for _, r := range s.models {
		if r.pid != 0 && (r.phase == PhaseProbing || r.phase == PhaseRunning) {
			targets = append(targets, usageTarget{r: r, pid: r.pid})
		}
	}
	s.mu.RUnlock()

	mem := make([]uint64, len(targets))
	ok := make([]bool, len(targets))
	for i, t := range targets {
		v, err := s.cfg.MemoryUsage(ctx, t.pid)
		if err != nil {
			s.log.Debug().Str("event", "usage_poll").Str("model", t.r.spec.ID).Int("pid", t.pid).Err(err).Msg("memory usage unavailable")
			continue
		}
		mem[i], ok[i] = v, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range targets {
		// the process may have been replaced while polling
		if !ok[i] || t.r.pid != t.pid {
			continue
		}
		t.r.memBytes = mem[i]
		modelMemory.WithLabelValues(t.r.spec.ID).Set(float64(mem[i]))
	}
	s.lastPoll = time.Now()
}

// LastPoll is the time of the most recent usage poll.
func (s *Supervisor) LastPoll() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPoll
}
