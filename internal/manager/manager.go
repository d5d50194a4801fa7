package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelvisor/internal/common/logging"
	"modelvisor/pkg/types"
)

// Supervisor owns the model registry and drives every model through its
// lifecycle.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	models   map[string]*record
	closing  bool
	lastPoll time.Time
	strict   bool

	// base parents every start sequence; canceled once Shutdown completes.
	base       context.Context
	cancelBase context.CancelFunc
	startTime  time.Time
}

// New validates cfg and builds a Supervisor with the configured models in
// the Stopped state.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Cache == nil || cfg.Launcher == nil || cfg.Allocator == nil {
		return nil, errors.New("manager: cache, launcher and allocator are required")
	}
	cfg.applyDefaults()
	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:        cfg,
		log:        logging.OrNop(cfg.Logger).With().Str("component", "supervisor").Logger(),
		models:     make(map[string]*record),
		base:       base,
		cancelBase: cancel,
		startTime:  time.Now(),
		strict:     strictTransitions,
	}
	for _, spec := range cfg.Models {
		if err := validSpec(spec); err != nil {
			cancel()
			return nil, err
		}
		if _, dup := s.models[spec.ID]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate model id %q", spec.ID)
		}
		s.models[spec.ID] = newRecord(spec)
		modelUp.WithLabelValues(spec.ID).Set(0)
	}
	return s, nil
}

func validSpec(spec ModelSpec) error {
	if strings.TrimSpace(spec.ID) == "" {
		return errors.New("model id is empty")
	}
	if strings.ContainsAny(spec.ID, "/\\") {
		return fmt.Errorf("model id %q must not contain path separators", spec.ID)
	}
	if strings.TrimSpace(spec.ArtifactRef) == "" {
		return fmt.Errorf("model %q has no artifact reference", spec.ID)
	}
	return nil
}

// Ready reports whether the supervisor accepts lifecycle requests.
func (s *Supervisor) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closing
}

// Uptime is the time since New.
func (s *Supervisor) Uptime() time.Duration { return time.Since(s.startTime) }

// List returns the status of every tracked model, sorted by id.
func (s *Supervisor) List() []types.ModelStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ModelStatus, 0, len(s.models))
	for _, r := range s.models {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the status of one model.
func (s *Supervisor) Status(id string) (types.ModelStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.models[id]
	if !ok {
		return types.ModelStatus{}, ErrModelNotFound(id)
	}
	return r.status(), nil
}

// Phase returns the exact phase of one model.
func (s *Supervisor) Phase(id string) (Phase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.models[id]
	if !ok {
		return "", false
	}
	return r.phase, true
}

// RegisterResult summarizes a Register call.
type RegisterResult struct {
	Added   []string
	Updated []string
	Removed []string
	// Kept lists ids dropped from the configuration that are still active.
	Kept []string
	// Pending lists active ids whose changed spec waits for their next start.
	Pending []string
}

// Register merges a freshly loaded model list into the registry. New ids are
// added; inactive records pick up changed artifact references and arguments;
// inactive ids missing from specs are forgotten. Active records are never
// touched: their new spec applies on the next start.
func (s *Supervisor) Register(specs []ModelSpec) (RegisterResult, error) {
	want := make(map[string]ModelSpec, len(specs))
	for _, spec := range specs {
		if err := validSpec(spec); err != nil {
			return RegisterResult{}, err
		}
		if _, dup := want[spec.ID]; dup {
			return RegisterResult{}, fmt.Errorf("duplicate model id %q", spec.ID)
		}
		want[spec.ID] = spec
	}

	var res RegisterResult
	s.mu.Lock()
	for id, spec := range want {
		r, ok := s.models[id]
		if !ok {
			s.models[id] = newRecord(spec)
			modelUp.WithLabelValues(id).Set(0)
			res.Added = append(res.Added, id)
			continue
		}
		if specEqual(r.spec, spec) {
			r.next = nil
			continue
		}
		if r.busy() {
			next := spec
			r.next = &next
			res.Pending = append(res.Pending, id)
			continue
		}
		r.spec, r.next = spec, nil
		r.updatedAt = time.Now()
		res.Updated = append(res.Updated, id)
	}
	for id, r := range s.models {
		if _, ok := want[id]; ok {
			continue
		}
		if r.busy() {
			res.Kept = append(res.Kept, id)
			continue
		}
		s.forgetLocked(id)
		res.Removed = append(res.Removed, id)
	}
	s.mu.Unlock()

	for _, l := range [][]string{res.Added, res.Updated, res.Removed, res.Kept, res.Pending} {
		sort.Strings(l)
	}
	s.log.Info().Str("event", "register").Strs("added", res.Added).Strs("updated", res.Updated).
		Strs("removed", res.Removed).Strs("kept", res.Kept).Strs("pending", res.Pending).Msg("model list merged")
	return res, nil
}

func specEqual(a, b ModelSpec) bool {
	return a.ID == b.ID && a.ArtifactRef == b.ArtifactRef &&
		strings.Join(a.Args, "\x00") == strings.Join(b.Args, "\x00") &&
		strings.Join(a.Env, "\x00") == strings.Join(b.Env, "\x00")
}

// Forget drops a Stopped or Failed record that holds no resources.
func (s *Supervisor) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.models[id]
	if !ok {
		return ErrModelNotFound(id)
	}
	if r.busy() {
		return modelBusyError{id: id, phase: r.phase}
	}
	s.forgetLocked(id)
	return nil
}

func (s *Supervisor) forgetLocked(id string) {
	delete(s.models, id)
	modelUp.DeleteLabelValues(id)
	modelMemory.DeleteLabelValues(id)
	s.cfg.Publisher.Publish(newEvent("forgotten", id, nil))
}

// strictTransitions makes supervisors built by New panic on an illegal
// transition.
var strictTransitions bool

// transition moves r to phase `to` and emits the matching log line, metric
// and event. Moves missing from the transition table are refused. Callers
// hold s.mu.
func (s *Supervisor) transition(r *record, to Phase, fields map[string]any) {
	from := r.phase
	if !from.canTransition(to) {
		if s.strict {
			panic(fmt.Sprintf("model %s: illegal transition %s -> %s", r.spec.ID, from, to))
		}
		s.log.Error().Str("event", "illegal_transition").Str("model", r.spec.ID).
			Str("from", string(from)).Str("to", string(to)).Msg("transition refused")
		return
	}
	r.phase = to
	r.updatedAt = time.Now()
	if !to.Active() {
		r.port, r.slot, r.pid, r.memBytes = 0, "", 0, 0
		r.startedAt = time.Time{}
		modelMemory.WithLabelValues(r.spec.ID).Set(0)
	}
	if to == PhaseRunning {
		modelUp.WithLabelValues(r.spec.ID).Set(1)
	} else {
		modelUp.WithLabelValues(r.spec.ID).Set(0)
	}
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()

	if fields == nil {
		fields = map[string]any{}
	}
	fields["from"] = string(from)
	if r.port != 0 {
		fields["port"] = r.port
	}
	if r.pid != 0 {
		fields["pid"] = r.pid
	}
	ev := s.log.Info()
	if to == PhaseFailed {
		ev = s.log.Warn()
	}
	ev.Str("event", "transition").Str("model", r.spec.ID).Str("to", string(to)).
		Fields(fields).Msg("model " + string(to))
	s.cfg.Publisher.Publish(newEvent(string(to), r.spec.ID, fields))
}
