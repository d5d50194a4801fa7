package manager

import (
	"context"
	"slices"
	"sync"
	"time"

	"modelvisor/internal/alloc"
	"modelvisor/pkg/types"
)

// Phase is the exact lifecycle state of a model.
type Phase string

const (
	PhaseStopped     Phase = "stopped"
	PhaseDownloading Phase = "downloading"
	PhaseLaunching   Phase = "launching"
	PhaseProbing     Phase = "probing"
	PhaseRunning     Phase = "running"
	PhaseStopping    Phase = "stopping"
	PhaseFailed      Phase = "failed"
)

// External maps the phase onto the coarse state shown to dashboards.
func (p Phase) External() string {
	switch p {
	case PhaseDownloading, PhaseLaunching, PhaseProbing:
		return types.StateLoading
	case PhaseRunning:
		return types.StateRunning
	case PhaseStopping:
		return types.StateStopping
	case PhaseFailed:
		return types.StateFailed
	default:
		return types.StateStopped
	}
}

// Active reports whether a record in this phase may hold a port.
func (p Phase) Active() bool {
	switch p {
	case PhaseLaunching, PhaseProbing, PhaseRunning, PhaseStopping:
		return true
	}
	return false
}

// transitions lists the phases reachable from each phase.
var transitions = map[Phase][]Phase{
	PhaseStopped:     {PhaseDownloading},
	PhaseFailed:      {PhaseDownloading},
	PhaseDownloading: {PhaseLaunching, PhaseStopping, PhaseFailed},
	PhaseLaunching:   {PhaseProbing, PhaseStopping, PhaseFailed},
	PhaseProbing:     {PhaseRunning, PhaseStopping, PhaseFailed},
	PhaseRunning:     {PhaseStopping, PhaseFailed},
	PhaseStopping:    {PhaseStopped},
}

// canTransition reports whether p may move to phase to.
func (p Phase) canTransition(to Phase) bool {
	return slices.Contains(transitions[p], to)
}

// inactive phases accept a new start sequence.
func (p Phase) inactive() bool { return p == PhaseStopped || p == PhaseFailed }

// ModelSpec is a model known to the supervisor.
type ModelSpec struct {
	ID          string
	ArtifactRef string
	// Args and Env are appended to the backend command line and environment.
	Args []string
	Env  []string
}

// call is an in-flight start or stop sequence that later callers join.
type call struct {
	done chan struct{}
	err  error
}

func newCall() *call { return &call{done: make(chan struct{})} }

// record is the registry entry for one model id. All fields except op are
// guarded by Supervisor.mu.
type record struct {
	spec ModelSpec
	// next is a spec registered while the record was busy. It replaces spec
	// when the next start sequence begins.
	next *ModelSpec

	phase     Phase
	port      int
	slot      string
	pid       int
	lease     *alloc.Lease
	proc      Process
	lastError string
	startedAt time.Time
	updatedAt time.Time
	memBytes  uint64
	starts    uint64

	start  *call
	cancel context.CancelFunc
	stop   *call

	// op serializes start and stop sequences; holding it means owning the
	// sequence, not the registry fields.
	op sync.Mutex
}

func newRecord(spec ModelSpec) *record {
	return &record{spec: spec, phase: PhaseStopped, updatedAt: time.Now()}
}

// busy reports whether a sequence is running or the record holds resources.
func (r *record) busy() bool {
	return r.start != nil || r.stop != nil || r.proc != nil || r.lease != nil || !r.phase.inactive()
}
