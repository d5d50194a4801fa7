package types

// External lifecycle states. Downloading, launching and probing are coalesced
// into StateLoading; the exact internal label is carried in ModelStatus.Phase.
const (
	StateStopped  = "stopped"
	StateLoading  = "loading"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateFailed   = "failed"
)

// ResourceUsage reports what an active model currently consumes.
type ResourceUsage struct {
	// Compute slot assigned to the model ("shared" when no devices are configured).
	// example: 0
	Slot string `json:"slot,omitempty" example:"0"`
	// Resident memory of the backing process in bytes (best-effort, polled).
	// example: 4294967296
	MemoryBytes uint64 `json:"memory_bytes" example:"4294967296"`
}

// ModelStatus is the dashboard-facing view of one supervised model.
type ModelStatus struct {
	// Stable model identifier.
	// example: tinyllama-q4
	ID string `json:"id" example:"tinyllama-q4"`
	// Artifact reference resolved by the cache.
	// example: hf://TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF?include=*Q4_K_M.gguf
	ArtifactRef string `json:"artifact_ref,omitempty" example:"hf://TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF?include=*Q4_K_M.gguf"`
	// Coalesced lifecycle state: stopped, loading, running, stopping, failed.
	// example: running
	State string `json:"state" example:"running"`
	// Exact internal phase: stopped, downloading, launching, probing, running, stopping, failed.
	// example: running
	Phase string `json:"phase" example:"running"`
	// TCP port of the backing process while active.
	// example: 30001
	Port int `json:"port,omitempty" example:"30001"`
	// Process ID of the backing process while active.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Resource usage while active.
	ResourceUsage ResourceUsage `json:"resource_usage"`
	// Time the model last became ready (unix seconds, 0 when not running).
	// example: 1700000000
	StartedAt int64 `json:"started_at_unix,omitempty" example:"1700000000"`
	// Last failure description; cleared once the model reaches running.
	// example: readiness timeout after 2m0s
	LastError string `json:"last_error,omitempty" example:"readiness timeout after 2m0s"`
	// Number of start sequences that reached running.
	// example: 1
	Starts uint64 `json:"starts" example:"1"`
}

// Active reports whether the status corresponds to a model holding a port.
func (s ModelStatus) Active() bool {
	switch s.State {
	case StateLoading, StateRunning, StateStopping:
		return true
	}
	return false
}
