package manager

import "modelvisor/pkg/types"

// status projects r onto the wire type. Callers hold the registry lock.
func (r *record) status() types.ModelStatus {
	st := types.ModelStatus{
		ID:          r.spec.ID,
		ArtifactRef: r.spec.ArtifactRef,
		State:       r.phase.External(),
		Phase:       string(r.phase),
		LastError:   r.lastError,
		Starts:      r.starts,
	}
	if r.phase.Active() {
		st.Port = r.port
		st.PID = r.pid
		st.ResourceUsage = types.ResourceUsage{Slot: r.slot, MemoryBytes: r.memBytes}
	}
	if r.phase == PhaseRunning && !r.startedAt.IsZero() {
		st.StartedAt = r.startedAt.Unix()
	}
	return st
}
