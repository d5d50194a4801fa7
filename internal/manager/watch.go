package manager

// watchExit fails a Running record whose process exits on its own. Exits
// during probing belong to the start sequence and exits during stopping to
// the stop sequence.
func (s *Supervisor) watchExit(r *record, proc Process) {
	<-proc.Done()
	reason := proc.ExitReason()

	s.mu.Lock()
	if r.proc != proc || r.phase != PhaseRunning {
		s.mu.Unlock()
		return
	}
	lease := r.lease
	r.proc, r.lease = nil, nil
	r.lastError = "backend exited unexpectedly: " + reason
	crashesTotal.Inc()
	s.transition(r, PhaseFailed, map[string]any{"error": r.lastError})
	s.mu.Unlock()
	lease.Release()
}
