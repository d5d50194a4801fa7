package manager

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"modelvisor/pkg/types"
)

// Stop brings model id to Stopped. It is a no-op for Stopped and Failed
// models. Otherwise it marks the record Stopping, cancels any in-flight start
// and waits for the teardown, which continues in the background if ctx ends
// first.
func (s *Supervisor) Stop(ctx context.Context, id string) (types.ModelStatus, error) {
	s.mu.Lock()
	r, ok := s.models[id]
	if !ok {
		s.mu.Unlock()
		return types.ModelStatus{}, ErrModelNotFound(id)
	}
	c := r.stop
	if c == nil && !r.phase.inactive() {
		c = newCall()
		r.stop = c
		s.transition(r, PhaseStopping, nil)
		if r.cancel != nil {
			r.cancel()
		}
		go s.runStop(r, c)
	}
	s.mu.Unlock()

	var err error
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

// runStop waits for any start sequence to let go of r, then terminates the
// process (SIGTERM, grace, SIGKILL) and releases the lease.
func (s *Supervisor) runStop(r *record, c *call) {
	r.op.Lock()
	defer r.op.Unlock()

	s.mu.Lock()
	proc, lease := r.proc, r.lease
	r.proc, r.lease = nil, nil
	s.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Stop(context.Background(), s.cfg.StopGrace)
		if err != nil {
			s.log.Warn().Str("event", "stop_error").Str("model", r.spec.ID).Err(err).Msg("terminate backend")
		}
	}
	lease.Release()

	s.mu.Lock()
	r.stop = nil
	s.transition(r, PhaseStopped, nil)
	s.mu.Unlock()
	c.err = err
	close(c.done)
}

// Shutdown refuses new starts and stops every model in parallel. It returns
// once all backends are gone or ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ids := make([]string, 0, len(s.models))
	for id, r := range s.models {
		if !r.phase.inactive() || r.start != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	s.log.Info().Str("event", "shutdown").Strs("models", ids).Msg("stopping all models")

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.Stop(gctx, id)
			return err
		})
	}
	err := g.Wait()
	s.cancelBase()
	return err
}
