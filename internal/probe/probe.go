// Package probe waits for a backend's health endpoint to report ready.
package probe

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Result is the outcome of WaitReady.
type Result int

const (
	Ready Result = iota
	TimedOut
	Crashed
	Canceled
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Crashed:
		return "crashed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Defaults used when the corresponding Prober field is zero.
const (
	DefaultInterval = 500 * time.Millisecond
	DefaultTimeout  = 120 * time.Second
)

// Handle is the part of a process the prober watches.
type Handle interface {
	Done() <-chan struct{}
}

// Prober polls a URL until it answers 2xx.
type Prober struct {
	// Client must not set a Timeout; each attempt carries its own deadline.
	Client   *http.Client
	Interval time.Duration
	Timeout  time.Duration
}

func (p Prober) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

func (p Prober) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

// WaitReady polls target every interval. A crash of h preempts polling; the
// overall timeout is measured from the call and bounds every attempt.
func (p Prober) WaitReady(ctx context.Context, h Handle, target string) Result {
	cli := p.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	iv, limit := p.interval(), p.timeout()
	end := time.Now().Add(limit)
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(iv)
	defer tick.Stop()

	for {
		if r, done := p.check(ctx, h); done {
			return r
		}
		// a due deadline wins over a pending tick
		left := time.Until(end)
		if left <= 0 {
			return TimedOut
		}
		if attempt(ctx, cli, target, min(iv, left)) {
			return Ready
		}
		select {
		case <-ctx.Done():
			return Canceled
		case <-h.Done():
			return Crashed
		case <-deadline.C:
			return TimedOut
		case <-tick.C:
		}
	}
}

func (p Prober) check(ctx context.Context, h Handle) (Result, bool) {
	select {
	case <-ctx.Done():
		return Canceled, true
	case <-h.Done():
		return Crashed, true
	default:
		return 0, false
	}
}

func attempt(ctx context.Context, cli *http.Client, target string, limit time.Duration) bool {
	actx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := cli.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
