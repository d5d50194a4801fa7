// Package alloc hands out non-conflicting ports and compute-resource slots to
// models being started.
package alloc

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

// Policy controls how many models may share one resource slot.
type Policy string

const (
	PolicyExclusive Policy = "exclusive"
	PolicyShared    Policy = "shared"
)

// SharedSlot is the pseudo-slot used when no devices are configured.
const SharedSlot = "shared"

// Config describes the port range and slot pool.
type Config struct {
	Host      string
	PortStart int
	PortEnd   int
	// Slots lists device handles (e.g. GPU indices). Empty means one SharedSlot.
	Slots  []string
	Policy Policy
	// MaxPerSlot bounds concurrent models per slot under PolicyShared.
	MaxPerSlot int
	// SkipBound skips ports another process already listens on.
	SkipBound bool
}

// ExhaustedError reports that no port or slot is available.
type ExhaustedError struct {
	Resource string // "port" or "slot"
	Detail   string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted: %s", e.Resource, e.Detail)
}

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Allocator tracks assigned ports and per-slot occupancy.
type Allocator struct {
	mu       sync.Mutex
	cfg      Config
	slots    []string
	capacity int
	ports    map[int]string // port -> slot
	load     map[string]int // slot -> active models
	// portFree is swapped in tests; reports whether host:port can be bound.
	portFree func(host string, port int) bool
}

// New validates cfg and returns an Allocator.
func New(cfg Config) (*Allocator, error) {
	if cfg.PortStart <= 0 || cfg.PortEnd < cfg.PortStart || cfg.PortEnd > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortStart, cfg.PortEnd)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	slots := append([]string(nil), cfg.Slots...)
	if len(slots) == 0 {
		slots = []string{SharedSlot}
	}
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		if s == "" || seen[s] {
			return nil, fmt.Errorf("invalid or duplicate slot %q", s)
		}
		seen[s] = true
	}
	capacity := 1
	switch cfg.Policy {
	case PolicyExclusive:
	case PolicyShared, "":
		cfg.Policy = PolicyShared
		capacity = cfg.MaxPerSlot
		if capacity <= 0 {
			capacity = 1
		}
	default:
		return nil, fmt.Errorf("unknown assignment policy %q", cfg.Policy)
	}
	return &Allocator{
		cfg:      cfg,
		slots:    slots,
		capacity: capacity,
		ports:    make(map[int]string),
		load:     make(map[string]int, len(slots)),
		portFree: canBind,
	}, nil
}

// Lease is one acquired (port, slot) pair. Release is idempotent.
type Lease struct {
	Port int
	Slot string

	once sync.Once
	a    *Allocator
}

// Release returns the port and slot to the pool.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.a.Release(l.Port, l.Slot) })
}

// Acquire reserves the lowest free port and the least-loaded slot with capacity.
func (a *Allocator) Acquire() (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := ""
	best := a.capacity
	for _, s := range a.slots {
		if n := a.load[s]; n < best {
			slot, best = s, n
		}
	}
	if slot == "" {
		return nil, &ExhaustedError{Resource: "slot", Detail: fmt.Sprintf("%d slot(s) at %s capacity %d", len(a.slots), a.cfg.Policy, a.capacity)}
	}
	for p := a.cfg.PortStart; p <= a.cfg.PortEnd; p++ {
		if _, used := a.ports[p]; used {
			continue
		}
		if a.cfg.SkipBound && !a.portFree(a.cfg.Host, p) {
			continue
		}
		a.ports[p] = slot
		a.load[slot]++
		return &Lease{Port: p, Slot: slot, a: a}, nil
	}
	return nil, &ExhaustedError{Resource: "port", Detail: fmt.Sprintf("no free port in range %d-%d", a.cfg.PortStart, a.cfg.PortEnd)}
}

// Release frees port and its slot occupancy. Releasing an unknown or already
// released port is a no-op.
func (a *Allocator) Release(port int, slot string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.ports[port]
	if !ok || owner != slot {
		return
	}
	delete(a.ports, port)
	if a.load[slot] > 0 {
		a.load[slot]--
	}
}

// Usage is a point-in-time view of allocator occupancy.
type Usage struct {
	Ports     []int
	SlotLoad  map[string]int
	Capacity  int
	Policy    Policy
	PortStart int
	PortEnd   int
}

// Snapshot returns current occupancy.
func (a *Allocator) Snapshot() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := Usage{
		SlotLoad:  make(map[string]int, len(a.slots)),
		Capacity:  a.capacity,
		Policy:    a.cfg.Policy,
		PortStart: a.cfg.PortStart,
		PortEnd:   a.cfg.PortEnd,
	}
	for p := range a.ports {
		u.Ports = append(u.Ports, p)
	}
	sort.Ints(u.Ports)
	for _, s := range a.slots {
		u.SlotLoad[s] = a.load[s]
	}
	return u
}

func canBind(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
