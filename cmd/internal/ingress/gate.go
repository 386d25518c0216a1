package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the admission state of a Gate.
type State int

const (
	Accepting State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrDrainTimeout is returned by Drain when admitted requests outlive the timeout.
var ErrDrainTimeout = errors.New("drain timed out")

// Gate admits requests while accepting and tracks them until they finish.
type Gate struct {
	mu      sync.Mutex
	state   State
	active  int
	idle    chan struct{}
	onState func(State)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithStateHook registers fn to be called after every state transition.
func WithStateHook(fn func(State)) GateOption {
	return func(g *Gate) {
		g.onState = fn
	}
}

// NewGate returns a Gate in the Accepting state.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{idle: make(chan struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Admit registers a request. ok is false once draining has begun; otherwise
// release must be called exactly once when the request finishes. Extra calls
// to release are ignored.
func (g *Gate) Admit() (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Accepting {
		return nil, false
	}
	g.active++

	var once sync.Once
	return func() { once.Do(g.done) }, true
}

func (g *Gate) done() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active--
	if g.active == 0 && g.state != Accepting {
		g.closeIdleLocked()
	}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Active returns the number of admitted, unfinished requests.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Drain stops admitting requests and waits until the admitted ones finish,
// timeout elapses, or ctx is done.
func (g *Gate) Drain(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if g.state == Accepting {
		g.state = Draining
		if g.active == 0 {
			g.closeIdleLocked()
		}
		g.notifyLocked()
	}
	idle := g.idle
	g.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-idle:
		return nil
	case <-timer:
		return fmt.Errorf("%w: %d request(s) still active", ErrDrainTimeout, g.Active())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop moves the gate to Stopped and runs closers in order. It returns the
// joined closer errors. Only the first call runs the closers.
func (g *Gate) Stop(closers ...func() error) error {
	g.mu.Lock()
	if g.state == Stopped {
		g.mu.Unlock()
		return nil
	}
	g.state = Stopped
	if g.active == 0 {
		g.closeIdleLocked()
	}
	g.notifyLocked()
	g.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gate) closeIdleLocked() {
	select {
	case <-g.idle:
	default:
		close(g.idle)
	}
}

func (g *Gate) notifyLocked() {
	if g.onState != nil {
		g.onState(g.state)
	}
}
