package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/connectivity"

	"github.com/grpclink/grpclink/resolver"
)

// Config configures a Manager.
type Config struct {
	// Policy names the load balancing policy; empty means pick-first. The
	// name must be registered via RegisterPolicy.
	Policy string
	// Dial probes backend reachability. Nil means a plain TCP dial.
	Dial DialFunc
	// OnResolveAgain, if set, is invoked (once per event, without the
	// manager lock) when the manager wants an earlier re-resolution, e.g.
	// after a rejected update or a resolution error.
	OnResolveAgain func()
}

// Manager owns the subchannel set for one channel. It consumes resolution
// results as a resolver.Listener, reconciles subchannels against each result,
// delegates connection strategy and picking to the configured policy, and
// aggregates connectivity state.
type Manager struct {
	policy Policy
	dial   DialFunc
	again  func()

	mu       sync.Mutex
	scs      []*Subchannel // ordered per the latest resolution
	draining map[*Subchannel]struct{}
	picker   Picker
	state    connectivity.State
	blockCh  chan struct{} // closed and replaced on every picker swap
	subs     map[int]func(connectivity.State)
	nextSub  int
	closed   bool
}

// New creates a manager. It returns an error if the named policy is not
// registered.
func New(cfg Config) (*Manager, error) {
	name := cfg.Policy
	if name == "" {
		name = PickFirstName
	}
	pb := GetPolicy(name)
	if pb == nil {
		return nil, fmt.Errorf("balancer: unknown policy %q", name)
	}
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDial
	}
	return &Manager{
		policy:   pb(),
		dial:     dial,
		again:    cfg.OnResolveAgain,
		draining: map[*Subchannel]struct{}{},
		picker:   errPicker{ErrNoSubchannel},
		state:    connectivity.Idle,
		blockCh:  make(chan struct{}),
		subs:     map[int]func(connectivity.State){},
	}, nil
}

// UpdateState implements resolver.Listener. It reconciles the subchannel set
// against the new address list: new addresses become Idle subchannels,
// addresses no longer present are shut down immediately when they have no
// in-flight calls and after drain otherwise.
func (m *Manager) UpdateState(s resolver.State) error {
	if len(s.Addresses) == 0 {
		m.ReportError(errors.New("balancer: resolver produced no addresses"))
		return errors.New("balancer: empty address list")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("balancer: closed")
	}

	existing := make(map[string]*Subchannel, len(m.scs))
	for _, sc := range m.scs {
		existing[sc.addr.Addr] = sc
	}

	next := make([]*Subchannel, 0, len(s.Addresses))
	seen := make(map[string]struct{}, len(s.Addresses))
	for _, addr := range s.Addresses {
		if _, dup := seen[addr.Addr]; dup {
			continue
		}
		seen[addr.Addr] = struct{}{}
		if sc, ok := existing[addr.Addr]; ok {
			next = append(next, sc)
			continue
		}
		next = append(next, newSubchannel(m, addr))
	}

	var toShutdown []*Subchannel
	for addr, sc := range existing {
		if _, keep := seen[addr]; keep {
			continue
		}
		if sc.markDraining() {
			toShutdown = append(toShutdown, sc)
		} else {
			m.draining[sc] = struct{}{}
		}
	}

	m.scs = next
	notify := m.rebuildLocked()
	m.mu.Unlock()

	notify()
	for _, sc := range toShutdown {
		sc.shutdown()
	}
	return nil
}

// ReportError implements resolver.Listener. Existing subchannels are kept;
// stale addresses beat no addresses.
func (m *Manager) ReportError(err error) {
	logger.Warningf("resolution error: %v", err)
	if m.again != nil {
		m.again()
	}
}

// Pick selects a Ready subchannel for one call, blocking until one becomes
// available or ctx is done. The returned release function must be called
// when the call finishes.
func (m *Manager) Pick(ctx context.Context) (*Subchannel, func(), error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, nil, errors.New("balancer: closed")
		}
		p, ch := m.picker, m.blockCh
		m.mu.Unlock()

		sc, err := p.Pick()
		if err == nil {
			if sc.acquire() {
				return sc, sc.release, nil
			}
			// shut down between pick and acquire; retry on the next picker
		} else if !errors.Is(err, ErrNoSubchannel) {
			return nil, nil, err
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ch:
		}
	}
}

// State returns the aggregate connectivity state: Ready if any subchannel is
// Ready, else Connecting if any is Connecting, else TransientFailure if all
// are TransientFailure, else Idle.
func (m *Manager) State() connectivity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn to be called synchronously on every aggregate state
// change, starting with an immediate call carrying the current state. The
// returned function cancels the subscription.
func (m *Manager) Subscribe(fn func(connectivity.State)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	st := m.state
	m.mu.Unlock()

	fn(st)
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Subchannels returns a snapshot of the current subchannel list, in
// resolution order.
func (m *Manager) Subchannels() []*Subchannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subchannel, len(m.scs))
	copy(out, m.scs)
	return out
}

// Close shuts down every subchannel and unblocks pending picks.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	scs := m.scs
	m.scs = nil
	var drain []*Subchannel
	for sc := range m.draining {
		drain = append(drain, sc)
	}
	m.draining = map[*Subchannel]struct{}{}
	close(m.blockCh)
	m.blockCh = make(chan struct{})
	m.mu.Unlock()

	for _, sc := range scs {
		sc.shutdown()
	}
	for _, sc := range drain {
		sc.shutdown()
	}
}

// subchannelStateChanged is called from probe goroutines after a state
// transition.
func (m *Manager) subchannelStateChanged(sc *Subchannel) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	notify := m.rebuildLocked()
	m.mu.Unlock()
	notify()
}

// drained is called when the last in-flight call on a draining subchannel
// finishes.
func (m *Manager) drained(sc *Subchannel) {
	m.mu.Lock()
	delete(m.draining, sc)
	m.mu.Unlock()
}

// rebuildLocked asks the policy for a fresh picker, recomputes the aggregate
// state, and unblocks pending picks. Caller holds m.mu. The returned function
// notifies subscribers and must be called after releasing m.mu, so that a
// subscriber may call back into the manager.
func (m *Manager) rebuildLocked() func() {
	m.picker = m.policy.Rebuild(m.scs)
	close(m.blockCh)
	m.blockCh = make(chan struct{})

	st := aggregateState(m.scs)
	if st == m.state {
		return func() {}
	}
	m.state = st
	logger.Infof("aggregate connectivity state -> %v", st)
	fns := make([]func(connectivity.State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(st)
		}
	}
}

func aggregateState(scs []*Subchannel) connectivity.State {
	if len(scs) == 0 {
		return connectivity.Idle
	}
	failures := 0
	anyConnecting := false
	for _, sc := range scs {
		switch sc.State() {
		case connectivity.Ready:
			return connectivity.Ready
		case connectivity.Connecting:
			anyConnecting = true
		case connectivity.TransientFailure:
			failures++
		}
	}
	if anyConnecting {
		return connectivity.Connecting
	}
	if failures == len(scs) {
		return connectivity.TransientFailure
	}
	return connectivity.Idle
}
