package balancer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/connectivity"

	"github.com/grpclink/grpclink/resolver"
)

// DialFunc probes reachability of one backend address. It is used to drive
// the Idle -> Connecting -> Ready/TransientFailure transitions; the actual
// RPC traffic flows over the channel's HTTP transport, which maintains its
// own connections.
type DialFunc func(ctx context.Context, addr string) error

// defaultDial opens and immediately closes a TCP connection.
func defaultDial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Subchannel is one resolved backend address plus its connectivity state.
// State transitions happen on the manager's behalf: the manager (under its
// own lock) starts connection attempts, and the probe goroutine reports
// outcomes back through Manager.subchannelStateChanged.
type Subchannel struct {
	mgr  *Manager
	addr resolver.Address

	ctx    context.Context
	cancel context.CancelFunc
	boff   *backoff.ExponentialBackOff

	mu       sync.Mutex
	state    connectivity.State
	inflight int
	draining bool
}

func newSubchannel(mgr *Manager, addr resolver.Address) *Subchannel {
	ctx, cancel := context.WithCancel(context.Background())
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0
	return &Subchannel{
		mgr:    mgr,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
		boff:   boff,
		state:  connectivity.Idle,
	}
}

// Addr returns the backend address in host:port form.
func (s *Subchannel) Addr() string { return s.addr.Addr }

// State returns the current connectivity state.
func (s *Subchannel) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connect starts a connection attempt if the subchannel is Idle. Called by
// policies from Rebuild, i.e. under the manager's lock; the transition to
// Connecting is synchronous so the rebuild sees it, the probe itself runs in
// a goroutine.
func (s *Subchannel) connect() {
	s.mu.Lock()
	if s.state != connectivity.Idle {
		s.mu.Unlock()
		return
	}
	s.state = connectivity.Connecting
	s.mu.Unlock()

	go s.probe()
}

func (s *Subchannel) probe() {
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Second)
	err := s.mgr.dial(ctx, s.addr.Addr)
	cancel()

	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Warningf("subchannel %s: connect failed: %v", s.addr.Addr, err)
		if !s.setState(connectivity.TransientFailure) {
			return
		}
		// back off, then return to Idle so the policy may retry
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.boff.NextBackOff()):
		}
		s.setState(connectivity.Idle)
		return
	}
	s.boff.Reset()
	s.setState(connectivity.Ready)
}

// setState applies a probe-driven transition and notifies the manager.
// Returns false if the subchannel was already shut down.
func (s *Subchannel) setState(st connectivity.State) bool {
	s.mu.Lock()
	if s.state == connectivity.Shutdown {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.mu.Unlock()
	s.mgr.subchannelStateChanged(s)
	return true
}

// acquire marks one in-flight call. Returns false if the subchannel was shut
// down concurrently.
func (s *Subchannel) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == connectivity.Shutdown {
		return false
	}
	s.inflight++
	return true
}

// release ends one in-flight call; if the subchannel was marked for removal
// it shuts down once the last call drains.
func (s *Subchannel) release() {
	s.mu.Lock()
	s.inflight--
	drained := s.draining && s.inflight == 0
	s.mu.Unlock()
	if drained {
		s.shutdown()
		s.mgr.drained(s)
	}
}

// markDraining flags the subchannel for removal after its in-flight calls
// finish. Returns true if it can be shut down immediately.
func (s *Subchannel) markDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == 0 {
		return true
	}
	s.draining = true
	return false
}

func (s *Subchannel) shutdown() {
	s.mu.Lock()
	s.state = connectivity.Shutdown
	s.mu.Unlock()
	s.cancel()
}
