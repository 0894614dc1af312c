package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/connectivity"

	"github.com/grpclink/grpclink/resolver"
)

// fakeDialer scripts per-address probe outcomes.
type fakeDialer struct {
	mu   sync.Mutex
	fail map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fail: map[string]error{}}
}

func (d *fakeDialer) dial(ctx context.Context, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fail[addr]
}

func (d *fakeDialer) setFailing(addr string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[addr] = err
}

func newTestManager(t *testing.T, policy string, d *fakeDialer) *Manager {
	t.Helper()
	m, err := New(Config{Policy: policy, Dial: d.dial})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func stateOf(addrs ...string) resolver.State {
	s := resolver.State{}
	for _, a := range addrs {
		s.Addresses = append(s.Addresses, resolver.Address{Addr: a})
	}
	return s
}

func waitForState(t *testing.T, m *Manager, want connectivity.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("manager never reached state %v; stuck at %v", want, m.State())
}

func TestManagerUnknownPolicy(t *testing.T) {
	_, err := New(Config{Policy: "bogus"})
	assert.Error(t, err)
}

func TestManagerDefaultsToPickFirst(t *testing.T) {
	m, err := New(Config{Dial: newFakeDialer().dial})
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.UpdateState(stateOf("a:1", "b:2")))
	waitForState(t, m, connectivity.Ready)

	// pick-first routes every pick to the same subchannel
	for i := 0; i < 5; i++ {
		sc, release, err := m.Pick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a:1", sc.Addr())
		release()
	}
}

func TestManagerEmptyUpdateRejected(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())
	assert.Error(t, m.UpdateState(resolver.State{}))
}

func TestRoundRobinCycles(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())
	require.NoError(t, m.UpdateState(stateOf("a:1", "b:2", "c:3")))
	waitForState(t, m, connectivity.Ready)

	// wait until every subchannel is Ready so the cycle covers all three
	deadline := time.Now().Add(5 * time.Second)
	for {
		ready := 0
		for _, sc := range m.Subchannels() {
			if sc.State() == connectivity.Ready {
				ready++
			}
		}
		if ready == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 3 subchannels became Ready", ready)
		}
		time.Sleep(2 * time.Millisecond)
	}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		sc, release, err := m.Pick(context.Background())
		require.NoError(t, err)
		seen[sc.Addr()]++
		release()
	}
	assert.Equal(t, map[string]int{"a:1": 2, "b:2": 2, "c:3": 2}, seen)
}

func TestPickFirstFallsBackToNextCandidate(t *testing.T) {
	d := newFakeDialer()
	d.setFailing("a:1", errors.New("connection refused"))
	m := newTestManager(t, PickFirstName, d)

	require.NoError(t, m.UpdateState(stateOf("a:1", "b:2")))
	waitForState(t, m, connectivity.Ready)

	sc, release, err := m.Pick(context.Background())
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "b:2", sc.Addr())
}

func TestReconciliation(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())

	require.NoError(t, m.UpdateState(stateOf("a:1", "b:2")))
	waitForState(t, m, connectivity.Ready)

	require.NoError(t, m.UpdateState(stateOf("b:2", "c:3")))

	addrs := []string{}
	for _, sc := range m.Subchannels() {
		addrs = append(addrs, sc.Addr())
	}
	assert.Equal(t, []string{"b:2", "c:3"}, addrs)

	// the removed address with no in-flight calls is shut down immediately
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		all := m.Subchannels()
		found := false
		for _, sc := range all {
			if sc.Addr() == "a:1" {
				found = true
			}
		}
		if !found {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("removed address still present after reconciliation")
}

func TestReconciliationDrainsInFlight(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())
	require.NoError(t, m.UpdateState(stateOf("a:1")))
	waitForState(t, m, connectivity.Ready)

	sc, release, err := m.Pick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a:1", sc.Addr())

	// a:1 disappears while a call is in flight: it must survive until the
	// call releases it
	require.NoError(t, m.UpdateState(stateOf("b:2")))
	assert.NotEqual(t, connectivity.Shutdown, sc.State())

	release()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sc.State() == connectivity.Shutdown {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("drained subchannel was never shut down")
}

func TestAggregateState(t *testing.T) {
	d := newFakeDialer()
	d.setFailing("a:1", errors.New("refused"))
	d.setFailing("b:2", errors.New("refused"))
	m := newTestManager(t, RoundRobinName, d)

	require.NoError(t, m.UpdateState(stateOf("a:1", "b:2")))
	// all probes fail: the aggregate must reach TransientFailure
	waitForState(t, m, connectivity.TransientFailure)

	// one address recovers
	d.setFailing("b:2", nil)
	waitForState(t, m, connectivity.Ready)
}

func TestSubscribe(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())

	var mu sync.Mutex
	var seen []connectivity.State
	cancel := m.Subscribe(func(s connectivity.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer cancel()

	mu.Lock()
	require.Equal(t, []connectivity.State{connectivity.Idle}, seen)
	mu.Unlock()

	require.NoError(t, m.UpdateState(stateOf("a:1")))
	waitForState(t, m, connectivity.Ready)

	mu.Lock()
	assert.Equal(t, connectivity.Ready, seen[len(seen)-1])
	mu.Unlock()
}

func TestSubscriberMayReenterManager(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())

	// a subscriber that calls back into the manager must not deadlock
	var mu sync.Mutex
	var observed []connectivity.State
	cancel := m.Subscribe(func(s connectivity.State) {
		mu.Lock()
		observed = append(observed, m.State())
		mu.Unlock()
		m.Subchannels()
	})
	defer cancel()

	require.NoError(t, m.UpdateState(stateOf("a:1")))
	waitForState(t, m, connectivity.Ready)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, connectivity.Ready, observed[len(observed)-1])
}

func TestPickBlocksUntilReady(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())

	picked := make(chan string, 1)
	go func() {
		sc, release, err := m.Pick(context.Background())
		if err != nil {
			picked <- "error: " + err.Error()
			return
		}
		defer release()
		picked <- sc.Addr()
	}()

	select {
	case got := <-picked:
		t.Fatalf("pick returned %q before any subchannel existed", got)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.UpdateState(stateOf("a:1")))
	select {
	case got := <-picked:
		assert.Equal(t, "a:1", got)
	case <-time.After(5 * time.Second):
		t.Fatal("pick never unblocked after connectivity arrived")
	}
}

func TestPickHonorsContext(t *testing.T) {
	m := newTestManager(t, RoundRobinName, newFakeDialer())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := m.Pick(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPickAfterClose(t *testing.T) {
	m, err := New(Config{Policy: RoundRobinName, Dial: newFakeDialer().dial})
	require.NoError(t, err)
	m.Close()
	_, _, err = m.Pick(context.Background())
	assert.Error(t, err)
}
