package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener collects every state and error delivered to it.
type recordingListener struct {
	mu     sync.Mutex
	states []State
	errs   []error
	reject error // when set, UpdateState returns this
}

func (l *recordingListener) UpdateState(s State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
	return l.reject
}

func (l *recordingListener) ReportError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) lastState() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return State{}, false
	}
	return l.states[len(l.states)-1], true
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states), len(l.errs)
}

func addrsOf(s State) []string {
	out := make([]string, len(s.Addresses))
	for i, a := range s.Addresses {
		out[i] = a.Addr
	}
	return out
}

func TestParseTarget(t *testing.T) {
	cases := map[string]Target{
		"dns://8.8.8.8/example.com:443": {Scheme: "dns", Authority: "8.8.8.8", Endpoint: "example.com:443"},
		"dns:///example.com":            {Scheme: "dns", Endpoint: "example.com"},
		"static:///a:1,b:2":             {Scheme: "static", Endpoint: "a:1,b:2"},
		"localhost:50051":               {Scheme: "static", Endpoint: "localhost:50051"},
		"DNS:///upper.example":          {Scheme: "dns", Endpoint: "upper.example"},
	}
	for target, want := range cases {
		got, err := ParseTarget(target)
		require.NoError(t, err, "target %q", target)
		assert.Equal(t, want, got, "target %q", target)
	}
}

func TestRegistry(t *testing.T) {
	assert.NotNil(t, Get(StaticScheme))
	assert.NotNil(t, Get(DNSScheme))
	assert.NotNil(t, Get("DNS"), "lookup is case-insensitive")
	assert.Nil(t, Get("bogus"))
}

func TestStaticResolver(t *testing.T) {
	t.Run("delivers addresses on start", func(t *testing.T) {
		r := NewStatic(Address{Addr: "a:1"}, Address{Addr: "b:2"})
		defer r.Close()

		l := &recordingListener{}
		require.NoError(t, r.Start(l))
		st, ok := l.lastState()
		require.True(t, ok)
		assert.Equal(t, []string{"a:1", "b:2"}, addrsOf(st))
	})

	t.Run("refresh redelivers", func(t *testing.T) {
		r := NewStatic(Address{Addr: "a:1"})
		defer r.Close()

		l := &recordingListener{}
		require.NoError(t, r.Start(l))
		require.NoError(t, r.RefreshAsync(context.Background()))
		updates, _ := l.counts()
		assert.Equal(t, 2, updates)
	})

	t.Run("start twice fails", func(t *testing.T) {
		r := NewStatic(Address{Addr: "a:1"})
		defer r.Close()
		require.NoError(t, r.Start(&recordingListener{}))
		assert.Error(t, r.Start(&recordingListener{}))
	})

	t.Run("closed", func(t *testing.T) {
		r := NewStatic(Address{Addr: "a:1"})
		r.Close()
		assert.Error(t, r.Start(&recordingListener{}))
	})
}

func TestStaticBuilder(t *testing.T) {
	b := Get(StaticScheme)
	require.NotNil(t, b)

	t.Run("splits and applies default port", func(t *testing.T) {
		r, err := b.Build(Target{Scheme: StaticScheme, Endpoint: "a:1, b , c:3"}, BuildOptions{DefaultPort: "80"})
		require.NoError(t, err)
		defer r.Close()

		l := &recordingListener{}
		require.NoError(t, r.Start(l))
		st, _ := l.lastState()
		assert.Equal(t, []string{"a:1", "b:80", "c:3"}, addrsOf(st))
	})

	t.Run("empty endpoint fails", func(t *testing.T) {
		_, err := b.Build(Target{Scheme: StaticScheme, Endpoint: " , "}, BuildOptions{})
		assert.Error(t, err)
	})
}

func TestParseServiceConfig(t *testing.T) {
	t.Run("policy string", func(t *testing.T) {
		sc, err := ParseServiceConfig(`{"loadBalancingPolicy": "ROUND_ROBIN"}`)
		require.NoError(t, err)
		assert.Equal(t, "round_robin", sc.LoadBalancingPolicy)
	})

	t.Run("config list", func(t *testing.T) {
		sc, err := ParseServiceConfig(`{"loadBalancingConfig": [{"pick_first": {}}]}`)
		require.NoError(t, err)
		assert.Equal(t, "pick_first", sc.LoadBalancingPolicy)
	})

	t.Run("empty", func(t *testing.T) {
		sc, err := ParseServiceConfig(`{}`)
		require.NoError(t, err)
		assert.Equal(t, "", sc.LoadBalancingPolicy)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseServiceConfig(`{not json`)
		assert.Error(t, err)
	})
}
