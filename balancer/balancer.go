// Package balancer maintains the set of subchannels for a client channel and
// picks one per outgoing call. The subchannel set is reconciled against each
// new resolution result; a pluggable policy (round-robin or pick-first by
// name) decides which subchannels to connect and which Ready subchannel a
// call should use. The manager also aggregates per-subchannel connectivity
// into a single channel-level state and broadcasts changes to subscribers.
package balancer

import (
	"errors"
	"sync"

	"google.golang.org/grpc/grpclog"
)

var logger = grpclog.Component("balancer")

// ErrNoSubchannel is returned by pickers that currently have no usable
// subchannel. Manager.Pick treats it as "wait for connectivity" rather than
// failing the call.
var ErrNoSubchannel = errors.New("balancer: no subchannel available")

// Picker selects a subchannel for one call. Pickers are immutable snapshots;
// the manager swaps in a new picker whenever membership or connectivity
// changes. Pick must be safe for concurrent use.
type Picker interface {
	Pick() (*Subchannel, error)
}

// Policy drives connection strategy and pick behavior. Rebuild is called
// under the manager's lock with the current ordered subchannel list whenever
// the list or any subchannel's state changes; it may initiate connections
// (via Subchannel.connect) and returns the picker to use until the next
// rebuild.
type Policy interface {
	Name() string
	Rebuild(scs []*Subchannel) Picker
}

// PolicyBuilder creates a fresh policy instance per channel.
type PolicyBuilder func() Policy

var (
	policiesMu sync.RWMutex
	policies   = map[string]PolicyBuilder{}
)

// RegisterPolicy registers a policy builder under its name, replacing any
// existing registration. Meant to be called from init functions.
func RegisterPolicy(name string, b PolicyBuilder) {
	policiesMu.Lock()
	defer policiesMu.Unlock()
	policies[name] = b
}

// GetPolicy returns the builder registered under name, or nil.
func GetPolicy(name string) PolicyBuilder {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	return policies[name]
}

type errPicker struct{ err error }

func (p errPicker) Pick() (*Subchannel, error) { return nil, p.err }
