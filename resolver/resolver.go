// Package resolver implements client-side name resolution: turning a logical
// target URI into a list of backend addresses (and, optionally, a service
// config), with support for push-style updates and forced refresh.
//
// The target's URI scheme selects the resolver implementation via a builder
// registry, following the grpc-go convention: "static" takes a pre-supplied
// address list, "dns" performs lookups (with an optional polling interval).
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/grpc/grpclog"
)

var logger = grpclog.Component("resolver")

// Address represents one resolved backend address.
type Address struct {
	// Addr is the network address, in host:port form.
	Addr string
}

// State is one resolution result: the full set of resolved addresses plus an
// optional service config parsed from out-of-band configuration.
type State struct {
	Addresses     []Address
	ServiceConfig *ServiceConfig
}

// Listener receives resolution results. Resolution errors are delivered to
// the listener rather than returned from resolution calls, so the consumer
// (the load balancer) can decide whether to keep stale addresses or fail.
type Listener interface {
	// UpdateState is called with every new resolution result. An error
	// return tells the resolver the state was rejected (e.g. it contained
	// no usable addresses), which may trigger earlier re-resolution.
	UpdateState(State) error

	// ReportError is called when a resolution attempt fails.
	ReportError(error)
}

// Resolver produces backend addresses for one target.
type Resolver interface {
	// Start begins an initial resolution and installs the listener invoked
	// on every subsequent result, success or error.
	Start(l Listener) error

	// RefreshAsync forces an out-of-band re-resolution and returns once
	// that refresh's result has been delivered to the listener. Concurrent
	// refreshes collapse into one in-flight lookup.
	RefreshAsync(ctx context.Context) error

	// Close stops the resolver. No listener calls are made after Close
	// returns.
	Close()
}

// Target is a parsed target URI: scheme://authority/endpoint.
type Target struct {
	Scheme    string
	Authority string
	Endpoint  string
}

func (t Target) String() string {
	return fmt.Sprintf("%s://%s/%s", t.Scheme, t.Authority, t.Endpoint)
}

// ParseTarget parses a target string. A target without a scheme is treated
// as a static address list, so plain "host:port" targets work.
func ParseTarget(target string) (Target, error) {
	if !strings.Contains(target, "://") {
		return Target{Scheme: StaticScheme, Endpoint: target}, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return Target{}, fmt.Errorf("resolver: malformed target %q: %v", target, err)
	}
	return Target{
		Scheme:    strings.ToLower(u.Scheme),
		Authority: u.Host,
		Endpoint:  strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// BuildOptions carries per-channel settings into builders.
type BuildOptions struct {
	// DefaultPort is appended to resolved or configured addresses that
	// carry no port of their own.
	DefaultPort string
}

// Builder creates resolvers for one URI scheme.
type Builder interface {
	// Scheme returns the lowercase URI scheme this builder handles.
	Scheme() string
	// Build creates a resolver for the given target.
	Build(target Target, opts BuildOptions) (Resolver, error)
}

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

// Register registers a builder under its scheme, replacing any existing
// registration. Meant to be called from init functions.
func Register(b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[strings.ToLower(b.Scheme())] = b
}

// Get returns the builder registered for the given scheme, or nil.
func Get(scheme string) Builder {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	return builders[strings.ToLower(scheme)]
}
