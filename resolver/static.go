package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// StaticScheme is the URI scheme for pre-supplied address lists. The
// endpoint is a comma-separated list of host:port addresses, e.g.
// "static:///10.0.0.1:50051,10.0.0.2:50051".
const StaticScheme = "static"

func init() {
	Register(staticBuilder{})
}

type staticBuilder struct{}

func (staticBuilder) Scheme() string { return StaticScheme }

func (staticBuilder) Build(target Target, opts BuildOptions) (Resolver, error) {
	var addrs []Address
	for _, a := range strings.Split(target.Endpoint, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		addrs = append(addrs, Address{Addr: withDefaultPort(a, opts.DefaultPort)})
	}
	if len(addrs) == 0 {
		return nil, errors.New("resolver: static target contains no addresses")
	}
	return NewStatic(addrs...), nil
}

// NewStatic returns a resolver that always produces the given fixed address
// list. Useful programmatically and in tests.
func NewStatic(addrs ...Address) Resolver {
	return &staticResolver{addrs: addrs}
}

type staticResolver struct {
	addrs []Address

	mu       sync.Mutex
	listener Listener
	closed   bool
}

func (r *staticResolver) Start(l Listener) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("resolver: already closed")
	}
	if r.listener != nil {
		r.mu.Unlock()
		return errors.New("resolver: already started")
	}
	r.listener = l
	r.mu.Unlock()

	return r.deliver()
}

func (r *staticResolver) RefreshAsync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.deliver()
}

func (r *staticResolver) deliver() error {
	r.mu.Lock()
	l, closed := r.listener, r.closed
	r.mu.Unlock()
	if closed || l == nil {
		return errors.New("resolver: not running")
	}
	// the address set never changes, so a refresh just redelivers it
	return l.UpdateState(State{Addresses: r.addrs})
}

func (r *staticResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.listener = nil
}

// withDefaultPort appends the given port if addr has none.
func withDefaultPort(addr, port string) string {
	if port == "" || strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":" + port
}
