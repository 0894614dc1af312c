package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DNSScheme is the URI scheme for DNS-based resolution. The endpoint is a
// host with an optional port; every A/AAAA record becomes one address. A
// service config may be published out-of-band in a TXT record named
// "_grpc_config.<host>" whose value carries a "grpc_config=" prefix.
const DNSScheme = "dns"

const txtAttribute = "grpc_config="

func init() {
	Register(&DNSBuilder{})
}

// DNSBuilder builds DNS resolvers. The zero value resolves on demand only;
// setting PollInterval produces the polling variant that re-resolves on a
// fixed interval even without being asked.
type DNSBuilder struct {
	// PollInterval, if positive, re-resolves this often.
	PollInterval time.Duration
	// MinResolveInterval rate-limits back-to-back lookups. Defaults to 5s.
	MinResolveInterval time.Duration
}

func (*DNSBuilder) Scheme() string { return DNSScheme }

func (b *DNSBuilder) Build(target Target, opts BuildOptions) (Resolver, error) {
	host, port, err := net.SplitHostPort(target.Endpoint)
	if err != nil {
		host = target.Endpoint
		port = opts.DefaultPort
	}
	if host == "" {
		return nil, fmt.Errorf("resolver: dns target %q has no host", target.Endpoint)
	}
	minInterval := b.MinResolveInterval
	if minInterval == 0 {
		minInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	netRes := &net.Resolver{}
	return &dnsResolver{
		host:         host,
		port:         port,
		pollInterval: b.PollInterval,
		minInterval:  minInterval,
		lookupHost:   netRes.LookupHost,
		lookupTXT:    netRes.LookupTXT,
		ctx:          ctx,
		cancel:       cancel,
		rn:           make(chan struct{}, 1),
	}, nil
}

// dnsResolver re-resolves when poked via rn (refresh), on the polling
// interval if configured, and with exponential backoff after failures. A
// single watcher goroutine performs all lookups, so concurrent refreshes
// naturally collapse onto whichever lookup is in flight.
type dnsResolver struct {
	host string
	port string

	pollInterval time.Duration
	minInterval  time.Duration

	lookupHost func(ctx context.Context, host string) ([]string, error)
	lookupTXT  func(ctx context.Context, name string) ([]string, error)

	ctx    context.Context
	cancel context.CancelFunc
	rn     chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener Listener
	waiters  []chan struct{}
}

func (r *dnsResolver) Start(l Listener) error {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return errors.New("resolver: already closed")
	}
	if r.listener != nil {
		r.mu.Unlock()
		return errors.New("resolver: already started")
	}
	r.listener = l
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watcher()
	return nil
}

func (r *dnsResolver) RefreshAsync(ctx context.Context) error {
	r.mu.Lock()
	if r.listener == nil {
		r.mu.Unlock()
		return errors.New("resolver: not started")
	}
	done := make(chan struct{})
	r.waiters = append(r.waiters, done)
	r.mu.Unlock()

	// poke the watcher; a full channel means a refresh is already pending
	select {
	case r.rn <- struct{}{}:
	default:
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return errors.New("resolver: closed")
	}
}

func (r *dnsResolver) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	r.listener = nil
	for _, w := range r.waiters {
		close(w)
	}
	r.waiters = nil
	r.mu.Unlock()
}

func (r *dnsResolver) watcher() {
	defer r.wg.Done()

	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0 // retry forever; the listener decides what failing means

	for {
		err := r.resolveOnce()
		lastResolve := time.Now()
		r.signalWaiters()

		var wait time.Duration
		if err != nil {
			wait = boff.NextBackOff()
			logger.Warningf("dns resolution of %s failed: %v (retrying in %v)", r.host, err, wait)
		} else {
			boff.Reset()
			wait = r.pollInterval
		}

		if wait > 0 {
			select {
			case <-r.ctx.Done():
				return
			case <-r.rn:
			case <-time.After(wait):
			}
		} else {
			select {
			case <-r.ctx.Done():
				return
			case <-r.rn:
			}
		}

		// rate-limit relative to the last completed lookup: a burst of
		// refresh requests becomes one lookup, while a wakeup after a quiet
		// period resolves immediately
		if rem := r.minInterval - time.Since(lastResolve); rem > 0 {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(rem):
			}
		}
	}
}

// resolveOnce performs one lookup and delivers the outcome to the listener.
func (r *dnsResolver) resolveOnce() error {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil || r.ctx.Err() != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	hosts, err := r.lookupHost(ctx, r.host)
	if err != nil {
		l.ReportError(fmt.Errorf("resolver: dns lookup of %s failed: %w", r.host, err))
		return err
	}
	state := State{}
	for _, h := range hosts {
		addr := h
		if r.port != "" {
			addr = net.JoinHostPort(h, r.port)
		}
		state.Addresses = append(state.Addresses, Address{Addr: addr})
	}
	state.ServiceConfig = r.lookupServiceConfig(ctx)

	return l.UpdateState(state)
}

// lookupServiceConfig reads the out-of-band service config TXT record.
// Failures here are not resolution failures: addresses without a config are
// still useful.
func (r *dnsResolver) lookupServiceConfig(ctx context.Context) *ServiceConfig {
	txts, err := r.lookupTXT(ctx, "_grpc_config."+r.host)
	if err != nil || len(txts) == 0 {
		return nil
	}
	joined := strings.Join(txts, "")
	if !strings.HasPrefix(joined, txtAttribute) {
		logger.Warningf("dns TXT record for %s missing %q prefix", r.host, txtAttribute)
		return nil
	}
	sc, err := ParseServiceConfig(strings.TrimPrefix(joined, txtAttribute))
	if err != nil {
		logger.Warningf("dns TXT service config for %s unusable: %v", r.host, err)
		return nil
	}
	return sc
}

func (r *dnsResolver) signalWaiters() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}
