// Package client provides the managed client channel: a grpclink.Channel
// that owns a name resolver, a load balancer, and an HTTP transport, created
// with Dial. It ties together the resolver, balancer, and grpchttp
// sub-packages; the root package stays free of transport dependencies so
// that transports can depend on it.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"

	"github.com/grpclink/grpclink"
	"github.com/grpclink/grpclink/balancer"
	"github.com/grpclink/grpclink/grpchttp"
	"github.com/grpclink/grpclink/internal"
	"github.com/grpclink/grpclink/resolver"
	"github.com/grpclink/grpclink/wire"
)

var channelLogger = grpclog.Component("channel")

// ChannelOption configures a managed client channel created by Dial.
type ChannelOption interface {
	apply(*channelOpts)
}

type channelOptFunc func(*channelOpts)

func (f channelOptFunc) apply(o *channelOpts) { f(o) }

type channelOpts struct {
	transport       http.RoundTripper
	scheme          string
	defaultPort     string
	defaultDeadline time.Duration
	policy          string
	dial            balancer.DialFunc
	compression     *wire.CompressionRegistry
	sendEncoding    string
	web             bool
}

// WithTransport sets the HTTP round tripper used for RPC traffic. The
// default is an h2c-capable http2.Transport.
func WithTransport(rt http.RoundTripper) ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.transport = rt })
}

// WithTLS switches the channel to https URLs. The transport must be
// configured (or defaulted) accordingly.
func WithTLS() ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.scheme = "https" })
}

// WithDefaultPort sets the port appended to resolved addresses that carry
// none. The default is 443 with TLS and 80 without.
func WithDefaultPort(port string) ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.defaultPort = port })
}

// WithDefaultDeadline applies a deadline to every call whose context has
// none.
func WithDefaultDeadline(d time.Duration) ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.defaultDeadline = d })
}

// WithPolicy selects the load balancing policy by registered name,
// overriding any policy named in a resolver-supplied service config.
func WithPolicy(name string) ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.policy = name })
}

// WithDialFunc sets the reachability probe used by subchannels.
func WithDialFunc(d balancer.DialFunc) ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.dial = d })
}

// WithCompression installs the compression providers offered to servers, and
// optionally names the encoding used to compress outbound messages.
func WithCompression(reg *wire.CompressionRegistry, sendEncoding string) ChannelOption {
	return channelOptFunc(func(o *channelOpts) {
		o.compression = reg
		o.sendEncoding = sendEncoding
	})
}

// WithGRPCWeb switches the channel to the gRPC-Web wire variant.
func WithGRPCWeb() ChannelOption {
	return channelOptFunc(func(o *channelOpts) { o.web = true })
}

// Channel is a managed client channel: it owns a name resolver, a load
// balancer, and an HTTP transport, and routes each call to a subchannel
// picked by the balancer. It implements grpclink.Channel, so generated stubs
// can use it directly. Safe for concurrent use by any number of calls.
type Channel struct {
	id     string
	opts   channelOpts
	res    resolver.Resolver
	target resolver.Target

	mgrMu    sync.Mutex
	mgr      *balancer.Manager
	policy   string
	mgrReady chan struct{}

	invMu    sync.Mutex
	invokers map[string]*grpchttp.Invoker

	closeOnce sync.Once
	closed    chan struct{}
}

var _ grpclink.Channel = (*Channel)(nil)

// Dial creates a managed channel for the given target. The target's URI
// scheme selects the resolver ("dns", "static", or any registered scheme); a
// bare host:port is treated as a static single-address target. Dial does not
// block waiting for connectivity.
func Dial(target string, opts ...ChannelOption) (*Channel, error) {
	var o channelOpts
	o.scheme = "http"
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.defaultPort == "" {
		if o.scheme == "https" {
			o.defaultPort = "443"
		} else {
			o.defaultPort = "80"
		}
	}
	if o.transport == nil {
		o.transport = defaultTransport(o.scheme == "https")
	}

	t, err := resolver.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	rb := resolver.Get(t.Scheme)
	if rb == nil {
		return nil, fmt.Errorf("client: no resolver registered for scheme %q", t.Scheme)
	}
	res, err := rb.Build(t, resolver.BuildOptions{DefaultPort: o.defaultPort})
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		id:       uuid.NewString()[:8],
		opts:     o,
		res:      res,
		target:   t,
		mgrReady: make(chan struct{}),
		invokers: map[string]*grpchttp.Invoker{},
		closed:   make(chan struct{}),
	}
	if err := res.Start(ch); err != nil {
		res.Close()
		return nil, err
	}
	channelLogger.Infof("channel %s: dialing %s", ch.id, t)
	return ch, nil
}

// defaultTransport returns an http2.Transport; without TLS it speaks h2c by
// dialing plaintext TCP for "https"-less URLs.
func defaultTransport(useTLS bool) http.RoundTripper {
	if useTLS {
		return &http2.Transport{}
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// UpdateState implements resolver.Listener. The first result determines the
// load balancing policy (explicit option, else service config, else
// pick-first) and creates the balancer; subsequent results are forwarded for
// reconciliation.
func (ch *Channel) UpdateState(s resolver.State) error {
	mgr, err := ch.manager(s.ServiceConfig)
	if err != nil {
		return err
	}
	// policy is fixed at creation; a later config naming another one is
	// noted but not applied
	if sc := s.ServiceConfig; sc != nil && sc.LoadBalancingPolicy != "" && sc.LoadBalancingPolicy != ch.activePolicy() {
		channelLogger.Warningf("channel %s: ignoring service config policy change to %q", ch.id, sc.LoadBalancingPolicy)
	}
	return mgr.UpdateState(s)
}

// ReportError implements resolver.Listener.
func (ch *Channel) ReportError(err error) {
	channelLogger.Warningf("channel %s: resolution error: %v", ch.id, err)
	ch.mgrMu.Lock()
	mgr := ch.mgr
	ch.mgrMu.Unlock()
	if mgr != nil {
		mgr.ReportError(err)
	}
}

func (ch *Channel) activePolicy() string {
	ch.mgrMu.Lock()
	defer ch.mgrMu.Unlock()
	return ch.policy
}

func (ch *Channel) manager(sc *resolver.ServiceConfig) (*balancer.Manager, error) {
	ch.mgrMu.Lock()
	defer ch.mgrMu.Unlock()
	if ch.mgr != nil {
		return ch.mgr, nil
	}
	policy := ch.opts.policy
	if policy == "" && sc != nil && sc.LoadBalancingPolicy != "" {
		policy = sc.LoadBalancingPolicy
	}
	if policy == "" {
		policy = balancer.PickFirstName
	}
	mgr, err := balancer.New(balancer.Config{
		Policy:         policy,
		Dial:           ch.opts.dial,
		OnResolveAgain: ch.refreshAsync,
	})
	if err != nil {
		return nil, err
	}
	channelLogger.Infof("channel %s: using %s policy", ch.id, policy)
	ch.mgr = mgr
	ch.policy = policy
	close(ch.mgrReady)
	return mgr, nil
}

// refreshAsync nudges the resolver without blocking the caller.
func (ch *Channel) refreshAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := ch.res.RefreshAsync(ctx); err != nil {
			channelLogger.Warningf("channel %s: refresh failed: %v", ch.id, err)
		}
	}()
}

// State reports the aggregate connectivity state of the channel's
// subchannels. Idle until the first resolution arrives.
func (ch *Channel) State() connectivity.State {
	ch.mgrMu.Lock()
	mgr := ch.mgr
	ch.mgrMu.Unlock()
	if mgr == nil {
		return connectivity.Idle
	}
	return mgr.State()
}

// Subscribe registers fn to be called on every aggregate connectivity state
// change. It returns a cancel function. Before the first resolution the
// subscription is dropped and fn is called once with Idle.
func (ch *Channel) Subscribe(fn func(connectivity.State)) func() {
	ch.mgrMu.Lock()
	mgr := ch.mgr
	ch.mgrMu.Unlock()
	if mgr == nil {
		fn(connectivity.Idle)
		return func() {}
	}
	return mgr.Subscribe(fn)
}

// pick waits for the balancer and picks a subchannel, returning the invoker
// bound to its address.
func (ch *Channel) pick(ctx context.Context) (*grpchttp.Invoker, func(), error) {
	select {
	case <-ch.mgrReady:
	case <-ch.closed:
		return nil, nil, status.Error(codes.Unavailable, "channel is closed")
	case <-ctx.Done():
		return nil, nil, statusFromContext(ctx)
	}

	ch.mgrMu.Lock()
	mgr := ch.mgr
	ch.mgrMu.Unlock()

	sc, release, err := mgr.Pick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, statusFromContext(ctx)
		}
		return nil, nil, status.Error(codes.Unavailable, err.Error())
	}
	return ch.invokerFor(sc.Addr()), release, nil
}

func (ch *Channel) invokerFor(addr string) *grpchttp.Invoker {
	ch.invMu.Lock()
	defer ch.invMu.Unlock()
	if inv, ok := ch.invokers[addr]; ok {
		return inv
	}
	inv := &grpchttp.Invoker{
		Transport:    ch.opts.transport,
		BaseURL:      &url.URL{Scheme: ch.opts.scheme, Host: addr},
		Compression:  ch.opts.compression,
		SendEncoding: ch.opts.sendEncoding,
		Web:          ch.opts.web,
	}
	ch.invokers[addr] = inv
	return inv
}

func statusFromContext(ctx context.Context) error {
	return internal.TranslateContextError(ctx.Err())
}

// withDefaultDeadline applies the channel's default deadline when the
// caller's context has none.
func (ch *Channel) withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ch.opts.defaultDeadline <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, ch.opts.defaultDeadline)
}

// Invoke executes a unary RPC on a balancer-picked subchannel. A status of
// Unavailable triggers an asynchronous re-resolution.
func (ch *Channel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	ctx, cancel := ch.withDefaultDeadline(ctx)
	defer cancel()

	inv, release, err := ch.pick(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = inv.Invoke(ctx, methodName, req, resp, opts...)
	if status.Code(err) == codes.Unavailable {
		ch.refreshAsync()
	}
	return err
}

// NewStream opens a streaming RPC on a balancer-picked subchannel. The
// subchannel stays held (for drain accounting) until the stream's context
// ends, i.e. until the call reaches a terminal state.
func (ch *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	ctx, cancel := ch.withDefaultDeadline(ctx)

	inv, release, err := ch.pick(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	cs, err := inv.NewStream(ctx, desc, methodName, opts...)
	if err != nil {
		release()
		cancel()
		if status.Code(err) == codes.Unavailable {
			ch.refreshAsync()
		}
		return nil, err
	}
	go func() {
		<-cs.Context().Done()
		release()
		cancel()
	}()
	return cs, nil
}

// Close shuts down the channel: the resolver stops, subchannels shut down,
// and pending picks fail. In-flight calls are not interrupted.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		ch.res.Close()
		ch.mgrMu.Lock()
		mgr := ch.mgr
		ch.mgrMu.Unlock()
		if mgr != nil {
			mgr.Close()
		}
		channelLogger.Infof("channel %s: closed", ch.id)
	})
}
