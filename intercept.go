package grpclink

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// WrappedChannel is a Channel that wraps another. Unwrap provides access to
// the underlying implementation.
type WrappedChannel interface {
	Channel
	Unwrap() Channel
}

// InterceptChannel returns a channel that runs RPCs through the given
// interceptors before handing them to ch. Either interceptor may be nil; if
// both are nil, ch is returned as is. Otherwise the returned value implements
// WrappedChannel and its Unwrap method returns ch.
func InterceptChannel(ch Channel, unaryInt grpc.UnaryClientInterceptor, streamInt grpc.StreamClientInterceptor) Channel {
	if unaryInt != nil {
		ch = InterceptChannelUnary(ch, unaryInt)
	}
	if streamInt != nil {
		ch = InterceptChannelStream(ch, streamInt)
	}
	return ch
}

// InterceptChannelUnary returns a channel that runs unary RPCs through the
// given chain of interceptors. The first interceptor in the chain is the
// first invoked; when it delegates to its invoker, the second runs, and so
// on. An empty chain returns ch unchanged.
func InterceptChannelUnary(ch Channel, unaryInt ...grpc.UnaryClientInterceptor) Channel {
	if len(unaryInt) == 0 {
		return ch
	}
	var streamInt grpc.StreamClientInterceptor
	if intCh, ok := ch.(*interceptedChannel); ok {
		// collapse into one interceptedChannel instead of stacking wrappers
		ch = intCh.ch
		if intCh.unaryInt != nil {
			unaryInt = append(unaryInt, intCh.unaryInt)
		}
		streamInt = intCh.streamInt
	}
	return &interceptedChannel{ch: ch, unaryInt: chainUnaryClient(unaryInt), streamInt: streamInt}
}

// InterceptChannelStream returns a channel that runs streaming RPCs through
// the given chain of interceptors. Chain order matches InterceptChannelUnary.
func InterceptChannelStream(ch Channel, streamInt ...grpc.StreamClientInterceptor) Channel {
	if len(streamInt) == 0 {
		return ch
	}
	var unaryInt grpc.UnaryClientInterceptor
	if intCh, ok := ch.(*interceptedChannel); ok {
		// collapse into one interceptedChannel instead of stacking wrappers
		ch = intCh.ch
		unaryInt = intCh.unaryInt
		if intCh.streamInt != nil {
			streamInt = append(streamInt, intCh.streamInt)
		}
	}
	return &interceptedChannel{ch: ch, unaryInt: unaryInt, streamInt: chainStreamClient(streamInt)}
}

type interceptedChannel struct {
	ch        Channel
	unaryInt  grpc.UnaryClientInterceptor
	streamInt grpc.StreamClientInterceptor
}

var _ WrappedChannel = (*interceptedChannel)(nil)

func (intch *interceptedChannel) Unwrap() Channel {
	return intch.ch
}

// unwrap follows Unwrap all the way down, looking for the root channel.
func unwrap(ch Channel) Channel {
	for {
		w, ok := ch.(WrappedChannel)
		if !ok {
			return ch
		}
		unwrapped := w.Unwrap()
		if unwrapped == nil {
			return ch
		}
		ch = unwrapped
	}
}

func (intch *interceptedChannel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	if intch.unaryInt == nil {
		return intch.ch.Invoke(ctx, methodName, req, resp, opts...)
	}
	// interceptors take a *grpc.ClientConn; pass one only when the root
	// channel actually is one
	cc, _ := unwrap(intch.ch).(*grpc.ClientConn)
	return intch.unaryInt(ctx, methodName, req, resp, cc, intch.unaryInvoker, opts...)
}

func (intch *interceptedChannel) unaryInvoker(ctx context.Context, methodName string, req, resp interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
	return intch.ch.Invoke(ctx, methodName, req, resp, opts...)
}

func (intch *interceptedChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if intch.streamInt == nil {
		return intch.ch.NewStream(ctx, desc, methodName, opts...)
	}
	cc, _ := unwrap(intch.ch).(*grpc.ClientConn)
	return intch.streamInt(ctx, desc, cc, methodName, intch.streamer, opts...)
}

func (intch *interceptedChannel) streamer(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return intch.ch.NewStream(ctx, desc, methodName, opts...)
}

func chainUnaryClient(unaryInt []grpc.UnaryClientInterceptor) grpc.UnaryClientInterceptor {
	if len(unaryInt) == 1 {
		return unaryInt[0]
	}
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		for i := range unaryInt {
			currInterceptor := unaryInt[len(unaryInt)-i-1] // going backwards through the chain
			currInvoker := invoker
			invoker = func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				return currInterceptor(ctx, method, req, reply, cc, currInvoker, opts...)
			}
		}
		return unaryInt[0](ctx, method, req, reply, cc, invoker, opts...)
	}
}

func chainStreamClient(streamInt []grpc.StreamClientInterceptor) grpc.StreamClientInterceptor {
	if len(streamInt) == 1 {
		return streamInt[0]
	}
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		for i := range streamInt {
			currInterceptor := streamInt[len(streamInt)-i-1] // going backwards through the chain
			currStreamer := streamer
			streamer = func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
				return currInterceptor(ctx, desc, cc, method, currStreamer, opts...)
			}
		}
		return streamInt[0](ctx, desc, cc, method, streamer, opts...)
	}
}

// WithInterceptor returns a view of the given registry that applies the given
// interceptors to every service registered through it.
func WithInterceptor(reg ServiceRegistry, unaryInt grpc.UnaryServerInterceptor, streamInt grpc.StreamServerInterceptor) ServiceRegistry {
	if unaryInt != nil {
		reg = WithUnaryInterceptors(reg, unaryInt)
	}
	if streamInt != nil {
		reg = WithStreamInterceptors(reg, streamInt)
	}
	return reg
}

// WithUnaryInterceptors returns a view of the given registry that applies the
// given unary interceptor chain to every service registered through it.
func WithUnaryInterceptors(reg ServiceRegistry, unaryInt ...grpc.UnaryServerInterceptor) ServiceRegistry {
	if len(unaryInt) == 0 {
		return reg
	}
	var streamInt grpc.StreamServerInterceptor
	if intReg, ok := reg.(*interceptingRegistry); ok {
		// collapse into one interceptingRegistry instead of stacking wrappers
		reg = intReg.reg
		if intReg.unaryInt != nil {
			unaryInt = append(unaryInt, intReg.unaryInt)
		}
		streamInt = intReg.streamInt
	}
	return &interceptingRegistry{reg: reg, unaryInt: chainUnaryServer(unaryInt), streamInt: streamInt}
}

// WithStreamInterceptors returns a view of the given registry that applies
// the given stream interceptor chain to every service registered through it.
func WithStreamInterceptors(reg ServiceRegistry, streamInt ...grpc.StreamServerInterceptor) ServiceRegistry {
	if len(streamInt) == 0 {
		return reg
	}
	var unaryInt grpc.UnaryServerInterceptor
	if intReg, ok := reg.(*interceptingRegistry); ok {
		// collapse into one interceptingRegistry instead of stacking wrappers
		reg = intReg.reg
		unaryInt = intReg.unaryInt
		if intReg.streamInt != nil {
			streamInt = append(streamInt, intReg.streamInt)
		}
	}
	return &interceptingRegistry{reg: reg, unaryInt: unaryInt, streamInt: chainStreamServer(streamInt)}
}

type interceptingRegistry struct {
	reg       ServiceRegistry
	unaryInt  grpc.UnaryServerInterceptor
	streamInt grpc.StreamServerInterceptor
}

func (r *interceptingRegistry) RegisterService(desc *grpc.ServiceDesc, srv interface{}) {
	r.reg.RegisterService(InterceptServer(desc, r.unaryInt, r.streamInt), srv)
}

// InterceptServer returns a service description whose handlers run through
// the given interceptors. If both interceptors are nil, svcDesc is returned
// unchanged.
func InterceptServer(svcDesc *grpc.ServiceDesc, unaryInt grpc.UnaryServerInterceptor, streamInt grpc.StreamServerInterceptor) *grpc.ServiceDesc {
	if unaryInt == nil && streamInt == nil {
		return svcDesc
	}
	intercepted := *svcDesc

	if unaryInt != nil {
		intercepted.Methods = make([]grpc.MethodDesc, len(svcDesc.Methods))
		for i, md := range svcDesc.Methods {
			origHandler := md.Handler
			intercepted.Methods[i] = grpc.MethodDesc{
				MethodName: md.MethodName,
				Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
					combined := unaryInt
					if interceptor != nil {
						// the server-supplied interceptor runs first, with
						// unaryInt folded into its handler
						combined = func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
							h := func(ctx context.Context, req interface{}) (interface{}, error) {
								return unaryInt(ctx, req, info, handler)
							}
							return interceptor(ctx, req, info, h)
						}
					}
					return origHandler(srv, ctx, dec, combined)
				},
			}
		}
	}

	if streamInt != nil {
		intercepted.Streams = make([]grpc.StreamDesc, len(svcDesc.Streams))
		for i, sd := range svcDesc.Streams {
			origHandler := sd.Handler
			info := &grpc.StreamServerInfo{
				FullMethod:     fmt.Sprintf("/%s/%s", svcDesc.ServiceName, sd.StreamName),
				IsClientStream: sd.ClientStreams,
				IsServerStream: sd.ServerStreams,
			}
			intercepted.Streams[i] = grpc.StreamDesc{
				StreamName:    sd.StreamName,
				ClientStreams: sd.ClientStreams,
				ServerStreams: sd.ServerStreams,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					return streamInt(srv, stream, info, origHandler)
				},
			}
		}
	}

	return &intercepted
}

func chainUnaryServer(unaryInt []grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	if len(unaryInt) == 1 {
		return unaryInt[0]
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		for i := range unaryInt {
			currInterceptor := unaryInt[len(unaryInt)-i-1] // going backwards through the chain
			currHandler := handler
			handler = func(ctx context.Context, req interface{}) (interface{}, error) {
				return currInterceptor(ctx, req, info, currHandler)
			}
		}
		return unaryInt[0](ctx, req, info, handler)
	}
}

func chainStreamServer(streamInt []grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	if len(streamInt) == 1 {
		return streamInt[0]
	}
	return func(impl interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		for i := range streamInt {
			currInterceptor := streamInt[len(streamInt)-i-1] // going backwards through the chain
			currHandler := handler
			handler = func(impl interface{}, stream grpc.ServerStream) error {
				return currInterceptor(impl, stream, info, currHandler)
			}
		}
		return streamInt[0](impl, stream, info, handler)
	}
}
