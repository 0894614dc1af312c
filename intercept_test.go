package grpclink

import (
	"context"
	"io"
	"reflect"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// testChannel records the RPCs issued through it.
type testChannel struct {
	trace    *[]string
	invoked  []string
	streamed []string
}

func (c *testChannel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	*c.trace = append(*c.trace, "invoke")
	c.invoked = append(c.invoked, methodName)
	return nil
}

func (c *testChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	*c.trace = append(*c.trace, "stream")
	c.streamed = append(c.streamed, methodName)
	return &testClientStream{ctx: ctx}, nil
}

type testClientStream struct {
	ctx context.Context
}

func (s *testClientStream) Header() (metadata.MD, error) { return nil, nil }
func (s *testClientStream) Trailer() metadata.MD         { return nil }
func (s *testClientStream) CloseSend() error             { return nil }
func (s *testClientStream) Context() context.Context     { return s.ctx }
func (s *testClientStream) SendMsg(m interface{}) error  { return nil }
func (s *testClientStream) RecvMsg(m interface{}) error  { return io.EOF }

func namedUnaryInterceptor(name string, trace *[]string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		*trace = append(*trace, name)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func namedStreamInterceptor(name string, trace *[]string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		*trace = append(*trace, name)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

func TestInterceptChannelNoOps(t *testing.T) {
	var trace []string
	ch := &testChannel{trace: &trace}
	if got := InterceptChannel(ch, nil, nil); got != Channel(ch) {
		t.Errorf("nil interceptors should return the channel unchanged")
	}
	if got := InterceptChannelUnary(ch); got != Channel(ch) {
		t.Errorf("empty unary chain should return the channel unchanged")
	}
	if got := InterceptChannelStream(ch); got != Channel(ch) {
		t.Errorf("empty stream chain should return the channel unchanged")
	}
}

func TestInterceptChannelUnary(t *testing.T) {
	var trace []string
	ch := &testChannel{trace: &trace}

	intercepted := InterceptChannelUnary(ch, namedUnaryInterceptor("a", &trace), namedUnaryInterceptor("b", &trace))
	if err := intercepted.Invoke(context.Background(), "/foo.Bar/Baz", nil, nil); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}

	want := []string{"a", "b", "invoke"}
	if !reflect.DeepEqual(want, trace) {
		t.Errorf("wrong interceptor order: want %v, got %v", want, trace)
	}
	if !reflect.DeepEqual([]string{"/foo.Bar/Baz"}, ch.invoked) {
		t.Errorf("wrong methods invoked: %v", ch.invoked)
	}

	// streams pass through untouched
	if _, err := intercepted.NewStream(context.Background(), &grpc.StreamDesc{}, "/foo.Bar/Stream"); err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if trace[len(trace)-1] != "stream" {
		t.Errorf("stream should not have run unary interceptors: %v", trace)
	}
}

func TestInterceptChannelStream(t *testing.T) {
	var trace []string
	ch := &testChannel{trace: &trace}

	intercepted := InterceptChannelStream(ch, namedStreamInterceptor("a", &trace), namedStreamInterceptor("b", &trace))
	if _, err := intercepted.NewStream(context.Background(), &grpc.StreamDesc{}, "/foo.Bar/Stream"); err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	want := []string{"a", "b", "stream"}
	if !reflect.DeepEqual(want, trace) {
		t.Errorf("wrong interceptor order: want %v, got %v", want, trace)
	}
}

func TestInterceptChannelCollapses(t *testing.T) {
	var trace []string
	ch := &testChannel{trace: &trace}

	// wrapping an already-intercepted channel must not stack wrappers
	inner := InterceptChannelUnary(ch, namedUnaryInterceptor("b", &trace))
	outer := InterceptChannelUnary(inner, namedUnaryInterceptor("a", &trace))

	w, ok := outer.(WrappedChannel)
	if !ok {
		t.Fatal("intercepted channel should implement WrappedChannel")
	}
	if w.Unwrap() != Channel(ch) {
		t.Errorf("stacked wrappers were not collapsed; Unwrap returned %T", w.Unwrap())
	}

	if err := outer.Invoke(context.Background(), "/foo.Bar/Baz", nil, nil); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	want := []string{"a", "b", "invoke"}
	if !reflect.DeepEqual(want, trace) {
		t.Errorf("wrong interceptor order: want %v, got %v", want, trace)
	}

	// adding a stream interceptor keeps the unary chain intact
	trace = nil
	both := InterceptChannelStream(outer, namedStreamInterceptor("s", &trace))
	if both.(WrappedChannel).Unwrap() != Channel(ch) {
		t.Error("mixed wrappers were not collapsed")
	}
	if err := both.Invoke(context.Background(), "/foo.Bar/Baz", nil, nil); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !reflect.DeepEqual([]string{"a", "b", "invoke"}, trace) {
		t.Errorf("unary chain lost when stream interceptor added: %v", trace)
	}
}

// testServerStream is a minimal grpc.ServerStream for exercising intercepted
// stream handlers.
type testServerStream struct {
	ctx context.Context
}

func (s *testServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *testServerStream) SendHeader(metadata.MD) error { return nil }
func (s *testServerStream) SetTrailer(metadata.MD)       {}
func (s *testServerStream) Context() context.Context     { return s.ctx }
func (s *testServerStream) SendMsg(m interface{}) error  { return nil }
func (s *testServerStream) RecvMsg(m interface{}) error  { return io.EOF }

func testServiceDesc(trace *[]string) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "test.Service",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Do",
				Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
					handler := func(ctx context.Context, req interface{}) (interface{}, error) {
						*trace = append(*trace, "handler")
						return "resp", nil
					}
					if interceptor == nil {
						return handler(ctx, "req")
					}
					info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/test.Service/Do"}
					return interceptor(ctx, "req", info, handler)
				},
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Watch",
				ServerStreams: true,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					*trace = append(*trace, "handler")
					return nil
				},
			},
		},
	}
}

func namedUnaryServerInterceptor(name string, trace *[]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		*trace = append(*trace, name)
		return handler(ctx, req)
	}
}

func TestInterceptServer(t *testing.T) {
	var trace []string
	desc := testServiceDesc(&trace)

	if got := InterceptServer(desc, nil, nil); got != desc {
		t.Error("nil interceptors should return the description unchanged")
	}

	var streamInfo *grpc.StreamServerInfo
	intercepted := InterceptServer(desc,
		namedUnaryServerInterceptor("u", &trace),
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			trace = append(trace, "s")
			streamInfo = info
			return handler(srv, ss)
		})

	if _, err := intercepted.Methods[0].Handler(nil, context.Background(), nil, nil); err != nil {
		t.Fatalf("unary handler failed: %v", err)
	}
	if !reflect.DeepEqual([]string{"u", "handler"}, trace) {
		t.Errorf("wrong unary order: %v", trace)
	}

	trace = nil
	if err := intercepted.Streams[0].Handler(nil, &testServerStream{ctx: context.Background()}); err != nil {
		t.Fatalf("stream handler failed: %v", err)
	}
	if !reflect.DeepEqual([]string{"s", "handler"}, trace) {
		t.Errorf("wrong stream order: %v", trace)
	}
	if streamInfo == nil || streamInfo.FullMethod != "/test.Service/Watch" || !streamInfo.IsServerStream {
		t.Errorf("wrong stream info: %+v", streamInfo)
	}
}

func TestInterceptServerCombinesServerInterceptor(t *testing.T) {
	var trace []string
	desc := testServiceDesc(&trace)
	intercepted := InterceptServer(desc, namedUnaryServerInterceptor("wrapped", &trace), nil)

	// an interceptor supplied by the dispatching server runs first
	_, err := intercepted.Methods[0].Handler(nil, context.Background(), nil, namedUnaryServerInterceptor("server", &trace))
	if err != nil {
		t.Fatalf("unary handler failed: %v", err)
	}
	if !reflect.DeepEqual([]string{"server", "wrapped", "handler"}, trace) {
		t.Errorf("wrong order: %v", trace)
	}
}

func TestWithUnaryInterceptors(t *testing.T) {
	var trace []string
	m := HandlerMap{}

	reg := WithUnaryInterceptors(m, namedUnaryServerInterceptor("a", &trace), namedUnaryServerInterceptor("b", &trace))
	reg.RegisterService(testServiceDesc(&trace), "handler")

	desc, svr := m.QueryService("test.Service")
	if desc == nil {
		t.Fatal("service was not registered through the wrapper")
	}
	if svr != "handler" {
		t.Errorf("wrong handler registered: %v", svr)
	}

	if _, err := desc.Methods[0].Handler(svr, context.Background(), nil, nil); err != nil {
		t.Fatalf("unary handler failed: %v", err)
	}
	if !reflect.DeepEqual([]string{"a", "b", "handler"}, trace) {
		t.Errorf("wrong order: %v", trace)
	}
}

func TestWithInterceptorCollapses(t *testing.T) {
	var trace []string
	m := HandlerMap{}

	inner := WithUnaryInterceptors(m, namedUnaryServerInterceptor("b", &trace))
	outer := WithUnaryInterceptors(inner, namedUnaryServerInterceptor("a", &trace))

	intReg, ok := outer.(*interceptingRegistry)
	if !ok {
		t.Fatalf("unexpected registry type %T", outer)
	}
	if !reflect.DeepEqual(ServiceRegistry(m), intReg.reg) {
		t.Error("stacked registries were not collapsed")
	}

	outer.RegisterService(testServiceDesc(&trace), "handler")
	desc, svr := m.QueryService("test.Service")
	if _, err := desc.Methods[0].Handler(svr, context.Background(), nil, nil); err != nil {
		t.Fatalf("unary handler failed: %v", err)
	}
	if !reflect.DeepEqual([]string{"a", "b", "handler"}, trace) {
		t.Errorf("wrong order: %v", trace)
	}
}
