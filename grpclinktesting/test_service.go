package grpclinktesting

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/grpclink/grpclink"
)

// Message is the request and response type of every test service method. A
// plain structpb.Struct keeps the package free of generated code; the helper
// functions below read and write the conventional fields:
//
//	payload  string  echoed back by the server
//	count    number  request: repetitions / response: messages received
//	code     number  non-zero asks the server to fail with that status code
//	delay_ms number  server sleeps this long before responding
//	headers  struct  request: response headers to set / response: request metadata echo
//	trailers struct  response trailers to set
type Message = structpb.Struct

const serviceName = "grpclink.testing.TestService"

// NewMessage builds a request message.
func NewMessage() *Message {
	return &Message{Fields: map[string]*structpb.Value{}}
}

func setString(m *Message, key, v string) { m.Fields[key] = structpb.NewStringValue(v) }
func setNumber(m *Message, key string, v float64) {
	m.Fields[key] = structpb.NewNumberValue(v)
}

func getString(m *Message, key string) string {
	if f := m.GetFields()[key]; f != nil {
		return f.GetStringValue()
	}
	return ""
}

func getNumber(m *Message, key string) float64 {
	if f := m.GetFields()[key]; f != nil {
		return f.GetNumberValue()
	}
	return 0
}

// SetPayload sets the echo payload.
func SetPayload(m *Message, payload string) { setString(m, "payload", payload) }

// Payload reads the echo payload.
func Payload(m *Message) string { return getString(m, "payload") }

// SetCount sets the repetition count.
func SetCount(m *Message, n int) { setNumber(m, "count", float64(n)) }

// Count reads the repetition count.
func Count(m *Message) int { return int(getNumber(m, "count")) }

// SetCode asks the server to fail with the given code.
func SetCode(m *Message, c codes.Code) { setNumber(m, "code", float64(c)) }

// Code reads the requested failure code.
func Code(m *Message) codes.Code { return codes.Code(getNumber(m, "code")) }

// SetDelay asks the server to sleep before responding.
func SetDelay(m *Message, d time.Duration) {
	setNumber(m, "delay_ms", float64(d/time.Millisecond))
}

// Delay reads the requested server-side delay.
func Delay(m *Message) time.Duration {
	return time.Duration(getNumber(m, "delay_ms")) * time.Millisecond
}

// SetMeta stores a string map under the given field ("headers" or
// "trailers").
func SetMeta(m *Message, key string, md map[string]string) {
	fields := map[string]*structpb.Value{}
	for k, v := range md {
		fields[k] = structpb.NewStringValue(v)
	}
	m.Fields[key] = structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// Meta reads a string map stored under the given field.
func Meta(m *Message, key string) map[string]string {
	f := m.GetFields()[key]
	if f == nil {
		return nil
	}
	out := map[string]string{}
	for k, v := range f.GetStructValue().GetFields() {
		out[k] = v.GetStringValue()
	}
	return out
}

// TestService is the server interface of the test service.
type TestService interface {
	Unary(ctx context.Context, req *Message) (*Message, error)
	ClientStream(stream TestServiceClientStreamServer) error
	ServerStream(req *Message, stream TestServiceServerStreamServer) error
	BidiStream(stream TestServiceBidiStreamServer) error
}

// TestServiceClientStreamServer is the server view of a ClientStream call.
type TestServiceClientStreamServer interface {
	Recv() (*Message, error)
	SendAndClose(*Message) error
	grpc.ServerStream
}

// TestServiceServerStreamServer is the server view of a ServerStream call.
type TestServiceServerStreamServer interface {
	Send(*Message) error
	grpc.ServerStream
}

// TestServiceBidiStreamServer is the server view of a BidiStream call.
type TestServiceBidiStreamServer interface {
	Recv() (*Message, error)
	Send(*Message) error
	grpc.ServerStream
}

// TestServer has default responses to the various kinds of methods: it
// echoes the payload and incoming metadata, applies requested header and
// trailer metadata, honors requested delays, and fails with the requested
// code.
type TestServer struct{}

var _ TestService = (*TestServer)(nil)

func (s *TestServer) Unary(ctx context.Context, req *Message) (*Message, error) {
	if d := Delay(req); d > 0 {
		time.Sleep(d)
	}
	grpc.SetHeader(ctx, metadata.New(Meta(req, "headers")))
	grpc.SetTrailer(ctx, metadata.New(Meta(req, "trailers")))
	if c := Code(req); c != codes.OK {
		return nil, status.Error(c, "error")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	return echoMessage(req, md, 0), nil
}

func (s *TestServer) ClientStream(stream TestServiceClientStreamServer) error {
	var req *Message
	count := 0
	for {
		r, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		req = r
		count++
		if Code(req) != codes.OK {
			break
		}
	}
	if req == nil {
		req = NewMessage()
	}
	if d := Delay(req); d > 0 {
		time.Sleep(d)
	}
	if err := stream.SetHeader(metadata.New(Meta(req, "headers"))); err != nil {
		return err
	}
	stream.SetTrailer(metadata.New(Meta(req, "trailers")))
	if c := Code(req); c != codes.OK {
		return status.Error(c, "error")
	}
	md, _ := metadata.FromIncomingContext(stream.Context())
	return stream.SendAndClose(echoMessage(req, md, count))
}

func (s *TestServer) ServerStream(req *Message, stream TestServiceServerStreamServer) error {
	if d := Delay(req); d > 0 {
		time.Sleep(d)
	}
	md, _ := metadata.FromIncomingContext(stream.Context())
	if err := stream.SetHeader(metadata.New(Meta(req, "headers"))); err != nil {
		return err
	}
	for i := 0; i < Count(req); i++ {
		if err := stream.Send(echoMessage(req, md, 0)); err != nil {
			return err
		}
	}
	stream.SetTrailer(metadata.New(Meta(req, "trailers")))
	if c := Code(req); c != codes.OK {
		return status.Error(c, "error")
	}
	return nil
}

func (s *TestServer) BidiStream(stream TestServiceBidiStreamServer) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	var req *Message
	count := 0
	var buffered []*Message
	halfDuplex := false
	for {
		r, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		req = r
		if d := Delay(req); d > 0 {
			time.Sleep(d)
		}
		if count == 0 {
			if err := stream.SetHeader(metadata.New(Meta(req, "headers"))); err != nil {
				return err
			}
			// a negative count asks for half-duplex: consume the whole
			// request stream before replying
			halfDuplex = Count(req) < 0
		}
		count++
		if Code(req) != codes.OK {
			break
		}
		reply := echoMessage(req, md, count)
		if halfDuplex {
			buffered = append(buffered, reply)
		} else if err := stream.Send(reply); err != nil {
			return err
		}
	}
	for _, reply := range buffered {
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
	if req != nil {
		stream.SetTrailer(metadata.New(Meta(req, "trailers")))
		if c := Code(req); c != codes.OK {
			return status.Error(c, "error")
		}
	}
	return nil
}

func echoMessage(req *Message, md metadata.MD, count int) *Message {
	m := NewMessage()
	SetPayload(m, Payload(req))
	if count > 0 {
		SetCount(m, count)
	}
	echo := map[string]string{}
	for k, vs := range md {
		if len(vs) > 0 {
			echo[k] = vs[len(vs)-1]
		}
	}
	SetMeta(m, "headers", echo)
	return m
}

// RegisterTestService registers srv with the given registry.
func RegisterTestService(reg grpclink.ServiceRegistry, srv TestService) {
	reg.RegisterService(&testServiceDesc, srv)
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TestService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Unary",
			Handler:    unaryHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ClientStream",
			Handler:       clientStreamHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "ServerStream",
			Handler:       serverStreamHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "BidiStream",
			Handler:       bidiStreamHandler,
			ClientStreams: true,
			ServerStreams: true,
		},
	},
	Metadata: "grpclinktesting",
}

func unaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TestService).Unary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/Unary",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TestService).Unary(ctx, req.(*Message))
	}
	return interceptor(ctx, in, info, handler)
}

func clientStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TestService).ClientStream(&clientStreamServer{stream})
}

type clientStreamServer struct {
	grpc.ServerStream
}

func (s *clientStreamServer) Recv() (*Message, error) {
	m := new(Message)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *clientStreamServer) SendAndClose(m *Message) error {
	return s.SendMsg(m)
}

func serverStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(Message)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TestService).ServerStream(m, &serverStreamServer{stream})
}

type serverStreamServer struct {
	grpc.ServerStream
}

func (s *serverStreamServer) Send(m *Message) error {
	return s.SendMsg(m)
}

func bidiStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TestService).BidiStream(&bidiStreamServer{stream})
}

type bidiStreamServer struct {
	grpc.ServerStream
}

func (s *bidiStreamServer) Recv() (*Message, error) {
	m := new(Message)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *bidiStreamServer) Send(m *Message) error {
	return s.SendMsg(m)
}

// TestClient is a client for the test service over any channel.
type TestClient struct {
	ch grpclink.Channel
}

// NewTestClient creates a test service client that issues RPCs over ch.
func NewTestClient(ch grpclink.Channel) *TestClient {
	return &TestClient{ch: ch}
}

func (c *TestClient) Unary(ctx context.Context, req *Message, opts ...grpc.CallOption) (*Message, error) {
	out := new(Message)
	if err := c.ch.Invoke(ctx, "/"+serviceName+"/Unary", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TestClientStream is the client view of a ClientStream call.
type TestClientStream struct {
	grpc.ClientStream
}

func (c *TestClient) ClientStream(ctx context.Context, opts ...grpc.CallOption) (*TestClientStream, error) {
	cs, err := c.ch.NewStream(ctx, &testServiceDesc.Streams[0], "/"+serviceName+"/ClientStream", opts...)
	if err != nil {
		return nil, err
	}
	return &TestClientStream{cs}, nil
}

func (s *TestClientStream) Send(m *Message) error {
	return s.SendMsg(m)
}

func (s *TestClientStream) CloseAndRecv() (*Message, error) {
	if err := s.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Message)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TestServerStream is the client view of a ServerStream call.
type TestServerStream struct {
	grpc.ClientStream
}

func (c *TestClient) ServerStream(ctx context.Context, req *Message, opts ...grpc.CallOption) (*TestServerStream, error) {
	cs, err := c.ch.NewStream(ctx, &testServiceDesc.Streams[1], "/"+serviceName+"/ServerStream", opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &TestServerStream{cs}, nil
}

func (s *TestServerStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TestBidiStream is the client view of a BidiStream call.
type TestBidiStream struct {
	grpc.ClientStream
}

func (c *TestClient) BidiStream(ctx context.Context, opts ...grpc.CallOption) (*TestBidiStream, error) {
	cs, err := c.ch.NewStream(ctx, &testServiceDesc.Streams[2], "/"+serviceName+"/BidiStream", opts...)
	if err != nil {
		return nil, err
	}
	return &TestBidiStream{cs}, nil
}

func (s *TestBidiStream) Send(m *Message) error {
	return s.SendMsg(m)
}

func (s *TestBidiStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
