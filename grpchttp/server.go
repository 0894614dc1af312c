package grpchttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/grpclink/grpclink"
	"github.com/grpclink/grpclink/internal"
	"github.com/grpclink/grpclink/wire"
)

// Server dispatches gRPC (and gRPC-Web) requests to registered service
// handlers. It acts as a grpc.ServiceRegistrar for registering server
// implementations and implements http.Handler for exposure via any HTTP/2
// capable server.
type Server struct {
	handlers    grpclink.HandlerMap
	basePath    string
	unaryInt    grpc.UnaryServerInterceptor
	streamInt   grpc.StreamServerInterceptor
	compression *wire.CompressionRegistry
	activation  ActivationFunc
}

// ActivationFunc wraps each dispatched call with a per-service resource
// scope. It runs before the handler; the returned release function always
// runs after the call reaches terminal state, on success and failure paths
// both.
type ActivationFunc func(ctx context.Context, serviceName string) (context.Context, func(), error)

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithBasePath configures the server to serve under the given path prefix
// instead of "/". An alternative is mounting the server behind
// http.StripPrefix.
func WithBasePath(path string) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.basePath = path
	})
}

// WithUnaryInterceptor configures the server to run the given interceptor
// when dispatching unary RPCs.
func WithUnaryInterceptor(interceptor grpc.UnaryServerInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.unaryInt = interceptor
	})
}

// WithStreamInterceptor configures the server to run the given interceptor
// when dispatching streaming RPCs.
func WithStreamInterceptor(interceptor grpc.StreamServerInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.streamInt = interceptor
	})
}

// WithCompression configures the registry used to decompress requests and to
// negotiate response compression against the client's grpc-accept-encoding.
func WithCompression(reg *wire.CompressionRegistry) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.compression = reg
	})
}

// WithActivation configures a per-service activation/release scope around
// every dispatched call.
func WithActivation(fn ActivationFunc) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.activation = fn
	})
}

// NewServer returns a new server. Services are registered with
// RegisterService; the server routes "/{service}/{method}" requests to them.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		basePath: "/",
		handlers: grpclink.HandlerMap{},
	}
	for _, o := range opts {
		o.apply(s)
	}
	return s
}

// RegisterService registers the given service and implementation. Like a
// grpc.Server, only a single implementation per service is allowed.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, svr interface{}) {
	s.handlers.RegisterService(desc, svr)
}

// GetServiceInfo returns information about the registered services.
func (s *Server) GetServiceInfo() map[string]grpc.ServiceInfo {
	return s.handlers.GetServiceInfo()
}

// ServeHTTP implements http.Handler. It matches the request route against
// the registered method descriptors and invokes the handler with the
// matching streaming shape.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer drainAndClose(r.Body)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	codecName, web, ok := contentSubtype(r.Header.Get("Content-Type"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}
	codec := codecByName(codecName)
	if codec == nil {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}

	contentType := contentTypeFor(codecName, web)

	route := strings.TrimPrefix(r.URL.Path, s.basePath)
	route = strings.TrimPrefix(route, "/")
	pos := strings.LastIndex(route, "/")
	if pos <= 0 || pos == len(route)-1 {
		writeTrailersOnly(w, contentType, status.Newf(codes.Unimplemented, "malformed method name: %q", r.URL.Path), nil)
		return
	}
	serviceName, methodName := route[:pos], route[pos+1:]

	desc, svr := s.handlers.QueryService(serviceName)
	if desc == nil {
		writeTrailersOnly(w, contentType, status.Newf(codes.Unimplemented, "unknown service %s", serviceName), nil)
		return
	}

	ctx := r.Context()
	if p := peerFromRequest(r); p != nil {
		ctx = peer.NewContext(ctx, p)
	}

	md, err := wire.FromHeaders(r.Header)
	if err != nil {
		writeTrailersOnly(w, contentType, status.New(codes.Internal, err.Error()), nil)
		return
	}
	ctx = metadata.NewIncomingContext(ctx, md)

	cancel := func() {}
	if tv := r.Header.Get(grpcTimeoutHeader); tv != "" {
		timeout, err := wire.DecodeTimeout(tv)
		if err != nil {
			writeTrailersOnly(w, contentType, status.New(codes.Internal, err.Error()), nil)
			return
		}
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	if s.activation != nil {
		actCtx, release, err := s.activation(ctx, serviceName)
		if err != nil {
			writeTrailersOnly(w, contentType, nonOKStatus(err), nil)
			return
		}
		ctx = actCtx
		defer release()
	}

	framer := &wire.Framer{
		Codec:          codec,
		Compression:    s.compression,
		SendCompressor: s.compression.Negotiate(r.Header.Get(grpcAcceptHeader)),
	}
	reqEncoding := r.Header.Get(grpcEncodingHeader)

	if md := internal.FindUnaryMethod(methodName, desc.Methods); md != nil {
		s.handleUnary(ctx, w, r, contentType, serviceName, md, svr, framer, reqEncoding, web)
		return
	}
	if sd := internal.FindStreamingMethod(methodName, desc.Streams); sd != nil {
		s.handleStream(ctx, w, r, contentType, serviceName, sd, svr, framer, reqEncoding, web)
		return
	}
	writeTrailersOnly(w, contentType, status.Newf(codes.Unimplemented, "unknown method %s for service %s", methodName, serviceName), nil)
}

// writeTrailersOnly sends a response with no messages whose final status is
// carried in the response headers, which is the trailers-only shape from the
// gRPC HTTP/2 spec.
func writeTrailersOnly(w http.ResponseWriter, contentType string, st *status.Status, md metadata.MD) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	wire.ToHeaders(md, h)
	setStatus(h, st)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnary(ctx context.Context, w http.ResponseWriter, r *http.Request, contentType, serviceName string, md *grpc.MethodDesc, svr interface{}, framer *wire.Framer, reqEncoding string, web bool) {
	fullMethod := fmt.Sprintf("/%s/%s", serviceName, md.MethodName)

	payload, flags, err := wire.ReadFrame(r.Body)
	if err != nil {
		writeTrailersOnly(w, contentType, status.Newf(codes.Internal, "error reading request frame: %v", err), nil)
		return
	}
	if _, _, err := wire.ReadFrame(r.Body); err != io.EOF {
		writeTrailersOnly(w, contentType, status.New(codes.InvalidArgument, "method accepts 1 request message but client sent >1"), nil)
		return
	}

	dec := func(msg interface{}) error {
		if err := framer.UnmarshalFrame(payload, flags, reqEncoding, msg); err != nil {
			if _, ok := status.FromError(err); ok {
				return err
			}
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return nil
	}

	sts := internal.UnaryServerTransportStream{Name: fullMethod}
	resp, err := s.invokeUnary(grpc.NewContextWithServerTransportStream(ctx, &sts), svr, md, dec)
	sts.Finish()

	h := w.Header()
	h.Set("Content-Type", contentType)
	if framer.SendCompressor != nil {
		h.Set(grpcEncodingHeader, framer.SendCompressor.Name())
	}
	wire.ToHeaders(sts.GetHeaders(), h)

	st := status.New(codes.OK, "")
	if err != nil {
		st = nonOKStatus(err)
	} else if resp == nil {
		// a handler that returns neither response nor error is a server
		// bug, not a cancellation
		st = status.New(codes.Internal, "method returned no response message")
	}

	tw := &trailerWriter{w: w, web: web}
	if st.Code() == codes.OK {
		if err := framer.WriteMessage(tw, resp); err != nil {
			st = status.Newf(codes.Internal, "error marshaling response: %v", err)
		}
	}
	tw.finish(st, sts.GetTrailers())
}

// invokeUnary runs the unary handler with the configured interceptor,
// converting a handler panic into a status per the dispatch error policy.
func (s *Server) invokeUnary(ctx context.Context, svr interface{}, md *grpc.MethodDesc, dec func(interface{}) error) (resp interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, status.Errorf(codes.Unknown, "handler panic: %v", p)
		}
	}()
	return md.Handler(svr, ctx, dec, s.unaryInt)
}

func (s *Server) handleStream(ctx context.Context, w http.ResponseWriter, r *http.Request, contentType, serviceName string, sd *grpc.StreamDesc, svr interface{}, framer *wire.Framer, reqEncoding string, web bool) {
	info := &grpc.StreamServerInfo{
		FullMethod:     fmt.Sprintf("/%s/%s", serviceName, sd.StreamName),
		IsClientStream: sd.ClientStreams,
		IsServerStream: sd.ServerStreams,
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	if framer.SendCompressor != nil {
		h.Set(grpcEncodingHeader, framer.SendCompressor.Name())
	}

	str := &serverStream{
		body:        r.Body,
		tw:          &trailerWriter{w: w, web: web},
		reqStream:   sd.ClientStreams,
		framer:      framer,
		reqEncoding: reqEncoding,
	}
	sts := internal.ServerTransportStream{Name: info.FullMethod, Stream: str}
	str.ctx = grpc.NewContextWithServerTransportStream(ctx, &sts)

	err := s.invokeStream(svr, str, info, sd.Handler)
	if str.failed() {
		// the response stream already broke; there is nothing left to say
		return
	}

	st := status.New(codes.OK, "")
	if err != nil {
		st = nonOKStatus(err)
	}
	str.finish(st)
}

func (s *Server) invokeStream(svr interface{}, str grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = status.Errorf(codes.Unknown, "handler panic: %v", p)
		}
	}()
	if s.streamInt != nil {
		return s.streamInt(svr, str, info, handler)
	}
	return handler(svr, str)
}

// trailerWriter writes the response body and, at the end of the call, the
// trailers: native HTTP trailers normally, or a trailer frame appended to
// the body for the gRPC-Web variant.
type trailerWriter struct {
	w           http.ResponseWriter
	web         bool
	wroteHeader bool
	writeFailed bool
}

func (tw *trailerWriter) Write(p []byte) (int, error) {
	tw.wroteHeader = true
	n, err := tw.w.Write(p)
	if err != nil {
		tw.writeFailed = true
	}
	return n, err
}

func (tw *trailerWriter) Flush() {
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *trailerWriter) finish(st *status.Status, md metadata.MD) {
	if tw.writeFailed {
		return
	}
	if tw.web {
		if err := writeWebTrailers(tw.w, st, md); err != nil {
			tw.writeFailed = true
		}
		return
	}
	if !tw.wroteHeader {
		// headers must go out before trailers even when there were no
		// messages
		tw.w.WriteHeader(http.StatusOK)
		tw.wroteHeader = true
	}
	h := http.Header{}
	wire.ToHeaders(md, h)
	setStatus(h, st)
	for k, vs := range h {
		for _, v := range vs {
			tw.w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
}

// serverStream implements grpc.ServerStream over an HTTP exchange.
type serverStream struct {
	ctx context.Context
	// reqStream is set when the client may send more than one message.
	reqStream   bool
	framer      *wire.Framer
	reqEncoding string

	// rmu serializes reads from body and protects recvd
	rmu   sync.Mutex
	body  io.Reader
	recvd int

	// wmu serializes writes and protects headersSent and tr
	wmu         sync.Mutex
	tw          *trailerWriter
	headersSent bool
	tr          []metadata.MD
}

var _ grpc.ServerStream = (*serverStream)(nil)

func (ss *serverStream) Context() context.Context {
	return ss.ctx
}

func (ss *serverStream) SetHeader(md metadata.MD) error {
	return ss.setHeader(md, false)
}

func (ss *serverStream) SendHeader(md metadata.MD) error {
	return ss.setHeader(md, true)
}

func (ss *serverStream) setHeader(md metadata.MD, send bool) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if ss.headersSent {
		return status.Error(codes.Internal, "headers already sent")
	}
	wire.ToHeaders(md, ss.tw.w.Header())
	if send {
		ss.tw.w.WriteHeader(http.StatusOK)
		ss.tw.wroteHeader = true
		ss.headersSent = true
	}
	return nil
}

func (ss *serverStream) SetTrailer(md metadata.MD) {
	_ = ss.TrySetTrailer(md)
}

func (ss *serverStream) TrySetTrailer(md metadata.MD) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	ss.tr = append(ss.tr, md)
	return nil
}

func (ss *serverStream) SendMsg(m interface{}) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if ss.tw.writeFailed {
		// matches real gRPC: the stream is closed after a write failure
		// and subsequent sends report EOF
		return io.EOF
	}
	ss.headersSent = true // sent implicitly with the first message
	err := ss.framer.WriteMessage(ss.tw, m)
	if err != nil {
		ss.tw.writeFailed = true
	}
	return err
}

func (ss *serverStream) RecvMsg(m interface{}) error {
	ss.rmu.Lock()
	defer ss.rmu.Unlock()

	if !ss.reqStream && ss.recvd > 0 {
		return io.EOF
	}
	ss.recvd++

	payload, flags, err := wire.ReadFrame(ss.body)
	if err == io.EOF {
		return io.EOF
	} else if err != nil {
		return status.Errorf(codes.Internal, "error reading request frame: %v", err)
	}

	if err := ss.framer.UnmarshalFrame(payload, flags, ss.reqEncoding, m); err != nil {
		return err
	}

	if !ss.reqStream {
		if _, _, err := wire.ReadFrame(ss.body); err != io.EOF {
			return status.Error(codes.InvalidArgument, "method accepts 1 request message but client sent >1")
		}
	}
	return nil
}

func (ss *serverStream) failed() bool {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	return ss.tw.writeFailed
}

func (ss *serverStream) finish(st *status.Status) {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	ss.tw.finish(st, metadata.Join(ss.tr...))
}

func peerFromRequest(r *http.Request) *peer.Peer {
	pr := peer.Peer{Addr: strAddr(r.RemoteAddr)}
	if r.TLS != nil {
		pr.AuthInfo = credentials.TLSInfo{State: *r.TLS}
	}
	return &pr
}

// strAddr adapts the http.Request.RemoteAddr string to net.Addr.
type strAddr string

func (a strAddr) Network() string {
	if a != "" {
		// Request.RemoteAddr is documented as IP:port, hence TCP.
		return "tcp"
	}
	return ""
}

func (a strAddr) String() string { return string(a) }
