package grpchttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/grpclink/grpclink"
	"github.com/grpclink/grpclink/call"
	"github.com/grpclink/grpclink/wire"
)

// Invoker issues gRPC requests against a single base URL over an HTTP duplex
// exchange. The server endpoint is configured with the BaseURL field and the
// Transport must support full-duplex request bodies (e.g. an
// http2.Transport); both fields are required. Invoker implements
// grpclink.Channel, so generated stubs can use it directly. Channel-level
// concerns (name resolution, load balancing) live above it: the managed
// channel creates one Invoker per resolved backend.
type Invoker struct {
	Transport http.RoundTripper
	BaseURL   *url.URL

	// Codec overrides the message codec; nil means the registered proto
	// codec.
	Codec encoding.Codec
	// Compression is the provider registry advertised to the server and
	// used to decompress responses. May be nil.
	Compression *wire.CompressionRegistry
	// SendEncoding names the encoding used to compress request messages. It
	// must be registered in Compression. Empty means no compression.
	SendEncoding string
	// Web selects the gRPC-Web wire variant, for use against servers or
	// intermediaries without native trailer support.
	Web bool
}

var _ grpclink.Channel = (*Invoker)(nil)

func (inv *Invoker) codec() (encoding.Codec, error) {
	if inv.Codec != nil {
		return inv.Codec, nil
	}
	if c := codecByName("proto"); c != nil {
		return c, nil
	}
	return nil, errors.New("grpchttp: no proto codec registered")
}

// Invoke executes a unary RPC. It is implemented over the streaming path:
// one message is sent, the outbound direction is closed, and exactly one
// response message is expected before the terminal status.
func (inv *Invoker) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	desc := &grpc.StreamDesc{StreamName: path.Base(methodName)}
	cs, err := inv.NewStream(ctx, desc, methodName, opts...)
	if err != nil {
		return err
	}
	defer applyCallOptions(cs, opts)
	if err := cs.SendMsg(req); err != nil && err != io.EOF {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	err = cs.RecvMsg(resp)
	if err == io.EOF {
		// stream ended OK but the server never produced a response message
		return status.Error(codes.Internal, "server returned no response message for unary call")
	}
	return err
}

// applyCallOptions fills the Header and Trailer call options once the RPC
// has run. Other options have no meaning for this transport and are ignored.
func applyCallOptions(cs grpc.ClientStream, opts []grpc.CallOption) {
	for _, opt := range opts {
		switch o := opt.(type) {
		case grpc.HeaderCallOption:
			*o.HeaderAddr, _ = cs.Header()
		case grpc.TrailerCallOption:
			*o.TrailerAddr = cs.Trailer()
		}
	}
}

// NewStream executes a streaming RPC.
func (inv *Invoker) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if inv.Transport == nil || inv.BaseURL == nil {
		return nil, errors.New("grpchttp: Invoker requires both Transport and BaseURL")
	}
	codec, err := inv.codec()
	if err != nil {
		return nil, err
	}
	method, err := call.NewMethod(methodName, call.KindOf(desc), codec)
	if err != nil {
		return nil, err
	}

	var sendComp wire.Compressor
	if inv.SendEncoding != "" {
		if sendComp = inv.Compression.Get(inv.SendEncoding); sendComp == nil {
			return nil, fmt.Errorf("grpchttp: no compressor registered for %q", inv.SendEncoding)
		}
	}

	c := call.New(ctx, method, call.Options{})
	if err := c.Start(); err != nil {
		return nil, err
	}

	h := http.Header{}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		wire.ToHeaders(md, h)
	}
	h.Set("Content-Type", contentTypeFor(codec.Name(), inv.Web))
	h.Set("TE", "trailers")
	acceptEncoding := inv.Compression.AcceptEncoding()
	if acceptEncoding != "" {
		h.Set(grpcAcceptHeader, acceptEncoding)
	}
	if sendComp != nil {
		h.Set(grpcEncodingHeader, sendComp.Name())
	}
	if deadline, ok := c.Deadline(); ok {
		h.Set(grpcTimeoutHeader, wire.EncodeTimeout(deadline.Sub(nowFunc())))
	}

	reqURL := *inv.BaseURL
	reqURL.Path = path.Join(reqURL.Path, method.FullName())
	r, w := io.Pipe()
	req, err := http.NewRequestWithContext(c.Context(), http.MethodPost, reqURL.String(), r)
	if err != nil {
		c.Finish(status.New(codes.Internal, err.Error()), nil)
		return nil, err
	}
	req.Header = h

	cs := &clientStream{
		call: c,
		framer: &wire.Framer{
			Codec:          codec,
			Compression:    inv.Compression,
			SendCompressor: sendComp,
		},
		respStream:     desc.ServerStreams,
		web:            inv.Web,
		acceptEncoding: acceptEncoding,
		w:              w,
		rCh:            make(chan recvFrame),
	}
	cs.ready.Add(1)

	// If the call terminates before the exchange does (deadline, caller
	// cancellation), tear the request body down so a blocked writer is
	// released; the context cancellation aborts the round trip itself.
	c.SetAbort(func() { _ = w.CloseWithError(io.ErrClosedPipe) })

	go cs.run(inv.Transport, req)

	return cs, nil
}

// nowFunc is replaced in tests.
var nowFunc = time.Now

// recvFrame is one inbound frame delivered from the exchange goroutine to
// RecvMsg callers.
type recvFrame struct {
	payload []byte
	flags   byte
}

// clientStream drives one RPC over an HTTP exchange. A goroutine (run)
// performs the round trip and decodes the response body into frames fed to
// RecvMsg via rCh; sending is synchronous, writing frames to the pipe that
// feeds the request body. Terminal-state arbitration lives in the embedded
// call state machine: whichever of {peer status, deadline, cancellation,
// transport fault} lands first wins.
type clientStream struct {
	call   *call.Call
	framer *wire.Framer

	// respStream indicates the client expects a stream response; unary if
	// false.
	respStream     bool
	web            bool
	acceptEncoding string

	// hd and hdErr are populated when ready is done
	ready sync.WaitGroup
	hd    metadata.MD
	hdErr error

	// respEncoding is written by run before any frame is delivered.
	respEncoding string

	rCh chan recvFrame

	wMu  sync.Mutex
	w    *io.PipeWriter
	wErr error
}

var _ grpc.ClientStream = (*clientStream)(nil)

func (cs *clientStream) Header() (metadata.MD, error) {
	cs.ready.Wait()
	return cs.hd, cs.hdErr
}

func (cs *clientStream) Trailer() metadata.MD {
	// only available after the stream has completed
	md, err := cs.call.Trailer()
	if err != nil {
		return nil
	}
	return md
}

func (cs *clientStream) Context() context.Context {
	return cs.call.Context()
}

func (cs *clientStream) CloseSend() error {
	if err := cs.call.CompleteWrites(); err != nil {
		// already closed, by the caller or by stream completion
		return nil
	}
	cs.wMu.Lock()
	defer cs.wMu.Unlock()
	return cs.w.Close()
}

// readErrorIfDone returns (true, err) once the call has reached terminal
// state, where err is io.EOF for an OK status (gRPC stream convention) and
// the status error otherwise.
func (cs *clientStream) readErrorIfDone() (bool, error) {
	st, err := cs.call.Status()
	if err != nil {
		return false, nil
	}
	if st.Code() == codes.OK {
		return true, io.EOF
	}
	return true, st.Err()
}

func (cs *clientStream) SendMsg(m interface{}) error {
	if err := cs.call.BeginWrite(); err != nil {
		// gRPC streams report EOF for sends on an ended stream; the real
		// failure is retrieved via RecvMsg
		if cs.call.State().Terminal() {
			return io.EOF
		}
		return err
	}

	cs.wMu.Lock()
	defer cs.wMu.Unlock()
	if cs.wErr != nil {
		// earlier write error means the stream is effectively closed
		return io.EOF
	}
	cs.wErr = cs.framer.WriteMessage(cs.w, m)
	return cs.wErr
}

func (cs *clientStream) RecvMsg(m interface{}) error {
	if done, err := cs.readErrorIfDone(); done {
		return err
	}

	select {
	case <-cs.call.Done():
		_, err := cs.readErrorIfDone()
		return err
	case f, ok := <-cs.rCh:
		if !ok {
			done, err := cs.readErrorIfDone()
			if !done {
				// run() always finishes the call before closing rCh
				panic("grpchttp: rCh closed before call terminated")
			}
			return err
		}
		if err := cs.framer.UnmarshalFrame(f.payload, f.flags, cs.respEncoding, m); err != nil {
			cs.call.Finish(status.Convert(err), nil)
			return err
		}
		if !cs.respStream {
			// For a unary response we must observe end-of-stream: if there
			// is a second message the server misbehaved, and either way we
			// need the trailers recorded so Trailer() works.
			select {
			case <-cs.call.Done():
			case _, ok := <-cs.rCh:
				if ok {
					st := status.New(codes.Internal, "method should return 1 response message but server sent >1")
					cs.call.Finish(st, nil)
					return st.Err()
				}
				done, err := cs.readErrorIfDone()
				if !done {
					panic("grpchttp: rCh closed before call terminated")
				}
				if err != io.EOF {
					return err
				}
			}
		}
		return nil
	}
}

// run performs the HTTP round trip and demultiplexes the response body into
// frames. On completion it records the terminal status on the call and then
// closes rCh, which signals end-of-stream to RecvMsg.
func (cs *clientStream) run(transport http.RoundTripper, req *http.Request) {
	var finished bool
	finish := func(st *status.Status, md metadata.MD) {
		if !finished {
			finished = true
			cs.call.Finish(st, md)
		}
	}
	defer func() {
		finish(status.New(codes.Internal, "stream ended without status"), nil)
		close(cs.rCh)
	}()

	readyDone := false
	onReady := func(err error, headers metadata.MD) {
		if !readyDone {
			readyDone = true
			cs.hdErr = err
			cs.hd = headers
			cs.ready.Done()
		}
	}
	defer onReady(io.EOF, nil)

	reply, err := transport.RoundTrip(req)
	if err != nil {
		st := statusFromTransportError(err)
		onReady(st.Err(), nil)
		finish(st, nil)
		return
	}
	defer drainAndClose(reply.Body)

	md, err := wire.FromHeaders(reply.Header)
	if err != nil {
		st := status.New(codes.Internal, err.Error())
		onReady(st.Err(), nil)
		finish(st, nil)
		return
	}

	if st, ok := statusFromHeaders(reply.Header); ok {
		// trailers-only response: the headers are the trailers
		onReady(nil, nil)
		finish(st, md)
		return
	}

	if reply.StatusCode != http.StatusOK {
		st := status.New(codeFromHTTPStatus(reply.StatusCode), reply.Status)
		onReady(st.Err(), nil)
		finish(st, md)
		return
	}

	if _, _, ok := contentSubtype(reply.Header.Get("Content-Type")); !ok {
		st := status.Newf(codes.Internal, "unexpected response content-type %q", reply.Header.Get("Content-Type"))
		onReady(st.Err(), nil)
		finish(st, nil)
		return
	}

	respEncoding := reply.Header.Get(grpcEncodingHeader)
	if !wire.Advertised(cs.acceptEncoding, respEncoding) {
		st := status.Newf(codes.Internal, "server compressed response with %q which was not advertised", respEncoding)
		onReady(st.Err(), nil)
		finish(st, nil)
		return
	}
	cs.respEncoding = respEncoding

	onReady(nil, md)

	for {
		payload, flags, err := wire.ReadFrame(reply.Body)
		if err == io.EOF {
			finish(cs.endOfBodyStatus(reply))
			return
		}
		if err != nil {
			// response bytes were observed, so a malformed or truncated
			// stream is Internal rather than Unavailable
			if ctxErr := cs.call.Context().Err(); ctxErr != nil {
				finish(status.Convert(ctxErr), nil)
			} else {
				finish(status.Newf(codes.Internal, "error reading response frame: %v", err), nil)
			}
			return
		}
		if cs.web && flags&webTrailerFlag != 0 {
			st, tlrs, err := parseWebTrailers(payload)
			if err != nil {
				finish(status.New(codes.Internal, err.Error()), nil)
			} else {
				finish(st, tlrs)
			}
			return
		}

		select {
		case <-cs.call.Done():
			// deadline or cancellation landed before this message could be
			// delivered to the caller
			return
		case cs.rCh <- recvFrame{payload: payload, flags: flags}:
		}
	}
}

// endOfBodyStatus determines the terminal status once the response body is
// exhausted. In native mode the status comes from the HTTP trailers; a
// missing grpc-status means the server (or an intermediary) dropped the
// stream, which must synthesize an error rather than hang or succeed.
func (cs *clientStream) endOfBodyStatus(reply *http.Response) (*status.Status, metadata.MD) {
	if cs.web {
		return status.New(codes.Internal, "stream terminated without trailer frame"), nil
	}
	st, ok := statusFromHeaders(reply.Trailer)
	if !ok {
		return status.New(codes.Internal, "stream terminated without grpc-status trailer"), nil
	}
	md, err := wire.FromHeaders(reply.Trailer)
	if err != nil {
		return status.New(codes.Internal, err.Error()), nil
	}
	return st, md
}

// statusFromTransportError maps a round-trip failure to a status: context
// errors keep their cancellation flavor, while connection-level failures are
// Unavailable since no response bytes were observed.
func statusFromTransportError(err error) *status.Status {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, context.DeadlineExceeded.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, context.Canceled.Error())
	default:
		return status.Newf(codes.Unavailable, "error issuing request: %v", err)
	}
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}
