package grpclinktesting

import (
	"context"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/grpclink/grpclink"
)

// RunChannelTestCases runs numerous test cases to exercise the behavior of
// the given channel. The server side of the channel needs to have a
// *TestServer registered to provide the implementation of the test service.
// If the channel does not support full-duplex communication, it must provide
// at least half-duplex support for bidirectional streams.
//
// The test cases are defined as child tests by invoking t.Run on the given
// *testing.T.
func RunChannelTestCases(t *testing.T, ch grpclink.Channel, supportsFullDuplex bool) {
	cli := NewTestClient(ch)
	t.Run("unary", func(t *testing.T) { testUnary(t, cli) })
	t.Run("client-stream", func(t *testing.T) { testClientStream(t, cli) })
	t.Run("server-stream", func(t *testing.T) { testServerStream(t, cli) })
	t.Run("half-duplex bidi-stream", func(t *testing.T) { testHalfDuplexBidiStream(t, cli) })
	if supportsFullDuplex {
		t.Run("full-duplex bidi-stream", func(t *testing.T) { testFullDuplexBidiStream(t, cli) })
	}
}

const testPayload = "\x64\x5a\x50\x46\x3c\x32\x28\x1e\x14\x0a\x00"

var (
	testOutgoingMd = map[string]string{
		"foo":        "bar",
		"baz":        "bedazzle",
		"pickle-bin": testPayload,
	}

	testMdHeaders = map[string]string{
		"foo1":        "bar4",
		"baz2":        "bedazzle5",
		"pickle3-bin": testPayload,
	}

	testMdTrailers = map[string]string{
		"4foo4":        "7bar7",
		"5baz5":        "8bedazzle8",
		"6pickle6-bin": testPayload,
	}
)

func newTestRequest() *Message {
	m := NewMessage()
	SetPayload(m, testPayload)
	SetMeta(m, "headers", testMdHeaders)
	SetMeta(m, "trailers", testMdTrailers)
	return m
}

func testUnary(t *testing.T, cli *TestClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		var hdr, tlr metadata.MD
		rsp, err := cli.Unary(ctx, newTestRequest(), grpc.Header(&hdr), grpc.Trailer(&tlr))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		if Payload(rsp) != testPayload {
			t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, Payload(rsp))
		}
		checkRequestHeaders(t, testOutgoingMd, Meta(rsp, "headers"))

		checkMetadata(t, testMdHeaders, hdr, "header")
		checkMetadata(t, testMdTrailers, tlr, "trailer")
	})

	t.Run("failure", func(t *testing.T) {
		req := newTestRequest()
		SetCode(req, codes.AlreadyExists)
		_, err := cli.Unary(ctx, req)
		checkError(t, err, codes.AlreadyExists)
	})

	t.Run("timeout", func(t *testing.T) {
		req := newTestRequest()
		SetDelay(req, 500*time.Millisecond)
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := cli.Unary(tctx, req)
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		req := newTestRequest()
		SetDelay(req, 500*time.Millisecond)
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		_, err := cli.Unary(cctx, req)
		checkError(t, err, codes.Canceled)
	})
}

func testClientStream(t *testing.T, cli *TestClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := cs.Send(newTestRequest()); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}
		}

		m, err := cs.CloseAndRecv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		if Payload(m) != testPayload {
			t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, Payload(m))
		}
		if Count(m) != 3 {
			t.Fatalf("wrong count returned: expecting %d; got %d", 3, Count(m))
		}
		checkRequestHeaders(t, testOutgoingMd, Meta(m, "headers"))

		checkResponseMetadata(t, cs, testMdHeaders, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newTestRequest()
		SetCode(req, codes.ResourceExhausted)
		if err := cs.Send(req); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.ResourceExhausted)

		checkResponseMetadata(t, cs, testMdHeaders, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		cs, err := cli.ClientStream(tctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newTestRequest()
		SetDelay(req, 500*time.Millisecond)
		if err := cs.Send(req); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		cs, err := cli.ClientStream(cctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newTestRequest()
		SetDelay(req, 500*time.Millisecond)
		if err := cs.Send(req); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.Canceled)
	})
}

func testServerStream(t *testing.T, cli *TestClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		req := newTestRequest()
		SetCount(req, 5)
		ss, err := cli.ServerStream(ctx, req)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		checkResponseHeaders(t, ss, testMdHeaders)

		for i := 0; i < 5; i++ {
			m, err := ss.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			if Payload(m) != testPayload {
				t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, Payload(m))
			}
			checkRequestHeaders(t, testOutgoingMd, Meta(m, "headers"))
		}
		if _, err := ss.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}

		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		req := newTestRequest()
		SetCount(req, 2)
		SetCode(req, codes.FailedPrecondition)
		ss, err := cli.ServerStream(ctx, req)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		checkResponseHeaders(t, ss, testMdHeaders)

		for i := 0; i < 2; i++ {
			m, err := ss.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			if Payload(m) != testPayload {
				t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, Payload(m))
			}
		}
		_, err = ss.Recv()
		checkError(t, err, codes.FailedPrecondition)

		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		req := newTestRequest()
		SetDelay(req, 500*time.Millisecond)
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		ss, err := cli.ServerStream(tctx, req)
		if err != nil {
			checkError(t, err, codes.DeadlineExceeded)
			return
		}
		_, err = ss.Recv()
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		req := newTestRequest()
		SetDelay(req, 500*time.Millisecond)
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		ss, err := cli.ServerStream(cctx, req)
		if err != nil {
			checkError(t, err, codes.Canceled)
			return
		}
		_, err = ss.Recv()
		checkError(t, err, codes.Canceled)
	})
}

func testHalfDuplexBidiStream(t *testing.T, cli *TestClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	// a negative count selects half-duplex mode in the server
	newHalfDuplexRequest := func() *Message {
		m := newTestRequest()
		SetCount(m, -1)
		return m
	}

	t.Run("success", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			if err := bidi.Send(newHalfDuplexRequest()); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}
		}
		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)

		for i := 0; i < 3; i++ {
			m, err := bidi.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			if Payload(m) != testPayload {
				t.Fatalf("wrong payload in message #%d: expecting %q; got %q", i+1, testPayload, Payload(m))
			}
			checkRequestHeaders(t, testOutgoingMd, Meta(m, "headers"))
		}

		if _, err := bidi.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}

		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		if err := bidi.Send(newHalfDuplexRequest()); err != nil {
			t.Fatalf("sending message #1 failed: %v", err)
		}

		req := newHalfDuplexRequest()
		SetCode(req, codes.DataLoss)
		if err := bidi.Send(req); err != nil {
			t.Fatalf("sending message #2 failed: %v", err)
		}

		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)

		m, err := bidi.Recv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		if Payload(m) != testPayload {
			t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, Payload(m))
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.DataLoss)

		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		bidi, err := cli.BidiStream(tctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newHalfDuplexRequest()
		SetDelay(req, 500*time.Millisecond)
		if err := bidi.Send(req); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}
		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		bidi, err := cli.BidiStream(cctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newHalfDuplexRequest()
		SetDelay(req, 500*time.Millisecond)
		if err := bidi.Send(req); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}
		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.Canceled)
	})
}

func testFullDuplexBidiStream(t *testing.T, cli *TestClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			if err := bidi.Send(newTestRequest()); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}

			if i == 0 {
				checkResponseHeaders(t, bidi, testMdHeaders)
			}

			m, err := bidi.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			if Payload(m) != testPayload {
				t.Fatalf("wrong payload in message #%d: expecting %q; got %q", i+1, testPayload, Payload(m))
			}
			checkRequestHeaders(t, testOutgoingMd, Meta(m, "headers"))
		}

		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		if _, err := bidi.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}

		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		if err := bidi.Send(newTestRequest()); err != nil {
			t.Fatalf("sending message #1 failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)

		m, err := bidi.Recv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		if Payload(m) != testPayload {
			t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, Payload(m))
		}

		req := newTestRequest()
		SetCode(req, codes.DataLoss)
		if err := bidi.Send(req); err != nil {
			t.Fatalf("sending message #2 failed: %v", err)
		}
		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.DataLoss)

		checkResponseTrailers(t, bidi, testMdTrailers)
	})
}

func checkRequestHeaders(t *testing.T, expected, actual map[string]string) {
	t.Helper()
	// not a strict equality check: the echoed metadata can include headers
	// the transport added implicitly (grpc-timeout, content-type, etc)
	for k, v := range expected {
		v2, ok := actual[k]
		if !ok || v2 != v {
			t.Fatalf("wrong headers echoed back: expecting header %s to be %q, instead was %q", k, v, v2)
		}
	}
}

func checkResponseMetadata(t *testing.T, cs grpc.ClientStream, hdrs, tlrs map[string]string) {
	t.Helper()
	checkResponseHeaders(t, cs, hdrs)
	checkResponseTrailers(t, cs, tlrs)
}

func checkResponseHeaders(t *testing.T, cs grpc.ClientStream, md map[string]string) {
	t.Helper()
	h, err := cs.Header()
	if err != nil {
		t.Fatalf("failed to get header metadata: %v", err)
	}
	checkMetadata(t, md, h, "header")
}

func checkResponseTrailers(t *testing.T, cs grpc.ClientStream, md map[string]string) {
	t.Helper()
	checkMetadata(t, md, cs.Trailer(), "trailer")
}

func checkMetadata(t *testing.T, expected map[string]string, actual metadata.MD, name string) {
	t.Helper()
	for k, v := range expected {
		v2, ok := actual[k]
		if !ok || len(v2) != 1 || v2[0] != v {
			t.Fatalf("wrong %ss echoed back: expecting %s %s to be [%s], instead was %v", name, name, k, v, v2)
		}
	}
}

func checkError(t *testing.T, err error, expectedCode codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("wrong type of error: %v", err)
	}
	if st.Code() != expectedCode {
		t.Fatalf("wrong response code: %v != %v", st.Code(), expectedCode)
	}
}
