package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/grpclink/grpclink/balancer"
	"github.com/grpclink/grpclink/client"
	"github.com/grpclink/grpclink/grpchttp"
	"github.com/grpclink/grpclink/grpclinktesting"
)

// startBackend serves the given test service implementation over h2c and
// returns its host:port.
func startBackend(t *testing.T, impl grpclinktesting.TestService) string {
	t.Helper()
	hsvr := grpchttp.NewServer()
	grpclinktesting.RegisterTestService(hsvr, impl)
	svr := httptest.NewServer(h2c.NewHandler(hsvr, &http2.Server{}))
	t.Cleanup(svr.Close)
	return strings.TrimPrefix(svr.URL, "http://")
}

func TestClientChannel(t *testing.T) {
	addr := startBackend(t, &grpclinktesting.TestServer{})

	ch, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ch.Close()

	grpclinktesting.RunChannelTestCases(t, ch, true)
}

func TestClientChannelGRPCWeb(t *testing.T) {
	addr := startBackend(t, &grpclinktesting.TestServer{})

	ch, err := client.Dial(addr, client.WithGRPCWeb())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ch.Close()

	cli := grpclinktesting.NewTestClient(ch)
	req := grpclinktesting.NewMessage()
	grpclinktesting.SetPayload(req, "hello")
	resp, err := cli.Unary(context.Background(), req)
	if err != nil {
		t.Fatalf("RPC failed: %v", err)
	}
	if got := grpclinktesting.Payload(resp); got != "hello" {
		t.Errorf("wrong payload echoed: %q", got)
	}
}

// namedServer tags every unary response with its backend name.
type namedServer struct {
	grpclinktesting.TestServer
	name string
}

func (s *namedServer) Unary(ctx context.Context, req *grpclinktesting.Message) (*grpclinktesting.Message, error) {
	resp, err := s.TestServer.Unary(ctx, req)
	if err != nil {
		return nil, err
	}
	grpclinktesting.SetPayload(resp, s.name)
	return resp, nil
}

func TestClientChannelRoundRobin(t *testing.T) {
	addrA := startBackend(t, &namedServer{name: "a"})
	addrB := startBackend(t, &namedServer{name: "b"})

	ch, err := client.Dial("static:///"+addrA+","+addrB, client.WithPolicy(balancer.RoundRobinName))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ch.Close()

	// both backends serve once their subchannels come up
	cli := grpclinktesting.NewTestClient(ch)
	seen := map[string]bool{}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && len(seen) < 2 {
		resp, err := cli.Unary(context.Background(), grpclinktesting.NewMessage())
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		seen[grpclinktesting.Payload(resp)] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("round robin never reached both backends: %v", seen)
	}
}

func TestClientChannelDefaultDeadline(t *testing.T) {
	addr := startBackend(t, &grpclinktesting.TestServer{})

	ch, err := client.Dial(addr, client.WithDefaultDeadline(100*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ch.Close()

	cli := grpclinktesting.NewTestClient(ch)
	req := grpclinktesting.NewMessage()
	grpclinktesting.SetDelay(req, 500*time.Millisecond)
	_, err = cli.Unary(context.Background(), req)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	// an explicit deadline on the context takes precedence
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	grpclinktesting.SetDelay(req, 200*time.Millisecond)
	if _, err = cli.Unary(ctx, req); err != nil {
		t.Errorf("RPC under longer explicit deadline failed: %v", err)
	}
}

func TestClientChannelState(t *testing.T) {
	addr := startBackend(t, &grpclinktesting.TestServer{})

	ch, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ch.Close()

	states := make(chan connectivity.State, 16)
	cancel := ch.Subscribe(func(s connectivity.State) {
		select {
		case states <- s:
		default:
		}
	})
	defer cancel()

	cli := grpclinktesting.NewTestClient(ch)
	if _, err := cli.Unary(context.Background(), grpclinktesting.NewMessage()); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ch.State() != connectivity.Ready {
		if time.Now().After(deadline) {
			t.Fatalf("channel never became Ready; stuck at %v", ch.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientChannelClose(t *testing.T) {
	addr := startBackend(t, &grpclinktesting.TestServer{})

	ch, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	cli := grpclinktesting.NewTestClient(ch)
	if _, err := cli.Unary(context.Background(), grpclinktesting.NewMessage()); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}

	ch.Close()
	ch.Close() // idempotent

	_, err = cli.Unary(context.Background(), grpclinktesting.NewMessage())
	if status.Code(err) != codes.Unavailable {
		t.Errorf("expected Unavailable after close, got %v", err)
	}
}

func TestDialErrors(t *testing.T) {
	if _, err := client.Dial("bogus:///whatever"); err == nil {
		t.Error("dial with an unregistered scheme should fail")
	}
	if _, err := client.Dial("static:///"); err == nil {
		t.Error("dial with no addresses should fail")
	}
}
