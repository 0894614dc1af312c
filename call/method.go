package call

import (
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Kind classifies an RPC method by its streaming shape.
type Kind int

const (
	Unary Kind = iota
	ClientStreaming
	ServerStreaming
	DuplexStreaming
)

func (k Kind) String() string {
	switch k {
	case Unary:
		return "Unary"
	case ClientStreaming:
		return "ClientStreaming"
	case ServerStreaming:
		return "ServerStreaming"
	case DuplexStreaming:
		return "DuplexStreaming"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ClientStreams reports whether the client may send more than one message.
func (k Kind) ClientStreams() bool {
	return k == ClientStreaming || k == DuplexStreaming
}

// ServerStreams reports whether the server may send more than one message.
func (k Kind) ServerStreams() bool {
	return k == ServerStreaming || k == DuplexStreaming
}

// KindOf derives the Kind from a grpc stream descriptor.
func KindOf(desc *grpc.StreamDesc) Kind {
	switch {
	case desc.ClientStreams && desc.ServerStreams:
		return DuplexStreaming
	case desc.ClientStreams:
		return ClientStreaming
	case desc.ServerStreams:
		return ServerStreaming
	default:
		return Unary
	}
}

// Method identifies an RPC method and carries the marshaller pair used for
// its request and response messages. Methods are immutable once built and
// shared across all calls to them.
type Method struct {
	// Service is the fully-qualified service name, e.g. "pkg.Service".
	Service string
	// Name is the bare method name.
	Name string
	// Kind is the call shape.
	Kind Kind
	// Codec marshals requests and unmarshals responses.
	Codec encoding.Codec
}

// NewMethod builds a Method from a full method name in "/service/method"
// format (a leading slash is optional).
func NewMethod(fullName string, kind Kind, codec encoding.Codec) (*Method, error) {
	name := strings.TrimPrefix(fullName, "/")
	pos := strings.LastIndex(name, "/")
	if pos <= 0 || pos == len(name)-1 {
		return nil, fmt.Errorf("call: malformed method name: %q", fullName)
	}
	return &Method{
		Service: name[:pos],
		Name:    name[pos+1:],
		Kind:    kind,
		Codec:   codec,
	}, nil
}

// FullName returns the method's route in "/service/method" format.
func (m *Method) FullName() string {
	return fmt.Sprintf("/%s/%s", m.Service, m.Name)
}
