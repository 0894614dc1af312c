// Package grpclink defines the channel and registry abstractions shared by
// gRPC clients and servers, independent of any particular HTTP
// implementation.
//
// The root package defines the Channel abstraction used by client stubs and
// the ServiceRegistry/HandlerMap used to accumulate server handlers. Concrete
// transports live in the grpchttp sub-package, which depends on this one;
// the managed client channel (resolver plus balancer over a transport) lives
// in the client sub-package.
package grpclink

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/grpc"
)

// Channel is an abstraction of a gRPC transport as seen by a client. With
// corresponding stubs, it can provide an alternate transport to the standard
// HTTP/2-based one, such as gRPC-Web or an in-process loopback.
type Channel interface {
	// Invoke executes a unary RPC, sending the given req message and
	// populating the given resp with the server's reply.
	Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error

	// NewStream executes a streaming RPC.
	NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

// Channel interface matches the relevant methods on grpc.ClientConn.
var _ Channel = (*grpc.ClientConn)(nil)

// ServiceRegistry accumulates service definitions. Servers typically have
// this interface for accumulating the services they expose.
type ServiceRegistry interface {
	// RegisterService registers the given handler to be used for the given
	// service. Only a single handler can be registered for a given service,
	// and services are identified by their fully-qualified name (e.g.
	// "package.name.Service"). Attempting to register the same service more
	// than once panics.
	RegisterService(desc *grpc.ServiceDesc, srv interface{})
}

var _ ServiceRegistry = (*grpc.Server)(nil)

// HandlerMap accumulates service handlers into a map keyed by the service's
// fully-qualified name. Handlers can be registered once in the map and then
// re-used to configure multiple servers that should expose the same services.
// HandlerMap is also the internal registration table used by server
// implementations: an inbound request's route is matched against it to find
// the handler to dispatch.
type HandlerMap map[string]service

var _ ServiceRegistry = HandlerMap(nil)

type service struct {
	desc    *grpc.ServiceDesc
	handler interface{}
}

// RegisterService registers the given handler to be used for the given
// service. Only a single handler can be registered for a given service.
func (m HandlerMap) RegisterService(desc *grpc.ServiceDesc, h interface{}) {
	ht := reflect.TypeOf(desc.HandlerType).Elem()
	st := reflect.TypeOf(h)
	if !st.Implements(ht) {
		panic(fmt.Sprintf("service %s: handler of type %v does not satisfy %v", desc.ServiceName, st, ht))
	}
	if _, ok := m[desc.ServiceName]; ok {
		panic(fmt.Sprintf("service %s: handler already registered", desc.ServiceName))
	}
	m[desc.ServiceName] = service{desc: desc, handler: h}
}

// QueryService returns the service descriptor and handler for the named
// service. If no handler has been registered for the named service, then
// nil, nil is returned.
func (m HandlerMap) QueryService(name string) (*grpc.ServiceDesc, interface{}) {
	svc := m[name]
	return svc.desc, svc.handler
}

// ForEach calls the given function for each registered handler. The function
// is provided the service description and the handler. This can be used to
// contribute all registered handlers to a server:
//
//	reg := grpclink.HandlerMap{}
//	testsvc.RegisterTestServiceServer(reg, &testsvc.Server{})
//
//	// Re-use the same handlers for multiple servers:
//	svr := grpc.NewServer()
//	reg.ForEach(svr.RegisterService)
//	hsvr := grpchttp.NewServer()
//	reg.ForEach(hsvr.RegisterService)
func (m HandlerMap) ForEach(fn func(desc *grpc.ServiceDesc, svr interface{})) {
	for _, svc := range m {
		fn(svc.desc, svc.handler)
	}
}

// GetServiceInfo returns information about the registered services, in the
// same shape that grpc.Server.GetServiceInfo uses. This allows a server
// backed by a HandlerMap to act as a source of descriptors for reflection.
func (m HandlerMap) GetServiceInfo() map[string]grpc.ServiceInfo {
	result := map[string]grpc.ServiceInfo{}
	for name, svc := range m {
		methods := make([]grpc.MethodInfo, 0, len(svc.desc.Methods)+len(svc.desc.Streams))
		for _, md := range svc.desc.Methods {
			methods = append(methods, grpc.MethodInfo{Name: md.MethodName})
		}
		for _, sd := range svc.desc.Streams {
			methods = append(methods, grpc.MethodInfo{
				Name:           sd.StreamName,
				IsClientStream: sd.ClientStreams,
				IsServerStream: sd.ServerStreams,
			})
		}
		result[name] = grpc.ServiceInfo{Metadata: svc.desc.Metadata, Methods: methods}
	}
	return result
}
