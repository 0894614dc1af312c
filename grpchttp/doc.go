// Package grpchttp binds the protocol-level call machinery to HTTP: a client
// invoker that drives RPCs over an HTTP/2 duplex exchange, and a server that
// dispatches inbound requests to registered service handlers.
//
// Requests use the standard gRPC-over-HTTP/2 shape: POST to
// "/{service}/{method}" with content-type "application/grpc(+proto|+json)",
// length-prefixed message frames in both bodies, and the final status in the
// "grpc-status" trailer. The gRPC-Web variant ("application/grpc-web+proto")
// uses the same framing but appends the trailers to the response body as a
// final frame marked with a flag bit, for transports without native trailer
// support.
//
// The package does not implement HTTP/2 framing itself; the client works
// with any http.RoundTripper that supports full-duplex request bodies and
// trailers (such as golang.org/x/net/http2.Transport), and the server is an
// http.Handler.
package grpchttp
