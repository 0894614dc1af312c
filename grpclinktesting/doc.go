// Package grpclinktesting provides functionality for testing channel
// implementations. It supplies a test service backed by well-known protobuf
// types (so no code generation is needed), a server implementation with
// configurable responses, and a reusable battery of conformance cases that
// exercise unary and streaming RPCs, metadata echo, errors, timeouts, and
// cancellation over any grpclink.Channel.
package grpclinktesting
