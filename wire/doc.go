// Package wire implements the gRPC message framing layer: length-prefixed
// frames with a compression flag, pluggable per-message codecs, and the
// compression provider registry used for encoding negotiation.
//
// A frame on the wire is a 1-byte flag (bit 0: message is compressed),
// followed by a 4-byte big-endian payload length, followed by the payload.
// The framing itself is transport-agnostic; the grpchttp package writes and
// reads frames over HTTP/2 request and response bodies.
package wire
