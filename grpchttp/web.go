package grpchttp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/grpclink/grpclink/wire"
)

// webTrailerFlag marks a gRPC-Web frame as carrying trailers rather than a
// message. The payload is an HTTP/1-style header block.
const webTrailerFlag = 0x80

// writeWebTrailers appends the trailer frame that ends a gRPC-Web response
// body: the status and trailer metadata rendered as "key: value\r\n" lines.
func writeWebTrailers(w io.Writer, st *status.Status, md metadata.MD) error {
	h := http.Header{}
	wire.ToHeaders(md, h)
	setStatus(h, st)

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		return err
	}
	return wire.WriteFrame(w, buf.Bytes(), webTrailerFlag)
}

// parseWebTrailers decodes a trailer frame payload into the final status and
// trailer metadata. A trailer frame without a grpc-status is a protocol
// violation.
func parseWebTrailers(payload []byte) (*status.Status, metadata.MD, error) {
	block := string(payload)
	if !strings.HasSuffix(block, "\r\n\r\n") {
		block += "\r\n"
	}
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(block)))
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("grpchttp: malformed trailer frame: %v", err)
	}
	h := http.Header(mimeHeader)
	st, ok := statusFromHeaders(h)
	if !ok {
		return nil, nil, fmt.Errorf("grpchttp: trailer frame missing grpc-status")
	}
	md, err := wire.FromHeaders(h)
	if err != nil {
		return nil, nil, err
	}
	return st, md, nil
}
