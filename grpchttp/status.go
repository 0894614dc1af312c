package grpchttp

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	grpcStatusHeader        = "Grpc-Status"
	grpcMessageHeader       = "Grpc-Message"
	grpcStatusDetailsHeader = "Grpc-Status-Details-Bin"
	grpcEncodingHeader      = "Grpc-Encoding"
	grpcAcceptHeader        = "Grpc-Accept-Encoding"
	grpcTimeoutHeader       = "Grpc-Timeout"
)

// setStatus renders the given status into the given header (or trailer) map:
// grpc-status, grpc-message (percent-encoded), and, when the status carries
// details, grpc-status-details-bin with the serialized status proto.
func setStatus(h http.Header, st *status.Status) {
	h.Set(grpcStatusHeader, strconv.Itoa(int(st.Code())))
	if msg := st.Message(); msg != "" {
		h.Set(grpcMessageHeader, encodeGrpcMessage(msg))
	}
	stpb := st.Proto()
	if stpb != nil && len(stpb.Details) > 0 {
		if b, err := proto.Marshal(stpb); err == nil {
			h.Set(grpcStatusDetailsHeader, base64.RawStdEncoding.EncodeToString(b))
		}
	}
}

// statusFromHeaders extracts a gRPC status from a header (or trailer) map.
// The second return value reports whether a grpc-status was present at all.
func statusFromHeaders(h http.Header) (*status.Status, bool) {
	codeStr := h.Get(grpcStatusHeader)
	if codeStr == "" {
		return nil, false
	}
	code, err := strconv.ParseInt(codeStr, 10, 32)
	if err != nil {
		return status.New(codes.Internal, fmt.Sprintf("malformed grpc-status: %q", codeStr)), true
	}
	msg := decodeGrpcMessage(h.Get(grpcMessageHeader))
	if detailsB64 := h.Get(grpcStatusDetailsHeader); detailsB64 != "" {
		if b, err := decodeBin(detailsB64); err == nil {
			var stpb spb.Status
			if proto.Unmarshal(b, &stpb) == nil && stpb.Code == int32(code) {
				return status.FromProto(&stpb), true
			}
		}
	}
	return status.New(codes.Code(code), msg), true
}

func decodeBin(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			return b, nil
		}
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// nonOKStatus rewrites an OK code observed on an error path. A handler that
// returned an error must never surface as success to the peer.
func nonOKStatus(err error) *status.Status {
	st, _ := status.FromError(err)
	if st.Code() != codes.OK {
		return st
	}
	stpb := st.Proto()
	stpb.Code = int32(codes.Internal)
	return status.FromProto(stpb)
}

// grpc-message values are percent-encoded per the gRPC HTTP/2 spec: bytes
// outside the printable ASCII range (and '%' itself) become %XX escapes.

func encodeGrpcMessage(msg string) string {
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= 0x20 && c <= 0x7e && c != '%' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func decodeGrpcMessage(msg string) string {
	if !strings.ContainsRune(msg, '%') {
		return msg
	}
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '%' && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
