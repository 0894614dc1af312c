package grpchttp

import (
	"strings"

	"google.golang.org/grpc/encoding"

	"github.com/grpclink/grpclink/internal"
)

// Content types for the two supported wire variants. A "+subtype" suffix
// names the codec; a bare content type implies proto.
const (
	ContentTypeGRPC    = "application/grpc"
	ContentTypeGRPCWeb = "application/grpc-web"
)

// contentSubtype splits "application/grpc+proto" style content types,
// returning the codec name and whether the gRPC-Web variant is in use.
func contentSubtype(contentType string) (codecName string, web, ok bool) {
	ct := contentType
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	var rest string
	switch {
	case ct == ContentTypeGRPC, ct == ContentTypeGRPCWeb:
		rest = ""
	case strings.HasPrefix(ct, ContentTypeGRPCWeb+"+"):
		rest = ct[len(ContentTypeGRPCWeb)+1:]
	case strings.HasPrefix(ct, ContentTypeGRPC+"+"):
		rest = ct[len(ContentTypeGRPC)+1:]
	default:
		return "", false, false
	}
	web = strings.HasPrefix(ct, ContentTypeGRPCWeb)
	if rest == "" {
		rest = "proto"
	}
	return rest, web, true
}

// contentTypeFor builds the content type advertising the given codec.
func contentTypeFor(codecName string, web bool) string {
	base := ContentTypeGRPC
	if web {
		base = ContentTypeGRPCWeb
	}
	if codecName == "" || codecName == "proto" {
		return base + "+proto"
	}
	return base + "+" + codecName
}

// codecByName returns the registered codec for the given name, or nil.
func codecByName(name string) encoding.Codec {
	return internal.GetCodec(name)
}
