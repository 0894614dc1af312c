package wire

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"
)

// Headers that are part of the HTTP or gRPC protocol machinery and must not
// leak into (or out of) call metadata.
var reservedHeaders = map[string]struct{}{
	"accept-encoding":      {},
	"connection":           {},
	"content-type":         {},
	"content-length":       {},
	"keep-alive":           {},
	"te":                   {},
	"trailer":              {},
	"transfer-encoding":    {},
	"upgrade":              {},
	"grpc-status":          {},
	"grpc-message":         {},
	"grpc-encoding":        {},
	"grpc-accept-encoding": {},
	"grpc-timeout":         {},
}

// ToHeaders converts call metadata into HTTP headers, base64-encoding values
// under "-bin" keys. Reserved protocol headers in the metadata are skipped.
func ToHeaders(md metadata.MD, h http.Header) {
	for k, vs := range md {
		lowerK := strings.ToLower(k)
		if _, ok := reservedHeaders[lowerK]; ok {
			continue
		}
		isBin := strings.HasSuffix(lowerK, "-bin")
		for _, v := range vs {
			if isBin {
				v = base64.RawStdEncoding.EncodeToString([]byte(v))
			}
			h.Add(lowerK, v)
		}
	}
}

// FromHeaders converts HTTP headers into call metadata, base64-decoding
// values under "-bin" keys. Reserved protocol headers are skipped.
func FromHeaders(h http.Header) (metadata.MD, error) {
	md := metadata.MD{}
	for k, vs := range h {
		k = strings.ToLower(k)
		if _, ok := reservedHeaders[k]; ok {
			continue
		}
		isBin := strings.HasSuffix(k, "-bin")
		for _, v := range vs {
			if isBin {
				b, err := decodeBinValue(v)
				if err != nil {
					return nil, fmt.Errorf("wire: malformed binary metadata %q: %v", k, err)
				}
				v = string(b)
			}
			md[k] = append(md[k], v)
		}
	}
	return md, nil
}

// decodeBinValue accepts both padded and unpadded base64, since peers differ
// in whether they emit padding.
func decodeBinValue(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			return b, nil
		}
	}
	return base64.RawStdEncoding.DecodeString(v)
}

var timeoutUnits = []struct {
	unit time.Duration
	char byte
}{
	{time.Nanosecond, 'n'},
	{time.Microsecond, 'u'},
	{time.Millisecond, 'm'},
	{time.Second, 'S'},
	{time.Minute, 'M'},
	{time.Hour, 'H'},
}

const maxTimeoutValue = 99999999 // 8 ASCII digits per the gRPC wire spec

// EncodeTimeout renders a deadline-derived duration as a grpc-timeout header
// value: an up-to-8-digit count plus a single unit character. Durations that
// have already elapsed are clamped to the minimum representable value.
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "1n"
	}
	for _, u := range timeoutUnits {
		if v := int64(d / u.unit); v <= maxTimeoutValue {
			return fmt.Sprintf("%d%c", v, u.char)
		}
	}
	return fmt.Sprintf("%d%c", maxTimeoutValue, 'H')
}

// DecodeTimeout parses a grpc-timeout header value.
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("wire: malformed grpc-timeout: %q", s)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: malformed grpc-timeout: %q", s)
	}
	for _, u := range timeoutUnits {
		if u.char == s[len(s)-1] {
			return time.Duration(v) * u.unit, nil
		}
	}
	return 0, fmt.Errorf("wire: malformed grpc-timeout unit: %q", s)
}
