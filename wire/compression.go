package wire

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"
)

// IdentityEncoding is the reserved encoding name meaning "no compression".
// It is never looked up in a registry.
const IdentityEncoding = "identity"

// Compressor provides stream adapters for one named message encoding, such
// as "gzip".
type Compressor interface {
	// Name returns the encoding name used in grpc-encoding and
	// grpc-accept-encoding headers.
	Name() string
	// Compress returns a writer that compresses data written to it into w.
	// The returned writer must be closed to flush any buffered data.
	Compress(w io.Writer) (io.WriteCloser, error)
	// Decompress returns a reader that decompresses data read from r.
	Decompress(r io.Reader) (io.Reader, error)
}

// CompressionRegistry maps encoding names to compression providers. Each
// channel and server owns its registry explicitly; there is no process-wide
// registration.
type CompressionRegistry struct {
	mu        sync.RWMutex
	providers map[string]Compressor
	names     []string // in registration order, for the accept-encoding header
}

// NewCompressionRegistry returns a registry holding the given providers.
func NewCompressionRegistry(providers ...Compressor) *CompressionRegistry {
	r := &CompressionRegistry{providers: map[string]Compressor{}}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds the given provider, replacing any provider previously
// registered under the same name. Registering a provider named "identity"
// panics since that name is reserved.
func (r *CompressionRegistry) Register(c Compressor) {
	name := strings.ToLower(c.Name())
	if name == IdentityEncoding {
		panic(fmt.Sprintf("wire: cannot register compressor with reserved name %q", IdentityEncoding))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.providers[name] = c
}

// Get returns the provider registered under the given name, or nil.
func (r *CompressionRegistry) Get(name string) Compressor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[strings.ToLower(name)]
}

// AcceptEncoding returns the comma-joined list of registered encoding names,
// suitable for a grpc-accept-encoding header. Returns "" when nothing is
// registered.
func (r *CompressionRegistry) AcceptEncoding() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.Join(r.names, ",")
}

// Negotiate selects a provider from the peer's grpc-accept-encoding header
// value: the first advertised name that has a registered provider wins.
// Returns nil if no advertised encoding is supported (the response is then
// sent uncompressed).
func (r *CompressionRegistry) Negotiate(acceptEncoding string) Compressor {
	if r == nil || acceptEncoding == "" {
		return nil
	}
	for _, name := range strings.Split(acceptEncoding, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == IdentityEncoding {
			continue
		}
		if c := r.Get(name); c != nil {
			return c
		}
	}
	return nil
}

// Advertised reports whether the given encoding name appears in the
// comma-separated accept-encoding list. Used by clients to detect a server
// compressing with an algorithm that was never advertised, which is a
// protocol violation.
func Advertised(acceptEncoding, name string) bool {
	if name == "" || name == IdentityEncoding {
		return true
	}
	for _, n := range strings.Split(acceptEncoding, ",") {
		if strings.TrimSpace(n) == name {
			return true
		}
	}
	return false
}

// GzipCompressor implements Compressor using DEFLATE per RFC 1952. This is
// the "gzip" encoding from the gRPC spec.
type GzipCompressor struct {
	// Level is the compression level; 0 means gzip.DefaultCompression.
	Level int
}

func (GzipCompressor) Name() string { return "gzip" }

func (g GzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return gzip.NewWriterLevel(w, level)
}

func (GzipCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}
