package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	// FrameHeaderLen is the length of the frame preface: a flag byte
	// followed by a 4-byte big-endian payload length.
	FrameHeaderLen = 5

	// MaxMessageSize is the largest payload a single frame may carry.
	MaxMessageSize = 100 * 1024 * 1024 // 100mb

	// FlagCompressed marks the frame payload as compressed with the
	// negotiated encoding.
	FlagCompressed = 0x01
)

// Errors for misuse of the two-phase FrameWriter API. These indicate
// programming errors, not network conditions, so they are plain errors
// rather than RPC statuses.
var (
	ErrFrameCompleted   = errors.New("wire: frame already completed")
	ErrFrameInProgress  = errors.New("wire: buffer writer already obtained; use Complete()")
	ErrFrameNotBuffered = errors.New("wire: no buffer writer obtained; use Complete(payload)")
)

// WriteFrame writes one length-prefixed frame carrying the given payload.
// If the writer implements http.Flusher-style flushing via a Flush() method,
// it is flushed so that streamed messages are delivered promptly.
func WriteFrame(w io.Writer, payload []byte, flags byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("wire: message too large to send: %d bytes", len(payload))
	}
	var hdr [FrameHeaderLen]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

// ReadFrameHeader reads a frame preface from the given reader and returns
// the flag byte and payload size. It returns io.EOF only if no bytes of the
// preface were read; a partial preface is io.ErrUnexpectedEOF.
func ReadFrameHeader(r io.Reader) (flags byte, size uint32, err error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return hdr[0], binary.BigEndian.Uint32(hdr[1:]), nil
}

// ReadFrame reads a full frame (preface plus payload) from the given reader.
func ReadFrame(r io.Reader) (payload []byte, flags byte, err error) {
	flags, sz, err := ReadFrameHeader(r)
	if err != nil {
		return nil, 0, err
	}
	if sz > MaxMessageSize {
		return nil, 0, fmt.Errorf("wire: bad frame preface: indicated size is too large: %d", sz)
	}
	payload = make([]byte, sz)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	return payload, flags, nil
}

// FrameWriter assembles a single frame using a two-phase API: the caller
// either obtains a buffer writer via BufferWriter, writes a payload of
// unknown length, and then calls Complete to finalize the length preface;
// or calls CompleteBytes directly with a pre-sized payload. Misusing the
// sequence (completing twice, or obtaining a buffer writer after
// CompleteBytes) fails fast with an error.
type FrameWriter struct {
	buf       bytes.Buffer
	flags     byte
	buffered  bool
	completed bool
}

// NewFrameWriter returns a FrameWriter that will mark the frame with the
// given flags (e.g. FlagCompressed).
func NewFrameWriter(flags byte) *FrameWriter {
	return &FrameWriter{flags: flags}
}

// BufferWriter returns a writer that accumulates the frame payload. Room for
// the frame preface is reserved up front so the finished frame is produced
// without copying the payload again.
func (fw *FrameWriter) BufferWriter() (io.Writer, error) {
	if fw.completed {
		return nil, ErrFrameCompleted
	}
	if !fw.buffered {
		fw.buffered = true
		fw.buf.Write(make([]byte, FrameHeaderLen))
	}
	return &fw.buf, nil
}

// Complete finalizes a frame whose payload was written via BufferWriter and
// returns the full frame bytes.
func (fw *FrameWriter) Complete() ([]byte, error) {
	if fw.completed {
		return nil, ErrFrameCompleted
	}
	if !fw.buffered {
		return nil, ErrFrameNotBuffered
	}
	fw.completed = true
	b := fw.buf.Bytes()
	sz := len(b) - FrameHeaderLen
	if sz > MaxMessageSize {
		return nil, fmt.Errorf("wire: message too large to send: %d bytes", sz)
	}
	b[0] = fw.flags
	binary.BigEndian.PutUint32(b[1:FrameHeaderLen], uint32(sz))
	return b, nil
}

// CompleteBytes finalizes a frame directly from a pre-sized payload and
// returns the full frame bytes.
func (fw *FrameWriter) CompleteBytes(payload []byte) ([]byte, error) {
	if fw.completed {
		return nil, ErrFrameCompleted
	}
	if fw.buffered {
		return nil, ErrFrameInProgress
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("wire: message too large to send: %d bytes", len(payload))
	}
	fw.completed = true
	b := make([]byte, FrameHeaderLen+len(payload))
	b[0] = fw.flags
	binary.BigEndian.PutUint32(b[1:FrameHeaderLen], uint32(len(payload)))
	copy(b[FrameHeaderLen:], payload)
	return b, nil
}

// Framer marshals and unmarshals messages to and from framed bytes for one
// call, using a codec for serialization and an optional negotiated
// compressor for the payload.
type Framer struct {
	// Codec serializes and deserializes messages. Required.
	Codec encoding.Codec
	// Compression is consulted to decompress inbound payloads whose frame
	// carries FlagCompressed. May be nil if no compression is in use.
	Compression *CompressionRegistry
	// SendCompressor, if non-nil, compresses outbound payloads.
	SendCompressor Compressor
}

// WriteMessage serializes m, applies the send compressor if configured, and
// writes the result as one frame to w.
func (f *Framer) WriteMessage(w io.Writer, m interface{}) error {
	b, err := f.Codec.Marshal(m)
	if err != nil {
		return err
	}
	var flags byte
	if f.SendCompressor != nil {
		var cbuf bytes.Buffer
		cw, err := f.SendCompressor.Compress(&cbuf)
		if err != nil {
			return err
		}
		if _, err := cw.Write(b); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		b = cbuf.Bytes()
		flags |= FlagCompressed
	}
	return WriteFrame(w, b, flags)
}

// UnmarshalFrame decodes a received frame payload into m, transparently
// decompressing it when the frame was flagged compressed. The encodingName
// is the value of the peer's grpc-encoding header; a compressed frame with
// no matching registered provider fails with an Unimplemented status naming
// the unsupported encoding.
func (f *Framer) UnmarshalFrame(payload []byte, flags byte, encodingName string, m interface{}) error {
	if flags&FlagCompressed != 0 {
		var c Compressor
		if f.Compression != nil {
			c = f.Compression.Get(encodingName)
		}
		if c == nil {
			return status.Errorf(codes.Unimplemented, "grpc: Decompressor is not installed for grpc-encoding %q", encodingName)
		}
		cr, err := c.Decompress(bytes.NewReader(payload))
		if err != nil {
			return status.Errorf(codes.Internal, "grpc: failed to decompress message: %v", err)
		}
		payload, err = io.ReadAll(io.LimitReader(cr, MaxMessageSize+1))
		if err != nil {
			return status.Errorf(codes.Internal, "grpc: failed to decompress message: %v", err)
		}
		if len(payload) > MaxMessageSize {
			return status.Errorf(codes.ResourceExhausted, "grpc: decompressed message exceeds %d bytes", MaxMessageSize)
		}
	}
	if err := f.Codec.Unmarshal(payload, m); err != nil {
		return status.Errorf(codes.Internal, "grpc: failed to unmarshal message: %v", err)
	}
	return nil
}
