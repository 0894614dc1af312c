package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpclink/grpclink/internal"
)

func protoCodec(t *testing.T) encoding.Codec {
	t.Helper()
	c := internal.GetCodec("proto")
	require.NotNil(t, c, "proto codec must be registered")
	return c
}

func TestWriteReadFrame(t *testing.T) {
	payloads := map[string][]byte{
		"empty": nil,
		"small": []byte("hello"),
		"large": bytes.Repeat([]byte{0xab}, 1<<20),
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, payload, 0))
			require.Equal(t, FrameHeaderLen+len(payload), buf.Len())

			got, flags, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.EqualValues(t, 0, flags)
			assert.Equal(t, payload, got)
		})
	}
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("clean eof", func(t *testing.T) {
		_, _, err := ReadFrame(strings.NewReader(""))
		assert.Equal(t, io.EOF, err)
	})
	t.Run("truncated preface", func(t *testing.T) {
		_, _, err := ReadFrame(strings.NewReader("\x00\x00"))
		assert.Equal(t, io.ErrUnexpectedEOF, err)
	})
	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, []byte("hello"), 0))
		buf.Truncate(buf.Len() - 2)
		_, _, err := ReadFrame(&buf)
		assert.Equal(t, io.ErrUnexpectedEOF, err)
	})
	t.Run("oversized preface", func(t *testing.T) {
		hdr := []byte{0, 0xff, 0xff, 0xff, 0xff}
		_, _, err := ReadFrame(bytes.NewReader(hdr))
		assert.ErrorContains(t, err, "too large")
	})
}

func TestFrameWriterTwoPhase(t *testing.T) {
	fw := NewFrameWriter(FlagCompressed)
	w, err := fw.BufferWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)

	frame, err := fw.Complete()
	require.NoError(t, err)

	payload, flags, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.EqualValues(t, FlagCompressed, flags)
	assert.Equal(t, []byte("payload"), payload)
}

func TestFrameWriterOneShot(t *testing.T) {
	fw := NewFrameWriter(0)
	frame, err := fw.CompleteBytes([]byte("payload"))
	require.NoError(t, err)

	payload, flags, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.EqualValues(t, 0, flags)
	assert.Equal(t, []byte("payload"), payload)
}

func TestFrameWriterMisuse(t *testing.T) {
	t.Run("complete twice", func(t *testing.T) {
		fw := NewFrameWriter(0)
		_, err := fw.BufferWriter()
		require.NoError(t, err)
		_, err = fw.Complete()
		require.NoError(t, err)
		_, err = fw.Complete()
		assert.Equal(t, ErrFrameCompleted, err)
	})
	t.Run("complete without buffer", func(t *testing.T) {
		fw := NewFrameWriter(0)
		_, err := fw.Complete()
		assert.Equal(t, ErrFrameNotBuffered, err)
	})
	t.Run("complete bytes after buffer", func(t *testing.T) {
		fw := NewFrameWriter(0)
		_, err := fw.BufferWriter()
		require.NoError(t, err)
		_, err = fw.CompleteBytes([]byte("x"))
		assert.Equal(t, ErrFrameInProgress, err)
	})
	t.Run("buffer after complete", func(t *testing.T) {
		fw := NewFrameWriter(0)
		_, err := fw.CompleteBytes([]byte("x"))
		require.NoError(t, err)
		_, err = fw.BufferWriter()
		assert.Equal(t, ErrFrameCompleted, err)
	})
}

func TestFramerRoundTrip(t *testing.T) {
	reg := NewCompressionRegistry(GzipCompressor{})

	cases := map[string]*Framer{
		"plain":      {Codec: protoCodec(t)},
		"compressed": {Codec: protoCodec(t), Compression: reg, SendCompressor: reg.Get("gzip")},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			in := wrapperspb.String(strings.Repeat("abc", 1000))
			var buf bytes.Buffer
			require.NoError(t, f.WriteMessage(&buf, in))

			payload, flags, err := ReadFrame(&buf)
			require.NoError(t, err)
			if f.SendCompressor != nil {
				assert.EqualValues(t, FlagCompressed, flags)
			}

			out := &wrapperspb.StringValue{}
			require.NoError(t, f.UnmarshalFrame(payload, flags, "gzip", out))
			assert.Equal(t, in.Value, out.Value)
		})
	}
}

func TestFramerUnknownEncoding(t *testing.T) {
	f := &Framer{Codec: protoCodec(t)}
	err := f.UnmarshalFrame([]byte("x"), FlagCompressed, "snappy", &wrapperspb.StringValue{})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unimplemented, st.Code())
	assert.Contains(t, st.Message(), "snappy")
}

func TestCompressionRegistry(t *testing.T) {
	t.Run("accept encoding order", func(t *testing.T) {
		reg := NewCompressionRegistry(GzipCompressor{})
		assert.Equal(t, "gzip", reg.AcceptEncoding())
	})

	t.Run("nil registry is inert", func(t *testing.T) {
		var reg *CompressionRegistry
		assert.Nil(t, reg.Get("gzip"))
		assert.Equal(t, "", reg.AcceptEncoding())
		assert.Nil(t, reg.Negotiate("gzip"))
	})

	t.Run("negotiate first supported", func(t *testing.T) {
		reg := NewCompressionRegistry(GzipCompressor{})
		c := reg.Negotiate("identity, snappy, gzip")
		require.NotNil(t, c)
		assert.Equal(t, "gzip", c.Name())
		assert.Nil(t, reg.Negotiate("snappy"))
	})

	t.Run("identity reserved", func(t *testing.T) {
		assert.Panics(t, func() {
			NewCompressionRegistry(identityImpostor{})
		})
	})
}

type identityImpostor struct{ GzipCompressor }

func (identityImpostor) Name() string { return IdentityEncoding }

func TestAdvertised(t *testing.T) {
	assert.True(t, Advertised("gzip, snappy", "gzip"))
	assert.True(t, Advertised("", ""))
	assert.True(t, Advertised("", IdentityEncoding))
	assert.False(t, Advertised("snappy", "gzip"))
	assert.False(t, Advertised("", "gzip"))
}
