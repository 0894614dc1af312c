package internal

import (
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
)

// GetCodec returns the codec registered under the given name, adapting a
// CodecV2 registration if that is the only one present. Returns nil if no
// codec is registered under the name.
func GetCodec(name string) encoding.Codec {
	if c := encoding.GetCodec(name); c != nil {
		return c
	}
	v2 := encoding.GetCodecV2(name)
	if v2 == nil {
		return nil
	}
	return codecV2Adapter{v2}
}

type codecV2Adapter struct {
	v2 encoding.CodecV2
}

func (c codecV2Adapter) Marshal(v any) ([]byte, error) {
	buffers, err := c.v2.Marshal(v)
	if err != nil {
		return nil, err
	}
	return buffers.Materialize(), nil
}

func (c codecV2Adapter) Unmarshal(data []byte, v any) error {
	return c.v2.Unmarshal(mem.BufferSlice{mem.SliceBuffer(data)}, v)
}

func (c codecV2Adapter) Name() string {
	return c.v2.Name()
}
