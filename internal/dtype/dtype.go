package dtype

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType tags the storage precision of serialized tensors. Training always
// computes in float32; the tag only controls how values land on disk.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// Parse maps a config tag to a DType. An empty tag means float32.
func Parse(s string) (DType, error) {
	switch s {
	case "", string(Float32):
		return Float32, nil
	case string(Float16):
		return Float16, nil
	case string(BFloat16):
		return BFloat16, nil
	}
	return "", fmt.Errorf("dtype: unknown tag %q", s)
}

// Safetensors returns the dtype name used in safetensors headers.
func (d DType) Safetensors() string {
	switch d {
	case Float16:
		return "F16"
	case BFloat16:
		return "BF16"
	default:
		return "F32"
	}
}

// Size returns the storage width in bytes.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// Encode converts float32 values to little-endian storage bytes.
func (d DType) Encode(f32s []float32) []byte {
	switch d {
	case Float16:
		buf := make([]byte, 2*len(f32s))
		for i, v := range f32s {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		}
		return buf
	case BFloat16:
		return bfloat16.EncodeFloat32(f32s)
	default:
		buf := make([]byte, 4*len(f32s))
		for i, v := range f32s {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		return buf
	}
}

// Decode converts storage bytes back to float32 values.
func (d DType) Decode(data []byte) ([]float32, error) {
	if len(data)%d.Size() != 0 {
		return nil, fmt.Errorf("dtype: %d bytes is not a multiple of the %s width", len(data), d)
	}
	switch d {
	case Float16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
		return out, nil
	case BFloat16:
		return bfloat16.DecodeFloat32(data), nil
	default:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return out, nil
	}
}
