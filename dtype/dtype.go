// Package dtype implements the element-type model shared by every tensor in
// this repository: the on-wire/on-disk storage precision (fp16 or bf16) and
// conversion to and from the float32 the compute kernels operate on.
package dtype

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the storage precision of a Tensor's backing buffer.
type DType int

const (
	// F32 is used only as an internal compute precision; it is never a
	// valid ModelConfig.DType for activations.
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the number of bytes one element of d occupies in its native
// storage representation.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		panic(fmt.Sprintf("dtype: unknown dtype %d", int(d)))
	}
}

// Parse maps the external config strings ("fp16", "bf16") onto a DType.
func Parse(s string) (DType, error) {
	switch s {
	case "fp16", "f16", "float16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("dtype: unsupported dtype %q", s)
	}
}

// ToFloat32 decodes nbytes of raw little-endian-in-CPU-order storage of
// dtype d into a float32 slice of equal element count.
func ToFloat32(d DType, raw []byte) []float32 {
	switch d {
	case F32:
		return bytesToF32(raw)
	case F16:
		return f16ToF32(raw)
	case BF16:
		return bf16ToF32(raw)
	default:
		panic(fmt.Sprintf("dtype: unknown dtype %d", int(d)))
	}
}

// FromFloat32 encodes a float32 slice into raw storage bytes of dtype d.
func FromFloat32(d DType, vals []float32) []byte {
	switch d {
	case F32:
		return f32ToBytes(vals)
	case F16:
		return f32ToF16(vals)
	case BF16:
		return f32ToBF16(vals)
	default:
		panic(fmt.Sprintf("dtype: unknown dtype %d", int(d)))
	}
}

func f16ToF32(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}

func f32ToF16(vals []float32) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		bits := float16.Fromfloat32(v).Bits()
		out[2*i] = byte(bits)
		out[2*i+1] = byte(bits >> 8)
	}
	return out
}

func bytesToF32(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func f32ToBytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}
