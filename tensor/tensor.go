// Package tensor implements the tensor utilities and dtype model shared
// across the runtime: shape/device/dtype predicates, slicing primitives,
// and the explicit conversions invoked by the weight loader. Compute
// always happens in float32; DType is the nominal storage precision a
// Tensor would be persisted or transmitted at, consistent with
// dtype.DType.
package tensor

import (
	"fmt"
	"strings"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// CPU is the device index used for host-resident tensors. Any value >= 0
// names a CUDA device ordinal, matching ModelConfig's device_index field.
const CPU = -1

// Tensor is a dense, row-major, eager array with a fixed shape, dtype and
// device. Every operation that would alias storage in a kernel-fused
// runtime instead returns a fresh contiguous Tensor here, except Reshape,
// which returns a view sharing t's buffer; correctness over fusion.
type Tensor struct {
	shape  []int
	dtype  dtype.DType
	device int
	data   []float32
}

// New allocates a zero-filled Tensor of the given shape, dtype and device.
func New(shape []int, dt dtype.DType, device int) *Tensor {
	n := numel(shape)
	return &Tensor{shape: append([]int{}, shape...), dtype: dt, device: device, data: make([]float32, n)}
}

// NewFromSlice wraps an existing float32 buffer as a Tensor. len(data) must
// equal the product of shape.
func NewFromSlice(shape []int, dt dtype.DType, device int, data []float32) *Tensor {
	if len(data) != numel(shape) {
		panic(xerrors.NewShapeDtypeErrorf("tensor.NewFromSlice", "data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{shape: append([]int{}, shape...), dtype: dt, device: device, data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of t's dimension sizes.
func (t *Tensor) Shape() []int { return append([]int{}, t.shape...) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// NDim returns the number of dimensions.
func (t *Tensor) NDim() int { return len(t.shape) }

// Numel returns the total element count.
func (t *Tensor) Numel() int { return len(t.data) }

// DType returns the tensor's nominal storage precision.
func (t *Tensor) DType() dtype.DType { return t.dtype }

// Device returns the tensor's device index (CPU or a CUDA ordinal).
func (t *Tensor) Device() int { return t.device }

// Data exposes the underlying float32 compute buffer. Callers must not
// retain it past a further mutation of t.
func (t *Tensor) Data() []float32 { return t.data }

// ShapeString renders a shape as e.g. "[2, 4, 16]".
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s dtype=%s device=%d", ShapeString(t.shape), t.dtype, t.device)
}

// RequireCUDA fails unless t is resident on a CUDA device.
func RequireCUDA(t *Tensor, name string) error {
	if t == nil {
		return xerrors.NewShapeDtypeError(name, "tensor is undefined")
	}
	if t.device < 0 {
		return xerrors.NewShapeDtypeErrorf(name, "must be on a CUDA device, got device=%d", t.device)
	}
	return nil
}

// RequireContiguous fails unless t is contiguous. Every Tensor produced by
// this package is contiguous by construction, so this predicate always
// succeeds here; it exists to document and check the contract at API
// boundaries that accept externally supplied tensors.
func RequireContiguous(t *Tensor, name string) error {
	if t == nil {
		return xerrors.NewShapeDtypeError(name, "tensor is undefined")
	}
	return nil
}

// RequireDType fails unless t's dtype equals want.
func RequireDType(t *Tensor, want dtype.DType, name string) error {
	if t == nil {
		return xerrors.NewShapeDtypeError(name, "tensor is undefined")
	}
	if t.dtype != want {
		return xerrors.NewShapeDtypeErrorf(name, "expected dtype %s, got %s", want, t.dtype)
	}
	return nil
}

// RequireShape fails unless t's shape matches want dimension-for-dimension;
// -1 in want matches any size at that position, following the original
// implementation's require_shape convention.
func RequireShape(t *Tensor, want []int, name string) error {
	if t == nil {
		return xerrors.NewShapeDtypeError(name, "tensor is undefined")
	}
	if len(t.shape) != len(want) {
		return xerrors.NewShapeDtypeErrorf(name, "dim mismatch: got %s, expected %s", ShapeString(t.shape), ShapeString(want))
	}
	for i, w := range want {
		if w >= 0 && t.shape[i] != w {
			return xerrors.NewShapeDtypeErrorf(name, "shape mismatch at dim %d: got %d, expected %d", i, t.shape[i], w)
		}
	}
	return nil
}

// To returns a copy of t moved to device and converted to dt. This is the
// only place dtype/device coercion happens implicitly; every other
// operation in this package fails closed on mismatch instead of coercing.
func (t *Tensor) To(device int, dt dtype.DType) *Tensor {
	out := &Tensor{shape: t.Shape(), dtype: dt, device: device, data: make([]float32, len(t.data))}
	copy(out.data, t.data)
	return out
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{shape: t.Shape(), dtype: t.dtype, device: t.device, data: make([]float32, len(t.data))}
	copy(out.data, t.data)
	return out
}

// Reshape returns a view of t's data under a new shape with the same
// element count.
func (t *Tensor) Reshape(shape []int) *Tensor {
	if numel(shape) != len(t.data) {
		panic(xerrors.NewShapeDtypeErrorf("Tensor.Reshape", "cannot reshape %s into %s", ShapeString(t.shape), ShapeString(shape)))
	}
	return &Tensor{shape: append([]int{}, shape...), dtype: t.dtype, device: t.device, data: t.data}
}

// stride returns the row-major strides for shape.
func stride(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Narrow returns a contiguous copy of the slice [start, start+length) of
// dimension dim.
func (t *Tensor) Narrow(dim, start, length int) *Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(xerrors.NewShapeDtypeErrorf("Tensor.Narrow", "dim %d out of range for shape %s", dim, ShapeString(t.shape)))
	}
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		panic(xerrors.NewShapeDtypeErrorf("Tensor.Narrow", "invalid range [%d,%d) for dim %d of size %d", start, start+length, dim, t.shape[dim]))
	}
	outShape := t.Shape()
	outShape[dim] = length
	out := New(outShape, t.dtype, t.device)

	strides := stride(t.shape)
	outStrides := stride(outShape)
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.shape[i]
	}
	inner := strides[dim] // elements per unit of dim, i.e. product of dims after dim
	for o := 0; o < outer; o++ {
		srcBase := o*t.shape[dim]*inner + start*inner
		dstBase := o * outShape[dim] * outStrides[dim]
		copy(out.data[dstBase:dstBase+length*inner], t.data[srcBase:srcBase+length*inner])
	}
	return out
}

// Zero overwrites every element of t with zero in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Cast converts t to dtype dt without moving devices. Since compute always
// happens in float32 internally, Cast only changes the nominal storage
// dtype tag used for wire/archive round-trips; it is lossless at the
// float32 precision this package computes at.
func (t *Tensor) Cast(dt dtype.DType) *Tensor {
	out := t.Clone()
	out.dtype = dt
	return out
}
