package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
)

func TestNewAllocatesZeroed(t *testing.T) {
	tt := New([]int{2, 3}, dtype.F32, CPU)
	assert.Equal(t, []int{2, 3}, tt.Shape())
	assert.Equal(t, 6, tt.Numel())
	for _, v := range tt.Data() {
		assert.Equal(t, float32(0), v)
	}
}

func TestNewFromSlicePanicsOnLengthMismatch(t *testing.T) {
	assert.Panics(t, func() {
		NewFromSlice([]int{2, 2}, dtype.F32, CPU, []float32{1, 2, 3})
	})
}

func TestToAndCloneCopyData(t *testing.T) {
	tt := NewFromSlice([]int{2}, dtype.F32, CPU, []float32{1, 2})
	clone := tt.Clone()
	clone.Data()[0] = 99
	assert.Equal(t, float32(1), tt.Data()[0], "Clone must not alias the source buffer")

	moved := tt.To(CPU, dtype.BF16)
	assert.Equal(t, dtype.BF16, moved.DType())
	assert.Equal(t, []float32{1, 2}, moved.Data())
}

func TestReshapePreservesData(t *testing.T) {
	tt := NewFromSlice([]int{2, 3}, dtype.F32, CPU, []float32{1, 2, 3, 4, 5, 6})
	r := tt.Reshape([]int{3, 2})
	assert.Equal(t, []int{3, 2}, r.Shape())
	assert.Equal(t, tt.Data(), r.Data())
}

func TestReshapePanicsOnElementCountMismatch(t *testing.T) {
	tt := New([]int{2, 3}, dtype.F32, CPU)
	assert.Panics(t, func() { tt.Reshape([]int{4, 4}) })
}

func TestNarrowExtractsContiguousSlice(t *testing.T) {
	tt := NewFromSlice([]int{4, 2}, dtype.F32, CPU, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	n := tt.Narrow(0, 1, 2)
	assert.Equal(t, []int{2, 2}, n.Shape())
	assert.Equal(t, []float32{3, 4, 5, 6}, n.Data())
}

func TestNarrowPanicsOnOutOfRange(t *testing.T) {
	tt := New([]int{4}, dtype.F32, CPU)
	assert.Panics(t, func() { tt.Narrow(0, 3, 2) })
}

func TestZeroOverwritesInPlace(t *testing.T) {
	tt := NewFromSlice([]int{3}, dtype.F32, CPU, []float32{1, 2, 3})
	tt.Zero()
	assert.Equal(t, []float32{0, 0, 0}, tt.Data())
}

func TestRequireShapeAllowsWildcard(t *testing.T) {
	tt := New([]int{2, 5, 8}, dtype.F32, CPU)
	require.NoError(t, RequireShape(tt, []int{2, -1, 8}, "x"))
	require.Error(t, RequireShape(tt, []int{2, -1, 9}, "x"))
	require.Error(t, RequireShape(tt, []int{2, 5}, "x"))
}

func TestRequireDType(t *testing.T) {
	tt := New([]int{1}, dtype.F16, CPU)
	require.NoError(t, RequireDType(tt, dtype.F16, "x"))
	require.Error(t, RequireDType(tt, dtype.BF16, "x"))
}

func TestRequireCUDA(t *testing.T) {
	cpuT := New([]int{1}, dtype.F32, CPU)
	require.Error(t, RequireCUDA(cpuT, "x"))
	gpuT := New([]int{1}, dtype.F32, 0)
	require.NoError(t, RequireCUDA(gpuT, "x"))
}

func TestShapeString(t *testing.T) {
	assert.Equal(t, "[2, 4, 16]", ShapeString([]int{2, 4, 16}))
}

func TestCastChangesNominalDTypeOnly(t *testing.T) {
	tt := NewFromSlice([]int{2}, dtype.F32, CPU, []float32{1.5, -2.5})
	c := tt.Cast(dtype.F16)
	assert.Equal(t, dtype.F16, c.DType())
	assert.Equal(t, tt.Data(), c.Data())
}
