package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Add returns a + b elementwise. a and b must have identical shapes.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := sameShape(a, b, "tensor.Add"); err != nil {
		return nil, err
	}
	out := New(a.Shape(), a.dtype, a.device)
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out, nil
}

// Mul returns a * b elementwise. a and b must have identical shapes.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := sameShape(a, b, "tensor.Mul"); err != nil {
		return nil, err
	}
	out := New(a.Shape(), a.dtype, a.device)
	for i := range a.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out, nil
}

func sameShape(a, b *Tensor, name string) error {
	if a == nil || b == nil {
		return xerrors.NewShapeDtypeError(name, "operand is undefined")
	}
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return xerrors.NewShapeDtypeErrorf(name, "rank mismatch: %s vs %s", ShapeString(as), ShapeString(bs))
	}
	for i := range as {
		if as[i] != bs[i] {
			return xerrors.NewShapeDtypeErrorf(name, "shape mismatch: %s vs %s", ShapeString(as), ShapeString(bs))
		}
	}
	return nil
}

// MatMul computes a batched matrix product. a is [..., M, K] and b is
// [..., K, N]; leading batch dimensions must match exactly (no implicit
// broadcasting), returning [..., M, N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, xerrors.NewShapeDtypeError("tensor.MatMul", "operand is undefined")
	}
	if a.NDim() < 2 || b.NDim() < 2 {
		return nil, xerrors.NewShapeDtypeErrorf("tensor.MatMul", "operands must have rank >= 2, got %s and %s", ShapeString(a.shape), ShapeString(b.shape))
	}
	if a.NDim() != b.NDim() {
		return nil, xerrors.NewShapeDtypeErrorf("tensor.MatMul", "rank mismatch: %s vs %s", ShapeString(a.shape), ShapeString(b.shape))
	}
	nd := a.NDim()
	M, K := a.Dim(nd-2), a.Dim(nd-1)
	K2, N := b.Dim(nd-2), b.Dim(nd-1)
	if K != K2 {
		return nil, xerrors.NewShapeDtypeErrorf("tensor.MatMul", "inner dim mismatch: %s vs %s", ShapeString(a.shape), ShapeString(b.shape))
	}
	batch := 1
	outShape := make([]int, nd)
	for i := 0; i < nd-2; i++ {
		if a.shape[i] != b.shape[i] {
			return nil, xerrors.NewShapeDtypeErrorf("tensor.MatMul", "batch dim %d mismatch: %s vs %s", i, ShapeString(a.shape), ShapeString(b.shape))
		}
		batch *= a.shape[i]
		outShape[i] = a.shape[i]
	}
	outShape[nd-2], outShape[nd-1] = M, N

	out := New(outShape, a.dtype, a.device)
	for bi := 0; bi < batch; bi++ {
		aBase := bi * M * K
		bBase := bi * K * N
		oBase := bi * M * N
		for m := 0; m < M; m++ {
			for n := 0; n < N; n++ {
				var sum float32
				for k := 0; k < K; k++ {
					sum += a.data[aBase+m*K+k] * b.data[bBase+k*N+n]
				}
				out.data[oBase+m*N+n] = sum
			}
		}
	}
	return out, nil
}

// Softmax computes a numerically stable softmax over the last dimension of
// x and returns it as a new tensor, leaving x unchanged; each row of the
// copy is normalized using max-subtraction and sum-normalization via
// gonum/floats. Shared by attention and the MoE router.
func Softmax(x *Tensor) *Tensor {
	out := x.Clone()
	last := out.shape[out.NDim()-1]
	rows := out.Numel() / last
	for r := 0; r < rows; r++ {
		row := out.data[r*last : (r+1)*last]
		row64 := make([]float64, last)
		for i, v := range row {
			row64[i] = float64(v)
		}
		maxVal := floats.Max(row64)
		sum := 0.0
		for i, v := range row64 {
			e := math.Exp(v - maxVal)
			row64[i] = e
			sum += e
		}
		floats.Scale(1/sum, row64)
		for i, v := range row64 {
			row[i] = float32(v)
		}
	}
	return out
}

// RMSNorm applies root-mean-square normalization over the last dimension of
// x, scaling by weight (shaped [lastDim]): y = x * rsqrt(mean(x^2) + eps) *
// weight. x may have any rank >= 1.
func RMSNorm(x, weight *Tensor, eps float32) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, xerrors.NewShapeDtypeError("nn.RMSNorm", "x/weight undefined")
	}
	last := x.shape[x.NDim()-1]
	if weight.NDim() != 1 || weight.Dim(0) != last {
		return nil, xerrors.NewShapeDtypeErrorf("nn.RMSNorm", "weight must be [%d], got %s", last, ShapeString(weight.shape))
	}
	out := New(x.Shape(), x.dtype, x.device)
	rows := x.Numel() / last
	for r := 0; r < rows; r++ {
		row := x.data[r*last : (r+1)*last]
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		meanSq := sumSq / float64(last)
		scale := float32(1.0 / math.Sqrt(meanSq+float64(eps)))
		outRow := out.data[r*last : (r+1)*last]
		for i, v := range row {
			outRow[i] = v * scale * weight.data[i]
		}
	}
	return out, nil
}
