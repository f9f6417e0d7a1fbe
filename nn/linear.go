package nn

import (
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Linear is a dense projection y = x W^T + b. Weight is stored
// [outFeatures, inFeatures] following the HF/PyTorch convention so the
// weight loader can map safetensors layouts directly; Bias is optional.
type Linear struct {
	Weight *tensor.Tensor `weight:"weight"` // [out, in]
	Bias   *tensor.Tensor `weight:"bias"`   // [out], optional
}

// Forward applies the projection to x shaped [..., in], returning [..., out].
func (m *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.Weight == nil {
		return nil, xerrors.NewShapeDtypeError("nn.Linear", "weight is undefined")
	}
	nd := x.NDim()
	in := x.Dim(nd - 1)
	out, inW := m.Weight.Dim(0), m.Weight.Dim(1)
	if in != inW {
		return nil, xerrors.NewShapeDtypeErrorf("nn.Linear", "input last dim %d does not match weight in_features %d", in, inW)
	}

	rows := x.Numel() / in
	xMat := x.Reshape([]int{rows, in})
	wT := transpose2D(m.Weight) // [in, out]
	y, err := tensor.MatMul(xMat, wT)
	if err != nil {
		return nil, err
	}

	if m.Bias != nil {
		yData := y.Data()
		bData := m.Bias.Data()
		for r := 0; r < rows; r++ {
			for c := 0; c < out; c++ {
				yData[r*out+c] += bData[c]
			}
		}
	}

	outShape := append(x.Shape()[:nd-1], out)
	return y.Reshape(outShape), nil
}

// transpose2D returns a contiguous transpose of a 2-D tensor.
func transpose2D(w *tensor.Tensor) *tensor.Tensor {
	rows, cols := w.Dim(0), w.Dim(1)
	out := tensor.New([]int{cols, rows}, w.DType(), w.Device())
	src := w.Data()
	dst := out.Data()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return out
}
