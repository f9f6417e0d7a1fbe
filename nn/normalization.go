// Package nn implements the normalization, embedding, attention, MoE and
// transformer block components of the model, each as a small struct
// holding its learnable tensors tagged for the weight loader's
// reflection-based discovery (see weights.LoadStageWeights).
package nn

import (
	"math"

	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

// RMSNorm holds the single learnable weight vector of an RMSNorm layer.
type RMSNorm struct {
	Weight *tensor.Tensor `weight:"weight"`
	Eps    float32
}

// Forward applies y = x * rsqrt(mean(x^2) + eps) * weight over the last
// dimension of x.
func (m *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.RMSNorm(x, m.Weight, m.Eps)
}

// LayerNorm holds weight and bias for a standard layer norm, used by the
// vision encoder.
type LayerNorm struct {
	Weight *tensor.Tensor `weight:"weight"`
	Bias   *tensor.Tensor `weight:"bias"`
	Eps    float32
}

// Forward applies y = (x - mean) / sqrt(var + eps) * weight + bias over the
// last dimension of x.
func (m *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	last := x.Shape()[x.NDim()-1]
	rows := x.Numel() / last
	data := out.Data()
	for r := 0; r < rows; r++ {
		row := data[r*last : (r+1)*last]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(last)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(last)
		invStd := 1.0 / math.Sqrt(variance+float64(m.Eps))
		for i, v := range row {
			normalized := (float64(v) - mean) * invStd
			row[i] = float32(normalized)*m.Weight.Data()[i] + m.Bias.Data()[i]
		}
	}
	return out
}
