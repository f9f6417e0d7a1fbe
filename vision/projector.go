package vision

import (
	"github.com/rickymagal/qwen-vl-distributed/nn"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

// Projector maps vision encoder output [B, V, D_v] to text hidden size
// [B, V, D] via LayerNorm -> Linear -> GELU -> Linear.
type Projector struct {
	Norm *nn.LayerNorm `weight:"norm"`
	FC1  *nn.Linear    `weight:"fc1"`
	FC2  *nn.Linear    `weight:"fc2"`
}

// Forward runs the projector.
func (p *Projector) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h := p.Norm.Forward(x)
	h, err := p.FC1.Forward(h)
	if err != nil {
		return nil, err
	}
	gelu(h)
	return p.FC2.Forward(h)
}
