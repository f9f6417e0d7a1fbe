package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/nn"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

func TestProjectorForwardMapsToTargetHiddenSize(t *testing.T) {
	p := &Projector{
		Norm: &nn.LayerNorm{
			Weight: fillVis(tensor.New([]int{4}, dtype.F32, tensor.CPU), 1),
			Bias:   tensor.New([]int{4}, dtype.F32, tensor.CPU),
			Eps:    1e-6,
		},
		FC1: &nn.Linear{Weight: fillVis(tensor.New([]int{6, 4}, dtype.F32, tensor.CPU), 0.1)},
		FC2: &nn.Linear{Weight: fillVis(tensor.New([]int{8, 6}, dtype.F32, tensor.CPU), 0.1)},
	}

	x := fillVis(tensor.New([]int{1, 3, 4}, dtype.F32, tensor.CPU), 0.5)
	out, err := p.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 8}, out.Shape())
}

func TestProjectorForwardPropagatesLinearError(t *testing.T) {
	p := &Projector{
		Norm: &nn.LayerNorm{
			Weight: fillVis(tensor.New([]int{4}, dtype.F32, tensor.CPU), 1),
			Bias:   tensor.New([]int{4}, dtype.F32, tensor.CPU),
			Eps:    1e-6,
		},
		FC1: &nn.Linear{Weight: tensor.New([]int{6, 99}, dtype.F32, tensor.CPU)},
		FC2: &nn.Linear{Weight: tensor.New([]int{8, 6}, dtype.F32, tensor.CPU)},
	}
	x := tensor.New([]int{1, 3, 4}, dtype.F32, tensor.CPU)
	_, err := p.Forward(x)
	require.Error(t, err)
}
