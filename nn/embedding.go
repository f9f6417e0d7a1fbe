package nn

import (
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Embedding maps token ids to hidden vectors. Range validation is performed
// only by the weight loader's strict mode, not per-forward.
type Embedding struct {
	Weight *tensor.Tensor `weight:"weight"` // [vocab_size, hidden_size]
}

// Forward maps ids [B, T] (int64 token ids) to [B, T, D].
func (m *Embedding) Forward(ids [][]int64) (*tensor.Tensor, error) {
	if m.Weight == nil {
		return nil, xerrors.NewShapeDtypeError("nn.Embedding", "weight is undefined")
	}
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, xerrors.NewShapeDtypeError("nn.Embedding", "ids must be non-empty [B, T]")
	}
	B, T := len(ids), len(ids[0])
	D := m.Weight.Dim(1)
	vocab := m.Weight.Dim(0)

	out := tensor.New([]int{B, T, D}, m.Weight.DType(), m.Weight.Device())
	outData := out.Data()
	wData := m.Weight.Data()
	for b := 0; b < B; b++ {
		if len(ids[b]) != T {
			return nil, xerrors.NewShapeDtypeError("nn.Embedding", "ids rows must have equal length")
		}
		for t, id := range ids[b] {
			if id < 0 || int(id) >= vocab {
				continue // range validated only in strict loading
			}
			srcBase := int(id) * D
			dstBase := (b*T + t) * D
			copy(outData[dstBase:dstBase+D], wData[srcBase:srcBase+D])
		}
	}
	return out, nil
}
