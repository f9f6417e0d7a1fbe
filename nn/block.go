package nn

import (
	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/kvcache"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

// TransformerBlock is one pre-norm residual block:
// x1 = x + Attention(RMSNorm(x))
// x2 = x1 + MLP_or_MoE(RMSNorm(x1))
type TransformerBlock struct {
	InputNorm *RMSNorm   `weight:"input_layernorm"`
	Attn      *Attention `weight:"self_attn"`
	PostNorm  *RMSNorm   `weight:"post_attention_layernorm"`
	MoE       *Moe       `weight:"mlp"`

	layerIdxInStage int
}

// NewTransformerBlock constructs a block for local layer layerIdxInStage.
func NewTransformerBlock(cfg config.ModelConfig, layerIdxInStage int) *TransformerBlock {
	return &TransformerBlock{
		InputNorm:       &RMSNorm{Eps: cfg.RMSNormEps},
		Attn:            NewAttention(cfg, layerIdxInStage),
		PostNorm:        &RMSNorm{Eps: cfg.RMSNormEps},
		MoE:             NewMoe(cfg),
		layerIdxInStage: layerIdxInStage,
	}
}

// Forward runs the block on x [B, T, D].
func (b *TransformerBlock) Forward(x *tensor.Tensor, mask Mask, cache *kvcache.Cache, pos int, rope *tensor.RopeTables) (*tensor.Tensor, MoeOutput, error) {
	normed, err := b.InputNorm.Forward(x)
	if err != nil {
		return nil, MoeOutput{}, err
	}
	attnOut, err := b.Attn.Forward(normed, mask, cache, pos, rope)
	if err != nil {
		return nil, MoeOutput{}, err
	}
	x1, err := tensor.Add(x, attnOut)
	if err != nil {
		return nil, MoeOutput{}, err
	}

	normed2, err := b.PostNorm.Forward(x1)
	if err != nil {
		return nil, MoeOutput{}, err
	}
	moeOut, err := b.MoE.Forward(normed2)
	if err != nil {
		return nil, MoeOutput{}, err
	}
	x2, err := tensor.Add(x1, moeOut.Y)
	if err != nil {
		return nil, MoeOutput{}, err
	}
	return x2, moeOut, nil
}
