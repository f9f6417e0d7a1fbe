// Package vision implements the optional ViT-style encoder and projector:
// patch embedding, a CLS token and positional embedding, standard
// transformer encoder layers with LayerNorm, and a projector to the text
// model's hidden size.
package vision

import (
	"math"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/nn"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// EncoderLayer is one pre-norm transformer encoder layer with full
// (non-causal) self-attention, matching a standard ViT block.
type EncoderLayer struct {
	Norm1 *nn.LayerNorm  `weight:"norm1"`
	Attn  *nn.Attention  `weight:"attn"`
	Norm2 *nn.LayerNorm  `weight:"norm2"`
	MLP   *ExpertMLPGELU `weight:"mlp"`
}

// ExpertMLPGELU is a plain two-linear GELU MLP, the vision tower's
// feed-forward block (distinct from the text model's SwiGLU MoE/dense MLP).
type ExpertMLPGELU struct {
	FC1 *nn.Linear `weight:"fc1"`
	FC2 *nn.Linear `weight:"fc2"`
}

func (m *ExpertMLPGELU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	gelu(h)
	return m.FC2.Forward(h)
}

func gelu(t *tensor.Tensor) {
	d := t.Data()
	const invSqrt2 = 0.7071067811865476
	for i, v := range d {
		x := float64(v)
		d[i] = float32(0.5 * x * (1 + math.Erf(x*invSqrt2)))
	}
}

// Forward runs one non-causal encoder layer on x [B, T, D].
func (l *EncoderLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	residual := x
	h := l.Norm1.Forward(x)
	attnOut, err := l.Attn.Forward(h, nn.Mask{Kind: nn.MaskBool, Data: fullKeepMask(x.Dim(0), x.Dim(1))}, nil, 0, nil)
	if err != nil {
		return nil, err
	}
	x1, err := tensor.Add(residual, attnOut)
	if err != nil {
		return nil, err
	}

	residual = x1
	h2 := l.Norm2.Forward(x1)
	mlpOut, err := l.MLP.Forward(h2)
	if err != nil {
		return nil, err
	}
	return tensor.Add(residual, mlpOut)
}

func fullKeepMask(B, T int) *tensor.Tensor {
	m := tensor.New([]int{1, 1, T, T}, 0, tensor.CPU)
	d := m.Data()
	for i := range d {
		d[i] = 1
	}
	return m
}

// Encoder is the ViT-style vision backbone: patch embedding, CLS token,
// positional embedding, and a stack of EncoderLayers.
type Encoder struct {
	PatchEmbed *tensor.Tensor `weight:"patch_embedding.weight"` // [D_v, C, P, P]
	ClsToken   *tensor.Tensor `weight:"cls_token"`               // [1, 1, D_v]
	PosEmbed   *tensor.Tensor `weight:"position_embedding"`      // [1, maxPatches+1, D_v]
	Layers     []*EncoderLayer `weight:"layers"`
	FinalNorm  *nn.LayerNorm  `weight:"final_layernorm"`

	cfg config.ModelConfig
}

// NewEncoder constructs an Encoder from cfg, allocating its layer stack and
// each layer's sub-modules so both Forward and the weight loader's struct
// walk see every slot this config calls for.
func NewEncoder(cfg config.ModelConfig) *Encoder {
	visionCfg := cfg.VisionConfig()
	layers := make([]*EncoderLayer, cfg.VisionNumLayers)
	for i := range layers {
		layers[i] = &EncoderLayer{
			Norm1: &nn.LayerNorm{Eps: cfg.RMSNormEps},
			Attn:  nn.NewAttention(visionCfg, 0),
			Norm2: &nn.LayerNorm{Eps: cfg.RMSNormEps},
			MLP:   &ExpertMLPGELU{FC1: &nn.Linear{}, FC2: &nn.Linear{}},
		}
	}
	return &Encoder{
		Layers:    layers,
		FinalNorm: &nn.LayerNorm{Eps: cfg.RMSNormEps},
		cfg:       cfg,
	}
}

// Forward runs the encoder on images [B, C, H, W], returning [B, 1+H'W', D_v].
func (e *Encoder) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	if images == nil || images.NDim() != 4 {
		return nil, xerrors.NewShapeDtypeError("vision.Encoder", "images must be [B, C, H, W]")
	}
	patches, err := patchEmbed(images, e.PatchEmbed, e.cfg.VisionPatchSize)
	if err != nil {
		return nil, err
	}
	// patches: [B, D_v, H', W'] -> [B, H'*W', D_v]
	B, Dv, Hp, Wp := patches.Dim(0), patches.Dim(1), patches.Dim(2), patches.Dim(3)
	flat := flattenSpatial(patches, B, Dv, Hp, Wp)

	withCls, err := prependCLS(flat, e.ClsToken)
	if err != nil {
		return nil, err
	}
	withPos, err := addPosEmbed(withCls, e.PosEmbed)
	if err != nil {
		return nil, err
	}

	h := withPos
	for _, layer := range e.Layers {
		h, err = layer.Forward(h)
		if err != nil {
			return nil, err
		}
	}
	return e.FinalNorm.Forward(h), nil
}

// patchEmbed implements the patch-embedding convolution as an unfold +
// matmul: each non-overlapping PxP patch is flattened and projected by
// weight [D_v, C*P*P], equivalent to a stride-P convolution with kernel P.
func patchEmbed(images, weight *tensor.Tensor, patchSize int) (*tensor.Tensor, error) {
	B, C, H, W := images.Dim(0), images.Dim(1), images.Dim(2), images.Dim(3)
	if patchSize <= 0 || H%patchSize != 0 || W%patchSize != 0 {
		return nil, xerrors.NewShapeDtypeErrorf("vision.patchEmbed", "image size %dx%d not divisible by patch_size %d", H, W, patchSize)
	}
	Hp, Wp := H/patchSize, W/patchSize
	Dv := weight.Dim(0)
	patchElems := C * patchSize * patchSize
	if weight.Numel() != Dv*patchElems {
		return nil, xerrors.NewShapeDtypeError("vision.patchEmbed", "patch embedding weight shape does not match C*P*P")
	}

	imgData := images.Data()
	wData := weight.Data()
	out := tensor.New([]int{B, Dv, Hp, Wp}, images.DType(), images.Device())
	outData := out.Data()

	patchBuf := make([]float32, patchElems)
	for b := 0; b < B; b++ {
		for hp := 0; hp < Hp; hp++ {
			for wp := 0; wp < Wp; wp++ {
				idx := 0
				for c := 0; c < C; c++ {
					for py := 0; py < patchSize; py++ {
						row := hp*patchSize + py
						base := ((b*C+c)*H+row)*W + wp*patchSize
						copy(patchBuf[idx:idx+patchSize], imgData[base:base+patchSize])
						idx += patchSize
					}
				}
				for d := 0; d < Dv; d++ {
					var sum float32
					wBase := d * patchElems
					for i := 0; i < patchElems; i++ {
						sum += wData[wBase+i] * patchBuf[i]
					}
					outData[((b*Dv+d)*Hp+hp)*Wp+wp] = sum
				}
			}
		}
	}
	return out, nil
}

func flattenSpatial(t *tensor.Tensor, B, Dv, Hp, Wp int) *tensor.Tensor {
	out := tensor.New([]int{B, Hp * Wp, Dv}, t.DType(), t.Device())
	src := t.Data()
	dst := out.Data()
	for b := 0; b < B; b++ {
		for p := 0; p < Hp*Wp; p++ {
			for d := 0; d < Dv; d++ {
				dst[(b*(Hp*Wp)+p)*Dv+d] = src[(b*Dv+d)*(Hp*Wp)+p]
			}
		}
	}
	return out
}

func prependCLS(x, cls *tensor.Tensor) (*tensor.Tensor, error) {
	B, T, D := x.Dim(0), x.Dim(1), x.Dim(2)
	if cls.Numel() != D {
		return nil, xerrors.NewShapeDtypeError("vision.prependCLS", "cls_token size mismatch")
	}
	out := tensor.New([]int{B, T + 1, D}, x.DType(), x.Device())
	src := x.Data()
	dst := out.Data()
	clsData := cls.Data()
	for b := 0; b < B; b++ {
		copy(dst[b*(T+1)*D:b*(T+1)*D+D], clsData)
		copy(dst[b*(T+1)*D+D:(b+1)*(T+1)*D], src[b*T*D:(b+1)*T*D])
	}
	return out, nil
}

func addPosEmbed(x, pos *tensor.Tensor) (*tensor.Tensor, error) {
	T := x.Dim(1)
	if pos.Dim(1) < T {
		return nil, xerrors.NewShapeDtypeError("vision.addPosEmbed", "position_embedding too short for current sequence length")
	}
	sliced := pos.Narrow(1, 0, T)
	out := x.Clone()
	B, D := x.Dim(0), x.Dim(2)
	dst := out.Data()
	posData := sliced.Data()
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := (b*T + t) * D
			for d := 0; d < D; d++ {
				dst[base+d] += posData[t*D+d]
			}
		}
	}
	return out, nil
}
