package nn

import (
	"math"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/kvcache"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// MaskKind selects how Mask.Data is interpreted.
type MaskKind int

const (
	// MaskNone means "construct the causal mask".
	MaskNone MaskKind = iota
	// MaskBool means Data holds 1.0 for "keep" and 0.0 for "mask out".
	MaskBool
	// MaskAdditive means Data is added directly to the raw scores.
	MaskAdditive
)

// Mask carries an attention mask broadcastable to [B, H_q, T, S]; leading
// dims of size 1 broadcast normally.
type Mask struct {
	Kind MaskKind
	Data *tensor.Tensor
}

const maskNegInf = -1e9

// Attention implements GQA self-attention with optional QK-norm and RoPE.
type Attention struct {
	WQ *Linear `weight:"wq"`
	WK *Linear `weight:"wk"`
	WV *Linear `weight:"wv"`
	WO *Linear `weight:"wo"`

	QNorm *RMSNorm `weight:"q_norm"` // present only if cfg.UseQKNorm
	KNorm *RMSNorm `weight:"k_norm"`

	cfg            config.ModelConfig
	layerIdxInStage int
}

// NewAttention constructs an Attention module for local layer layerIdxInStage.
func NewAttention(cfg config.ModelConfig, layerIdxInStage int) *Attention {
	a := &Attention{
		WQ: &Linear{}, WK: &Linear{}, WV: &Linear{}, WO: &Linear{},
		cfg: cfg, layerIdxInStage: layerIdxInStage,
	}
	if cfg.UseQKNorm {
		a.QNorm = &RMSNorm{Eps: cfg.RMSNormEps}
		a.KNorm = &RMSNorm{Eps: cfg.RMSNormEps}
	}
	return a
}

// Forward runs one attention block. x is [B, T, D]; cache and rope may be
// nil. Returns y of shape [B, T, D].
func (a *Attention) Forward(x *tensor.Tensor, mask Mask, cache *kvcache.Cache, pos int, rope *tensor.RopeTables) (*tensor.Tensor, error) {
	if x == nil || x.NDim() != 3 {
		return nil, xerrors.NewShapeDtypeError("nn.Attention", "x must be [B, T, D]")
	}
	B, T, D := x.Dim(0), x.Dim(1), x.Dim(2)
	if D != a.cfg.HiddenSize {
		return nil, xerrors.NewShapeDtypeErrorf("nn.Attention", "hidden_size mismatch: x has %d, cfg has %d", D, a.cfg.HiddenSize)
	}

	Hq := a.cfg.NumAttentionHeads
	Hkv := a.cfg.NumKeyValueHeads
	if Hkv > Hq {
		return nil, xerrors.NewConfigError("nn.Attention", "num_key_value_heads must be <= num_attention_heads")
	}
	if Hq%Hkv != 0 {
		return nil, xerrors.NewConfigError("nn.Attention", "num_attention_heads must be a multiple of num_key_value_heads")
	}
	if D%Hq != 0 {
		return nil, xerrors.NewConfigError("nn.Attention", "hidden_size must be divisible by num_attention_heads")
	}
	headDim := D / Hq

	q, err := a.WQ.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := a.WK.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := a.WV.Forward(x)
	if err != nil {
		return nil, err
	}

	qh := reshapeToHeads(q, B, T, Hq, headDim)
	kh := reshapeToHeads(k, B, T, Hkv, headDim)
	vh := reshapeToHeads(v, B, T, Hkv, headDim)

	if a.cfg.UseQKNorm {
		if a.QNorm == nil || a.KNorm == nil {
			return nil, xerrors.NewConfigError("nn.Attention", "use_qk_norm is set but q_norm/k_norm weights are missing")
		}
		qh, err = applyHeadNorm(qh, a.QNorm)
		if err != nil {
			return nil, err
		}
		kh, err = applyHeadNorm(kh, a.KNorm)
		if err != nil {
			return nil, err
		}
	}

	if rope != nil && rope.RopeDim > 0 {
		if err := tensor.ApplyRopeInplace(qh, kh, rope, pos); err != nil {
			return nil, err
		}
	}

	var kAll, vAll *tensor.Tensor
	S := T
	if cache != nil && cache.IsInitialized() {
		if err := cache.Append(a.layerIdxInStage, kh, vh, pos); err != nil {
			return nil, err
		}
		S = pos + T
		kAll, vAll, err = cache.Prefix(a.layerIdxInStage, B, S)
		if err != nil {
			return nil, err
		}
	} else {
		kAll, vAll = kh, vh
	}

	kRep := repeatKVHeads(kAll, Hq)
	vRep := repeatKVHeads(vAll, Hq)

	scores, err := tensor.MatMul(qh, transposeLastTwo(kRep))
	if err != nil {
		return nil, err
	}
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	scaleInPlace(scores, scale)

	applyMask(scores, mask, T, S, pos)

	probs := tensor.Softmax(scores)
	ctx, err := tensor.MatMul(probs, vRep)
	if err != nil {
		return nil, err
	}

	y := headsToFlat(ctx, B, T, Hq, headDim)
	return a.WO.Forward(y)
}

func reshapeToHeads(t *tensor.Tensor, B, T, H, headDim int) *tensor.Tensor {
	out := tensor.New([]int{B, H, T, headDim}, t.DType(), t.Device())
	src := t.Data()
	dst := out.Data()
	D := H * headDim
	for b := 0; b < B; b++ {
		for tt := 0; tt < T; tt++ {
			srcBase := (b*T + tt) * D
			for h := 0; h < H; h++ {
				dstBase := ((b*H+h)*T + tt) * headDim
				copy(dst[dstBase:dstBase+headDim], src[srcBase+h*headDim:srcBase+(h+1)*headDim])
			}
		}
	}
	return out
}

func headsToFlat(t *tensor.Tensor, B, T, H, headDim int) *tensor.Tensor {
	D := H * headDim
	out := tensor.New([]int{B, T, D}, t.DType(), t.Device())
	src := t.Data()
	dst := out.Data()
	for b := 0; b < B; b++ {
		for tt := 0; tt < T; tt++ {
			dstBase := (b*T + tt) * D
			for h := 0; h < H; h++ {
				srcBase := ((b*H+h)*T + tt) * headDim
				copy(dst[dstBase+h*headDim:dstBase+(h+1)*headDim], src[srcBase:srcBase+headDim])
			}
		}
	}
	return out
}

func applyHeadNorm(x *tensor.Tensor, norm *RMSNorm) (*tensor.Tensor, error) {
	return norm.Forward(x)
}

// repeatKVHeads broadcasts kv from H_kv to H_q heads by integer repetition
// along dim 1.
func repeatKVHeads(kv *tensor.Tensor, qHeads int) *tensor.Tensor {
	B, kvHeads, T, D := kv.Dim(0), kv.Dim(1), kv.Dim(2), kv.Dim(3)
	if kvHeads == qHeads {
		return kv
	}
	rep := qHeads / kvHeads
	out := tensor.New([]int{B, qHeads, T, D}, kv.DType(), kv.Device())
	src := kv.Data()
	dst := out.Data()
	for b := 0; b < B; b++ {
		for h := 0; h < kvHeads; h++ {
			srcBase := (b*kvHeads+h)*T*D
			for r := 0; r < rep; r++ {
				dstH := h*rep + r
				dstBase := (b*qHeads+dstH)*T*D
				copy(dst[dstBase:dstBase+T*D], src[srcBase:srcBase+T*D])
			}
		}
	}
	return out
}

func transposeLastTwo(t *tensor.Tensor) *tensor.Tensor {
	B, H, T, D := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	out := tensor.New([]int{B, H, D, T}, t.DType(), t.Device())
	src := t.Data()
	dst := out.Data()
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			base := (b*H + h) * T * D
			dstBase := (b*H + h) * D * T
			for tt := 0; tt < T; tt++ {
				for d := 0; d < D; d++ {
					dst[dstBase+d*T+tt] = src[base+tt*D+d]
				}
			}
		}
	}
	return out
}

func scaleInPlace(t *tensor.Tensor, scale float32) {
	d := t.Data()
	for i := range d {
		d[i] *= scale
	}
}

// applyMask applies mask in place to scores [B, H, T, S]. mask.Data, when
// present, must broadcast: dims of size 1 repeat.
func applyMask(scores *tensor.Tensor, mask Mask, T, S, pos int) {
	B, H := scores.Dim(0), scores.Dim(1)
	data := scores.Data()

	switch mask.Kind {
	case MaskBool:
		m := mask.Data
		for b := 0; b < B; b++ {
			for h := 0; h < H; h++ {
				for t := 0; t < T; t++ {
					for s := 0; s < S; s++ {
						if broadcastGet4D(m, b, h, t, s) == 0 {
							data[((b*H+h)*T+t)*S+s] = maskNegInf
						}
					}
				}
			}
		}
	case MaskAdditive:
		m := mask.Data
		for b := 0; b < B; b++ {
			for h := 0; h < H; h++ {
				for t := 0; t < T; t++ {
					for s := 0; s < S; s++ {
						data[((b*H+h)*T+t)*S+s] += broadcastGet4D(m, b, h, t, s)
					}
				}
			}
		}
	default:
		for b := 0; b < B; b++ {
			for h := 0; h < H; h++ {
				for t := 0; t < T; t++ {
					for s := 0; s < S; s++ {
						if s > pos+t {
							data[((b*H+h)*T+t)*S+s] = maskNegInf
						}
					}
				}
			}
		}
	}
}

func broadcastGet4D(t *tensor.Tensor, b, h, tt, s int) float32 {
	bb := b
	if t.Dim(0) == 1 {
		bb = 0
	}
	hh := h
	if t.Dim(1) == 1 {
		hh = 0
	}
	tq := tt
	if t.Dim(2) == 1 {
		tq = 0
	}
	ss := s
	if t.Dim(3) == 1 {
		ss = 0
	}
	D2, D3 := t.Dim(2), t.Dim(3)
	idx := ((bb*t.Dim(1)+hh)*D2+tq)*D3 + ss
	return t.Data()[idx]
}
