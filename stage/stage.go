// Package stage implements the model stage: the assembly of a shard's
// optional vision tower, optional embedding, local transformer blocks,
// and optional final norm + LM head into one ModelStage, plus its
// Forward algorithm.
package stage

import (
	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/kvcache"
	"github.com/rickymagal/qwen-vl-distributed/nn"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/vision"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Input carries a stage's forward arguments: token ids and/or images on
// the first stage, an incoming activation on every other stage.
type Input struct {
	InputIDs [][]int64
	Images   *tensor.Tensor
	HiddenIn *tensor.Tensor
	Pos      int
	AttnMask nn.Mask
}

// Output carries a stage's forward result: the activation to forward to
// the next stage, and logits when this is the last stage.
type Output struct {
	HiddenOut *tensor.Tensor
	Logits    *tensor.Tensor // nil unless this stage is the last
}

// ModelStage assembles one shard's layer range and runs it in sequence.
type ModelStage struct {
	Vision    *vision.Encoder    `weight:"vision"`
	Projector *vision.Projector  `weight:"projector"`
	Embedding *nn.Embedding      `weight:"embedding"`
	Blocks    []*nn.TransformerBlock `weight:"layers"`
	FinalNorm *nn.RMSNorm        `weight:"final_norm"`
	LMHead    *nn.Linear         `weight:"lm_head"`

	cfg   config.ModelConfig
	cache *kvcache.Cache
	rope  *tensor.RopeTables
}

// New constructs a ModelStage from cfg, validating the layer range and
// registering exactly the components this shard owns: a vision tower
// when vision fields are present, embedding when this is the first stage
// with a vocabulary, block_count transformer blocks, and final norm + LM
// head when this is the last stage.
func New(cfg config.ModelConfig) (*ModelStage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	blockCount := cfg.BlockCount()
	if blockCount <= 0 {
		return nil, xerrors.NewConfigError("stage.New", "layer_end must be > layer_start")
	}

	s := &ModelStage{cfg: cfg, cache: kvcache.New()}

	if cfg.HasVision() {
		s.Vision = vision.NewEncoder(cfg)
		s.Projector = &vision.Projector{Norm: &nn.LayerNorm{Eps: cfg.RMSNormEps}, FC1: &nn.Linear{}, FC2: &nn.Linear{}}
	}
	if cfg.IsFirstStage() && cfg.VocabSize > 0 {
		s.Embedding = &nn.Embedding{}
	}

	s.Blocks = make([]*nn.TransformerBlock, blockCount)
	for i := range s.Blocks {
		s.Blocks[i] = nn.NewTransformerBlock(cfg, i)
	}

	if cfg.IsLastStage() {
		s.FinalNorm = &nn.RMSNorm{Eps: cfg.RMSNormEps}
		s.LMHead = &nn.Linear{}
	}

	return s, nil
}

// Forward runs the stage's 5-step algorithm on in.
func (s *ModelStage) Forward(in Input) (Output, error) {
	var h *tensor.Tensor
	var err error

	if len(in.InputIDs) > 0 && s.Embedding != nil {
		h, err = s.Embedding.Forward(in.InputIDs)
		if err != nil {
			return Output{}, err
		}
	} else {
		h = in.HiddenIn
	}

	if in.Images != nil && s.Vision != nil {
		venc, err := s.Vision.Forward(in.Images)
		if err != nil {
			return Output{}, err
		}
		vtok, err := s.Projector.Forward(venc)
		if err != nil {
			return Output{}, err
		}
		if h != nil {
			vtok = vtok.Cast(h.DType())
			h, err = concatSeq(vtok, h)
			if err != nil {
				return Output{}, err
			}
		} else {
			h = vtok
		}
	}

	if h == nil || h.NDim() != 3 {
		return Output{}, xerrors.NewShapeDtypeError("stage.ModelStage", "forward requires a hidden state [B, T, D]")
	}

	if err := s.ensureCache(h); err != nil {
		return Output{}, err
	}
	if err := s.ensureRope(h); err != nil {
		return Output{}, err
	}

	for _, block := range s.Blocks {
		h, _, err = block.Forward(h, in.AttnMask, s.cache, in.Pos, s.rope)
		if err != nil {
			return Output{}, err
		}
	}

	out := Output{HiddenOut: h}
	if s.cfg.IsLastStage() {
		normed, err := s.FinalNorm.Forward(h)
		if err != nil {
			return Output{}, err
		}
		logits, err := s.LMHead.Forward(normed)
		if err != nil {
			return Output{}, err
		}
		out.Logits = logits
	}
	return out, nil
}

func (s *ModelStage) ensureCache(h *tensor.Tensor) error {
	if s.cache.IsInitialized() {
		return nil
	}
	kvHeads := s.cfg.NumKeyValueHeads
	headDim := s.cfg.HeadDim()
	return s.cache.Init(len(s.Blocks), s.cfg.MaxBatch, s.cfg.MaxSeqLen, kvHeads, headDim, h.DType(), h.Device())
}

func (s *ModelStage) ensureRope(h *tensor.Tensor) error {
	if s.cfg.RopeDim <= 0 {
		return nil
	}
	if s.rope != nil && s.rope.Cos.Dim(0) >= s.cfg.MaxSeqLen && s.rope.Cos.Device() == h.Device() {
		return nil
	}
	tables, err := tensor.PrecomputeCosSin(s.cfg.MaxSeqLen, s.cfg.RopeDim, s.cfg.RopeTheta, h.Device())
	if err != nil {
		return err
	}
	s.rope = tables
	return nil
}

// concatSeq concatenates a and b along dim 1 (sequence), requiring equal
// batch and hidden size.
func concatSeq(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Dim(0) != b.Dim(0) || a.Dim(2) != b.Dim(2) {
		return nil, xerrors.NewShapeDtypeError("stage.concatSeq", "batch and hidden_size must match to concatenate along sequence")
	}
	B, Ta, Tb, D := a.Dim(0), a.Dim(1), b.Dim(1), a.Dim(2)
	out := tensor.New([]int{B, Ta + Tb, D}, a.DType(), a.Device())
	dst := out.Data()
	aData, bData := a.Data(), b.Data()
	for bIdx := 0; bIdx < B; bIdx++ {
		dstBase := bIdx * (Ta + Tb) * D
		copy(dst[dstBase:dstBase+Ta*D], aData[bIdx*Ta*D:(bIdx+1)*Ta*D])
		copy(dst[dstBase+Ta*D:dstBase+(Ta+Tb)*D], bData[bIdx*Tb*D:(bIdx+1)*Tb*D])
	}
	return out, nil
}
