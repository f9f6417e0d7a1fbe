// Package config defines ModelConfig, the immutable per-run configuration
// every other package takes as input, and an HFConfig JSON reader that
// translates a HuggingFace-style config.json into one.
package config

import (
	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// ModelConfig is immutable for the lifetime of a stage process.
type ModelConfig struct {
	ModelID  string
	Revision string
	DType    dtype.DType

	VocabSize         int
	HiddenSize        int
	NumHiddenLayers   int
	NumAttentionHeads int
	NumKeyValueHeads  int
	IntermediateSize  int

	RopeTheta float64
	RopeDim   int
	RMSNormEps float32
	UseQKNorm bool

	UseMoE              bool
	NumExperts          int
	TopK                int
	MoEIntermediateSize int

	MaxBatch    int
	MaxSeqLen   int

	// Vision fields; zero VisionHiddenSize means "no vision tower".
	VisionHiddenSize        int
	VisionNumLayers         int
	VisionNumAttentionHeads int
	VisionPatchSize         int
	VisionImageSize         int
	ProjectorMidSize        int

	StageID     int
	StageCount  int
	LayerStart  int // inclusive
	LayerEnd    int // exclusive
	DeviceIndex int
}

// HeadDim returns hidden_size / num_attention_heads.
func (c ModelConfig) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// HasVision reports whether this config describes a vision tower.
func (c ModelConfig) HasVision() bool {
	return c.VisionHiddenSize > 0
}

// Validate checks the invariants placed on ModelConfig itself.
func (c ModelConfig) Validate() error {
	if c.HiddenSize <= 0 {
		return xerrors.NewConfigError("ModelConfig", "hidden_size must be > 0")
	}
	if c.NumAttentionHeads <= 0 {
		return xerrors.NewConfigError("ModelConfig", "num_attention_heads must be > 0")
	}
	if c.NumKeyValueHeads <= 0 {
		return xerrors.NewConfigError("ModelConfig", "num_key_value_heads must be > 0")
	}
	if c.NumKeyValueHeads > c.NumAttentionHeads {
		return xerrors.NewConfigError("ModelConfig", "num_key_value_heads must be <= num_attention_heads")
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return xerrors.NewConfigError("ModelConfig", "num_attention_heads must be a multiple of num_key_value_heads")
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return xerrors.NewConfigError("ModelConfig", "hidden_size must be divisible by num_attention_heads")
	}
	if c.RopeDim < 0 || c.RopeDim%2 != 0 {
		return xerrors.NewConfigError("ModelConfig", "rope_dim must be even and >= 0")
	}
	if c.RopeDim > c.HeadDim() {
		return xerrors.NewConfigError("ModelConfig", "rope_dim must be <= head_dim")
	}
	if c.UseMoE {
		if c.NumExperts <= 0 {
			return xerrors.NewConfigError("ModelConfig", "num_experts must be > 0 when use_moe is set")
		}
		if c.TopK <= 0 || c.TopK > c.NumExperts {
			return xerrors.NewConfigError("ModelConfig", "top_k must be in (0, num_experts] when use_moe is set")
		}
	}
	if c.LayerStart < 0 || c.LayerEnd < 0 {
		return xerrors.NewConfigError("ModelConfig", "layer_start/layer_end must be >= 0")
	}
	if c.LayerStart > c.LayerEnd {
		return xerrors.NewConfigError("ModelConfig", "layer_start must be <= layer_end")
	}
	if c.NumHiddenLayers > 0 && c.LayerEnd > c.NumHiddenLayers {
		return xerrors.NewConfigError("ModelConfig", "layer_end must be <= num_hidden_layers")
	}
	if c.MaxBatch <= 0 {
		return xerrors.NewConfigError("ModelConfig", "max_batch must be > 0")
	}
	if c.MaxSeqLen <= 0 {
		return xerrors.NewConfigError("ModelConfig", "max_seq_len must be > 0")
	}
	if c.HasVision() {
		if c.VisionNumLayers <= 0 {
			return xerrors.NewConfigError("ModelConfig", "vision_num_layers must be > 0 when a vision tower is configured")
		}
		if c.VisionNumAttentionHeads <= 0 || c.VisionHiddenSize%c.VisionNumAttentionHeads != 0 {
			return xerrors.NewConfigError("ModelConfig", "vision_num_attention_heads must be > 0 and divide vision_hidden_size")
		}
		if c.VisionPatchSize <= 0 || c.VisionImageSize <= 0 {
			return xerrors.NewConfigError("ModelConfig", "vision_patch_size/vision_image_size must be > 0 when a vision tower is configured")
		}
	}
	return nil
}

// VisionConfig returns a ModelConfig describing the vision tower's own
// attention shape, derived from the vision-specific fields of c. Vision
// attention has no GQA split and no rotary embedding, so NumKeyValueHeads
// equals NumAttentionHeads and RopeDim is left at zero.
func (c ModelConfig) VisionConfig() ModelConfig {
	return ModelConfig{
		DType:             c.DType,
		HiddenSize:        c.VisionHiddenSize,
		NumAttentionHeads: c.VisionNumAttentionHeads,
		NumKeyValueHeads:  c.VisionNumAttentionHeads,
		RMSNormEps:        c.RMSNormEps,
		MaxBatch:          c.MaxBatch,
		MaxSeqLen:         c.MaxSeqLen,
		DeviceIndex:       c.DeviceIndex,
	}
}

// BlockCount returns the number of local transformer blocks this stage owns.
func (c ModelConfig) BlockCount() int {
	return c.LayerEnd - c.LayerStart
}

// IsFirstStage reports whether this stage consumes token ids/pixels.
func (c ModelConfig) IsFirstStage() bool {
	return c.StageID == 0
}

// IsLastStage reports whether this stage emits logits.
func (c ModelConfig) IsLastStage() bool {
	return c.StageID == c.StageCount-1
}
