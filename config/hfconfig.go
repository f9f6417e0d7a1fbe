package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// hfConfig mirrors the subset of a HuggingFace config.json this runtime
// understands. Alternate key spellings seen across Qwen-style exports are
// read in FromJSON with the same tolerant fallback order as the original
// hf_config loader.
type hfConfig struct {
	NameOrPath      string          `json:"name_or_path"`
	ModelType       string          `json:"model_type"`
	TorchDtype      string          `json:"torch_dtype"`
	VocabSize       int             `json:"vocab_size"`
	HiddenSize      int             `json:"hidden_size"`
	NumHiddenLayers int             `json:"num_hidden_layers"`
	NumHeads        int             `json:"num_attention_heads"`
	NumKVHeads      int             `json:"num_key_value_heads"`
	Intermediate    int             `json:"intermediate_size"`
	MaxPosEmbed     int             `json:"max_position_embeddings"`
	SeqLength       int             `json:"seq_length"`
	MaxSeqLength    int             `json:"max_sequence_length"`
	RopeTheta       float64         `json:"rope_theta"`
	RotaryEmbBase   float64         `json:"rotary_emb_base"`
	RopeDim         int             `json:"rope_dim"`
	RopeScaling     *hfRopeScaling  `json:"rope_scaling"`
	MaxBatchSize    int             `json:"max_batch_size"`
	RMSNormEps      float64         `json:"rms_norm_eps"`
	UseQKNorm       bool            `json:"use_qk_norm"`

	NumExperts       int `json:"num_experts"`
	MoENumExperts    int `json:"moe_num_experts"`
	NumLocalExperts  int `json:"num_local_experts"`
	NExperts         int `json:"n_experts"`
	NumExpertsPerTok int `json:"num_experts_per_tok"`
	TopK             int `json:"top_k"`
	MoETopK          int `json:"moe_top_k"`
	RouterTopK       int `json:"router_top_k"`
	MoEIntermediate  int `json:"moe_intermediate_size"`
	MoE              *hfMoE `json:"moe"`

	VisionConfig *hfVisionConfig `json:"vision_config"`
}

type hfRopeScaling struct {
	RopeTheta float64 `json:"rope_theta"`
}

type hfMoE struct {
	NumExperts int `json:"num_experts"`
	TopK       int `json:"top_k"`
}

type hfVisionConfig struct {
	HiddenSize       int `json:"hidden_size"`
	NumHiddenLayers  int `json:"num_hidden_layers"`
	VisionHiddenSize int `json:"vision_hidden_size"`
	VisionNumLayers  int `json:"vision_num_layers"`
	NumAttnHeads     int `json:"num_attention_heads"`
	NumHeads         int `json:"num_heads"`
	PatchSize        int `json:"patch_size"`
	ImageSize        int `json:"image_size"`
	ProjectorMidSize int `json:"projector_hidden_size"`
}

// FromJSON reads a HuggingFace-style config.json at path and translates it
// into a ModelConfig for the given stage, applying the same tolerant
// multi-key field lookups as the original exporter's loader.
func FromJSON(path string, stageID, stageCount, layerStart, layerEnd, deviceIndex int) (ModelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, xerrors.NewIOError("config.FromJSON", err)
	}

	var hc hfConfig
	if err := json.Unmarshal(raw, &hc); err != nil {
		return ModelConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg := ModelConfig{
		ModelID:    firstNonEmpty(hc.NameOrPath, hc.ModelType),
		VocabSize:  hc.VocabSize,
		HiddenSize: hc.HiddenSize,
		NumHiddenLayers:   hc.NumHiddenLayers,
		NumAttentionHeads: hc.NumHeads,
		NumKeyValueHeads:  hc.NumKVHeads,
		IntermediateSize:  hc.Intermediate,
		RopeTheta:         hc.RopeTheta,
		RopeDim:           hc.RopeDim,
		RMSNormEps:        float32(hc.RMSNormEps),
		UseQKNorm:         hc.UseQKNorm,
		MaxBatch:          firstPositiveInt(hc.MaxBatchSize, 1),
		MaxSeqLen:         firstPositiveInt(hc.MaxPosEmbed, hc.SeqLength, hc.MaxSeqLength, 4096),
		StageID:           stageID,
		StageCount:        stageCount,
		LayerStart:        layerStart,
		LayerEnd:          layerEnd,
		DeviceIndex:       deviceIndex,
	}

	if hc.RopeTheta == 0 && hc.RotaryEmbBase != 0 {
		cfg.RopeTheta = hc.RotaryEmbBase
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000.0
	}
	if hc.RopeScaling != nil && hc.RopeScaling.RopeTheta != 0 {
		cfg.RopeTheta = hc.RopeScaling.RopeTheta
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = 1e-6
	}

	if cfg.NumKeyValueHeads <= 0 && cfg.NumAttentionHeads > 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}

	numExperts := firstPositiveInt(hc.NumExperts, hc.MoENumExperts, hc.NumLocalExperts, hc.NExperts)
	if hc.MoE != nil && numExperts <= 0 {
		numExperts = hc.MoE.NumExperts
	}
	topK := firstPositiveInt(hc.NumExpertsPerTok, hc.TopK, hc.MoETopK, hc.RouterTopK)
	if hc.MoE != nil && topK <= 0 {
		topK = hc.MoE.TopK
	}
	cfg.NumExperts = numExperts
	cfg.TopK = topK
	cfg.UseMoE = numExperts > 0 && topK > 0
	cfg.MoEIntermediateSize = hc.MoEIntermediate

	dt, err := dtype.Parse(firstNonEmpty(hc.TorchDtype, "bf16"))
	if err != nil {
		dt = dtype.BF16
	}
	cfg.DType = dt

	if hc.VisionConfig != nil {
		vc := hc.VisionConfig
		cfg.VisionHiddenSize = firstPositiveInt(vc.HiddenSize, vc.VisionHiddenSize)
		cfg.VisionNumLayers = firstPositiveInt(vc.NumHiddenLayers, vc.VisionNumLayers)
		cfg.VisionNumAttentionHeads = firstPositiveInt(vc.NumAttnHeads, vc.NumHeads)
		cfg.VisionPatchSize = vc.PatchSize
		cfg.VisionImageSize = vc.ImageSize
		cfg.ProjectorMidSize = vc.ProjectorMidSize
	}

	if cfg.HiddenSize <= 0 {
		return ModelConfig{}, xerrors.NewConfigError("config.FromJSON", "missing or invalid hidden_size")
	}
	if cfg.NumAttentionHeads <= 0 {
		return ModelConfig{}, xerrors.NewConfigError("config.FromJSON", "missing or invalid num_attention_heads")
	}
	if cfg.VocabSize <= 0 && stageID == 0 {
		return ModelConfig{}, xerrors.NewConfigError("config.FromJSON", "missing or invalid vocab_size")
	}
	if cfg.NumHiddenLayers <= 0 {
		return ModelConfig{}, xerrors.NewConfigError("config.FromJSON", "missing or invalid num_hidden_layers")
	}

	if cfg.RopeDim <= 0 {
		cfg.RopeDim = cfg.HeadDim()
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositiveInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
