package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
)

func validConfig() ModelConfig {
	return ModelConfig{
		DType:             dtype.BF16,
		VocabSize:         100,
		HiddenSize:        16,
		NumHiddenLayers:   4,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		IntermediateSize:  32,
		RopeDim:           4,
		RMSNormEps:        1e-6,
		MaxBatch:          1,
		MaxSeqLen:         8,
		StageID:           0,
		StageCount:        1,
		LayerStart:        0,
		LayerEnd:          4,
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsNonDivisibleGQAHeads(t *testing.T) {
	cfg := validConfig()
	cfg.NumKeyValueHeads = 3
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsKVHeadsExceedingQueryHeads(t *testing.T) {
	cfg := validConfig()
	cfg.NumKeyValueHeads = 8
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOddRopeDim(t *testing.T) {
	cfg := validConfig()
	cfg.RopeDim = 3
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsRopeDimExceedingHeadDim(t *testing.T) {
	cfg := validConfig()
	cfg.RopeDim = 100
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsLayerStartAfterLayerEnd(t *testing.T) {
	cfg := validConfig()
	cfg.LayerStart = 3
	cfg.LayerEnd = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMoEWithoutExperts(t *testing.T) {
	cfg := validConfig()
	cfg.UseMoE = true
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsTopKExceedingExperts(t *testing.T) {
	cfg := validConfig()
	cfg.UseMoE = true
	cfg.NumExperts = 4
	cfg.TopK = 5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsIncompleteVisionConfig(t *testing.T) {
	cfg := validConfig()
	cfg.VisionHiddenSize = 32
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsCompleteVisionConfig(t *testing.T) {
	cfg := validConfig()
	cfg.VisionHiddenSize = 32
	cfg.VisionNumLayers = 2
	cfg.VisionNumAttentionHeads = 4
	cfg.VisionPatchSize = 14
	cfg.VisionImageSize = 224
	require.NoError(t, cfg.Validate())
}

func TestHeadDim(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 4, cfg.HeadDim())
}

func TestBlockCountAndStagePredicates(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 4, cfg.BlockCount())
	assert.True(t, cfg.IsFirstStage())
	assert.True(t, cfg.IsLastStage())

	cfg.StageID = 1
	cfg.StageCount = 3
	assert.False(t, cfg.IsFirstStage())
	assert.False(t, cfg.IsLastStage())
}

func TestVisionConfigDerivesSquareAttention(t *testing.T) {
	cfg := validConfig()
	cfg.VisionHiddenSize = 32
	cfg.VisionNumAttentionHeads = 4
	vc := cfg.VisionConfig()
	assert.Equal(t, vc.NumAttentionHeads, vc.NumKeyValueHeads)
	assert.Equal(t, 0, vc.RopeDim)
	assert.Equal(t, cfg.DType, vc.DType)
}
