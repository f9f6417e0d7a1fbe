package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/dtype"
)

func baseConfig() config.ModelConfig {
	return config.ModelConfig{
		DType:             dtype.BF16,
		VocabSize:         100,
		HiddenSize:        16,
		NumHiddenLayers:   10,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  4,
		IntermediateSize:  32,
		MaxBatch:          1,
	}
}

func TestShardLayersEvenDistributesRemainder(t *testing.T) {
	ranges, err := ShardLayersEven(10, 3)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 4}, {4, 7}, {7, 10}}, ranges)
}

func TestShardLayersEvenExactDivision(t *testing.T) {
	ranges, err := ShardLayersEven(9, 3)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 3}, {3, 6}, {6, 9}}, ranges)
}

func TestShardLayersEvenRejectsNonPositiveStageCount(t *testing.T) {
	_, err := ShardLayersEven(10, 0)
	require.Error(t, err)
}

func TestMakePlanEvenLayersCoversAllLayers(t *testing.T) {
	cfg := baseConfig()
	plan, err := MakePlanEvenLayers(cfg, 3, nil)
	require.NoError(t, err)
	require.Len(t, plan.Stages, 3)
	assert.Equal(t, 0, plan.Stages[0].LayerStart)
	assert.Equal(t, cfg.NumHiddenLayers, plan.Stages[2].LayerEnd)
	for _, s := range plan.Stages {
		assert.Greater(t, s.EstWeightBytes, uint64(0))
	}
}

func TestMakePlanEvenLayersBroadcastsSingleDevice(t *testing.T) {
	cfg := baseConfig()
	plan, err := MakePlanEvenLayers(cfg, 2, []int{3})
	require.NoError(t, err)
	for _, s := range plan.Stages {
		assert.Equal(t, 3, s.DeviceIndex)
	}
}

func TestMakePlanEvenLayersRejectsMismatchedDeviceCount(t *testing.T) {
	cfg := baseConfig()
	_, err := MakePlanEvenLayers(cfg, 3, []int{0, 1})
	require.Error(t, err)
}

func TestMakePlanManualRejectsGap(t *testing.T) {
	cfg := baseConfig()
	_, err := MakePlanManual(cfg, [][2]int{{0, 4}, {5, 10}}, nil)
	require.Error(t, err)
}

func TestMakePlanManualRejectsIncompleteCoverage(t *testing.T) {
	cfg := baseConfig()
	_, err := MakePlanManual(cfg, [][2]int{{0, 4}}, nil)
	require.Error(t, err)
}

func TestMakePlanManualAcceptsExplicitRanges(t *testing.T) {
	cfg := baseConfig()
	plan, err := MakePlanManual(cfg, [][2]int{{0, 6}, {6, 10}}, []int{0, 1})
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2)
	assert.Equal(t, 0, plan.Stages[0].DeviceIndex)
	assert.Equal(t, 1, plan.Stages[1].DeviceIndex)
}

func TestConfigForStageCopiesShardFields(t *testing.T) {
	cfg := baseConfig()
	spec := Spec{StageID: 1, StageCount: 2, LayerStart: 5, LayerEnd: 10, DeviceIndex: 1}
	shardedCfg := ConfigForStage(cfg, spec)
	assert.Equal(t, 1, shardedCfg.StageID)
	assert.Equal(t, 5, shardedCfg.LayerStart)
	assert.Equal(t, 10, shardedCfg.LayerEnd)
	assert.Equal(t, cfg.HiddenSize, shardedCfg.HiddenSize)
}

func TestEstimateKVBytesPerTokenScalesWithLayerCount(t *testing.T) {
	cfg := baseConfig()
	full, err := EstimateKVBytesPerToken(cfg, 0, 10)
	require.NoError(t, err)
	half, err := EstimateKVBytesPerToken(cfg, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, full, half*2)
}

func TestEstimateKVBytesPerTokenRejectsLayerEndBeyondModel(t *testing.T) {
	cfg := baseConfig()
	_, err := EstimateKVBytesPerToken(cfg, 0, 11)
	require.Error(t, err)
}

func TestEstimateWeightBytesMoEExceedsDense(t *testing.T) {
	dense := baseConfig()
	moe := dense
	moe.UseMoE = true
	moe.NumExperts = 8
	moe.TopK = 2

	denseBytes, err := EstimateWeightBytes(dense, 0, 10)
	require.NoError(t, err)
	moeBytes, err := EstimateWeightBytes(moe, 0, 10)
	require.NoError(t, err)
	assert.Greater(t, moeBytes, denseBytes)
}

func TestEstimateWeightBytesChargesSharedParamsOnlyAtLayerZero(t *testing.T) {
	cfg := baseConfig()
	atStart, err := EstimateWeightBytes(cfg, 0, 5)
	require.NoError(t, err)
	midStage, err := EstimateWeightBytes(cfg, 5, 10)
	require.NoError(t, err)
	assert.Greater(t, atStart, midStage)
}

func TestReportRendersOneLinePerStage(t *testing.T) {
	cfg := baseConfig()
	plan, err := MakePlanEvenLayers(cfg, 2, nil)
	require.NoError(t, err)
	report := plan.Report()
	assert.Contains(t, report, "stage")
	assert.Contains(t, report, "[0,5)")
	assert.Contains(t, report, "[5,10)")
}
