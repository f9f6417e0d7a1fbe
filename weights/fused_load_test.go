package weights

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/nn"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

type fusedTestStage struct {
	Layers []*nn.TransformerBlock `weight:"layers"`
}

func fusedMoEConfig() config.ModelConfig {
	return config.ModelConfig{
		HiddenSize:          4,
		UseMoE:              true,
		NumExperts:          2,
		TopK:                1,
		MoEIntermediateSize: 3,
		LayerStart:          5,
		LayerEnd:            6,
	}
}

func TestLoadFusedMoEExpertsFillsUnassignedExperts(t *testing.T) {
	cfg := fusedMoEConfig()
	block := nn.NewTransformerBlock(cfg, 0)
	stage := &fusedTestStage{Layers: []*nn.TransformerBlock{block}}

	gateUpData := make([]float32, cfg.NumExperts*2*cfg.MoEIntermediateSize*cfg.HiddenSize)
	for i := range gateUpData {
		gateUpData[i] = float32(i)
	}
	downData := make([]float32, cfg.NumExperts*cfg.HiddenSize*cfg.MoEIntermediateSize)
	for i := range downData {
		downData[i] = float32(i)
	}
	loader := NewMapLoader(map[string]*tensor.Tensor{
		"model.layers.5.mlp.experts.gate_up_proj": tensor.NewFromSlice(
			[]int{cfg.NumExperts, 2 * cfg.MoEIntermediateSize, cfg.HiddenSize}, dtype.F32, tensor.CPU, gateUpData),
		"model.layers.5.mlp.experts.down_proj": tensor.NewFromSlice(
			[]int{cfg.NumExperts, cfg.HiddenSize, cfg.MoEIntermediateSize}, dtype.F32, tensor.CPU, downData),
	})

	report := &Report{UsedKeys: map[string]bool{}}
	require.NoError(t, loadFusedMoEExperts(stage, loader, cfg, report))

	for _, e := range block.MoE.Experts {
		assert.NotNil(t, e.Gate.Weight)
		assert.NotNil(t, e.Up.Weight)
		assert.NotNil(t, e.Down.Weight)
	}
	assert.True(t, report.UsedKeys["model.layers.5.mlp.experts.gate_up_proj"])
	assert.True(t, report.UsedKeys["model.layers.5.mlp.experts.down_proj"])
	assert.Len(t, report.Loaded, cfg.NumExperts*3)
}

func TestLoadFusedMoEExpertsSkipsAlreadyLoadedExperts(t *testing.T) {
	cfg := fusedMoEConfig()
	block := nn.NewTransformerBlock(cfg, 0)
	for _, e := range block.MoE.Experts {
		e.Gate.Weight = tensor.New([]int{cfg.MoEIntermediateSize, cfg.HiddenSize}, dtype.F32, tensor.CPU)
		e.Up.Weight = tensor.New([]int{cfg.MoEIntermediateSize, cfg.HiddenSize}, dtype.F32, tensor.CPU)
		e.Down.Weight = tensor.New([]int{cfg.HiddenSize, cfg.MoEIntermediateSize}, dtype.F32, tensor.CPU)
	}
	stage := &fusedTestStage{Layers: []*nn.TransformerBlock{block}}
	loader := NewMapLoader(map[string]*tensor.Tensor{})
	report := &Report{UsedKeys: map[string]bool{}}

	require.NoError(t, loadFusedMoEExperts(stage, loader, cfg, report))
	assert.Empty(t, report.Loaded)
}

func TestLoadFusedMoEExpertsNoopWhenConfigIsDense(t *testing.T) {
	cfg := fusedMoEConfig()
	cfg.UseMoE = false
	report := &Report{UsedKeys: map[string]bool{}}
	err := loadFusedMoEExperts(&fusedTestStage{}, NewMapLoader(nil), cfg, report)
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
}
