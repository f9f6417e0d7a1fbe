// Package shard implements the layer sharding planner: partitioning
// [0, L) contiguously across stages and estimating per-stage resource
// costs for planning purposes.
package shard

import (
	"fmt"
	"strings"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Spec describes one stage's slice of the model and its planning-time
// resource estimates.
type Spec struct {
	StageID             int
	StageCount          int
	LayerStart          int // inclusive
	LayerEnd            int // exclusive
	DeviceIndex         int
	EstWeightBytes      uint64
	EstKVBytesPerToken  uint64
}

// Plan is an ordered list of Specs covering [0, L) without gaps or overlap.
type Plan struct {
	Stages []Spec
}

// ShardLayersEven splits numLayers into stageCount contiguous ranges, the
// first (numLayers % stageCount) stages getting one extra layer.
func ShardLayersEven(numLayers, stageCount int) ([][2]int, error) {
	if numLayers < 0 {
		return nil, xerrors.NewConfigError("shard.ShardLayersEven", "num_layers must be >= 0")
	}
	if stageCount <= 0 {
		return nil, xerrors.NewConfigError("shard.ShardLayersEven", "stage_count must be > 0")
	}

	base := numLayers / stageCount
	rem := numLayers % stageCount

	ranges := make([][2]int, stageCount)
	cur := 0
	for s := 0; s < stageCount; s++ {
		add := base
		if s < rem {
			add++
		}
		ranges[s] = [2]int{cur, cur + add}
		cur += add
	}
	return ranges, nil
}

func normalizeDevices(stageCount int, deviceIndices []int) ([]int, error) {
	switch {
	case len(deviceIndices) == 0:
		out := make([]int, stageCount)
		return out, nil
	case len(deviceIndices) == stageCount:
		return deviceIndices, nil
	case len(deviceIndices) == 1:
		out := make([]int, stageCount)
		for i := range out {
			out[i] = deviceIndices[0]
		}
		return out, nil
	default:
		return nil, xerrors.NewConfigError("shard.normalizeDevices", "device_indices must be empty, size==stage_count, or size==1")
	}
}

// MakePlanEvenLayers builds a Plan covering base's num_hidden_layers evenly
// across stageCount stages.
func MakePlanEvenLayers(base config.ModelConfig, stageCount int, deviceIndices []int) (Plan, error) {
	if stageCount <= 0 {
		return Plan{}, xerrors.NewConfigError("shard.MakePlanEvenLayers", "stage_count must be > 0")
	}
	ranges, err := ShardLayersEven(base.NumHiddenLayers, stageCount)
	if err != nil {
		return Plan{}, err
	}
	devs, err := normalizeDevices(stageCount, deviceIndices)
	if err != nil {
		return Plan{}, err
	}
	return buildPlan(base, ranges, devs)
}

// MakePlanManual builds a Plan from caller-supplied contiguous ranges that
// must start at 0 and cover exactly [0, num_hidden_layers).
func MakePlanManual(base config.ModelConfig, ranges [][2]int, deviceIndices []int) (Plan, error) {
	if len(ranges) == 0 {
		return Plan{}, xerrors.NewConfigError("shard.MakePlanManual", "ranges must be non-empty")
	}
	stageCount := len(ranges)
	devs, err := normalizeDevices(stageCount, deviceIndices)
	if err != nil {
		return Plan{}, err
	}

	cur := 0
	for i, r := range ranges {
		if r[0] != cur {
			return Plan{}, xerrors.NewConfigErrorf("shard.MakePlanManual", "range %d must start at %d, got %d", i, cur, r[0])
		}
		if r[0] < 0 || r[1] < r[0] {
			return Plan{}, xerrors.NewConfigError("shard.MakePlanManual", "invalid range")
		}
		if r[1] > base.NumHiddenLayers {
			return Plan{}, xerrors.NewConfigError("shard.MakePlanManual", "range exceeds num_hidden_layers")
		}
		cur = r[1]
	}
	if cur != base.NumHiddenLayers {
		return Plan{}, xerrors.NewConfigError("shard.MakePlanManual", "ranges must cover all layers")
	}

	return buildPlan(base, ranges, devs)
}

func buildPlan(base config.ModelConfig, ranges [][2]int, devs []int) (Plan, error) {
	stageCount := len(ranges)
	plan := Plan{Stages: make([]Spec, stageCount)}
	for s := 0; s < stageCount; s++ {
		spec := Spec{
			StageID:     s,
			StageCount:  stageCount,
			LayerStart:  ranges[s][0],
			LayerEnd:    ranges[s][1],
			DeviceIndex: devs[s],
		}
		kvBytes, err := EstimateKVBytesPerToken(base, spec.LayerStart, spec.LayerEnd)
		if err != nil {
			return Plan{}, err
		}
		wBytes, err := EstimateWeightBytes(base, spec.LayerStart, spec.LayerEnd)
		if err != nil {
			return Plan{}, err
		}
		spec.EstKVBytesPerToken = kvBytes
		spec.EstWeightBytes = wBytes
		plan.Stages[s] = spec
	}
	return plan, nil
}

// ConfigForStage returns a copy of base with its stage/layer/device fields
// set from spec.
func ConfigForStage(base config.ModelConfig, spec Spec) config.ModelConfig {
	cfg := base
	cfg.StageID = spec.StageID
	cfg.StageCount = spec.StageCount
	cfg.LayerStart = spec.LayerStart
	cfg.LayerEnd = spec.LayerEnd
	cfg.DeviceIndex = spec.DeviceIndex
	return cfg
}

func dtypeBytes(cfg config.ModelConfig) uint64 {
	return uint64(cfg.DType.Size())
}

// EstimateKVBytesPerToken estimates the KV cache bytes consumed per token
// across layers [layerStart, layerEnd).
func EstimateKVBytesPerToken(cfg config.ModelConfig, layerStart, layerEnd int) (uint64, error) {
	if layerStart < 0 || layerEnd < layerStart {
		return 0, xerrors.NewConfigError("shard.EstimateKVBytesPerToken", "invalid layer range")
	}
	if layerEnd > cfg.NumHiddenLayers {
		return 0, xerrors.NewConfigError("shard.EstimateKVBytesPerToken", "layer_end exceeds num_hidden_layers")
	}
	nLayers := layerEnd - layerStart
	if nLayers == 0 {
		return 0, nil
	}
	if cfg.HiddenSize <= 0 || cfg.NumAttentionHeads <= 0 {
		return 0, xerrors.NewConfigError("shard.EstimateKVBytesPerToken", "hidden_size and num_attention_heads must be > 0")
	}
	kvHeads := cfg.NumKeyValueHeads
	if kvHeads <= 0 {
		kvHeads = cfg.NumAttentionHeads
	}
	headDim := cfg.HiddenSize / cfg.NumAttentionHeads

	perLayerPerToken := uint64(cfg.MaxBatch) * uint64(kvHeads) * uint64(headDim) * 2 * dtypeBytes(cfg)
	return perLayerPerToken * uint64(nLayers), nil
}

func estimateLayerParamsDense(cfg config.ModelConfig) (uint64, error) {
	if cfg.HiddenSize <= 0 || cfg.IntermediateSize <= 0 {
		return 0, xerrors.NewConfigError("shard.estimateLayerParamsDense", "hidden_size and intermediate_size must be > 0")
	}
	H := uint64(cfg.HiddenSize)
	I := uint64(cfg.IntermediateSize)
	attn := 4 * H * H
	mlp := 3 * H * I
	norms := 2 * H
	return attn + mlp + norms, nil
}

func estimateLayerParamsMoE(cfg config.ModelConfig) (uint64, error) {
	if cfg.HiddenSize <= 0 || cfg.IntermediateSize <= 0 || cfg.NumExperts <= 0 {
		return 0, xerrors.NewConfigError("shard.estimateLayerParamsMoE", "hidden_size, intermediate_size and num_experts must be > 0")
	}
	H := uint64(cfg.HiddenSize)
	I := uint64(cfg.IntermediateSize)
	E := uint64(cfg.NumExperts)
	router := H * E
	experts := E * (3 * H * I)
	attnAndNorms := 4*H*H + 2*H
	return attnAndNorms + router + experts, nil
}

// EstimateWeightBytesDenseOnly estimates per-layer weight bytes ignoring
// MoE expert fan-out, for layers [layerStart, layerEnd).
func EstimateWeightBytesDenseOnly(cfg config.ModelConfig, layerStart, layerEnd int) (uint64, error) {
	if layerStart < 0 || layerEnd < layerStart || layerEnd > cfg.NumHiddenLayers {
		return 0, xerrors.NewConfigError("shard.EstimateWeightBytesDenseOnly", "invalid layer range")
	}
	nLayers := layerEnd - layerStart
	if nLayers == 0 {
		return 0, nil
	}
	perLayer, err := estimateLayerParamsDense(cfg)
	if err != nil {
		return 0, err
	}
	return uint64(nLayers) * perLayer * dtypeBytes(cfg), nil
}

// EstimateWeightBytes estimates total weight bytes for layers
// [layerStart, layerEnd), including a rough MoE expert estimate when
// cfg.UseMoE is set, plus a one-time embedding/lm_head/final-norm
// approximation charged to the stage starting at layer 0.
func EstimateWeightBytes(cfg config.ModelConfig, layerStart, layerEnd int) (uint64, error) {
	if layerStart < 0 || layerEnd < layerStart || layerEnd > cfg.NumHiddenLayers {
		return 0, xerrors.NewConfigError("shard.EstimateWeightBytes", "invalid layer range")
	}
	nLayers := layerEnd - layerStart
	if nLayers == 0 {
		return 0, nil
	}

	var perLayer uint64
	var err error
	if cfg.UseMoE {
		perLayer, err = estimateLayerParamsMoE(cfg)
	} else {
		perLayer, err = estimateLayerParamsDense(cfg)
	}
	if err != nil {
		return 0, err
	}

	var shared uint64
	if layerStart == 0 && cfg.VocabSize > 0 && cfg.HiddenSize > 0 {
		shared += uint64(cfg.VocabSize) * uint64(cfg.HiddenSize) // embedding
		shared += uint64(cfg.VocabSize) * uint64(cfg.HiddenSize) // lm_head
		shared += uint64(cfg.HiddenSize)                          // final norm
	}

	return (uint64(nLayers)*perLayer + shared) * dtypeBytes(cfg), nil
}

// Report renders a human-readable per-stage table of this plan, intended
// for operators sizing a deployment before it is launched. This is a
// planning-time advisory, not a runtime guarantee.
func (p Plan) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-14s %-8s %-16s %-20s\n", "stage", "layers", "device", "est_weight_bytes", "est_kv_bytes/token")
	for _, s := range p.Stages {
		fmt.Fprintf(&b, "%-6d [%d,%d)%6s %-8d %-16d %-20d\n", s.StageID, s.LayerStart, s.LayerEnd, "", s.DeviceIndex, s.EstWeightBytes, s.EstKVBytesPerToken)
	}
	return b.String()
}
