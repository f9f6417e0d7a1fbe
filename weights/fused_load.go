package weights

import (
	"reflect"
	"strconv"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/nn"
)

// loadFusedMoEExperts is the fallback pass for checkpoints that store each
// layer's expert bank as two fused tensors, gate_up_proj shaped
// [num_experts, 2*moe_intermediate_size, hidden_size] and down_proj shaped
// [num_experts, hidden_size, moe_intermediate_size], rather than one set of
// per-expert tensors. It runs after the generic per-leaf walk and only
// touches experts that walk left unassigned.
func loadFusedMoEExperts(stage any, loader Loader, cfg config.ModelConfig, report *Report) error {
	if !cfg.UseMoE {
		return nil
	}
	v := reflect.Indirect(reflect.ValueOf(stage))
	blocksField, ok := findTaggedField(v, "layers")
	if !ok || blocksField.Kind() != reflect.Slice {
		return nil
	}

	for j := 0; j < blocksField.Len(); j++ {
		elem := blocksField.Index(j)
		if elem.IsNil() {
			continue
		}
		block, ok := elem.Interface().(*nn.TransformerBlock)
		if !ok || block.MoE == nil {
			continue
		}
		moe := block.MoE
		if allExpertsLoaded(moe) {
			continue
		}

		globalLayer := cfg.LayerStart + j
		base := "model.layers." + strconv.Itoa(globalLayer) + ".mlp.experts."
		gateUp, ok1 := loader.Get(base + "gate_up_proj")
		down, ok2 := loader.Get(base + "down_proj")
		if !ok1 || !ok2 {
			continue
		}

		gates, ups, err := splitFusedGateUp(gateUp, cfg.NumExperts, cfg.MoEIntermediateSize, cfg.HiddenSize)
		if err != nil {
			return err
		}
		downs, err := splitFusedDown(down, cfg.NumExperts, cfg.MoEIntermediateSize, cfg.HiddenSize)
		if err != nil {
			return err
		}

		for e := 0; e < cfg.NumExperts && e < len(moe.Experts); e++ {
			expert := moe.Experts[e]
			if expert == nil {
				continue
			}
			if expert.Gate.Weight == nil {
				expert.Gate.Weight = gates[e]
			}
			if expert.Up.Weight == nil {
				expert.Up.Weight = ups[e]
			}
			if expert.Down.Weight == nil {
				expert.Down.Weight = downs[e]
			}
			path := "layers." + strconv.Itoa(globalLayer) + ".mlp.experts." + strconv.Itoa(e)
			report.Loaded = append(report.Loaded, path+".gate_proj.weight", path+".up_proj.weight", path+".down_proj.weight")
		}
		report.UsedKeys[base+"gate_up_proj"] = true
		report.UsedKeys[base+"down_proj"] = true
	}
	return nil
}

func allExpertsLoaded(moe *nn.Moe) bool {
	for _, e := range moe.Experts {
		if e == nil || e.Gate.Weight == nil || e.Up.Weight == nil || e.Down.Weight == nil {
			return false
		}
	}
	return len(moe.Experts) > 0
}

// findTaggedField returns the first field of v (a struct) whose `weight`
// tag equals tag.
func findTaggedField(v reflect.Value, tag string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tv, ok := t.Field(i).Tag.Lookup("weight"); ok && tv == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
