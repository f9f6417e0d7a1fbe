package weights

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickymagal/qwen-vl-distributed/config"
	qtensor "github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// slot is one leaf *tensor.Tensor field discovered by the struct walk,
// addressable so LoadStageWeights can assign into it directly.
type slot struct {
	canonical string
	field     reflect.Value // addressable field of type *tensor.Tensor
}

// collectSlots walks v (a struct or pointer to struct tagged with
// `weight:"..."`) the way the model package's populateFields walks a
// gguf-tagged Base: it recurses through nested tagged struct pointers and
// slices of struct pointers, building a dotted canonical path per leaf
// *tensor.Tensor field.
func collectSlots(v reflect.Value, prefix string) []slot {
	v = reflect.Indirect(v)
	if v.Kind() != reflect.Struct {
		return nil
	}

	var out []slot
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup("weight")
		if !ok || tag == "" {
			continue
		}
		fv := v.Field(i)
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}

		switch {
		case field.Type == reflect.TypeOf((*qtensor.Tensor)(nil)):
			out = append(out, slot{canonical: path, field: fv})

		case fv.Kind() == reflect.Ptr && fv.Type().Elem().Kind() == reflect.Struct:
			if fv.IsNil() {
				continue // optional sub-module not constructed for this config
			}
			out = append(out, collectSlots(fv, path)...)

		case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Ptr:
			for j := 0; j < fv.Len(); j++ {
				elem := fv.Index(j)
				if elem.IsNil() {
					continue
				}
				out = append(out, collectSlots(elem, path+"."+strconv.Itoa(j))...)
			}
		}
	}
	return out
}

// collectStageSlots walks a stage's top-level tagged fields exactly like
// collectSlots, except the transformer-blocks slice is indexed by its
// global layer position (layerStart+local index) rather than its local
// position within the stage, matching the external checkpoint's layer
// numbering.
func collectStageSlots(v reflect.Value, layerStart int) []slot {
	v = reflect.Indirect(v)
	t := v.Type()
	var out []slot
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup("weight")
		if !ok || tag == "" {
			continue
		}
		fv := v.Field(i)

		if tag == "layers" && fv.Kind() == reflect.Slice {
			for j := 0; j < fv.Len(); j++ {
				elem := fv.Index(j)
				if elem.IsNil() {
					continue
				}
				out = append(out, collectSlots(elem, "layers."+strconv.Itoa(layerStart+j))...)
			}
			continue
		}

		switch {
		case fv.Kind() == reflect.Ptr && fv.Type().Elem().Kind() == reflect.Struct:
			if fv.IsNil() {
				continue
			}
			out = append(out, collectSlots(fv, tag)...)
		case field.Type == reflect.TypeOf((*qtensor.Tensor)(nil)):
			out = append(out, slot{canonical: tag, field: fv})
		}
	}
	return out
}

// segmentRenames maps this repository's canonical struct-tag vocabulary to
// the external HF-checkpoint naming it is grounded on. A segment mapping
// to "" is dropped from the external path (the "dense" wrapper around the
// non-MoE SwiGLU MLP has no counterpart in a checkpoint that never had a
// router to begin with).
var segmentRenames = map[string]string{
	"wq":                        "q_proj",
	"wk":                        "k_proj",
	"wv":                        "v_proj",
	"wo":                        "o_proj",
	"attn":                      "self_attn",
	"dense":                     "",
	"router":                    "gate",
	"embedding":                 "embed_tokens",
	"final_norm":                "norm",
	"vision":                    "visual",
	"patch_embedding":           "patch_embed.proj",
	"final_layernorm":           "post_layernorm",
	"projector":                 "visual.merger",
}

// externalPrefix picks the external-name root prefix for canonical paths
// that start with the given top-level segment; "lm_head" and the vision
// tower live outside the "model." namespace HF checkpoints use for the
// text transformer body.
func externalPrefix(firstSegment string) string {
	switch firstSegment {
	case "lm_head":
		return ""
	case "vision", "projector":
		return ""
	default:
		return "model."
	}
}

// externalCandidates renders canonical, a dotted collectSlots/collectStageSlots
// path, into an ordered list of external checkpoint key candidates: a
// primary rename-table translation, followed by the unmapped canonical
// path itself as a last-resort fallback (some checkpoints use this
// repository's own naming directly).
func externalCandidates(canonical string) []string {
	segs := strings.Split(canonical, ".")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		if _, isIndex := isNumeric(s); isIndex {
			out = append(out, s)
			continue
		}
		if renamed, ok := segmentRenames[s]; ok {
			if renamed == "" {
				continue
			}
			out = append(out, renamed)
		} else {
			out = append(out, s)
		}
	}
	primary := externalPrefix(segs[0]) + strings.Join(out, ".")
	if primary == canonical {
		return []string{primary}
	}
	return []string{primary, canonical}
}

func isNumeric(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// Options controls LoadStageWeights's tolerance for an incomplete
// checkpoint.
type Options struct {
	Strict     bool
	LoadVision bool
}

// LoadStageWeights walks stage's tagged fields, resolves each leaf slot's
// external checkpoint key(s) via externalCandidates, and assigns from
// loader. Dtype is converted and the tensor moved to cfg.DeviceIndex on
// assignment. Slots are independent leaves of the struct walk, so they are
// resolved and assigned concurrently via errgroup, relying on Loader's
// concurrent-Get guarantee; only the shared Report accumulation needs a
// mutex. A slot with no matching key is recorded in Report.Missing; once
// the fused-expert pass has filled what it can, Strict mode fails the call
// on the first required slot still missing, and otherwise the Report is
// returned. No shape check is made on assignment: a tensor found under a
// matching key is assigned whatever its shape, so Report.Mismatched stays
// empty.
func LoadStageWeights(stage any, loader Loader, cfg config.ModelConfig, opts Options) (*Report, error) {
	v := reflect.ValueOf(stage)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil, xerrors.NewLoadError("", "stage must be a pointer to struct")
	}

	slots := collectStageSlots(v, cfg.LayerStart)
	report := &Report{UsedKeys: map[string]bool{}}
	var mu sync.Mutex

	var g errgroup.Group
	for _, sl := range slots {
		sl := sl
		g.Go(func() error {
			if strings.HasPrefix(sl.canonical, "vision.") || strings.HasPrefix(sl.canonical, "projector.") {
				if !opts.LoadVision {
					mu.Lock()
					report.Skipped = append(report.Skipped, sl.canonical)
					mu.Unlock()
					return nil
				}
			}

			candidates := externalCandidates(sl.canonical)
			var found *qtensor.Tensor
			var usedKey string
			for _, key := range candidates {
				if t, ok := loader.Get(key); ok {
					found = t
					usedKey = key
					break
				}
			}
			if found == nil {
				mu.Lock()
				report.Missing = append(report.Missing, sl.canonical)
				mu.Unlock()
				return nil
			}

			if _, err := assignTensor(sl, found, cfg); err != nil {
				if opts.Strict {
					return err
				}
				mu.Lock()
				report.Mismatched = append(report.Mismatched, sl.canonical)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.UsedKeys[usedKey] = true
			report.Loaded = append(report.Loaded, sl.canonical)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if err := loadFusedMoEExperts(stage, loader, cfg, report); err != nil {
		if opts.Strict {
			return report, err
		}
	}
	report.dedupeMissingAgainstLoaded()

	report.TotalKeys = len(loader.ListKeys())
	if opts.Strict && len(report.Missing) > 0 {
		key := report.Missing[0]
		return report, xerrors.NewLoadError(key, "no matching key found in weight provider (tried "+strings.Join(externalCandidates(key), ", ")+")")
	}
	return report, nil
}

// assignTensor converts found to cfg's runtime dtype/device and writes it
// into sl.field, following a fixed assignment policy: dtype-convert,
// device-move, contiguous-copy.
func assignTensor(sl slot, found *qtensor.Tensor, cfg config.ModelConfig) (*qtensor.Tensor, error) {
	converted := found
	if found.DType() != cfg.DType {
		converted = found.Cast(cfg.DType)
	}
	if found.Device() != cfg.DeviceIndex {
		converted = converted.To(cfg.DeviceIndex, converted.DType())
	} else {
		converted = converted.Clone()
	}
	sl.field.Set(reflect.ValueOf(converted))
	return converted, nil
}
