package stage

import (
	"testing"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

func tinyConfig() config.ModelConfig {
	return config.ModelConfig{
		DType:             dtype.F32,
		VocabSize:         16,
		HiddenSize:        8,
		NumHiddenLayers:   4,
		NumAttentionHeads: 2,
		NumKeyValueHeads:  2,
		IntermediateSize:  16,
		RMSNormEps:        1e-6,
		RopeDim:           4,
		RopeTheta:         10000,
		MaxBatch:          1,
		MaxSeqLen:         8,
		StageID:           0,
		StageCount:        1,
		LayerStart:        0,
		LayerEnd:          2,
		DeviceIndex:       tensor.CPU,
	}
}

func fillConstant(t *tensor.Tensor, v float32) *tensor.Tensor {
	d := t.Data()
	for i := range d {
		d[i] = v
	}
	return t
}

func populateWeights(t *testing.T, s *ModelStage, cfg config.ModelConfig) {
	t.Helper()
	if s.Embedding != nil {
		s.Embedding.Weight = fillConstant(tensor.New([]int{cfg.VocabSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
	}
	for _, b := range s.Blocks {
		b.InputNorm.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 1)
		b.PostNorm.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 1)
		b.Attn.WQ.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
		b.Attn.WK.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
		b.Attn.WV.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
		b.Attn.WO.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
		b.MoE.Dense.Gate.Weight = fillConstant(tensor.New([]int{cfg.IntermediateSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
		b.MoE.Dense.Up.Weight = fillConstant(tensor.New([]int{cfg.IntermediateSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
		b.MoE.Dense.Down.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize, cfg.IntermediateSize}, cfg.DType, cfg.DeviceIndex), 0.01)
	}
	if s.FinalNorm != nil {
		s.FinalNorm.Weight = fillConstant(tensor.New([]int{cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 1)
	}
	if s.LMHead != nil {
		s.LMHead.Weight = fillConstant(tensor.New([]int{cfg.VocabSize, cfg.HiddenSize}, cfg.DType, cfg.DeviceIndex), 0.01)
	}
}

func TestNewAssemblesComponentsForSingleStage(t *testing.T) {
	cfg := tinyConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Embedding == nil {
		t.Fatal("expected embedding on the first stage with vocab_size > 0")
	}
	if len(s.Blocks) != cfg.BlockCount() {
		t.Fatalf("got %d blocks, want %d", len(s.Blocks), cfg.BlockCount())
	}
	if s.FinalNorm == nil || s.LMHead == nil {
		t.Fatal("expected final_norm/lm_head on the last stage")
	}
}

func TestForwardFromInputIDsProducesLogits(t *testing.T) {
	cfg := tinyConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	populateWeights(t, s, cfg)

	out, err := s.Forward(Input{InputIDs: [][]int64{{1, 2, 3}}, Pos: 0})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Logits == nil {
		t.Fatal("expected logits from the last stage")
	}
	if out.Logits.Dim(0) != 1 || out.Logits.Dim(1) != 3 || out.Logits.Dim(2) != cfg.VocabSize {
		t.Fatalf("unexpected logits shape %v", out.Logits.Shape())
	}
}

func TestForwardCachePersistsAcrossCalls(t *testing.T) {
	cfg := tinyConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	populateWeights(t, s, cfg)

	if _, err := s.Forward(Input{InputIDs: [][]int64{{1, 2, 3}}, Pos: 0}); err != nil {
		t.Fatalf("first Forward: %v", err)
	}
	if _, err := s.Forward(Input{InputIDs: [][]int64{{4}}, Pos: 3}); err != nil {
		t.Fatalf("second Forward at pos=3: %v", err)
	}
	if !s.cache.IsInitialized() {
		t.Fatal("expected the cache to remain initialized across calls")
	}
}

func TestForwardRejectsRunLongerThanMaxSeqLen(t *testing.T) {
	cfg := tinyConfig()
	cfg.MaxSeqLen = 2
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	populateWeights(t, s, cfg)

	if _, err := s.Forward(Input{InputIDs: [][]int64{{1, 2, 3}}, Pos: 0}); err == nil {
		t.Fatal("expected a run longer than max_seq_len to fail")
	}
}

func TestForwardRequiresEitherInputIDsOrHiddenIn(t *testing.T) {
	cfg := tinyConfig()
	cfg.StageID = 1
	cfg.StageCount = 2
	cfg.VocabSize = 0
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	populateWeights(t, s, cfg)

	if _, err := s.Forward(Input{Pos: 0}); err == nil {
		t.Fatal("expected Forward with neither input_ids nor hidden_in to fail")
	}
}

func TestMiddleStageHasNoEmbeddingOrLMHead(t *testing.T) {
	cfg := tinyConfig()
	cfg.StageID = 1
	cfg.StageCount = 3
	cfg.LayerStart = 2
	cfg.LayerEnd = 4
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Embedding != nil {
		t.Fatal("expected no embedding on a middle stage")
	}
	if s.FinalNorm != nil || s.LMHead != nil {
		t.Fatal("expected no final_norm/lm_head on a middle stage")
	}
}
