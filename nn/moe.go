package nn

import (
	"math"
	"sort"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// ExpertMLP is a SwiGLU feed-forward block: down(SiLU(gate(x)) * up(x)).
type ExpertMLP struct {
	Gate *Linear `weight:"gate_proj"`
	Up   *Linear `weight:"up_proj"`
	Down *Linear `weight:"down_proj"`
}

// Forward applies the SwiGLU MLP to x [..., D], returning [..., D].
func (e *ExpertMLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := e.Gate.Forward(x)
	if err != nil {
		return nil, err
	}
	u, err := e.Up.Forward(x)
	if err != nil {
		return nil, err
	}
	silu(g)
	h, err := tensor.Mul(g, u)
	if err != nil {
		return nil, err
	}
	return e.Down.Forward(h)
}

func silu(t *tensor.Tensor) {
	d := t.Data()
	for i, v := range d {
		d[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

// MoeOutput carries the block's output and the router logits retained for
// observability.
type MoeOutput struct {
	Y            *tensor.Tensor
	RouterLogits *tensor.Tensor // nil when use_moe is false
}

// Moe implements the dense-SwiGLU-fallback / top-k-routed-expert block.
type Moe struct {
	Router  *Linear      `weight:"router"` // present only if cfg.UseMoE
	Experts []*ExpertMLP `weight:"experts"`
	Dense   *ExpertMLP   `weight:"dense"` // present only if !cfg.UseMoE

	cfg config.ModelConfig
}

// NewMoe constructs a Moe block from cfg, allocating either the router and
// expert bank or the dense fallback MLP depending on cfg.UseMoE so both the
// forward pass and the weight loader's struct walk see the slots that
// actually apply to this config.
func NewMoe(cfg config.ModelConfig) *Moe {
	m := &Moe{cfg: cfg}
	if cfg.UseMoE {
		m.Router = &Linear{}
		m.Experts = make([]*ExpertMLP, cfg.NumExperts)
		for i := range m.Experts {
			m.Experts[i] = &ExpertMLP{Gate: &Linear{}, Up: &Linear{}, Down: &Linear{}}
		}
	} else {
		m.Dense = &ExpertMLP{Gate: &Linear{}, Up: &Linear{}, Down: &Linear{}}
	}
	return m
}

// Forward applies the block to x [B, T, D].
func (m *Moe) Forward(x *tensor.Tensor) (MoeOutput, error) {
	if x == nil || x.NDim() != 3 {
		return MoeOutput{}, xerrors.NewShapeDtypeError("nn.Moe", "x must be [B, T, D]")
	}
	if x.Dim(2) != m.cfg.HiddenSize {
		return MoeOutput{}, xerrors.NewShapeDtypeErrorf("nn.Moe", "hidden_size mismatch: x has %d, cfg has %d", x.Dim(2), m.cfg.HiddenSize)
	}

	if !m.cfg.UseMoE {
		if m.Dense == nil {
			return MoeOutput{}, xerrors.NewConfigError("nn.Moe", "use_moe is false but dense expert weights are missing")
		}
		y, err := m.Dense.Forward(x)
		if err != nil {
			return MoeOutput{}, err
		}
		return MoeOutput{Y: y}, nil
	}

	if m.Router == nil || len(m.Experts) != m.cfg.NumExperts {
		return MoeOutput{}, xerrors.NewConfigError("nn.Moe", "use_moe is true but router/expert weights are incomplete")
	}

	B, T, D := x.Dim(0), x.Dim(1), x.Dim(2)
	K := m.cfg.TopK
	E := m.cfg.NumExperts

	logits, err := m.Router.Forward(x)
	if err != nil {
		return MoeOutput{}, err
	}

	topkVals := make([][]float32, B*T)
	topkIdx := make([][]int, B*T)
	logitsData := logits.Data()
	for i := 0; i < B*T; i++ {
		row := logitsData[i*E : (i+1)*E]
		idx := make([]int, E)
		for j := range idx {
			idx[j] = j
		}
		sort.Slice(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
		idx = idx[:K]
		vals := make([]float32, K)
		for j, id := range idx {
			vals[j] = row[id]
		}
		topkVals[i] = vals
		topkIdx[i] = idx
	}

	flatTopk := make([]float32, 0, B*T*K)
	for _, vals := range topkVals {
		flatTopk = append(flatTopk, vals...)
	}
	gateRows := tensor.Softmax(tensor.NewFromSlice([]int{B * T, K}, x.DType(), x.Device(), flatTopk))
	gateData := gateRows.Data()
	gates := make([][]float32, B*T)
	for i := range gates {
		gates[i] = gateData[i*K : (i+1)*K]
	}

	y := tensor.New([]int{B, T, D}, x.DType(), x.Device())
	yData := y.Data()

	expertOut := make([]*tensor.Tensor, E)
	usedExpert := make([]bool, E)
	for i := 0; i < B*T; i++ {
		for _, e := range topkIdx[i] {
			usedExpert[e] = true
		}
	}
	for e := 0; e < E; e++ {
		if !usedExpert[e] {
			continue
		}
		out, err := m.Experts[e].Forward(x)
		if err != nil {
			return MoeOutput{}, err
		}
		expertOut[e] = out
	}

	for i := 0; i < B*T; i++ {
		for slot, e := range topkIdx[i] {
			gate := gates[i][slot]
			eo := expertOut[e].Data()
			for d := 0; d < D; d++ {
				yData[i*D+d] += eo[i*D+d] * gate
			}
		}
	}

	return MoeOutput{Y: y, RouterLogits: logits}, nil
}
