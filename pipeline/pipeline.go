// Package pipeline implements the pipeline stage driver: a thin wrapper
// around a stage.ModelStage that runs a microbatch either from local
// inputs or from a received activation packet, and frames its result
// back into an activation packet for the next stage. Exactly one
// microbatch may be in flight at a time, enforced with a weighted
// semaphore.
package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/nn"
	"github.com/rickymagal/qwen-vl-distributed/stage"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/transport"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Stage drives one stage.ModelStage over a pipeline link, admitting at
// most one in-flight microbatch at a time.
type Stage struct {
	cfg   config.ModelConfig
	model *stage.ModelStage
	sem   *semaphore.Weighted
}

// New builds a Stage around a freshly constructed ModelStage for cfg.
func New(cfg config.ModelConfig) (*Stage, error) {
	m, err := stage.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Stage{cfg: cfg, model: m, sem: semaphore.NewWeighted(1)}, nil
}

// Model returns the underlying ModelStage, for the weight loader to
// populate before the first RunLocal/RunFromActivation call.
func (s *Stage) Model() *stage.ModelStage { return s.model }

// RunLocal runs in through the wrapped stage, blocking until any
// in-flight microbatch finishes.
func (s *Stage) RunLocal(ctx context.Context, in stage.Input) (stage.Output, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return stage.Output{}, xerrors.NewForwardError(s.cfg.StageID, -1, err)
	}
	defer s.sem.Release(1)
	return s.model.Forward(in)
}

// RunFromActivation decodes an ActivationPacket received from the
// previous stage into a stage.Input and runs it. The packet's hidden
// state and mask are used as-is: the transport layer always decodes
// tensors CPU-resident, and no device move is made here.
func (s *Stage) RunFromActivation(ctx context.Context, p transport.ActivationPacket) (stage.Output, error) {
	in := stage.Input{
		HiddenIn: p.Hidden,
		Pos:      int(p.Pos),
	}
	if p.AttnMask != nil {
		in.AttnMask = nn.Mask{Kind: nn.MaskAdditive, Data: p.AttnMask}
	}
	return s.RunLocal(ctx, in)
}

// ToActivation frames out's hidden state (and, when present, the logits'
// absence is implicit: logits never cross the wire, only the last
// stage's caller reads them) as an ActivationPacket addressed from
// stageFrom to stageTo at step/pos.
func ToActivation(out stage.Output, stageFrom, stageTo int32, step, pos int64) transport.ActivationPacket {
	return transport.ActivationPacket{
		StageFrom: stageFrom,
		StageTo:   stageTo,
		Step:      step,
		Pos:       pos,
		Hidden:    out.HiddenOut,
	}
}

// ToActivationWithMask is ToActivation plus an explicit mask to forward,
// for callers that must propagate a non-causal mask across a stage
// boundary (e.g. vision token spans).
func ToActivationWithMask(out stage.Output, mask *tensor.Tensor, stageFrom, stageTo int32, step, pos int64) transport.ActivationPacket {
	p := ToActivation(out, stageFrom, stageTo, step, pos)
	p.AttnMask = mask
	return p
}
