// Command stage runs one pipeline stage process. Every stage in the run
// is the same binary; --stage-idx and --num-stages select this process's
// slice of the model.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/rickymagal/qwen-vl-distributed/config"
	"github.com/rickymagal/qwen-vl-distributed/envconfig"
	"github.com/rickymagal/qwen-vl-distributed/logutil"
	"github.com/rickymagal/qwen-vl-distributed/pipeline"
	"github.com/rickymagal/qwen-vl-distributed/shard"
	"github.com/rickymagal/qwen-vl-distributed/stage"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/transport"
	"github.com/rickymagal/qwen-vl-distributed/weights"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Exit codes for the stage process.
const (
	exitOK          = 0
	exitArgError    = 2
	exitMissingReq  = 3
	exitNoGPU       = 4
	exitForwardFail = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("stage", flag.ContinueOnError)
	hfConfigPath := fs.String("hf-config", "", "path to a HuggingFace-style config.json (required)")
	weightsPath := fs.String("weights", "", "path to a weight archive")
	numStages := fs.Int("num-stages", 1, "total number of pipeline stages")
	stageIdx := fs.Int("stage-idx", 0, "this process's stage index")
	device := fs.Int("device", tensor.CPU, "device index (-1 for CPU; this runtime has no CUDA backend, so any other value fails)")
	layerBegin := fs.Int("layer-begin", -1, "override this stage's first layer (inclusive)")
	layerEnd := fs.Int("layer-end", -1, "override this stage's last layer (exclusive)")
	listen := fs.String("listen", "", "address to listen on for the previous stage (required for non-first stages)")
	nextHost := fs.String("next-host", "", "host of the next stage (required for non-last stages)")
	nextPort := fs.Int("next-port", 0, "port of the next stage (required for non-last stages)")
	inputIDsPath := fs.String("input-ids", "", "path to a JSON [][]int64 of token ids (stage 0 only)")
	imagesPath := fs.String("images", "", "path to a weight archive holding an \"images\" tensor (stage 0 only)")
	outPath := fs.String("out", "", "path to write the output archive (required for the last stage)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "stage: run one pipeline-parallel shard of a sharded transformer\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitArgError
	}

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	if *hfConfigPath == "" {
		fail("stage", "--hf-config is required")
		return exitArgError
	}
	if *numStages <= 0 || *stageIdx < 0 || *stageIdx >= *numStages {
		fail("stage", "--stage-idx must be in [0, --num-stages)")
		return exitArgError
	}

	if *device != tensor.CPU {
		fail("stage", "--device requests a CUDA ordinal but this runtime has no GPU backend; pass -1 for CPU")
		return exitNoGPU
	}

	isFirst := *stageIdx == 0
	isLast := *stageIdx == *numStages-1
	if !isFirst && *listen == "" {
		fail("stage", "--listen is required for non-first stages")
		return exitMissingReq
	}
	if !isLast && (*nextHost == "" || *nextPort == 0) {
		fail("stage", "--next-host and --next-port are required for non-last stages")
		return exitMissingReq
	}
	if isLast && *outPath == "" {
		fail("stage", "--out is required for the last stage")
		return exitMissingReq
	}

	lb, le := *layerBegin, *layerEnd
	if lb < 0 || le < 0 {
		planLB, planLE, err := planLayerRange(*hfConfigPath, *numStages, *stageIdx)
		if err != nil {
			fail("stage", err.Error())
			return exitArgError
		}
		lb, le = planLB, planLE
	}

	cfg, err := config.FromJSON(*hfConfigPath, *stageIdx, *numStages, lb, le, *device)
	if err != nil {
		fail("ConfigError", err.Error())
		return exitArgError
	}

	st, err := pipeline.New(cfg)
	if err != nil {
		fail("ConfigError", err.Error())
		return exitArgError
	}

	if *weightsPath != "" {
		loader, err := weights.ReadArchive(*weightsPath)
		if err != nil {
			fail("LoadError", err.Error())
			return exitMissingReq
		}
		report, err := weights.LoadStageWeights(st.Model(), loader, cfg, weights.Options{Strict: true, LoadVision: isFirst})
		if err != nil {
			fail("LoadError", err.Error())
			return exitMissingReq
		}
		slog.Info("loaded stage weights", "summary", report.Summary())
	} else if isFirst || isLast {
		fail("stage", "--weights is required on stages that own parameters")
		return exitMissingReq
	}

	ctx := context.Background()
	var out stage.Output

	if isFirst {
		in, err := buildFirstStageInput(*inputIDsPath, *imagesPath)
		if err != nil {
			fail("stage", err.Error())
			return exitArgError
		}
		out, err = st.RunLocal(ctx, in)
		if err != nil {
			fail("ForwardError", err.Error())
			return exitForwardFail
		}
	} else {
		ln, err := transport.Listen(*listen)
		if err != nil {
			fail("IOError", err.Error())
			return exitMissingReq
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			fail("IOError", err.Error())
			return exitMissingReq
		}
		defer conn.Close()
		packet, err := conn.RecvActivation()
		if err != nil {
			fail("IOError", err.Error())
			return exitForwardFail
		}
		out, err = st.RunFromActivation(ctx, packet)
		if err != nil {
			fail("ForwardError", err.Error())
			return exitForwardFail
		}
	}

	if !isLast {
		next, err := transport.Dial(fmt.Sprintf("%s:%d", *nextHost, *nextPort))
		if err != nil {
			fail("IOError", err.Error())
			return exitForwardFail
		}
		defer next.Close()
		activation := pipeline.ToActivation(out, int32(*stageIdx), int32(*stageIdx+1), 0, 0)
		if err := next.SendActivation(activation); err != nil {
			fail("IOError", err.Error())
			return exitForwardFail
		}
		return exitOK
	}

	result := out.Logits
	if result == nil {
		result = out.HiddenOut
	}
	if err := weights.WriteArchive(*outPath, map[string]*tensor.Tensor{"output": result}); err != nil {
		fail("IOError", err.Error())
		return exitForwardFail
	}
	return exitOK
}

func planLayerRange(hfConfigPath string, numStages, stageIdx int) (int, int, error) {
	raw, err := os.ReadFile(hfConfigPath)
	if err != nil {
		return 0, 0, xerrors.NewIOError("stage.planLayerRange", err)
	}
	var probe struct {
		NumHiddenLayers int `json:"num_hidden_layers"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, 0, xerrors.NewIOError("stage.planLayerRange", err)
	}
	ranges, err := shard.ShardLayersEven(probe.NumHiddenLayers, numStages)
	if err != nil {
		return 0, 0, err
	}
	return ranges[stageIdx][0], ranges[stageIdx][1], nil
}

func buildFirstStageInput(inputIDsPath, imagesPath string) (stage.Input, error) {
	var in stage.Input
	if inputIDsPath != "" {
		raw, err := os.ReadFile(inputIDsPath)
		if err != nil {
			return in, xerrors.NewIOError("stage.buildFirstStageInput", err)
		}
		if err := json.Unmarshal(raw, &in.InputIDs); err != nil {
			return in, xerrors.NewIOError("stage.buildFirstStageInput", err)
		}
	}
	if imagesPath != "" {
		loader, err := weights.ReadArchive(imagesPath)
		if err != nil {
			return in, err
		}
		images, ok := loader.Get("images")
		if !ok {
			return in, xerrors.NewLoadError("images", "archive does not contain an \"images\" tensor")
		}
		in.Images = images
	}
	if len(in.InputIDs) == 0 && in.Images == nil {
		return in, xerrors.NewConfigError("stage.buildFirstStageInput", "stage 0 requires --input-ids and/or --images")
	}
	return in, nil
}

func fail(kind, detail string) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", kind, detail)
}
