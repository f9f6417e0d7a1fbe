package weights

import (
	"strconv"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	qtensor "github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// expertSlice copies expert e's flat backing out of a [num_experts, ...]
// tensor so it can be wrapped independently.
func expertSlice(t *qtensor.Tensor, e, perExpert int) []float32 {
	src := t.Data()
	out := make([]float32, perExpert)
	copy(out, src[e*perExpert:(e+1)*perExpert])
	return out
}

// sliceAndFlatten wraps data as a pdevine/tensor.Dense of shape, slices dim
// to [lo, hi), and flattens the result back to a float32 vector. This is
// the convert package's splitDim idiom applied to one expert at a time
// instead of ggml.Tensor's lazy WriterTo/SetRepacker path, since here the
// source is already resident in memory rather than being streamed from an
// archive.
func sliceAndFlatten(data []float32, shape []int, dim, lo, hi int) ([]float32, error) {
	dt := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

	slice := make([]tensor.Slice, len(shape))
	slice[dim] = tensor.S(lo, hi)

	sliced, err := dt.Slice(slice...)
	if err != nil {
		return nil, err
	}
	mat := tensor.Materialize(sliced)
	if err := mat.Reshape(mat.Shape().TotalSize()); err != nil {
		return nil, err
	}
	return native.VectorF32(mat.(*tensor.Dense))
}

// splitFusedGateUp splits a fused [num_experts, 2*intermediate_size,
// hidden_size] tensor into per-expert gate_proj and up_proj tensors of
// shape [intermediate_size, hidden_size], matching the gate/up halves laid
// out contiguously along axis 1.
func splitFusedGateUp(fused *qtensor.Tensor, numExperts, intermediateSize, hiddenSize int) ([]*qtensor.Tensor, []*qtensor.Tensor, error) {
	if fused.NDim() != 3 || fused.Dim(0) != numExperts || fused.Dim(1) != 2*intermediateSize || fused.Dim(2) != hiddenSize {
		return nil, nil, xerrors.NewLoadError("", "fused gate_up_proj shape does not match [num_experts, 2*intermediate_size, hidden_size]")
	}

	perExpert := 2 * intermediateSize * hiddenSize
	shape := []int{2 * intermediateSize, hiddenSize}

	gates := make([]*qtensor.Tensor, numExperts)
	ups := make([]*qtensor.Tensor, numExperts)
	for e := 0; e < numExperts; e++ {
		data := expertSlice(fused, e, perExpert)

		gateFlat, err := sliceAndFlatten(data, shape, 0, 0, intermediateSize)
		if err != nil {
			return nil, nil, xerrors.NewLoadError("", "splitting fused gate_proj for expert "+strconv.Itoa(e)+": "+err.Error())
		}
		upFlat, err := sliceAndFlatten(data, shape, 0, intermediateSize, 2*intermediateSize)
		if err != nil {
			return nil, nil, xerrors.NewLoadError("", "splitting fused up_proj for expert "+strconv.Itoa(e)+": "+err.Error())
		}

		gates[e] = qtensor.NewFromSlice([]int{intermediateSize, hiddenSize}, fused.DType(), fused.Device(), gateFlat)
		ups[e] = qtensor.NewFromSlice([]int{intermediateSize, hiddenSize}, fused.DType(), fused.Device(), upFlat)
	}
	return gates, ups, nil
}

// splitFusedDown splits a fused [num_experts, hidden_size, intermediate_size]
// tensor into per-expert down_proj tensors of shape
// [hidden_size, intermediate_size].
func splitFusedDown(fused *qtensor.Tensor, numExperts, intermediateSize, hiddenSize int) ([]*qtensor.Tensor, error) {
	if fused.NDim() != 3 || fused.Dim(0) != numExperts || fused.Dim(1) != hiddenSize || fused.Dim(2) != intermediateSize {
		return nil, xerrors.NewLoadError("", "fused down_proj shape does not match [num_experts, hidden_size, intermediate_size]")
	}

	perExpert := hiddenSize * intermediateSize
	downs := make([]*qtensor.Tensor, numExperts)
	for e := 0; e < numExperts; e++ {
		data := expertSlice(fused, e, perExpert)
		downs[e] = qtensor.NewFromSlice([]int{hiddenSize, intermediateSize}, fused.DType(), fused.Device(), data)
	}
	return downs, nil
}
