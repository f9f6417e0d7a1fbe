package kvcache

import (
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// PackedKV is a whole-cache snapshot of every layer's K and V buffers,
// stacked along a new leading layer axis: [L, B, H_kv, S_max, head_dim].
// This is distinct from the per-microbatch KVPacket the transport package
// exchanges between stages; it exists for checkpoint/resume of a stage's
// full cache state.
type PackedKV struct {
	K *tensor.Tensor
	V *tensor.Tensor
}

// Pack stacks every layer of c into a single PackedKV. Pack on an
// uninitialized cache returns a zero-value PackedKV with both fields nil.
func Pack(c *Cache) (PackedKV, error) {
	if !c.initialized {
		return PackedKV{}, nil
	}
	L := c.numLayers
	shape := []int{L, c.maxBatch, c.kvHeads, c.maxSeqLen, c.headDim}
	kOut := tensor.New(shape, c.dtype, tensor.CPU)
	vOut := tensor.New(shape, c.dtype, tensor.CPU)

	perLayer := c.maxBatch * c.kvHeads * c.maxSeqLen * c.headDim
	kData, vData := kOut.Data(), vOut.Data()
	for i, l := range c.layers {
		kCPU := l.K.To(tensor.CPU, c.dtype)
		vCPU := l.V.To(tensor.CPU, c.dtype)
		copy(kData[i*perLayer:(i+1)*perLayer], kCPU.Data())
		copy(vData[i*perLayer:(i+1)*perLayer], vCPU.Data())
	}
	return PackedKV{K: kOut, V: vOut}, nil
}

// Restore copies k and v (each [L, B, H_kv, S_max, head_dim] on any device)
// back into c's per-layer buffers, converting device/dtype to match c.
func Restore(c *Cache, k, v *tensor.Tensor) error {
	if !c.initialized {
		return xerrors.NewCacheError("restore", "cache is not initialized")
	}
	if k == nil || v == nil {
		return xerrors.NewCacheError("restore", "k/v must be defined")
	}
	if k.NDim() != 5 || v.NDim() != 5 {
		return xerrors.NewCacheError("restore", "expected [L, B, H_kv, S_max, head_dim]")
	}
	if k.Dim(0) != c.numLayers || v.Dim(0) != c.numLayers {
		return xerrors.NewCacheError("restore", "layer count mismatch")
	}
	for i := 1; i < 5; i++ {
		if k.Dim(i) != v.Dim(i) {
			return xerrors.NewCacheError("restore", "k/v shape mismatch")
		}
	}

	perLayer := c.maxBatch * c.kvHeads * c.maxSeqLen * c.headDim
	kData, vData := k.Data(), v.Data()
	for i, l := range c.layers {
		copy(l.K.Data(), kData[i*perLayer:(i+1)*perLayer])
		copy(l.V.Data(), vData[i*perLayer:(i+1)*perLayer])
	}
	return nil
}
