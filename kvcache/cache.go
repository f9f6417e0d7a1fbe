// Package kvcache implements the bounded, preallocated per-layer key/value
// cache owned exclusively by one pipeline stage.
package kvcache

import (
	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// LayerKV holds the K and V buffers for one local layer, each shaped
// [maxBatch, kvHeads, maxSeqLen, headDim].
type LayerKV struct {
	K *tensor.Tensor
	V *tensor.Tensor
}

// Cache is the per-stage KV cache. It is not safe for concurrent use; a
// stage is assumed to be single-writer.
type Cache struct {
	initialized bool
	numLayers   int
	maxBatch    int
	maxSeqLen   int
	kvHeads     int
	headDim     int
	dtype       dtype.DType
	device      int
	layers      []LayerKV
}

// New returns an uninitialized Cache. Init must be called before use.
func New() *Cache {
	return &Cache{}
}

// Init allocates the K/V buffers for numLayers local layers. Init is
// one-shot: calling it a second time on an already-initialized cache fails.
func (c *Cache) Init(numLayers, maxBatch, maxSeqLen, kvHeads, headDim int, dt dtype.DType, device int) error {
	if c.initialized {
		return xerrors.NewCacheError("init", "cache is already initialized")
	}
	if numLayers <= 0 || maxBatch <= 0 || maxSeqLen <= 0 || kvHeads <= 0 || headDim <= 0 {
		return xerrors.NewCacheError("init", "numLayers, maxBatch, maxSeqLen, kvHeads and headDim must all be > 0")
	}

	c.numLayers = numLayers
	c.maxBatch = maxBatch
	c.maxSeqLen = maxSeqLen
	c.kvHeads = kvHeads
	c.headDim = headDim
	c.dtype = dt
	c.device = device

	shape := []int{maxBatch, kvHeads, maxSeqLen, headDim}
	c.layers = make([]LayerKV, numLayers)
	for i := range c.layers {
		c.layers[i] = LayerKV{
			K: tensor.New(shape, dt, device),
			V: tensor.New(shape, dt, device),
		}
	}
	c.initialized = true
	return nil
}

// IsInitialized reports whether Init has succeeded.
func (c *Cache) IsInitialized() bool { return c.initialized }

// NumLayers returns the number of local layers this cache holds.
func (c *Cache) NumLayers() int { return c.numLayers }

// MaxSeqLen returns S_max.
func (c *Cache) MaxSeqLen() int { return c.maxSeqLen }

// KVHeads returns H_kv.
func (c *Cache) KVHeads() int { return c.kvHeads }

// HeadDim returns head_dim.
func (c *Cache) HeadDim() int { return c.headDim }

// Layer returns the K/V buffers for local layer index i.
func (c *Cache) Layer(i int) (LayerKV, error) {
	if !c.initialized {
		return LayerKV{}, xerrors.NewCacheError("layer", "cache is not initialized")
	}
	if i < 0 || i >= c.numLayers {
		return LayerKV{}, xerrors.NewCacheError("layer", "layer index out of range")
	}
	return c.layers[i], nil
}

// ClearAll zeros every buffer in place without deallocating them.
func (c *Cache) ClearAll() error {
	if !c.initialized {
		return xerrors.NewCacheError("clear_all", "cache is not initialized")
	}
	for _, l := range c.layers {
		l.K.Zero()
		l.V.Zero()
	}
	return nil
}

// Append validates every constraint before writing anything, then writes
// newK and newV into the slice [:B, :, pos:pos+T, :] of layer i's buffers.
// A validation failure never leaves a partial write behind.
func (c *Cache) Append(layerIdx int, newK, newV *tensor.Tensor, pos int) error {
	if !c.initialized {
		return xerrors.NewCacheError("append", "cache is not initialized")
	}
	if layerIdx < 0 || layerIdx >= c.numLayers {
		return xerrors.NewCacheError("append", "layer index out of range")
	}
	if pos < 0 {
		return xerrors.NewCacheError("append", "pos must be >= 0")
	}
	if newK == nil || newV == nil {
		return xerrors.NewCacheError("append", "new_k/new_v must be defined")
	}
	if newK.NDim() != 4 || newV.NDim() != 4 {
		return xerrors.NewCacheError("append", "new_k/new_v must be [B, H_kv, T, head_dim]")
	}
	B, H, T, D := newK.Dim(0), newK.Dim(1), newK.Dim(2), newK.Dim(3)
	if newV.Dim(0) != B || newV.Dim(1) != H || newV.Dim(2) != T || newV.Dim(3) != D {
		return xerrors.NewCacheError("append", "new_k and new_v shapes must match")
	}
	if H != c.kvHeads || D != c.headDim {
		return xerrors.NewCacheError("append", "new_k/new_v head count or head_dim does not match cache")
	}
	if B > c.maxBatch {
		return xerrors.NewCacheError("append", "batch exceeds max_batch")
	}
	if pos+T > c.maxSeqLen {
		return xerrors.NewCacheError("append", "pos + T exceeds max_seq_len")
	}
	if newK.DType() != c.dtype || newV.DType() != c.dtype {
		return xerrors.NewCacheError("append", "new_k/new_v dtype does not match cache dtype")
	}

	layer := c.layers[layerIdx]
	copyInto(layer.K, newK, B, T, pos)
	copyInto(layer.V, newV, B, T, pos)
	return nil
}

// copyInto writes src (shaped [B, H_kv, T, headDim]) into dst (shaped
// [maxBatch, H_kv, maxSeqLen, headDim]) at dst[:B, :, pos:pos+T, :].
func copyInto(dst, src *tensor.Tensor, B, T, pos int) {
	H := src.Dim(1)
	D := src.Dim(3)
	maxSeqLen := dst.Dim(2)
	dstData := dst.Data()
	srcData := src.Data()
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for t := 0; t < T; t++ {
				srcBase := ((b*H+h)*T + t) * D
				dstBase := ((b*H+h)*maxSeqLen + (pos + t)) * D
				copy(dstData[dstBase:dstBase+D], srcData[srcBase:srcBase+D])
			}
		}
	}
}

// Prefix returns the valid history [:B, :, 0:upto, :] of layer i as a fresh
// contiguous tensor.
func (c *Cache) Prefix(layerIdx, batch, upto int) (*tensor.Tensor, *tensor.Tensor, error) {
	layer, err := c.Layer(layerIdx)
	if err != nil {
		return nil, nil, err
	}
	if upto < 0 || upto > c.maxSeqLen {
		return nil, nil, xerrors.NewCacheError("prefix", "upto out of range")
	}
	if batch < 0 || batch > c.maxBatch {
		return nil, nil, xerrors.NewCacheError("prefix", "batch out of range")
	}
	k := layer.K.Narrow(0, 0, batch).Narrow(2, 0, upto)
	v := layer.V.Narrow(0, 0, batch).Narrow(2, 0, upto)
	return k, v, nil
}
