package tensor

import (
	"math"

	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// RopeTables holds precomputed cos/sin lookup tables for rotary position
// embedding, each shaped [seqLen, ropeDim]. Both halves of each row are
// duplicated (cos/sin repeat every 2 lanes) so ApplyRope can read them
// directly against interleaved pairs without re-deriving the half-width
// table at apply time.
type RopeTables struct {
	RopeDim int
	Cos     *Tensor // [seqLen, ropeDim]
	Sin     *Tensor // [seqLen, ropeDim]
}

// PrecomputeCosSin builds RopeTables for positions [0, seqLen) following
// inv_freq[i] = 1 / theta^(2i/ropeDim).
func PrecomputeCosSin(seqLen, ropeDim int, theta float64, device int) (*RopeTables, error) {
	if seqLen <= 0 {
		return nil, xerrors.NewConfigError("rope.precompute_cos_sin", "seq_len must be > 0")
	}
	if ropeDim <= 0 || ropeDim%2 != 0 {
		return nil, xerrors.NewConfigError("rope.precompute_cos_sin", "rope_dim must be a positive even number")
	}

	half := ropeDim / 2
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		exponent := float64(2*i) / float64(ropeDim)
		invFreq[i] = math.Pow(theta, -exponent)
	}

	cos := New([]int{seqLen, ropeDim}, 0, device)
	sin := New([]int{seqLen, ropeDim}, 0, device)

	for t := 0; t < seqLen; t++ {
		for i := 0; i < half; i++ {
			angle := float64(t) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			row := t * ropeDim
			cos.data[row+2*i] = c
			cos.data[row+2*i+1] = c
			sin.data[row+2*i] = s
			sin.data[row+2*i+1] = s
		}
	}

	return &RopeTables{RopeDim: ropeDim, Cos: cos, Sin: sin}, nil
}

// ApplyRopeInplace rotates the first RopeDim channels of q and k in place.
// q, k are [B, H, T, D] with D >= RopeDim; startPos offsets into tables for
// cached-decode calls where T is a single new position appended after a
// prior prefix. Rotation pairs adjacent channels (2i, 2i+1): an
// interleaved layout, not a split-half scheme.
func ApplyRopeInplace(q, k *Tensor, tables *RopeTables, startPos int) error {
	if q == nil || k == nil {
		return xerrors.NewShapeDtypeError("rope.apply_rope_inplace", "q/k must be defined")
	}
	if q.NDim() != 4 || k.NDim() != 4 {
		return xerrors.NewShapeDtypeErrorf("rope.apply_rope_inplace", "q/k must be [B,H,T,D], got %s and %s", ShapeString(q.shape), ShapeString(k.shape))
	}
	if q.Dim(2) != k.Dim(2) || q.Dim(3) != k.Dim(3) {
		return xerrors.NewShapeDtypeErrorf("rope.apply_rope_inplace", "q/k shape mismatch: %s vs %s", ShapeString(q.shape), ShapeString(k.shape))
	}
	ropeDim := tables.RopeDim
	if q.Dim(3) < ropeDim {
		return xerrors.NewShapeDtypeErrorf("rope.apply_rope_inplace", "head_dim %d must be >= rope_dim %d", q.Dim(3), ropeDim)
	}
	T := q.Dim(2)
	if startPos < 0 || startPos+T > tables.Cos.Dim(0) {
		return xerrors.NewShapeDtypeErrorf("rope.apply_rope_inplace", "rope tables too small for positions [%d,%d)", startPos, startPos+T)
	}

	rotate(q, tables, startPos)
	rotate(k, tables, startPos)
	return nil
}

func rotate(x *Tensor, tables *RopeTables, startPos int) {
	B, H, T, D := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	ropeDim := tables.RopeDim
	half := ropeDim / 2

	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for t := 0; t < T; t++ {
				base := ((b*H+h)*T + t) * D
				tabRow := (startPos + t) * ropeDim
				for i := 0; i < half; i++ {
					x1 := x.data[base+2*i]
					x2 := x.data[base+2*i+1]
					c := tables.Cos.data[tabRow+2*i]
					s := tables.Sin.data[tabRow+2*i]
					x.data[base+2*i] = x1*c - x2*s
					x.data[base+2*i+1] = x1*s + x2*c
				}
			}
		}
	}
}
