package weights

import (
	"encoding/gob"
	"os"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	qtensor "github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// archiveTensor is the gob-serializable form of a Tensor: shape, nominal
// dtype, device and raw float32 payload.
type archiveTensor struct {
	Shape  []int
	DType  string
	Device int
	Data   []float32
}

// WriteArchive serializes keys in order to path as a gob-encoded
// map[string]archiveTensor, the minimal archive format the last stage of
// a run produces (a stand-in for a real GGUF/safetensors codec, which
// this runtime does not implement).
func WriteArchive(path string, tensors map[string]*qtensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.NewIOError("weights.WriteArchive", err)
	}
	defer f.Close()

	out := make(map[string]archiveTensor, len(tensors))
	for k, t := range tensors {
		out[k] = archiveTensor{Shape: t.Shape(), DType: t.DType().String(), Device: t.Device(), Data: t.Data()}
	}
	if err := gob.NewEncoder(f).Encode(out); err != nil {
		return xerrors.NewIOError("weights.WriteArchive", err)
	}
	return nil
}

// ReadArchive deserializes an archive written by WriteArchive into a
// MapLoader.
func ReadArchive(path string) (*MapLoader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.NewIOError("weights.ReadArchive", err)
	}
	defer f.Close()

	var in map[string]archiveTensor
	if err := gob.NewDecoder(f).Decode(&in); err != nil {
		return nil, xerrors.NewIOError("weights.ReadArchive", err)
	}

	m := make(map[string]*qtensor.Tensor, len(in))
	for k, at := range in {
		dt, err := parseArchiveDType(at.DType)
		if err != nil {
			return nil, err
		}
		m[k] = qtensor.NewFromSlice(at.Shape, dt, at.Device, at.Data)
	}
	return NewMapLoader(m), nil
}

func parseArchiveDType(s string) (dtype.DType, error) {
	if s == "f32" {
		return dtype.F32, nil
	}
	dt, err := dtype.Parse(s)
	if err != nil {
		return 0, xerrors.NewLoadError("", "unrecognized archive dtype "+s)
	}
	return dt, nil
}
