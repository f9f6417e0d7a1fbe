package transport

import (
	"bytes"
	"testing"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

func arangeTensor(shape []int, dt dtype.DType) *tensor.Tensor {
	t := tensor.New(shape, dt, tensor.CPU)
	d := t.Data()
	for i := range d {
		d[i] = float32(i)
	}
	return t
}

func TestActivationPacketRoundTrip(t *testing.T) {
	hidden := arangeTensor([]int{1, 2, 3}, dtype.F32)
	mask := tensor.NewFromSlice([]int{1, 2}, dtype.F32, tensor.CPU, []float32{1, 0})

	sent := ActivationPacket{StageFrom: 0, StageTo: 1, Step: 7, Pos: 3, Hidden: hidden, AttnMask: mask}

	var buf bytes.Buffer
	if err := WriteActivationPacket(&buf, sent); err != nil {
		t.Fatalf("WriteActivationPacket: %v", err)
	}
	got, err := ReadActivationPacket(&buf)
	if err != nil {
		t.Fatalf("ReadActivationPacket: %v", err)
	}

	if got.StageFrom != sent.StageFrom || got.StageTo != sent.StageTo || got.Step != sent.Step || got.Pos != sent.Pos {
		t.Fatalf("metadata mismatch: got %+v, want %+v", got, sent)
	}
	if !equalShape(got.Hidden.Shape(), hidden.Shape()) || !equalFloats(got.Hidden.Data(), hidden.Data()) {
		t.Fatal("hidden tensor did not round-trip byte-equal")
	}
	if !equalShape(got.AttnMask.Shape(), mask.Shape()) || !equalFloats(got.AttnMask.Data(), mask.Data()) {
		t.Fatal("attn_mask tensor did not round-trip byte-equal")
	}
}

func TestActivationPacketAbsentMask(t *testing.T) {
	hidden := arangeTensor([]int{1, 1, 4}, dtype.F32)
	sent := ActivationPacket{StageFrom: 1, StageTo: 2, Step: 0, Pos: 0, Hidden: hidden, AttnMask: nil}

	var buf bytes.Buffer
	if err := WriteActivationPacket(&buf, sent); err != nil {
		t.Fatalf("WriteActivationPacket: %v", err)
	}
	got, err := ReadActivationPacket(&buf)
	if err != nil {
		t.Fatalf("ReadActivationPacket: %v", err)
	}
	if got.AttnMask != nil {
		t.Fatal("expected absent attn_mask to decode as nil")
	}
}

func TestReadActivationPacketRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := writeInt32(&buf, Version+1); err != nil {
		t.Fatalf("writeInt32: %v", err)
	}
	if _, err := ReadActivationPacket(&buf); err == nil {
		t.Fatal("expected ReadActivationPacket to reject an unknown version")
	}
}

func TestKVPacketRoundTrip(t *testing.T) {
	k := arangeTensor([]int{1, 2, 4, 8}, dtype.F32)
	v := arangeTensor([]int{1, 2, 4, 8}, dtype.F32)
	sent := KVPacket{StageFrom: 0, StageTo: 1, Step: 1, Pos: 4, K: k, V: v}

	var buf bytes.Buffer
	if err := WriteKVPacket(&buf, sent); err != nil {
		t.Fatalf("WriteKVPacket: %v", err)
	}
	got, err := ReadKVPacket(&buf)
	if err != nil {
		t.Fatalf("ReadKVPacket: %v", err)
	}
	if !equalFloats(got.K.Data(), k.Data()) || !equalFloats(got.V.Data(), v.Data()) {
		t.Fatal("k/v tensors did not round-trip byte-equal")
	}
}

func TestReadTensorRejectsNbytesMismatch(t *testing.T) {
	var buf bytes.Buffer
	writeUint8(&buf, 1)
	writeInt32(&buf, dtypeCode(dtype.F32))
	writeInt32(&buf, 1)
	writeInt64(&buf, 4) // sizes[0] = 4 -> expects 16 bytes for f32
	writeUint64(&buf, 8) // lie about nbytes
	buf.Write(make([]byte, 8))

	if _, err := readTensor(&buf); err == nil {
		t.Fatal("expected readTensor to reject an nbytes/shape mismatch")
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalFloats(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
