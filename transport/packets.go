package transport

import (
	"io"

	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// ActivationPacket carries one microbatch's hidden state and optional
// attention mask between adjacent pipeline stages.
type ActivationPacket struct {
	StageFrom int32
	StageTo   int32
	Step      int64
	Pos       int64
	Hidden    *tensor.Tensor
	AttnMask  *tensor.Tensor // nil if absent
}

// KVPacket shares ActivationPacket's header plus optional k/v tensors;
// reserved for KV migration and not used in steady-state forwarding.
type KVPacket struct {
	StageFrom int32
	StageTo   int32
	Step      int64
	Pos       int64
	K         *tensor.Tensor
	V         *tensor.Tensor
}

// WriteActivationPacket frames p onto w using write_all semantics.
func WriteActivationPacket(w io.Writer, p ActivationPacket) error {
	if err := writeInt32(w, Version); err != nil {
		return err
	}
	if err := writeInt32(w, p.StageFrom); err != nil {
		return err
	}
	if err := writeInt32(w, p.StageTo); err != nil {
		return err
	}
	if err := writeInt64(w, p.Step); err != nil {
		return err
	}
	if err := writeInt64(w, p.Pos); err != nil {
		return err
	}
	if err := writeTensor(w, p.Hidden); err != nil {
		return err
	}
	return writeTensor(w, p.AttnMask)
}

// ReadActivationPacket decodes a packet framed by WriteActivationPacket,
// rejecting any version other than Version.
func ReadActivationPacket(r io.Reader) (ActivationPacket, error) {
	var p ActivationPacket
	version, err := readInt32(r)
	if err != nil {
		return p, err
	}
	if version != Version {
		return p, xerrors.NewIOError("transport.ReadActivationPacket", nil)
	}
	if p.StageFrom, err = readInt32(r); err != nil {
		return p, err
	}
	if p.StageTo, err = readInt32(r); err != nil {
		return p, err
	}
	if p.Step, err = readInt64(r); err != nil {
		return p, err
	}
	if p.Pos, err = readInt64(r); err != nil {
		return p, err
	}
	if p.Hidden, err = readTensor(r); err != nil {
		return p, err
	}
	if p.AttnMask, err = readTensor(r); err != nil {
		return p, err
	}
	return p, nil
}

// WriteKVPacket frames p onto w using write_all semantics.
func WriteKVPacket(w io.Writer, p KVPacket) error {
	if err := writeInt32(w, Version); err != nil {
		return err
	}
	if err := writeInt32(w, p.StageFrom); err != nil {
		return err
	}
	if err := writeInt32(w, p.StageTo); err != nil {
		return err
	}
	if err := writeInt64(w, p.Step); err != nil {
		return err
	}
	if err := writeInt64(w, p.Pos); err != nil {
		return err
	}
	if err := writeTensor(w, p.K); err != nil {
		return err
	}
	return writeTensor(w, p.V)
}

// ReadKVPacket decodes a packet framed by WriteKVPacket, rejecting any
// version other than Version.
func ReadKVPacket(r io.Reader) (KVPacket, error) {
	var p KVPacket
	version, err := readInt32(r)
	if err != nil {
		return p, err
	}
	if version != Version {
		return p, xerrors.NewIOError("transport.ReadKVPacket", nil)
	}
	if p.StageFrom, err = readInt32(r); err != nil {
		return p, err
	}
	if p.StageTo, err = readInt32(r); err != nil {
		return p, err
	}
	if p.Step, err = readInt64(r); err != nil {
		return p, err
	}
	if p.Pos, err = readInt64(r); err != nil {
		return p, err
	}
	if p.K, err = readTensor(r); err != nil {
		return p, err
	}
	if p.V, err = readTensor(r); err != nil {
		return p, err
	}
	return p, nil
}
