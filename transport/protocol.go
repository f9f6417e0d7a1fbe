// Package transport implements the bit-exact wire protocol:
// ActivationPacket and KVPacket framing over a single TCP connection
// per adjacent stage pair, plus the connect/listen lifecycle a deployable
// stage binary needs.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Version is the only protocol version this implementation speaks;
// receivers reject anything else.
const Version int32 = 1

const maxNDim = 16

// dtypeCode and its inverse give Tensor.dtype_code a stable numeric
// identity independent of dtype.DType's internal ordering.
func dtypeCode(d dtype.DType) int32 {
	switch d {
	case dtype.F32:
		return 0
	case dtype.F16:
		return 1
	case dtype.BF16:
		return 2
	default:
		return -1
	}
}

func dtypeFromCode(code int32) (dtype.DType, error) {
	switch code {
	case 0:
		return dtype.F32, nil
	case 1:
		return dtype.F16, nil
	case 2:
		return dtype.BF16, nil
	default:
		return 0, xerrors.NewIOError("transport.dtypeFromCode", nil)
	}
}

// writeAll loops on short writes, matching write_all semantics; Go's
// net.Conn.Write already retries internally on the equivalent of EINTR, so
// the loop only has to cover true short writes.
func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return xerrors.NewIOError("transport.writeAll", err)
		}
		buf = buf[n:]
	}
	return nil
}

// readAll reads exactly len(buf) bytes, the MSG_WAITALL equivalent.
func readAll(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return xerrors.NewIOError("transport.readAll", err)
	}
	return nil
}

func writeInt32(w io.Writer, v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return writeAll(w, b[:])
}

func readInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if err := readAll(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func writeInt64(w io.Writer, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return writeAll(w, b[:])
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if err := readAll(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return writeAll(w, b[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if err := readAll(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeUint8(w io.Writer, v uint8) error {
	return writeAll(w, []byte{v})
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if err := readAll(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// writeTensor encodes t (nil means "absent") as the wire Tensor framing:
// defined, dtype_code, ndim, sizes[ndim], nbytes, payload. The tensor is
// made contiguous and moved to CPU before send.
func writeTensor(w io.Writer, t *tensor.Tensor) error {
	if t == nil {
		return writeUint8(w, 0)
	}
	cpu := t
	if cpu.Device() != tensor.CPU {
		cpu = cpu.To(tensor.CPU, cpu.DType())
	}

	if err := writeUint8(w, 1); err != nil {
		return err
	}
	if err := writeInt32(w, dtypeCode(cpu.DType())); err != nil {
		return err
	}
	shape := cpu.Shape()
	if len(shape) > maxNDim {
		return xerrors.NewIOError("transport.writeTensor", nil)
	}
	if err := writeInt32(w, int32(len(shape))); err != nil {
		return err
	}
	for _, s := range shape {
		if err := writeInt64(w, int64(s)); err != nil {
			return err
		}
	}

	payload := dtype.FromFloat32(cpu.DType(), cpu.Data())
	if err := writeUint64(w, uint64(len(payload))); err != nil {
		return err
	}
	return writeAll(w, payload)
}

// readTensor decodes a wire Tensor, returning nil if it was absent.
// Framing violations (ndim out of range, nbytes disagreeing with the size
// implied by sizes and dtype) are fatal.
func readTensor(r io.Reader) (*tensor.Tensor, error) {
	defined, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	if defined == 0 {
		return nil, nil
	}

	code, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	dt, err := dtypeFromCode(code)
	if err != nil {
		return nil, err
	}

	ndim, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if ndim < 0 || int(ndim) > maxNDim {
		return nil, xerrors.NewIOError("transport.readTensor", nil)
	}

	shape := make([]int, ndim)
	numel := 1
	for i := range shape {
		s, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		if s < 0 {
			return nil, xerrors.NewIOError("transport.readTensor", nil)
		}
		shape[i] = int(s)
		numel *= shape[i]
	}

	nbytes, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if nbytes != uint64(numel*dt.Size()) {
		return nil, xerrors.NewIOError("transport.readTensor", nil)
	}

	payload := make([]byte, nbytes)
	if err := readAll(r, payload); err != nil {
		return nil, err
	}
	data := dtype.ToFloat32(dt, payload)
	return tensor.NewFromSlice(shape, dt, tensor.CPU, data), nil
}
