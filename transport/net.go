package transport

import (
	"net"
	"sync"

	"github.com/rickymagal/qwen-vl-distributed/xerrors"
)

// Endpoint wraps a single TCP connection to one adjacent stage, guarding
// concurrent sends and receives the way the cluster tensor protocol's
// Protocol type guards its net.Conn: one mutex per direction, since a
// pipeline link reads and writes independently.
type Endpoint struct {
	conn    net.Conn
	sendMu  sync.Mutex
	recvMu  sync.Mutex
}

// Dial connects to a next/previous stage's listener at addr (host:port).
// A single connection serves the whole adjacent-stage link; there are no
// retries, a dial failure or later disconnect is fatal to the stage.
func Dial(addr string) (*Endpoint, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, xerrors.NewIOError("transport.Dial", err)
	}
	return &Endpoint{conn: conn}, nil
}

// Listener accepts a single adjacent-stage connection.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener at addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.NewIOError("transport.Listen", err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next incoming connection and wraps it as an
// Endpoint.
func (l *Listener) Accept() (*Endpoint, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, xerrors.NewIOError("transport.Listener.Accept", err)
	}
	return &Endpoint{conn: conn}, nil
}

// Addr returns the listener's bound address, useful when addr was
// "host:0" and the OS picked an ephemeral port.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Close closes the underlying connection.
func (e *Endpoint) Close() error { return e.conn.Close() }

// SendActivation writes p to the connection, serializing concurrent senders.
func (e *Endpoint) SendActivation(p ActivationPacket) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return WriteActivationPacket(e.conn, p)
}

// RecvActivation reads the next ActivationPacket off the connection,
// serializing concurrent receivers.
func (e *Endpoint) RecvActivation() (ActivationPacket, error) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return ReadActivationPacket(e.conn)
}

// SendKV writes p to the connection, serializing concurrent senders.
func (e *Endpoint) SendKV(p KVPacket) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return WriteKVPacket(e.conn, p)
}

// RecvKV reads the next KVPacket off the connection, serializing
// concurrent receivers.
func (e *Endpoint) RecvKV() (KVPacket, error) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return ReadKVPacket(e.conn)
}
