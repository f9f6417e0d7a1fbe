package transport

import (
	"testing"

	"github.com/rickymagal/qwen-vl-distributed/dtype"
	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

func TestEndpointSendRecvActivation(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	serverPacket := make(chan ActivationPacket, 1)
	go func() {
		server, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer server.Close()
		p, err := server.RecvActivation()
		if err != nil {
			serverErr <- err
			return
		}
		serverPacket <- p
		serverErr <- nil
	}()

	client, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	hidden := tensor.NewFromSlice([]int{1, 2, 3}, dtype.F32, tensor.CPU, []float32{0, 1, 2, 3, 4, 5})
	sent := ActivationPacket{StageFrom: 2, StageTo: 3, Step: 5, Pos: 1, Hidden: hidden}
	if err := client.SendActivation(sent); err != nil {
		t.Fatalf("SendActivation: %v", err)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
	got := <-serverPacket
	if got.StageFrom != sent.StageFrom || got.StageTo != sent.StageTo || got.Step != sent.Step || got.Pos != sent.Pos {
		t.Fatalf("metadata mismatch: got %+v", got)
	}
	if !equalFloats(got.Hidden.Data(), hidden.Data()) {
		t.Fatal("hidden tensor did not round-trip over the wire")
	}
}
