package udp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dreamware/torua-mds/internal/rpc"
)

func TestCallRoundTripOverLoopback(t *testing.T) {
	handler := func(_ context.Context, req rpc.Message) (rpc.Message, error) {
		return rpc.Message{Op: req.Op, Payload: append([]byte("echo:"), req.Payload...)}, nil
	}
	srv, err := NewServer("127.0.0.1:0", 4, 16, handler, Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go srv.Serve()

	cli, err := NewTransport(Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	addr := srv.conn.LocalAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := cli.Call(ctx, addr, rpc.Message{Op: rpc.OpLookup, Seq: 1, Payload: []byte("name")})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(reply.Payload, []byte("echo:name")) {
		t.Fatalf("unexpected reply payload: %q", reply.Payload)
	}
}

func TestLargePayloadIsFragmentedAndReassembled(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 5000)
	handler := func(_ context.Context, req rpc.Message) (rpc.Message, error) {
		return rpc.Message{Op: req.Op, Payload: req.Payload}, nil
	}
	srv, err := NewServer("127.0.0.1:0", 4, 16, handler, Options{Timeout: time.Second, MaxRecvMsgSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go srv.Serve()

	cli, err := NewTransport(Options{Timeout: time.Second, MaxSendMsgSize: 512, MaxRecvMsgSize: 8192})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	addr := srv.conn.LocalAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := cli.Call(ctx, addr, rpc.Message{Op: rpc.OpCreate, Seq: 2, Payload: big})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(reply.Payload, big) {
		t.Fatalf("large payload mismatch: got %d bytes, want %d", len(reply.Payload), len(big))
	}
}
