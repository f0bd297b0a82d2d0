// Package rpc defines the transport-agnostic call contract every server
// role (directory control, registry) is addressed through: Call(ctx, in)
// (out, error). Concrete transports (the default UDP datagram transport,
// or any future one) implement Transport; callers depend only on this
// package.
package rpc

import (
	"context"
	"encoding/binary"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// Op identifies the operation a message carries.
type Op uint16

const (
	OpLookup Op = iota + 1
	OpCreate
	OpMkdir
	OpUnlink
	OpRmdir
	OpReaddir
	OpGossipDPI
	OpSplitBegin
	OpSplitIngest
	OpSplitCommit
)

// HeaderSize is the fixed wire header: op(2) + status(2) + seq(8) + len(4).
const HeaderSize = 2 + 2 + 8 + 4

// Message is one request or reply frame.
type Message struct {
	Op      Op
	Status  uint16 // 0 == success; nonzero mirrors mkerrors.Kind
	Seq     uint64
	Payload []byte
}

// Encode serializes m to its wire form.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Op))
	binary.BigEndian.PutUint16(buf[2:4], m.Status)
	binary.BigEndian.PutUint64(buf[4:12], m.Seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Decode parses the wire form produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, mkerrors.New(mkerrors.Corruption, "rpc frame shorter than header")
	}
	length := binary.BigEndian.Uint32(b[12:16])
	if int(length) != len(b)-HeaderSize {
		return Message{}, mkerrors.New(mkerrors.Corruption, "rpc frame length mismatch")
	}
	return Message{
		Op:      Op(binary.BigEndian.Uint16(b[0:2])),
		Status:  binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint64(b[4:12]),
		Payload: append([]byte(nil), b[HeaderSize:]...),
	}, nil
}

// Transport sends one request frame to addr and returns the reply frame.
// Implementations own their own retry/timeout policy per call; Client
// layers a deadline from ctx on top.
type Transport interface {
	Call(ctx context.Context, addr string, req Message) (Message, error)
}

// Handler processes one inbound request and produces a reply payload.
type Handler func(ctx context.Context, req Message) (Message, error)

// Client is the thin, transport-agnostic entry point application code
// calls: hash a name, resolve an address via the DPI, then Call.
type Client struct {
	Transport Transport
}

// NewClient wraps a concrete Transport.
func NewClient(t Transport) *Client {
	return &Client{Transport: t}
}

// Call sends req to addr and returns the decoded reply, translating a
// nonzero reply status into an mkerrors.Error.
func (c *Client) Call(ctx context.Context, addr string, req Message) (Message, error) {
	reply, err := c.Transport.Call(ctx, addr, req)
	if err != nil {
		return Message{}, err
	}
	if reply.Status != 0 {
		return reply, mkerrors.New(mkerrors.Kind(reply.Status), "rpc call returned error status")
	}
	return reply, nil
}
