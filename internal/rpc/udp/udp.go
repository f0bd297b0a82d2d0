// Package udp is the default datagram transport for internal/rpc: request
// and reply are exchanged as one or more fixed-size UDP packets, with
// payloads above the inline threshold chunked into fragments the receiver
// reassembles by (seq, fragment index).
package udp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/dreamware/torua-mds/internal/mkerrors"
	"github.com/dreamware/torua-mds/internal/rpc"
)

// fragment header: seq(8) + index(2) + total(2) + payloadLen(4) = 16 bytes.
const fragHeaderSize = 16

// Options configures a Transport or Server.
type Options struct {
	MaxSendMsgSize int // default 1432, comfortably under typical path MTU minus IP/UDP headers
	MaxRecvMsgSize int
	Timeout        time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxSendMsgSize <= 0 {
		o.MaxSendMsgSize = 1432
	}
	if o.MaxRecvMsgSize <= 0 {
		o.MaxRecvMsgSize = 1432
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

// Transport implements rpc.Transport over a UDP socket, used by clients
// calling into a Server.
type Transport struct {
	opts Options
	conn *net.UDPConn
	mu   sync.Mutex
}

// NewTransport opens an ephemeral local UDP socket for outbound calls.
func NewTransport(opts Options) (*Transport, error) {
	opts.setDefaults()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open udp client socket")
	}
	return &Transport{opts: opts, conn: conn}, nil
}

// Call sends req to addr, fragmenting if its encoded size exceeds
// MaxSendMsgSize, and blocks for the reassembled reply or ctx's deadline.
func (t *Transport) Call(ctx context.Context, addr string, req rpc.Message) (rpc.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return rpc.Message{}, mkerrors.Wrap(mkerrors.InvalidArgument, err, "resolve rpc peer address").WithPath(addr)
	}

	deadline := time.Now().Add(t.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return rpc.Message{}, mkerrors.Wrap(mkerrors.IOError, err, "set udp deadline")
	}

	encoded := req.Encode()
	if err := sendFragmented(t.conn, remote, req.Seq, encoded, t.opts.MaxSendMsgSize); err != nil {
		return rpc.Message{}, err
	}

	payload, err := receiveFragmented(t.conn, t.opts.MaxRecvMsgSize)
	if err != nil {
		return rpc.Message{}, err
	}
	return rpc.Decode(payload)
}

// Close releases the client socket.
func (t *Transport) Close() error { return t.conn.Close() }

func sendFragmented(conn *net.UDPConn, addr *net.UDPAddr, seq uint64, payload []byte, maxSize int) error {
	chunkSize := maxSize - fragHeaderSize
	if chunkSize <= 0 {
		return mkerrors.New(mkerrors.InvalidArgument, "max message size too small for fragment header")
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frame := encodeFragment(seq, uint16(i), uint16(total), payload[start:end])
		if _, err := conn.WriteToUDP(frame, addr); err != nil {
			return mkerrors.Wrap(mkerrors.IOError, err, "send udp fragment")
		}
	}
	return nil
}

func encodeFragment(seq uint64, index, total uint16, data []byte) []byte {
	buf := make([]byte, fragHeaderSize+len(data))
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint16(buf[8:10], index)
	binary.BigEndian.PutUint16(buf[10:12], total)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	copy(buf[fragHeaderSize:], data)
	return buf
}

// receiveFragmented reads UDP packets until every fragment of one sequence
// has arrived, then returns the reassembled payload. Fragments from a
// different sequence than the first one observed are dropped: the
// single-outstanding-call-per-socket client usage here never interleaves.
func receiveFragmented(conn *net.UDPConn, maxRecvSize int) ([]byte, error) {
	buf := make([]byte, maxRecvSize+fragHeaderSize)
	var seq uint64
	var total uint16
	var have uint16
	var parts [][]byte
	started := false

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, mkerrors.Wrap(mkerrors.IOError, err, "receive udp fragment")
		}
		if n < fragHeaderSize {
			continue
		}
		fseq := binary.BigEndian.Uint64(buf[0:8])
		index := binary.BigEndian.Uint16(buf[8:10])
		ftotal := binary.BigEndian.Uint16(buf[10:12])
		length := binary.BigEndian.Uint32(buf[12:16])
		if int(length) > n-fragHeaderSize {
			continue
		}
		data := append([]byte(nil), buf[fragHeaderSize:fragHeaderSize+int(length)]...)

		if !started {
			seq = fseq
			total = ftotal
			parts = make([][]byte, total)
			started = true
		}
		if fseq != seq || index >= total {
			continue
		}
		if parts[index] == nil {
			parts[index] = data
			have++
		}
		if have == total {
			break
		}
	}

	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Server listens for UDP requests and dispatches them to a bounded pool of
// handler goroutines, so a slow handler cannot stall the receive loop — the
// UDP transport does not get a goroutine-per-request the way net/http does.
type Server struct {
	conn    *net.UDPConn
	handler rpc.Handler
	opts    Options
	queue   chan inboundDatagram
	wg      sync.WaitGroup
	closed  chan struct{}
}

type inboundDatagram struct {
	addr *net.UDPAddr
	msg  rpc.Message
}

// NewServer binds addr and prepares workers dispatch queue capacity.
func NewServer(addr string, workers, queueDepth int, handler rpc.Handler, opts Options) (*Server, error) {
	opts.setDefaults()
	if workers <= 0 {
		workers = 8
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.InvalidArgument, err, "resolve udp listen address").WithPath(addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "listen udp").WithPath(addr)
	}

	s := &Server{
		conn:    conn,
		handler: handler,
		opts:    opts,
		queue:   make(chan inboundDatagram, queueDepth),
		closed:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Addr returns the bound local address, useful when NewServer was given
// an ephemeral port (":0") and the caller needs to tell peers where to
// reach it.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Serve runs the receive loop until Close is called.
func (s *Server) Serve() error {
	buf := make([]byte, s.opts.MaxRecvMsgSize+fragHeaderSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				return mkerrors.Wrap(mkerrors.IOError, err, "udp server read")
			}
		}
		if n < fragHeaderSize {
			continue
		}
		length := binary.BigEndian.Uint32(buf[12:16])
		if int(length) > n-fragHeaderSize {
			continue
		}
		payload := append([]byte(nil), buf[fragHeaderSize:fragHeaderSize+int(length)]...)
		msg, err := rpc.Decode(payload)
		if err != nil {
			continue
		}
		select {
		case s.queue <- inboundDatagram{addr: addr, msg: msg}:
		default:
			// Queue saturated: drop rather than block the receive loop.
		}
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for d := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		reply, err := s.handler(ctx, d.msg)
		cancel()
		if err != nil {
			reply = rpc.Message{Op: d.msg.Op, Seq: d.msg.Seq, Status: uint16(mkerrors.KindOf(err))}
			if reply.Status == 0 {
				reply.Status = uint16(mkerrors.AssertionFailed)
			}
		}
		reply.Seq = d.msg.Seq
		encoded := reply.Encode()
		if err := sendFragmented(s.conn, d.addr, reply.Seq, encoded, s.opts.MaxSendMsgSize); err != nil {
			continue
		}
	}
}

// Close stops the receive loop and drains handler workers.
func (s *Server) Close() error {
	close(s.closed)
	err := s.conn.Close()
	close(s.queue)
	s.wg.Wait()
	return err
}
