// Package connbuf implements the per-socket connection buffer (component C):
// an inbox of decoded messages, an outbox of pending bytes, and a table of
// in-flight requests awaiting a correlated reply. Framing and nonblocking
// partial I/O here follow the same shape as the teacher's
// agent-tcp/tcp_peer.go length-prefixed read/write loop, adapted to the
// single-threaded cooperative model of spec.md §5: recv/send never block,
// they report whatever progress the underlying reader/writer allowed.
package connbuf

import (
	"bytes"
	"errors"
	"io"

	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/wire"
)

// Errors surfaced by the connection buffer.
var (
	ErrPermanentlyDrained = errors.New("connbuf: peer closed the connection")
	ErrConnectionBroken   = errors.New("connbuf: connection broken")
	ErrTimeout            = errors.New("connbuf: request timed out")
)

// Result is delivered to a ReplyHandle once a request is fulfilled, times
// out, or the connection holding it is torn down.
type Result struct {
	Msg *wire.SignedMessage
	Err error
}

// ReplyHandle is given back to whoever issued a correlated request; it
// resolves exactly once.
type ReplyHandle struct {
	ch chan Result
}

// Recv blocks until the result is available. recv(0) on a reply handle
// after connection close surfaces ErrConnectionBroken (spec.md §5).
func (h *ReplyHandle) Recv() Result {
	return <-h.ch
}

// TryRecv returns the result if already available, without blocking.
func (h *ReplyHandle) TryRecv() (Result, bool) {
	select {
	case r := <-h.ch:
		return r, true
	default:
		return Result{}, false
	}
}

// Sink is a write capability into a connection's outbox. A plain relay
// (make_relay_handle) and a correlated request (make_request_handle) both
// hand back a Sink; only the latter also registers a request-table entry.
type Sink struct {
	c *Connection
}

// Send encodes and enqueues msg for relay.
func (s *Sink) Send(msg *wire.SignedMessage) error {
	return s.c.enqueue(msg)
}

type requestEntry struct {
	replyCh  chan Result
	deadline uint64
}

// Connection is the per-socket inbox/outbox/request-table state owned
// exclusively by one Conversation.
type Connection struct {
	inboxLimit uint32

	readBuf  bytes.Buffer
	inbox    []*wire.SignedMessage
	outbox   bytes.Buffer

	requests map[uint32]*requestEntry

	publicKey *cryptosig.PublicKey
}

// New creates an empty Connection with the given inbox backpressure limit
// (the maximum payload_len this side will accept).
func New(inboxLimit uint32) *Connection {
	return &Connection{
		inboxLimit: inboxLimit,
		requests:   make(map[uint32]*requestEntry),
	}
}

// RecvData performs one nonblocking read from r, decoding as many complete
// messages as the bytes read allow, and appends them to the inbox. It
// returns the number of bytes read. A read that returns io.EOF indicates
// the peer closed the stream and is reported as ErrPermanentlyDrained.
func (c *Connection) RecvData(r io.Reader) (int, error) {
	var chunk [65536]byte
	n, err := r.Read(chunk[:])
	if n > 0 {
		c.readBuf.Write(chunk[:n])
	}
	if err != nil {
		if err == io.EOF {
			return n, ErrPermanentlyDrained
		}
		if !isTemporary(err) {
			return n, err
		}
	}

	if err := c.ingest(); err != nil {
		return n, err
	}
	return n, nil
}

// Feed appends already-received bytes (handed over by an async-completion
// poller such as gaio, which delivers full read buffers rather than
// exposing an io.Reader to pull from) and decodes as many complete
// messages as they contain.
func (c *Connection) Feed(data []byte) error {
	c.readBuf.Write(data)
	return c.ingest()
}

// ingest decodes every complete frame currently sitting in readBuf into the
// inbox.
func (c *Connection) ingest() error {
	for {
		buf := c.readBuf.Bytes()
		msg, consumed, decodeErr := wire.DecodeFrame(buf, c.inboxLimit)
		if decodeErr != nil {
			return decodeErr
		}
		if consumed == 0 {
			return nil
		}
		c.inbox = append(c.inbox, msg)
		c.readBuf.Next(consumed)
	}
}

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	t, ok := err.(temporary)
	return ok && t.Temporary()
}

// SendData drains as much of the outbox as w accepts in one nonblocking
// write and returns the number of bytes written.
func (c *Connection) SendData(w io.Writer) (int, error) {
	if c.outbox.Len() == 0 {
		return 0, nil
	}
	n, err := w.Write(c.outbox.Bytes())
	if n > 0 {
		c.outbox.Next(n)
	}
	if err != nil && !isTemporary(err) {
		return n, err
	}
	return n, nil
}

// DrainOutbox removes and returns every byte currently pending in the
// outbox, for callers (such as a gaio-driven poller) that submit writes as
// discrete async completions rather than pulling through an io.Writer. A
// write that only partially succeeds should be re-queued with RequeueOutbox.
func (c *Connection) DrainOutbox() []byte {
	if c.outbox.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), c.outbox.Bytes()...)
	c.outbox.Reset()
	return b
}

// RequeueOutbox puts unsent bytes back at the front of the outbox after a
// partial async write.
func (c *Connection) RequeueOutbox(unsent []byte) {
	if len(unsent) == 0 {
		return
	}
	var rest bytes.Buffer
	rest.Write(unsent)
	rest.Write(c.outbox.Bytes())
	c.outbox = rest
}

func (c *Connection) enqueue(msg *wire.SignedMessage) error {
	b, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.outbox.Write(b)
	return nil
}

// MakeRelayHandle returns a Sink for an unreplied send: bytes written
// through it go straight to the outbox with no request-table bookkeeping.
func (c *Connection) MakeRelayHandle() *Sink {
	return &Sink{c: c}
}

// MakeRequestHandle returns a Sink plus a ReplyHandle; the message's
// sequence number is registered in the request table with the given
// deadline so a later FulfillRequest or DrainTimeouts can resolve it.
func (c *Connection) MakeRequestHandle(seq uint32, deadline uint64) (*Sink, *ReplyHandle) {
	ch := make(chan Result, 1)
	c.requests[seq] = &requestEntry{replyCh: ch, deadline: deadline}
	return &Sink{c: c}, &ReplyHandle{ch: ch}
}

// NextInboxMessage pops the oldest decoded message, if any.
func (c *Connection) NextInboxMessage() (*wire.SignedMessage, bool) {
	if len(c.inbox) == 0 {
		return nil, false
	}
	msg := c.inbox[0]
	c.inbox = c.inbox[1:]
	return msg, true
}

// InboxLen reports how many decoded messages are waiting.
func (c *Connection) InboxLen() int {
	return len(c.inbox)
}

// IsSolicited reports whether msg's sequence number matches an outstanding
// request, without consuming it.
func (c *Connection) IsSolicited(msg *wire.SignedMessage) bool {
	_, ok := c.requests[msg.Preamble.Seq]
	return ok
}

// FulfillRequest delivers msg to its matching pending request's reply sink
// and reports it consumed (nil, true), or returns msg back unconsumed
// (msg, false) when no request matches.
func (c *Connection) FulfillRequest(msg *wire.SignedMessage) (*wire.SignedMessage, bool) {
	entry, ok := c.requests[msg.Preamble.Seq]
	if !ok {
		return msg, false
	}
	delete(c.requests, msg.Preamble.Seq)
	entry.replyCh <- Result{Msg: msg}
	return nil, true
}

// DrainTimeouts removes every request entry whose deadline has passed,
// delivering ErrTimeout to each one's reply sink, and returns how many were
// drained.
func (c *Connection) DrainTimeouts(now uint64) int {
	var drained int
	for seq, entry := range c.requests {
		if entry.deadline <= now {
			entry.replyCh <- Result{Err: ErrTimeout}
			delete(c.requests, seq)
			drained++
		}
	}
	return drained
}

// FailAllPending resolves every outstanding request with err, used when the
// connection itself is being torn down (e.g. after an InvalidMessage
// verdict forces disconnection mid-flight).
func (c *Connection) FailAllPending(err error) {
	for seq, entry := range c.requests {
		entry.replyCh <- Result{Err: err}
		delete(c.requests, seq)
	}
}

// SetPublicKey installs the authenticated key for this connection.
func (c *Connection) SetPublicKey(pub *cryptosig.PublicKey) { c.publicKey = pub }

// GetPublicKey returns the authenticated key, or nil if none is bound yet.
func (c *Connection) GetPublicKey() *cryptosig.PublicKey { return c.publicKey }

// HasPublicKey reports whether a key is bound.
func (c *Connection) HasPublicKey() bool { return c.publicKey != nil }
