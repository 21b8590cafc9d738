// Package netio implements the cross-thread request/reply plumbing
// (component F) that lets application threads talk to the single-threaded
// peer network loop: one bounded channel pair per holder, strictly
// request-then-single-reply.
package netio

import (
	"errors"

	"github.com/blockburn/corenet/connbuf"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/payload"
)

// Errors reported on the calling thread's reply channel. These are
// operational failures; none of them tear down the network loop.
var (
	ErrNoSuchNeighbor  = errors.New("netio: no such neighbor")
	ErrPeerNotConnected = errors.New("netio: peer not connected")
	ErrAlreadyConnected = errors.New("netio: already connected")
	ErrTooManyPeers     = errors.New("netio: too many peers")
	ErrInvalidHandle    = errors.New("netio: invalid request handle")
	ErrNotConnected     = errors.New("netio: not connected")
	ErrSocketError      = errors.New("netio: socket error")
)

// Op identifies what an application thread wants the network loop to do.
type Op int

// Supported operations. The neighbor-count/message-presence combination
// picked among them is spelled out in peernet's dispatch_request.
const (
	OpConnect Op = iota
	OpDisconnect
	OpSendMessage
	OpRelayMessage
	OpBroadcastMessage
)

// Request is one application-thread ask submitted to the network loop. The
// loop signs Message itself, under the target conversation's own sequence
// number and the local node's current session key, so a caller never needs
// access to loop-owned connection state to build a request.
type Request struct {
	Op          Op
	Neighbors   []neighbor.Key
	Message     payload.Payload // nil for connect/disconnect
	ExpectReply bool
	TTLSeconds  uint64
}

// Reply is what the network loop hands back for one Request.
type Reply struct {
	Handle *connbuf.ReplyHandle // set only for a solicited send_message
	Err    error
}

// Handle is the application-thread-facing half of one request/reply pair.
// Each channel is bounded to 1: a second in-flight request on the same
// Handle blocks the caller until the first reply is drained, which is the
// deliberate backpressure spec.md §5 calls for.
type Handle struct {
	out  chan Request
	in   chan Reply
	done chan struct{}
}

// Server is the network-loop-facing half of the same pair.
type Server struct {
	out  chan Request
	in   chan Reply
	done chan struct{}
}

// NewPair creates one bounded-to-1 channel pair and returns both ends.
func NewPair() (*Handle, *Server) {
	reqCh := make(chan Request, 1)
	replyCh := make(chan Reply, 1)
	done := make(chan struct{})
	return &Handle{out: reqCh, in: replyCh, done: done}, &Server{out: reqCh, in: replyCh, done: done}
}

// Submit sends req and blocks until the network loop answers. A second
// caller submitting concurrently on the same Handle blocks on the bounded
// channel until this reply is drained.
func (h *Handle) Submit(req Request) Reply {
	h.out <- req
	return <-h.in
}

// Close signals the network loop that this holder is gone, so its entry
// can be dropped from the loop's handle queue.
func (h *Handle) Close() {
	close(h.done)
}

// Poll drains at most one queued request without blocking. ok is false
// when nothing is currently pending.
func (s *Server) Poll() (req Request, ok bool) {
	select {
	case req = <-s.out:
		return req, true
	default:
		return Request{}, false
	}
}

// Reply delivers rep back to whichever caller is waiting on this pair.
func (s *Server) Reply(rep Reply) {
	s.in <- rep
}

// Closed reports whether the application-thread end has called Close, so
// the loop can drop this handle from its queue. Only safe to call once
// Poll has reported nothing pending for this tick.
func (s *Server) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
