package peernet

import (
	"net"
	"strconv"

	"github.com/blockburn/corenet/conversation"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/netio"
)

// dispatchRequest implements dispatch_request: routing one application-thread
// Request to the right conversation based on how many neighbors it names and
// whether it carries a message, per spec.md §4.F/G.
//
//   - zero neighbors                        -> ErrInvalidHandle
//   - one neighbor, no message               -> connect/disconnect
//   - one neighbor, message, expect reply    -> send_message (returns a handle)
//   - one neighbor, message, no reply wanted -> relay_message
//   - >1 neighbors, message                  -> broadcast_message
//   - >1 neighbors, no message                -> ErrInvalidHandle
func (s *Server) dispatchRequest(view *conversation.View, req netio.Request) netio.Reply {
	switch len(req.Neighbors) {
	case 0:
		return netio.Reply{Err: netio.ErrInvalidHandle}
	case 1:
		return s.dispatchSingle(view, req, req.Neighbors[0])
	default:
		if req.Message == nil {
			return netio.Reply{Err: netio.ErrInvalidHandle}
		}
		return s.dispatchBroadcast(view, req)
	}
}

func (s *Server) dispatchSingle(view *conversation.View, req netio.Request, key neighbor.Key) netio.Reply {
	switch req.Op {
	case netio.OpConnect:
		return s.dispatchConnect(key)
	case netio.OpDisconnect:
		return s.dispatchDisconnect(key)
	case netio.OpSendMessage:
		if req.Message == nil {
			return netio.Reply{Err: netio.ErrInvalidHandle}
		}
		return s.dispatchSend(view, key, req)
	case netio.OpRelayMessage:
		if req.Message == nil {
			return netio.Reply{Err: netio.ErrInvalidHandle}
		}
		return s.dispatchRelay(view, key, req)
	default:
		return netio.Reply{Err: netio.ErrInvalidHandle}
	}
}

func (s *Server) dispatchConnect(key neighbor.Key) netio.Reply {
	if _, exists := s.events[key]; exists {
		return netio.Reply{Err: netio.ErrAlreadyConnected}
	}
	conn, err := s.Connect(addrString(key))
	if err != nil {
		return netio.Reply{Err: netio.ErrSocketError}
	}
	if _, ok := s.register(conn, true, key); !ok {
		return netio.Reply{Err: netio.ErrTooManyPeers}
	}
	return netio.Reply{}
}

func (s *Server) dispatchDisconnect(key neighbor.Key) netio.Reply {
	eventID, ok := s.events[key]
	if !ok {
		return netio.Reply{Err: netio.ErrNoSuchNeighbor}
	}
	s.deregister(eventID)
	return netio.Reply{}
}

// findSlot locates the live conversation slot for key, if any.
func (s *Server) findSlot(key neighbor.Key) (*peerSlot, bool) {
	eventID, ok := s.events[key]
	if !ok {
		return nil, false
	}
	slot, ok := s.sockets[eventID]
	if !ok || slot.failed {
		return nil, false
	}
	return slot, true
}

func (s *Server) dispatchSend(view *conversation.View, key neighbor.Key, req netio.Request) netio.Reply {
	slot, ok := s.findSlot(key)
	if !ok {
		return netio.Reply{Err: netio.ErrPeerNotConnected}
	}
	if !req.ExpectReply {
		return s.dispatchRelay(view, key, req)
	}

	msg, err := slot.conv.SignMessage(view, s.localPeer.PrivateKey, req.Message)
	if err != nil {
		return netio.Reply{Err: err}
	}
	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = uint64(s.cfg.RequestTTL.Seconds())
	}
	handle, err := slot.conv.SendSignedRequest(msg, ttl, now())
	if err != nil {
		return netio.Reply{Err: err}
	}
	return netio.Reply{Handle: handle}
}

func (s *Server) dispatchRelay(view *conversation.View, key neighbor.Key, req netio.Request) netio.Reply {
	slot, ok := s.findSlot(key)
	if !ok {
		return netio.Reply{Err: netio.ErrPeerNotConnected}
	}
	msg, err := slot.conv.SignMessage(view, s.localPeer.PrivateKey, req.Message)
	if err != nil {
		return netio.Reply{Err: err}
	}
	if err := slot.conv.RelaySignedMessage(msg, now()); err != nil {
		return netio.Reply{Err: err}
	}
	return netio.Reply{}
}

// dispatchBroadcast relays a freshly-signed copy of req.Message to every
// named neighbor that is currently connected. Each copy is signed under its
// own conversation's sequence number, since sequence numbers are per-peer.
func (s *Server) dispatchBroadcast(view *conversation.View, req netio.Request) netio.Reply {
	var sent bool
	for _, key := range req.Neighbors {
		slot, ok := s.findSlot(key)
		if !ok {
			continue
		}
		msg, err := slot.conv.SignMessage(view, s.localPeer.PrivateKey, req.Message)
		if err != nil {
			continue
		}
		if relayErr := slot.conv.RelaySignedMessage(msg, now()); relayErr == nil {
			sent = true
		}
	}
	if !sent {
		return netio.Reply{Err: netio.ErrPeerNotConnected}
	}
	return netio.Reply{}
}

// addrString renders key's address and port as a dial target for net.Dial.
// A v4-mapped v6 address (addr[10:12] == 0xff, 0xff) is unwrapped to plain
// dotted-quad so outbound connects to v4 peers don't force an IPv6 dial.
func addrString(key neighbor.Key) string {
	addr := key.AddrBytes
	var ip net.IP
	if addr[10] == 0xff && addr[11] == 0xff {
		ip = net.IP(addr[12:16])
	} else {
		ip = net.IP(addr[:])
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(key.Port)))
}
