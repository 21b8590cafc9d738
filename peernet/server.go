// Package peernet implements the single-threaded, event-driven supervisor
// that owns every conversation (component G): accepting sockets, draining
// application-thread requests, driving each conversation's I/O through a
// shared gaio.Watcher, rekeying the local identity on schedule, pruning,
// and forwarding unsolicited messages upward.
package peernet

import (
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/xtaci/gaio"

	"github.com/blockburn/corenet/connbuf"
	"github.com/blockburn/corenet/conversation"
	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/netaddr"
	"github.com/blockburn/corenet/netio"
	"github.com/blockburn/corenet/payload"
	"github.com/blockburn/corenet/wire"
)

const readBufSize = 65536

// peerSlot is everything the loop tracks about one registered socket.
type peerSlot struct {
	eventID  int
	conn     net.Conn
	outbound bool
	conv     *conversation.Conversation
	key      neighbor.Key
	haveKey  bool
	failed   bool
}

// Server is the peer network loop. Every field below is touched only from
// the goroutine running Run; application threads reach it exclusively
// through the netio.Handle/Server channel pairs registered with
// RegisterHandle.
type Server struct {
	cfg    *Config
	db     PeerDB
	walker Walker
	logger *log.Logger

	watcher  *gaio.Watcher
	listener net.Listener

	nextEventID int
	sockets     map[int]*peerSlot
	events      map[neighbor.Key]int

	ioResults   chan []gaio.OpResult
	acceptedCh  chan net.Conn
	acceptErrCh chan error

	pendingNew []net.Conn
	pendingIO  []gaio.OpResult

	handles []*netio.Server

	rekeyHandles map[int]*connbuf.ReplyHandle
	pruneDue     bool

	localPeer *conversation.LocalIdentity
}

// New constructs a Server bound to listener (may be nil for an
// outbound-only node), backed by db for peer persistence and walker for
// the (out-of-scope) neighbor graph policy.
func New(cfg *Config, db PeerDB, walker Walker, listener net.Listener, logger *log.Logger) (*Server, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "peernet: ", log.LstdFlags)
	}
	watcher, err := gaio.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		db:           db,
		walker:       walker,
		logger:       logger,
		watcher:      watcher,
		listener:     listener,
		sockets:      make(map[int]*peerSlot),
		events:       make(map[neighbor.Key]int),
		ioResults:    make(chan []gaio.OpResult, 64),
		acceptedCh:   make(chan net.Conn, 64),
		acceptErrCh:  make(chan error, 1),
		rekeyHandles: make(map[int]*connbuf.ReplyHandle),
	}

	local, err := db.GetLocalPeer()
	if err != nil {
		return nil, err
	}
	s.localPeer = &conversation.LocalIdentity{
		PrivateKey: local.PrivateKey,
		PublicKey:  local.PrivateKey.PubKey(),
		Handshake:  handshakeFromLocalPeer(local),
	}

	go s.ioLoop()
	if listener != nil {
		go s.acceptLoop()
	}
	return s, nil
}

func handshakeFromLocalPeer(local *LocalPeer) payload.Handshake {
	return payload.Handshake{
		AddrBytes:         local.AddrBytes,
		Port:              local.Port,
		Services:          local.Services,
		NodePublicKey:     cryptosig.SerializePublicKey(local.PrivateKey.PubKey()),
		ExpireBlockHeight: local.ExpireBlockHeight,
		DataURL:           local.DataURL,
	}
}

// handshakeFor builds a fresh self-announcement payload around a newly
// generated key, used by initiateRekey.
func handshakeFor(cfg *Config, view *conversation.View, addr netaddr.Addr, port uint16, pub *cryptosig.PublicKey) payload.Handshake {
	return payload.Handshake{
		AddrBytes:         addr,
		Port:              port,
		Services:          cfg.Services,
		NodePublicKey:     cryptosig.SerializePublicKey(pub),
		ExpireBlockHeight: view.BurnBlockHeight + cfg.KeyExpireBlocks,
		DataURL:           cfg.DataURL,
	}
}

func (s *Server) ioLoop() {
	for {
		results, err := s.watcher.WaitIO()
		if err != nil {
			close(s.ioResults)
			return
		}
		s.ioResults <- results
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.acceptErrCh <- err
			return
		}
		s.acceptedCh <- conn
	}
}

// Connect dials addr for an outbound conversation.
func (s *Server) Connect(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// NextEventID returns a fresh, monotonically increasing socket event id.
func (s *Server) NextEventID() int {
	id := s.nextEventID
	s.nextEventID++
	return id
}

// canRegister gates accepting a new socket: reject a duplicate neighbor,
// reject inbound once num_clients is reached, and cap how many connections
// (in either direction) a single IP may hold open at once, a policy
// dropped by the distillation but present in the original p2p.rs (see
// DESIGN.md).
func (s *Server) canRegister(key neighbor.Key, outbound bool, remoteAddr netaddr.Addr) bool {
	if outbound {
		if _, exists := s.events[key]; exists {
			return false
		}
	}
	if !outbound && s.countInbound() >= s.cfg.NumClients {
		return false
	}
	if outbound && s.countOutboundConversations() >= s.cfg.NumClients {
		return false
	}
	if s.countIPConnections(remoteAddr, outbound) >= maxPerIP(s.cfg, outbound) {
		return false
	}
	return true
}

func maxPerIP(cfg *Config, outbound bool) int {
	if outbound {
		if cfg.MaxOutboundPerIP > 0 {
			return cfg.MaxOutboundPerIP
		}
	} else if cfg.MaxInboundPerIP > 0 {
		return cfg.MaxInboundPerIP
	}
	return 1 << 30
}

func (s *Server) countInbound() int {
	var n int
	for _, slot := range s.sockets {
		if !slot.outbound {
			n++
		}
	}
	return n
}

// countOutboundConversations returns how many live conversations this node
// currently holds open as the dialing side (p2p.rs:
// count_outbound_conversations).
func (s *Server) countOutboundConversations() int {
	var n int
	for _, slot := range s.sockets {
		if slot.outbound {
			n++
		}
	}
	return n
}

// countIPConnections returns how many sockets, in the given direction, are
// currently open to the same remote address (p2p.rs: count_ip_connections).
func (s *Server) countIPConnections(addr netaddr.Addr, outbound bool) int {
	var n int
	for _, slot := range s.sockets {
		if slot.outbound != outbound {
			continue
		}
		if addrFromConn(slot.conn) == addr {
			n++
		}
	}
	return n
}

// register creates a fresh Conversation for conn, gated by canRegister, and
// starts its first async read. key is the zero Key for an inbound socket
// whose identity isn't known until it handshakes.
func (s *Server) register(conn net.Conn, outbound bool, key neighbor.Key) (*peerSlot, bool) {
	remoteAddr := addrFromConn(conn)
	if !s.canRegister(key, outbound, remoteAddr) {
		conn.Close()
		return nil, false
	}

	eventID := s.NextEventID()
	conv := conversation.New(eventID, outbound, s.cfg.Heartbeat, s.cfg.InboxLimit, s.localPeer)
	haveKey := key != (neighbor.Key{})
	slot := &peerSlot{eventID: eventID, conn: conn, outbound: outbound, conv: conv, key: key, haveKey: haveKey}
	s.sockets[eventID] = slot
	if haveKey {
		s.events[key] = eventID
	}

	buf := make([]byte, readBufSize)
	if err := s.watcher.Read(slot, conn, buf); err != nil {
		delete(s.sockets, eventID)
		if haveKey {
			delete(s.events, key)
		}
		conn.Close()
		return nil, false
	}
	return slot, true
}

// deregister tears a conversation down: fails every pending reply sink on
// its connection and stops watching its socket.
func (s *Server) deregister(eventID int) {
	slot, ok := s.sockets[eventID]
	if !ok {
		return
	}
	slot.conv.Connection.FailAllPending(connbuf.ErrConnectionBroken)
	s.watcher.Free(slot.conn)
	slot.conn.Close()
	delete(s.sockets, eventID)
	if slot.haveKey {
		delete(s.events, slot.key)
	}
	delete(s.rekeyHandles, eventID)
}

func addrFromConn(conn net.Conn) netaddr.Addr {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return netaddr.Addr{}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return netaddr.Addr{}
	}
	if v4 := ip.To4(); v4 != nil {
		return netaddr.FromIP(v4)
	}
	return netaddr.FromIP(ip.To16())
}

// RegisterHandle adds an application-thread channel pair the loop will
// drain every tick.
func (s *Server) RegisterHandle(h *netio.Server) {
	s.handles = append(s.handles, h)
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

// Run drives the supervisor loop, one tick per iteration, until stop is
// closed. viewFn is polled once per tick so an external chain-observer
// goroutine can hand over a fresh burnchain snapshot.
func (s *Server) Run(stop <-chan struct{}, viewFn func() *conversation.View) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.Tick(viewFn())
	}
}

// Tick is the exported form of tick, for a host loop (such as a CLI command
// that wants to interleave its own per-iteration work, e.g. printing a
// status table) that drives ticks itself instead of calling Run.
func (s *Server) Tick(view *conversation.View) []Unhandled {
	return s.tick(view)
}

// NeighborSnapshot is a read-only view of one connected neighbor, safe to
// render from the same goroutine driving Tick/Run.
type NeighborSnapshot struct {
	Key      neighbor.Key
	Outbound bool
	DataURL  string
	BytesTx  uint64
	BytesRx  uint64
	Health   float64
}

// Snapshot reports one row per currently registered socket. Like every
// other Server method, it must be called from the loop goroutine.
func (s *Server) Snapshot() []NeighborSnapshot {
	t := now()
	out := make([]NeighborSnapshot, 0, len(s.sockets))
	for _, slot := range s.sockets {
		out = append(out, NeighborSnapshot{
			Key:      slot.key,
			Outbound: slot.outbound,
			DataURL:  slot.conv.DataURL,
			BytesTx:  slot.conv.Stats.BytesTx,
			BytesRx:  slot.conv.Stats.BytesRx,
			Health:   slot.conv.Stats.HealthScore(t),
		})
	}
	return out
}

// Unhandled is one message the loop could not react to intrinsically and
// is forwarding to the upper layer, keyed by which neighbor sent it.
type Unhandled struct {
	Key neighbor.Key
	Msg *wire.SignedMessage
}

// tick executes one full run() iteration per spec.md §4.G and returns the
// messages forwarded upward this tick.
func (s *Server) tick(view *conversation.View) []Unhandled {
	s.poll()
	s.refreshLocalPeer()
	s.dispatchRequests(view)
	s.processNewSockets()

	bySlot := s.processReadySockets(view)
	s.flushOutboxes()

	unhandled := s.handleDataRequests(view, bySlot)

	for _, slot := range s.sockets {
		drained := slot.conv.Connection.DrainTimeouts(now())
		for i := 0; i < drained; i++ {
			slot.conv.Stats.RecordErr(now())
		}
	}

	s.disconnectUnresponsive()
	s.walkPeerGraph(view)
	s.flushOutboxes()
	if s.pruneDue {
		s.pruneConnections()
		s.pruneDue = false
	}
	s.queuePingHeartbeats(view)
	s.rekeyStep(view)

	return unhandled
}

// poll waits up to cfg.PollTimeout for new connections or I/O completions,
// then drains whatever else is already queued without waiting further so a
// burst of completions is handled in one tick rather than trickling in.
func (s *Server) poll() {
	timer := time.NewTimer(s.cfg.PollTimeout)
	defer timer.Stop()
	select {
	case conn := <-s.acceptedCh:
		s.pendingNew = append(s.pendingNew, conn)
	case results := <-s.ioResults:
		s.pendingIO = append(s.pendingIO, results...)
	case err := <-s.acceptErrCh:
		s.logger.Printf("peernet: listener stopped accepting: %v", err)
	case <-timer.C:
	}

	for {
		select {
		case conn := <-s.acceptedCh:
			s.pendingNew = append(s.pendingNew, conn)
			continue
		case results := <-s.ioResults:
			s.pendingIO = append(s.pendingIO, results...)
			continue
		case err := <-s.acceptErrCh:
			s.logger.Printf("peernet: listener stopped accepting: %v", err)
			continue
		default:
		}
		return
	}
}

func (s *Server) refreshLocalPeer() {
	local, err := s.db.GetLocalPeer()
	if err != nil {
		return
	}
	s.localPeer.PrivateKey = local.PrivateKey
	s.localPeer.PublicKey = local.PrivateKey.PubKey()
	s.localPeer.Handshake = handshakeFromLocalPeer(local)
}

func (s *Server) dispatchRequests(view *conversation.View) {
	for _, h := range s.handles {
		for {
			req, ok := h.Poll()
			if !ok {
				break
			}
			h.Reply(s.dispatchRequest(view, req))
		}
	}

	live := s.handles[:0]
	for _, h := range s.handles {
		if !h.Closed() {
			live = append(live, h)
		}
	}
	s.handles = live
}

func (s *Server) processNewSockets() {
	for _, conn := range s.pendingNew {
		s.register(conn, false, neighbor.Key{})
	}
	s.pendingNew = nil
}

// processReadySockets feeds every I/O completion from this tick's poll into
// its conversation, runs chat on every touched conversation exactly once,
// and returns each conversation's unsolicited messages keyed by event id.
// A chat that returns an error marks the socket failed, and
// disconnectUnresponsive later in the same tick tears it down along with
// every other failed socket; nothing tries to decode the rest of that
// connection's inbox.
func (s *Server) processReadySockets(view *conversation.View) map[int][]*wire.SignedMessage {
	results := s.pendingIO
	s.pendingIO = nil

	touched := make(map[int]bool)
	for _, res := range results {
		slot, ok := res.Context.(*peerSlot)
		if !ok {
			continue
		}
		touched[slot.eventID] = true
		switch res.Operation {
		case gaio.OpRead:
			s.handleReadCompletion(slot, res)
		case gaio.OpWrite:
			s.handleWriteCompletion(slot, res)
		}
	}

	bySlot := make(map[int][]*wire.SignedMessage)
	for eventID := range touched {
		slot, ok := s.sockets[eventID]
		if !ok || slot.failed {
			continue
		}
		unsolicited, _, err := slot.conv.Chat(view, now())
		if err != nil {
			slot.failed = true
			continue
		}
		if len(unsolicited) > 0 {
			bySlot[eventID] = unsolicited
		}
	}
	return bySlot
}

func (s *Server) handleReadCompletion(slot *peerSlot, res gaio.OpResult) {
	if res.Error != nil || res.Size <= 0 {
		slot.failed = true
		return
	}
	if err := slot.conv.Connection.Feed(res.Buffer[:res.Size]); err != nil {
		slot.failed = true
		return
	}
	buf := make([]byte, readBufSize)
	if err := s.watcher.Read(slot, slot.conn, buf); err != nil {
		slot.failed = true
	}
}

func (s *Server) handleWriteCompletion(slot *peerSlot, res gaio.OpResult) {
	if res.Error != nil {
		slot.failed = true
		return
	}
	if res.Size < len(res.Buffer) {
		slot.conv.Connection.RequeueOutbox(res.Buffer[res.Size:])
	}
}

// flushOutboxes submits one async write per conversation with anything
// pending in its outbox. Called twice per tick (spec.md §4.G steps 6 and
// 11) so bytes queued by this tick's own chat/reply pass still leave
// before the tick ends.
func (s *Server) flushOutboxes() {
	for eventID, slot := range s.sockets {
		if slot.failed {
			continue
		}
		data := slot.conv.Connection.DrainOutbox()
		if len(data) == 0 {
			continue
		}
		if err := s.watcher.Write(slot, slot.conn, data); err != nil {
			s.logger.Printf("peernet: write failed for event %d: %v", eventID, err)
			slot.failed = true
		}
	}
}

// handleDataRequests intrinsically answers what it can (GetNeighbors,
// outbound-only Handshake persistence) and routes everything else upward
// keyed by neighbor.
func (s *Server) handleDataRequests(view *conversation.View, bySlot map[int][]*wire.SignedMessage) []Unhandled {
	var out []Unhandled
	for eventID, msgs := range bySlot {
		slot, ok := s.sockets[eventID]
		if !ok {
			continue
		}
		for _, msg := range msgs {
			s.handleOneUnsolicited(view, slot, msg, &out)
		}
	}
	return out
}

func (s *Server) handleOneUnsolicited(view *conversation.View, slot *peerSlot, msg *wire.SignedMessage, out *[]Unhandled) {
	switch p := msg.Payload.(type) {
	case *payload.GetNeighbors:
		reply, err := neighborsReplyFor(s.db, view.NetworkID, view.BurnBlockHeight, payload.MaxNeighborsDataLen)
		if err != nil {
			s.logger.Printf("peernet: neighbor lookup failed: %v", err)
			return
		}
		replyMsg, err := slot.conv.SignReply(view, reply, msg.Preamble.Seq)
		if err != nil {
			return
		}
		if err := slot.conv.RelaySignedMessage(replyMsg, now()); err != nil {
			s.logger.Printf("peernet: relay failed for event %d: %v", slot.eventID, err)
		}
	case *payload.Handshake:
		if slot.outbound {
			rec := PeerRecord{
				Key:               slot.key,
				PublicKey:         slot.conv.Connection.GetPublicKey(),
				ExpireBlockHeight: p.ExpireBlockHeight,
				DataURL:           p.DataURL,
			}
			if err := s.db.SaveUpdate(rec); err != nil {
				s.logger.Printf("peernet: peer db update failed: %v", err)
			}
		}
	default:
		key := slot.key
		if !slot.haveKey {
			// An inbound socket's key comes from what its handshake announced.
			key = neighbor.Key{PeerVersion: slot.conv.PeerVersion, NetworkID: slot.conv.PeerNetworkID, AddrBytes: slot.conv.PeerAddrBytes, Port: slot.conv.PeerPort}
		}
		*out = append(*out, Unhandled{Key: key, Msg: msg})
	}
}

func (s *Server) disconnectUnresponsive() {
	var dead []int
	for eventID, slot := range s.sockets {
		if slot.failed {
			dead = append(dead, eventID)
			continue
		}
		if slot.conv.LastHandshakeTime > 0 &&
			slot.conv.Stats.LastRecvTime+uint64(slot.conv.PeerHeartbeat)+NeighborRequestTimeout < now() {
			dead = append(dead, eventID)
		}
	}
	for _, id := range dead {
		s.deregister(id)
	}
}

func (s *Server) walkPeerGraph(view *conversation.View) {
	if s.walker == nil {
		return
	}
	peers := make(map[int]neighbor.Key, len(s.sockets))
	for id, slot := range s.sockets {
		peers[id] = slot.key
	}
	result := s.walker.Walk(view, peers)
	for _, id := range result.BrokenConnections {
		s.deregister(id)
	}
	for _, key := range result.ReplacedNeighbors {
		if id, ok := s.events[key]; ok {
			s.deregister(id)
		}
	}
	if result.DoPrune {
		s.pruneDue = true
	}
}

// pruneConnections runs when a walk reports DoPrune. It does nothing: no
// socket is pruned here, whichever Walker is wired in, and no whitelist or
// in-walk check is made. Connections a walk reports as broken or replaced
// are deregistered by walkPeerGraph instead.
func (s *Server) pruneConnections() {}

func (s *Server) queuePingHeartbeats(view *conversation.View) {
	for _, slot := range s.sockets {
		if slot.failed || slot.conv.LastHandshakeTime == 0 {
			continue
		}
		if slot.conv.Stats.LastSendTime+uint64(slot.conv.PeerHeartbeat)+NeighborRequestTimeout >= now() {
			continue
		}
		msg, err := slot.conv.SignMessage(view, s.localPeer.PrivateKey, &payload.Ping{Nonce: rand.Uint32()})
		if err != nil {
			continue
		}
		if err := slot.conv.RelaySignedMessage(msg, now()); err != nil {
			continue
		}
	}
}

// rekeyStep implements the two-phase rekey state machine from spec.md §9's
// DESIGN NOTES: initiate once the burn block height reaches the local key's
// expiry height, then drain
// outstanding handshake replies on subsequent ticks without blocking the
// loop.
func (s *Server) rekeyStep(view *conversation.View) {
	if len(s.rekeyHandles) == 0 {
		local, err := s.db.GetLocalPeer()
		if err == nil && local.ExpireBlockHeight < view.BurnBlockHeight+1 {
			s.initiateRekey(view, local)
		}
		return
	}
	s.drainRekey()
}

func (s *Server) initiateRekey(view *conversation.View, local *LocalPeer) {
	priv, err := cryptosig.GenerateKey()
	if err != nil {
		s.logger.Printf("peernet: rekey keygen failed: %v", err)
		return
	}
	newExpire := view.BurnBlockHeight + s.cfg.KeyExpireBlocks
	if err := s.db.SetLocalPrivateKey(priv, newExpire); err != nil {
		s.logger.Printf("peernet: rekey persist failed: %v", err)
		return
	}

	newHandshake := handshakeFor(s.cfg, view, local.AddrBytes, local.Port, priv.PubKey())
	s.localPeer.PrivateKey = priv
	s.localPeer.PublicKey = priv.PubKey()
	s.localPeer.Handshake = newHandshake

	for eventID, slot := range s.sockets {
		if slot.failed {
			continue
		}
		msg, err := slot.conv.SignMessage(view, priv, &newHandshake)
		if err != nil {
			continue
		}
		handle, err := slot.conv.SendSignedRequest(msg, uint64(s.cfg.RequestTTL.Seconds()), now())
		if err != nil {
			continue
		}
		s.rekeyHandles[eventID] = handle
	}
}

func (s *Server) drainRekey() {
	for eventID, handle := range s.rekeyHandles {
		result, ok := handle.TryRecv()
		if !ok {
			continue
		}
		if result.Err != nil {
			s.logger.Printf("peernet: rekey handshake on event %d failed: %v", eventID, result.Err)
		}
		delete(s.rekeyHandles, eventID)
	}
}
