package peernet

import (
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockburn/corenet/conversation"
	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/netaddr"
	"github.com/blockburn/corenet/netio"
	"github.com/blockburn/corenet/payload"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(priv *cryptosig.PrivateKey, dataURL string) *Config {
	return &Config{
		PrivateKey:          priv,
		NetworkID:           1,
		PeerVersion:         1,
		StableConfirmations: 0,
		Heartbeat:           30,
		NumClients:          8,
		MaxOutboundPerIP:    8,
		MaxInboundPerIP:     8,
		InboxLimit:          1 << 20,
		RequestTTL:          5 * time.Second,
		PollTimeout:         10 * time.Millisecond,
		DataURL:             dataURL,
		Services:            1,
		KeyExpireBlocks:     1 << 32,
	}
}

func TestDispatchRequestZeroNeighborsIsInvalidHandle(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	db := NewMemPeerDB(&LocalPeer{PrivateKey: priv, ExpireBlockHeight: 1 << 32})
	srv, err := New(testConfig(priv, "a"), db, NoopWalker{}, nil, discardLogger())
	require.NoError(t, err)

	view := &conversation.View{NetworkID: 1, PeerVersion: 1}
	reply := srv.dispatchRequest(view, netio.Request{Op: netio.OpSendMessage})
	assert.ErrorIs(t, reply.Err, netio.ErrInvalidHandle)
}

func TestDispatchRequestBroadcastWithoutMessageIsInvalidHandle(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	db := NewMemPeerDB(&LocalPeer{PrivateKey: priv, ExpireBlockHeight: 1 << 32})
	srv, err := New(testConfig(priv, "a"), db, NoopWalker{}, nil, discardLogger())
	require.NoError(t, err)

	view := &conversation.View{NetworkID: 1, PeerVersion: 1}
	reply := srv.dispatchRequest(view, netio.Request{
		Op:        netio.OpBroadcastMessage,
		Neighbors: []neighbor.Key{{Port: 1}, {Port: 2}},
	})
	assert.ErrorIs(t, reply.Err, netio.ErrInvalidHandle)
}

func TestDispatchDisconnectUnknownNeighbor(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	db := NewMemPeerDB(&LocalPeer{PrivateKey: priv, ExpireBlockHeight: 1 << 32})
	srv, err := New(testConfig(priv, "a"), db, NoopWalker{}, nil, discardLogger())
	require.NoError(t, err)

	view := &conversation.View{NetworkID: 1, PeerVersion: 1}
	reply := srv.dispatchRequest(view, netio.Request{
		Op:        netio.OpDisconnect,
		Neighbors: []neighbor.Key{{Port: 9}},
	})
	assert.ErrorIs(t, reply.Err, netio.ErrNoSuchNeighbor)
}

// TestHandshakeAndPingPongEndToEnd wires two real Servers together over a
// loopback TCP connection and drives them with repeated Tick calls,
// exercising a connect, an application-level handshake exchange and a
// ping/pong roundtrip exactly as a host loop would.
func TestHandshakeAndPingPongEndToEnd(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	privA, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	privB, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	localAddr := netaddr.FromIP(net.ParseIP("127.0.0.1").To4())
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	dbA := NewMemPeerDB(&LocalPeer{PrivateKey: privA, ExpireBlockHeight: 1 << 32, AddrBytes: localAddr, Port: port, DataURL: "a", Services: 1})
	dbB := NewMemPeerDB(&LocalPeer{PrivateKey: privB, ExpireBlockHeight: 1 << 32, AddrBytes: localAddr, Port: 0, DataURL: "b", Services: 1})

	srvA, err := New(testConfig(privA, "a"), dbA, NoopWalker{}, listener, discardLogger())
	require.NoError(t, err)
	srvB, err := New(testConfig(privB, "b"), dbB, NoopWalker{}, nil, discardLogger())
	require.NoError(t, err)

	handleB, serverB := netio.NewPair()
	srvB.RegisterHandle(serverB)

	view := &conversation.View{NetworkID: 1, PeerVersion: 1}
	key := neighbor.Key{PeerVersion: 1, NetworkID: 1, AddrBytes: localAddr, Port: port}

	drive := func(deadline time.Duration, step func() bool) bool {
		end := time.Now().Add(deadline)
		for time.Now().Before(end) {
			srvB.Tick(view)
			srvA.Tick(view)
			if step() {
				return true
			}
		}
		return false
	}

	connectResult := make(chan netio.Reply, 1)
	go func() {
		connectResult <- handleB.Submit(netio.Request{Op: netio.OpConnect, Neighbors: []neighbor.Key{key}})
	}()

	var connected netio.Reply
	ok := drive(2*time.Second, func() bool {
		select {
		case connected = <-connectResult:
			return true
		default:
			return false
		}
	})
	require.True(t, ok, "connect never completed")
	require.NoError(t, connected.Err)

	hs := &payload.Handshake{
		AddrBytes:         localAddr,
		Port:              0,
		Services:          1,
		NodePublicKey:     cryptosig.SerializePublicKey(privB.PubKey()),
		ExpireBlockHeight: 1 << 32,
		DataURL:           "b",
	}
	sendResult := make(chan netio.Reply, 1)
	go func() {
		sendResult <- handleB.Submit(netio.Request{
			Op:          netio.OpSendMessage,
			Neighbors:   []neighbor.Key{key},
			Message:     hs,
			ExpectReply: true,
			TTLSeconds:  5,
		})
	}()

	var sent netio.Reply
	ok = drive(2*time.Second, func() bool {
		select {
		case sent = <-sendResult:
			return true
		default:
			return false
		}
	})
	require.True(t, ok, "handshake send never completed")
	require.NoError(t, sent.Err)
	require.NotNil(t, sent.Handle)

	var acceptPayload payload.Payload
	ok = drive(2*time.Second, func() bool {
		r, got := sent.Handle.TryRecv()
		if !got {
			return false
		}
		require.NoError(t, r.Err)
		acceptPayload = r.Msg.Payload
		return true
	})
	require.True(t, ok, "handshake accept never arrived")
	_, isAccept := acceptPayload.(*payload.HandshakeAccept)
	assert.True(t, isAccept)

	// Now that both sides have bound each other's public key, a plain ping
	// should thread all the way through chat and come back as a pong.
	pingResult := make(chan netio.Reply, 1)
	go func() {
		pingResult <- handleB.Submit(netio.Request{
			Op:          netio.OpSendMessage,
			Neighbors:   []neighbor.Key{key},
			Message:     &payload.Ping{Nonce: 0x1234},
			ExpectReply: true,
			TTLSeconds:  5,
		})
	}()

	var pingReply netio.Reply
	ok = drive(2*time.Second, func() bool {
		select {
		case pingReply = <-pingResult:
			return true
		default:
			return false
		}
	})
	require.True(t, ok, "ping send never completed")
	require.NoError(t, pingReply.Err)
	require.NotNil(t, pingReply.Handle)

	var pongMsg payload.Payload
	ok = drive(2*time.Second, func() bool {
		r, got := pingReply.Handle.TryRecv()
		if !got {
			return false
		}
		require.NoError(t, r.Err)
		pongMsg = r.Msg.Payload
		return true
	})
	require.True(t, ok, "pong never arrived")
	pong, isPong := pongMsg.(*payload.Pong)
	require.True(t, isPong)
	assert.Equal(t, uint32(0x1234), pong.Nonce)
}
