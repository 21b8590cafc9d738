package peernet

import (
	"errors"
	"time"

	"github.com/blockburn/corenet/cryptosig"
)

// Errors returned by VerifyConfig, in the same style as the teacher's
// config.go sentinel errors.
var (
	ErrConfigPrivateKey  = errors.New("peernet: config missing private key")
	ErrConfigNetworkID   = errors.New("peernet: config missing network id")
	ErrConfigNumClients  = errors.New("peernet: config num_clients must be positive")
	ErrConfigPollTimeout = errors.New("peernet: config poll_timeout must be positive")
)

// Config parameters the peer network loop is constructed from, mirroring
// the teacher's plain-struct-plus-VerifyConfig idiom.
type Config struct {
	// PrivateKey is the node's own session signing key.
	PrivateKey *cryptosig.PrivateKey

	// NetworkID and PeerVersion identify which network and protocol major
	// version this node speaks.
	NetworkID   uint32
	PeerVersion uint32

	// StableConfirmations is the number of confirmations behind the tip a
	// block is considered stable, used in preamble validation.
	StableConfirmations uint64

	// Heartbeat is the local peer's own ping/handshake-accept interval, in
	// seconds.
	Heartbeat uint32

	// NumClients caps inbound connections accepted, and separately caps
	// outbound conversations opened.
	NumClients int
	// MaxOutboundPerIP caps concurrent outbound conversations to a single
	// remote address.
	MaxOutboundPerIP int
	// MaxInboundPerIP caps concurrent inbound sockets from a single remote
	// address.
	MaxInboundPerIP int

	// InboxLimit bounds the payload size this node accepts per message.
	InboxLimit uint32

	// RequestTTL is the default deadline given to a correlated request.
	RequestTTL time.Duration

	// PollTimeout bounds how long one run() tick waits for I/O readiness.
	PollTimeout time.Duration

	// DataURL is advertised in this node's own Handshake payload.
	DataURL string
	// Services is the bitmask of services this node advertises.
	Services uint32
	// KeyExpireBlocks is how many blocks ahead of the current tip a freshly
	// generated session key is set to expire.
	KeyExpireBlocks uint64
}

// VerifyConfig checks that c is complete enough to build a Server from.
func VerifyConfig(c *Config) error {
	if c.PrivateKey == nil {
		return ErrConfigPrivateKey
	}
	if c.NetworkID == 0 {
		return ErrConfigNetworkID
	}
	if c.NumClients <= 0 {
		return ErrConfigNumClients
	}
	if c.PollTimeout <= 0 {
		return ErrConfigPollTimeout
	}
	return nil
}
