// Package neighbor holds the routing identity and rolling health-score
// window for a remote peer (component E of the conversation engine).
package neighbor

import "github.com/blockburn/corenet/netaddr"

// Key is the routing identity of a neighbor. Equality of Key defines "same
// neighbor" for the purposes of the conversation engine.
type Key struct {
	PeerVersion uint32
	NetworkID   uint32
	AddrBytes   netaddr.Addr
	Port        uint16
}

// Equal reports whether k and other identify the same neighbor.
func (k Key) Equal(other Key) bool {
	return k == other
}
