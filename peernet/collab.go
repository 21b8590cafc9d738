package peernet

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/netaddr"
	"github.com/blockburn/corenet/payload"
)

// ErrNoSuchPeer is returned by PeerDB lookups that miss.
var ErrNoSuchPeer = errors.New("peernet: no such peer")

// LocalPeer is the persisted record of this node's own identity, as
// PeerDB.GetLocalPeer hands it back each tick so another thread's rekey can
// be picked up without a restart.
type LocalPeer struct {
	PrivateKey        *cryptosig.PrivateKey
	ExpireBlockHeight uint64
	AddrBytes         netaddr.Addr
	Port              uint16
	DataURL           string
	Services          uint32
}

// PeerRecord is one persisted neighbor entry.
type PeerRecord struct {
	Key               neighbor.Key
	PublicKey         *cryptosig.PublicKey
	ExpireBlockHeight uint64
	DataURL           string
	Whitelisted       int64 // <0 = forever, >now = until that unix time, else not whitelisted
	Blacklisted       bool
}

// PeerDB is the collaborator interface spec.md §6 describes: persistent
// storage for the local identity and the known neighbor set. Its real
// storage engine, ASN lookups and transactional semantics are out of
// scope; this interface and the in-memory implementation below exist only
// so the loop has something concrete to drive.
type PeerDB interface {
	GetLocalPeer() (*LocalPeer, error)
	SetLocalPrivateKey(priv *cryptosig.PrivateKey, expire uint64) error
	GetPeer(networkID uint32, addr netaddr.Addr, port uint16) (*PeerRecord, error)
	GetRandomNeighbors(networkID uint32, limit int, tipHeight uint64, excludeBlacklisted bool) ([]PeerRecord, error)
	SaveUpdate(rec PeerRecord) error
	ASNLookup(addr netaddr.Addr) (uint32, error)
}

// MemPeerDB is a minimal in-memory PeerDB, enough to drive tests and the
// demo binary. Every method holds an internal mutex while it runs.
type MemPeerDB struct {
	mu    sync.Mutex
	local *LocalPeer
	peers map[neighbor.Key]PeerRecord
}

// NewMemPeerDB seeds a MemPeerDB with the given local identity.
func NewMemPeerDB(local *LocalPeer) *MemPeerDB {
	return &MemPeerDB{local: local, peers: make(map[neighbor.Key]PeerRecord)}
}

// GetLocalPeer implements PeerDB.
func (m *MemPeerDB) GetLocalPeer() (*LocalPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.local
	return &cp, nil
}

// SetLocalPrivateKey implements PeerDB.
func (m *MemPeerDB) SetLocalPrivateKey(priv *cryptosig.PrivateKey, expire uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.PrivateKey = priv
	m.local.ExpireBlockHeight = expire
	return nil
}

// GetPeer implements PeerDB.
func (m *MemPeerDB) GetPeer(networkID uint32, addr netaddr.Addr, port uint16) (*PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range m.peers {
		if k.NetworkID == networkID && k.AddrBytes == addr && k.Port == port {
			cp := rec
			return &cp, nil
		}
	}
	return nil, ErrNoSuchPeer
}

// GetRandomNeighbors implements PeerDB.
func (m *MemPeerDB) GetRandomNeighbors(networkID uint32, limit int, tipHeight uint64, excludeBlacklisted bool) ([]PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []PeerRecord
	for k, rec := range m.peers {
		if k.NetworkID != networkID {
			continue
		}
		if excludeBlacklisted && rec.Blacklisted {
			continue
		}
		if rec.ExpireBlockHeight <= tipHeight {
			continue
		}
		candidates = append(candidates, rec)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// SaveUpdate implements PeerDB.
func (m *MemPeerDB) SaveUpdate(rec PeerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[rec.Key] = rec
	return nil
}

// ASNLookup implements PeerDB. The real ASN table is out of scope; this
// always reports ASN 0 (unknown).
func (m *MemPeerDB) ASNLookup(addr netaddr.Addr) (uint32, error) {
	return 0, nil
}

// WalkResult is what the (out-of-scope) neighbor-discovery walk driver
// reports back each tick: connections it decided to tear down, neighbors
// it replaced, and whether a pruning pass should run.
type WalkResult struct {
	BrokenConnections []int
	ReplacedNeighbors []neighbor.Key
	DoPrune           bool
}

// Walker is the neighbor-graph walk driver, explicitly out of scope per
// spec.md §1: invoked as an opaque subroutine.
type Walker interface {
	Walk(view interface{}, peers map[int]neighbor.Key) WalkResult
}

// NoopWalker never prunes or breaks anything; it stands in for the
// frontier-walk policy this core treats as a black box.
type NoopWalker struct{}

// Walk implements Walker.
func (NoopWalker) Walk(view interface{}, peers map[int]neighbor.Key) WalkResult {
	return WalkResult{}
}

// neighborsReplyFor builds a Neighbors payload from up to limit random
// fresh peers known to db, answering a GetNeighbors request.
func neighborsReplyFor(db PeerDB, networkID uint32, tipHeight uint64, limit int) (*payload.Neighbors, error) {
	recs, err := db.GetRandomNeighbors(networkID, limit, tipHeight, true)
	if err != nil {
		return nil, err
	}
	out := &payload.Neighbors{List: make([]payload.NeighborAddress, 0, len(recs))}
	for _, rec := range recs {
		out.List = append(out.List, payload.NeighborAddress{
			AddrBytes:   rec.Key.AddrBytes,
			Port:        rec.Key.Port,
			PeerVersion: rec.Key.PeerVersion,
		})
	}
	return out, nil
}
