package neighbor

import "github.com/blockburn/corenet/payload"

// NumHealthPoints bounds the rolling health-point window (spec.md §6).
const NumHealthPoints = 32

// HealthPointLifetime is how long a successful healthpoint is still counted
// as "fresh" by HealthScore, in seconds (spec.md §6: 12 hours).
const HealthPointLifetime = 12 * 3600

// HealthPoint is a single (success, timestamp) liveness sample.
type HealthPoint struct {
	Success bool
	Time    uint64
}

// Stats tracks a neighbor's traffic counters, contact timestamps and rolling
// health window (component E of the conversation engine, spec.md §3).
type Stats struct {
	Outbound bool

	BytesTx uint64
	BytesRx uint64

	MsgsTx            uint64
	MsgsRx            uint64
	MsgsRxUnsolicited uint64
	MsgsErr           uint64
	PeerResets        uint64

	FirstContactTime  uint64
	LastSendTime      uint64
	LastRecvTime      uint64
	LastHandshakeTime uint64
	LastContactTime   uint64
	LastResetTime     uint64

	HealthPoints []HealthPoint
	MsgRxCounts  map[payload.Kind]uint64
}

// NewStats returns a zeroed Stats for a freshly created conversation.
func NewStats(outbound bool) *Stats {
	return &Stats{
		Outbound:    outbound,
		MsgRxCounts: make(map[payload.Kind]uint64),
	}
}

// AddHealthPoint appends a new sample, evicting the oldest from the front
// when the window would exceed NumHealthPoints (spec.md invariant:
// healthpoints.len() <= 32, insertion appends, overflow drops from front).
func (s *Stats) AddHealthPoint(success bool, now uint64) {
	s.HealthPoints = append(s.HealthPoints, HealthPoint{Success: success, Time: now})
	if len(s.HealthPoints) > NumHealthPoints {
		s.HealthPoints = s.HealthPoints[len(s.HealthPoints)-NumHealthPoints:]
	}
}

// HealthScore returns 0.5 until the window fills, and thereafter the
// fraction of the 32 most recent points that were both successful and not
// yet stale (spec.md §4.E).
func (s *Stats) HealthScore(now uint64) float64 {
	if len(s.HealthPoints) < NumHealthPoints {
		return 0.5
	}
	var successes int
	for _, hp := range s.HealthPoints {
		if hp.Success && now < hp.Time+HealthPointLifetime {
			successes++
		}
	}
	return float64(successes) / float64(NumHealthPoints)
}

// RecordSend updates send-side counters after an n-byte message was queued
// for sending.
func (s *Stats) RecordSend(n int, now uint64) {
	s.BytesTx += uint64(n)
	s.MsgsTx++
	s.LastSendTime = now
}

// RecordSolicitedRecv updates receive-side counters for a message that
// fulfilled an outstanding request.
func (s *Stats) RecordSolicitedRecv(kind payload.Kind, n int, now uint64) {
	s.BytesRx += uint64(n)
	s.MsgsRx++
	s.MsgRxCounts[kind]++
	s.LastRecvTime = now
	s.LastContactTime = now
	if s.FirstContactTime == 0 {
		s.FirstContactTime = now
	}
	s.AddHealthPoint(true, now)
}

// RecordUnsolicitedRecv updates receive-side counters for a message that did
// not match any outstanding request. Only the unsolicited counter moves;
// spec.md §4.D step 5 does not dock or credit health for these.
func (s *Stats) RecordUnsolicitedRecv() {
	s.MsgsRxUnsolicited++
}

// RecordErr docks an unhealthy point after a validation or processing error.
func (s *Stats) RecordErr(now uint64) {
	s.MsgsErr++
	s.AddHealthPoint(false, now)
}

// RecordReset bumps the peer-reset counter on a peer-initiated TCP reset,
// preserving everything else about the neighbor's learned identity.
func (s *Stats) RecordReset(now uint64) {
	s.PeerResets++
	s.LastResetTime = now
}
