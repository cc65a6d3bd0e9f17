package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is the counter view embedded in STATS reports.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Traffic     TrafficMetrics `json:"traffic"`
	Drops       DropMetrics    `json:"drops"`
	Peers       PeerMetrics    `json:"peers"`
}

type TrafficMetrics struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Delivered uint64 `json:"delivered"`
}

type DropMetrics struct {
	Duplicate    uint64 `json:"duplicate"`
	HopLimit     uint64 `json:"hop_limit"`
	BadSignature uint64 `json:"bad_signature"`
	Decrypt      uint64 `json:"decrypt"`
	Malformed    uint64 `json:"malformed"`
	UnknownType  uint64 `json:"unknown_type"`
	Transport    uint64 `json:"transport"`
}

type PeerMetrics struct {
	Authenticated uint64 `json:"authenticated"`
	AuthRejects   uint64 `json:"auth_rejects"`
	Evictions     uint64 `json:"evictions"`
	ReportFails   uint64 `json:"report_fails"`
}

type Metrics struct {
	sent      atomic.Uint64
	received  atomic.Uint64
	forwarded atomic.Uint64
	delivered atomic.Uint64

	dropDuplicate    atomic.Uint64
	dropHopLimit     atomic.Uint64
	dropBadSignature atomic.Uint64
	dropDecrypt      atomic.Uint64
	dropMalformed    atomic.Uint64
	dropUnknownType  atomic.Uint64
	dropTransport    atomic.Uint64

	peersAuthenticated atomic.Uint64
	authRejects        atomic.Uint64
	evictions          atomic.Uint64
	reportFails        atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSent()      { m.sent.Add(1) }
func (m *Metrics) IncReceived()  { m.received.Add(1) }
func (m *Metrics) IncForwarded() { m.forwarded.Add(1) }
func (m *Metrics) IncDelivered() { m.delivered.Add(1) }

func (m *Metrics) IncDropDuplicate()    { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropHopLimit()     { m.dropHopLimit.Add(1) }
func (m *Metrics) IncDropBadSignature() { m.dropBadSignature.Add(1) }
func (m *Metrics) IncDropDecrypt()      { m.dropDecrypt.Add(1) }
func (m *Metrics) IncDropMalformed()    { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropUnknownType()  { m.dropUnknownType.Add(1) }
func (m *Metrics) IncDropTransport()    { m.dropTransport.Add(1) }

func (m *Metrics) IncAuthReject() { m.authRejects.Add(1) }
func (m *Metrics) IncEviction()   { m.evictions.Add(1) }
func (m *Metrics) IncReportFail() { m.reportFails.Add(1) }
func (m *Metrics) SetPeers(n int) { m.peersAuthenticated.Store(uint64(n)) }

func (m *Metrics) Sent() uint64      { return m.sent.Load() }
func (m *Metrics) Received() uint64  { return m.received.Load() }
func (m *Metrics) Forwarded() uint64 { return m.forwarded.Load() }

func (m *Metrics) SnapshotView() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Traffic: TrafficMetrics{
			Sent:      m.sent.Load(),
			Received:  m.received.Load(),
			Forwarded: m.forwarded.Load(),
			Delivered: m.delivered.Load(),
		},
		Drops: DropMetrics{
			Duplicate:    m.dropDuplicate.Load(),
			HopLimit:     m.dropHopLimit.Load(),
			BadSignature: m.dropBadSignature.Load(),
			Decrypt:      m.dropDecrypt.Load(),
			Malformed:    m.dropMalformed.Load(),
			UnknownType:  m.dropUnknownType.Load(),
			Transport:    m.dropTransport.Load(),
		},
		Peers: PeerMetrics{
			Authenticated: m.peersAuthenticated.Load(),
			AuthRejects:   m.authRejects.Load(),
			Evictions:     m.evictions.Load(),
			ReportFails:   m.reportFails.Load(),
		},
	}
}
