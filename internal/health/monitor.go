// Package health tracks peer liveness. Every authenticated peer is pinged
// once per interval so latency stays measured; peers move through three
// states based on silence: connected, stale, and disconnected, at which point
// they are evicted together with their routes.
package health

import (
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"nexlattice/internal/crypto"
	"nexlattice/internal/metrics"
	"nexlattice/internal/peer"
	"nexlattice/internal/proto"
)

// State is a peer's liveness classification.
type State string

const (
	StateConnected    State = "connected"
	StateStale        State = "stale"
	StateDisconnected State = "disconnected"
)

// Sender is the slice of the transport the monitor needs. Health probes ride
// the discovery port.
type Sender interface {
	SendDiscovery(host string, data []byte) error
}

// EvictFunc is called after a peer is evicted for silence.
type EvictFunc func(peerID string)

// DefaultInterval is the ping cadence when the config leaves it zero.
const DefaultInterval = 10 * time.Second

type Config struct {
	// PeerTimeout is the silence after which a peer is evicted. An
	// unauthenticated record stalled past half of it is abandoned.
	PeerTimeout time.Duration
	// Interval is the monitoring cadence. Each authenticated peer is
	// pinged at most once per interval.
	Interval time.Duration
}

type Monitor struct {
	selfID  string
	cfg     Config
	dir     *peer.Directory
	engine  *crypto.Engine
	send    Sender
	metrics *metrics.Metrics
	log     *zap.Logger
	onEvict EvictFunc

	mu       sync.Mutex
	seq      uint64
	pending  map[string]pendingPing
	lastPing map[string]time.Time
	now      func() time.Time
}

type pendingPing struct {
	seq    uint64
	sentAt time.Time
}

func New(selfID string, cfg Config, dir *peer.Directory, engine *crypto.Engine, send Sender, m *metrics.Metrics, log *zap.Logger, onEvict EvictFunc) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{
		selfID:   selfID,
		cfg:      cfg,
		dir:      dir,
		engine:   engine,
		send:     send,
		metrics:  m,
		log:      log,
		onEvict:  onEvict,
		pending:  make(map[string]pendingPing),
		lastPing: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Classify maps a peer's silence to its liveness state.
func (h *Monitor) Classify(rec peer.Record) State {
	silence := h.now().Sub(rec.LastSeen)
	switch {
	case silence > h.cfg.PeerTimeout:
		return StateDisconnected
	case silence > h.cfg.PeerTimeout/2:
		return StateStale
	default:
		return StateConnected
	}
}

// Tick runs one monitoring pass: every authenticated peer not pinged within
// the interval gets a PING, disconnected peers are evicted, and stalled
// handshakes are abandoned so they cannot hold a directory slot. Returns the
// number of evictions.
func (h *Monitor) Tick() int {
	evicted := 0
	for _, rec := range h.dir.All() {
		if !rec.Authenticated {
			if h.now().Sub(rec.LastSeen) > h.cfg.PeerTimeout/2 {
				h.dir.Remove(rec.ID, "abandoned-handshake")
				h.log.Debug("abandoned handshake dropped", zap.String("peer", rec.ID))
			}
			continue
		}
		if h.Classify(rec) == StateDisconnected {
			h.evict(rec)
			evicted++
			continue
		}
		h.mu.Lock()
		due := h.now().Sub(h.lastPing[rec.ID]) >= h.cfg.Interval
		h.mu.Unlock()
		if due {
			h.probe(rec)
		}
	}
	h.metrics.SetPeers(len(h.dir.Authenticated()))
	return evicted
}

func (h *Monitor) evict(rec peer.Record) {
	h.clearPending(rec.ID)
	h.dir.Remove(rec.ID, "timeout")
	h.metrics.IncEviction()
	h.log.Warn("peer evicted for silence",
		zap.String("peer", rec.ID),
		zap.Duration("silence", h.now().Sub(rec.LastSeen)))
	if h.onEvict != nil {
		h.onEvict(rec.ID)
	}
}

func (h *Monitor) probe(rec peer.Record) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.pending[rec.ID] = pendingPing{seq: seq, sentAt: h.now()}
	h.lastPing[rec.ID] = h.now()
	h.mu.Unlock()

	m := proto.PingMsg{
		Type:      proto.TypePing,
		NodeID:    h.selfID,
		Seq:       seq,
		Timestamp: h.now().UnixMilli(),
	}
	m.Sig = hex.EncodeToString(h.engine.Sign(m.SigInput()))
	data, err := proto.Encode(m)
	if err != nil {
		h.log.Error("encode ping", zap.Error(err))
		return
	}
	if err := h.send.SendDiscovery(rec.Addr, data); err != nil {
		h.metrics.IncDropTransport()
		h.log.Debug("ping send failed", zap.String("peer", rec.ID), zap.Error(err))
	}
}

// HandlePing answers with a PONG echoing the sequence number.
func (h *Monitor) HandlePing(m proto.PingMsg, fromHost string) {
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || !h.engine.Verify(m.SigInput(), sig) {
		h.metrics.IncDropBadSignature()
		return
	}
	h.dir.Touch(m.NodeID)

	pong := proto.PongMsg{
		Type:      proto.TypePong,
		NodeID:    h.selfID,
		Seq:       m.Seq,
		Timestamp: h.now().UnixMilli(),
	}
	pong.Sig = hex.EncodeToString(h.engine.Sign(pong.SigInput()))
	data, err := proto.Encode(pong)
	if err != nil {
		h.log.Error("encode pong", zap.Error(err))
		return
	}
	if err := h.send.SendDiscovery(fromHost, data); err != nil {
		h.metrics.IncDropTransport()
		h.log.Debug("pong send failed", zap.String("peer", m.NodeID), zap.Error(err))
	}
}

// HandlePong matches the reply to its outstanding probe and folds the round
// trip into the peer's latency average.
func (h *Monitor) HandlePong(m proto.PongMsg) {
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || !h.engine.Verify(m.SigInput(), sig) {
		h.metrics.IncDropBadSignature()
		return
	}

	h.mu.Lock()
	p, ok := h.pending[m.NodeID]
	if ok && p.seq == m.Seq {
		delete(h.pending, m.NodeID)
	}
	h.mu.Unlock()
	if !ok || p.seq != m.Seq {
		h.log.Debug("unmatched pong",
			zap.String("peer", m.NodeID), zap.Uint64("seq", m.Seq))
		return
	}

	rtt := h.now().Sub(p.sentAt)
	h.dir.ObserveLatency(m.NodeID, float64(rtt.Microseconds())/1000)
	h.log.Debug("pong", zap.String("peer", m.NodeID), zap.Duration("rtt", rtt))
}

func (h *Monitor) clearPending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	delete(h.lastPing, id)
	h.mu.Unlock()
}
