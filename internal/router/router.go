// Package router makes the hop-by-hop forwarding decisions for DATA
// messages and originates outbound application traffic.
package router

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nexlattice/internal/cache"
	"nexlattice/internal/crypto"
	"nexlattice/internal/metrics"
	"nexlattice/internal/peer"
	"nexlattice/internal/proto"
)

var (
	ErrNoPeers     = errors.New("no authenticated peers")
	ErrUnknownDest = errors.New("unknown destination")
)

// Sender is the slice of the transport the router needs.
type Sender interface {
	SendData(host string, data []byte) error
}

// DeliverFunc receives payloads addressed to this node.
type DeliverFunc func(source string, payload []byte)

type Config struct {
	MaxHops         int
	SigFailureLimit int
}

type Router struct {
	selfID  string
	cfg     Config
	dir     *peer.Directory
	cache   *cache.Cache
	engine  *crypto.Engine
	send    Sender
	metrics *metrics.Metrics
	log     *zap.Logger
	deliver DeliverFunc
	counter atomic.Uint64
}

func New(selfID string, cfg Config, dir *peer.Directory, msgCache *cache.Cache, engine *crypto.Engine, send Sender, m *metrics.Metrics, log *zap.Logger, deliver DeliverFunc) *Router {
	return &Router{
		selfID:  selfID,
		cfg:     cfg,
		dir:     dir,
		cache:   msgCache,
		engine:  engine,
		send:    send,
		metrics: m,
		log:     log,
		deliver: deliver,
	}
}

// HandleData processes one inbound DATA message: verify, deliver or forward.
// Every drop is counted; none is fatal.
func (r *Router) HandleData(m proto.DataMsg) {
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || !r.engine.Verify(m.SigInput(), sig) {
		r.metrics.IncDropBadSignature()
		r.recordSigFailure(m.NodeID)
		r.log.Debug("data dropped: bad signature",
			zap.String("msg_id", m.MsgID), zap.String("from", m.NodeID))
		return
	}
	r.dir.ResetSigFailures(m.NodeID)
	r.dir.Touch(m.NodeID)
	if m.Source != r.selfID {
		// The arrival hop count is the source's distance in links.
		r.dir.ObserveHopDistance(m.Source, m.HopCount)
	}

	if m.Destination == r.selfID {
		// Flooded copies can reach the destination more than once; the cache
		// keeps delivery exactly-once too.
		if r.cache.Seen(m.MsgID) {
			r.metrics.IncDropDuplicate()
			return
		}
		r.cache.Add(m.MsgID)
		r.deliverLocal(m)
		return
	}

	if r.cache.Seen(m.MsgID) {
		r.metrics.IncDropDuplicate()
		r.log.Debug("data dropped: duplicate", zap.String("msg_id", m.MsgID))
		return
	}
	if m.HopCount >= r.cfg.MaxHops {
		r.metrics.IncDropHopLimit()
		r.log.Debug("data dropped: hop limit",
			zap.String("msg_id", m.MsgID), zap.Int("hop_count", m.HopCount))
		return
	}
	r.cache.Add(m.MsgID)
	m.HopCount++

	arrivedFrom := m.NodeID
	m.NodeID = r.selfID
	if err := r.route(m, arrivedFrom); err != nil {
		r.log.Debug("forward failed", zap.String("msg_id", m.MsgID), zap.Error(err))
		return
	}
	r.metrics.IncForwarded()
}

func (r *Router) deliverLocal(m proto.DataMsg) {
	payload, err := hex.DecodeString(m.Payload)
	if err != nil {
		r.metrics.IncDropMalformed()
		r.log.Debug("delivery dropped: bad payload encoding", zap.String("msg_id", m.MsgID))
		return
	}
	if m.Encrypted {
		payload, err = r.engine.Decrypt(payload, r.payloadKey(m.Source))
		if err != nil {
			// Likely key desync; the peer re-handshakes on the next
			// discovery cycle.
			r.metrics.IncDropDecrypt()
			r.log.Warn("delivery dropped: decryption failure",
				zap.String("msg_id", m.MsgID), zap.String("source", m.Source))
			return
		}
	}
	r.metrics.IncDelivered()
	if r.deliver != nil {
		r.deliver(m.Source, payload)
	}
}

// Send originates a DATA message and routes it.
func (r *Router) Send(dest string, payload []byte, encrypt bool) error {
	if dest == r.selfID {
		return fmt.Errorf("destination is self")
	}
	wire := payload
	if encrypt {
		sealed, err := r.engine.Encrypt(payload, r.payloadKey(dest))
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
		wire = sealed
	}
	m := proto.DataMsg{
		Type:        proto.TypeData,
		NodeID:      r.selfID,
		Source:      r.selfID,
		Destination: dest,
		Payload:     hex.EncodeToString(wire),
		Encrypted:   encrypt,
		// Hop count tallies transmissions, so the originating send is hop 1
		// and a direct neighbor delivers at 1.
		HopCount:  1,
		MsgID:     proto.NewMsgID(r.selfID, r.counter.Add(1)),
		TTL:       proto.DefaultDataTTL,
		Timestamp: time.Now().UnixMilli(),
	}
	m.Sig = hex.EncodeToString(r.engine.Sign(m.SigInput()))
	// Our own ids go in the cache so flooded copies are not re-forwarded.
	r.cache.Add(m.MsgID)
	if err := r.route(m, ""); err != nil {
		return err
	}
	r.metrics.IncSent()
	return nil
}

// route picks the next hop: direct peer, then routing entry, then flood.
func (r *Router) route(m proto.DataMsg, arrivedFrom string) error {
	data, err := proto.Encode(m)
	if err != nil {
		return err
	}
	if rec, ok := r.dir.Get(m.Destination); ok && rec.Authenticated && rec.Addr != "" {
		return r.sendTo(rec.Addr, data)
	}
	if rt, ok := r.dir.NextHop(m.Destination); ok {
		if rec, ok := r.dir.Get(rt.NextHop); ok && rec.Authenticated && rec.Addr != "" {
			return r.sendTo(rec.Addr, data)
		}
	}
	return r.flood(m, data, arrivedFrom)
}

// flood re-reads the live peer set on every send, so peers evicted since the
// message arrived are naturally skipped. Targets go out in parallel; one
// dead address's retry backoff cannot stall the rest of the fanout or the
// caller's read loop behind it.
func (r *Router) flood(m proto.DataMsg, data []byte, arrivedFrom string) error {
	peers := r.dir.Authenticated()
	var wg sync.WaitGroup
	var sent atomic.Int64
	for _, rec := range peers {
		if rec.ID == arrivedFrom || rec.ID == m.Source || rec.Addr == "" {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := r.sendTo(addr, data); err == nil {
				sent.Add(1)
			}
		}(rec.Addr)
	}
	wg.Wait()
	if sent.Load() == 0 {
		if len(peers) == 0 {
			return ErrNoPeers
		}
		return fmt.Errorf("flood %s: %w", m.Destination, ErrUnknownDest)
	}
	r.log.Debug("flooded", zap.String("msg_id", m.MsgID), zap.Int64("fanout", sent.Load()))
	return nil
}

func (r *Router) sendTo(host string, data []byte) error {
	if err := r.send.SendData(host, data); err != nil {
		r.metrics.IncDropTransport()
		return err
	}
	return nil
}

// payloadKey prefers the per-peer session key, falling back to the
// network-wide payload key for peers without an established session.
func (r *Router) payloadKey(peerID string) []byte {
	if rec, ok := r.dir.Get(peerID); ok && len(rec.SessionKey) > 0 {
		return rec.SessionKey
	}
	return r.engine.DataKey()
}

func (r *Router) recordSigFailure(peerID string) {
	if peerID == "" {
		return
	}
	count := r.dir.RecordSigFailure(peerID)
	if count >= r.cfg.SigFailureLimit && r.cfg.SigFailureLimit > 0 {
		r.log.Warn("repeated signature failures, forcing re-authentication",
			zap.String("peer", peerID), zap.Int("failures", count))
		r.dir.Remove(peerID, "repeated-signature-failures")
		r.metrics.IncEviction()
	}
}
