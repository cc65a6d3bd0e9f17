// Package discovery runs the neighbor handshake: broadcast probes, the
// challenge-response exchange, and admission of authenticated peers into the
// directory.
package discovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nexlattice/internal/crypto"
	"nexlattice/internal/metrics"
	"nexlattice/internal/peer"
	"nexlattice/internal/proto"
)

// ResponseFreshness bounds how old a signed discovery response's timestamp may
// be. Anything older is treated as a replayed capture.
const ResponseFreshness = crypto.DefaultChallengeTTL

// Sender is the slice of the transport the handshake needs.
type Sender interface {
	Broadcast(data []byte) error
	SendDiscovery(host string, data []byte) error
}

type Manager struct {
	identity   *crypto.Identity
	engine     *crypto.Engine
	challenges *crypto.ChallengeStore
	dir        *peer.Directory
	send       Sender
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu sync.Mutex
	// lastStamp holds, per responder, the newest timestamp accepted on a
	// signed discovery response. A response must advance past it, so a
	// captured datagram cannot be replayed to rewrite the peer's address.
	lastStamp map[string]int64
}

func NewManager(id *crypto.Identity, engine *crypto.Engine, challenges *crypto.ChallengeStore, dir *peer.Directory, send Sender, m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		identity:   id,
		engine:     engine,
		challenges: challenges,
		dir:        dir,
		send:       send,
		metrics:    m,
		log:        log,
		lastStamp:  make(map[string]int64),
	}
}

// Broadcast sends one unsigned probe to the local segment. Identity is
// claimed, not proven; proof happens in the challenge exchange.
func (d *Manager) Broadcast() error {
	m := proto.DiscoveryMsg{
		Type:      proto.TypeDiscovery,
		NodeID:    d.identity.ID,
		NodeName:  d.identity.Name,
		PublicID:  d.identity.PublicID,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return d.send.Broadcast(data)
}

// HandleDiscovery answers a probe with a signed response carrying a fresh
// challenge. The prober is tracked unauthenticated until it answers.
func (d *Manager) HandleDiscovery(m proto.DiscoveryMsg, fromHost string) {
	if m.NodeID == d.identity.ID {
		return
	}
	if rec, ok := d.dir.Get(m.NodeID); !ok || !rec.Authenticated {
		err := d.dir.Upsert(peer.Record{
			ID:       m.NodeID,
			Name:     m.NodeName,
			Addr:     fromHost,
			PublicID: m.PublicID,
			LastSeen: time.Now(),
		})
		if err != nil {
			d.log.Debug("probe ignored", zap.String("peer", m.NodeID), zap.Error(err))
			return
		}
	} else {
		d.dir.Touch(m.NodeID)
	}

	nonce, err := d.challenges.Generate(m.NodeID)
	if err != nil {
		d.log.Error("challenge generation failed", zap.Error(err))
		return
	}
	resp := proto.DiscoveryResponseMsg{
		Type:      proto.TypeDiscoveryResponse,
		NodeID:    d.identity.ID,
		NodeName:  d.identity.Name,
		PublicID:  d.identity.PublicID,
		Challenge: hex.EncodeToString(nonce),
		Timestamp: time.Now().UnixMilli(),
	}
	resp.Sig = hex.EncodeToString(d.engine.Sign(resp.SigInput()))
	data, err := proto.Encode(resp)
	if err != nil {
		d.log.Error("encode discovery response", zap.Error(err))
		return
	}
	if err := d.send.SendDiscovery(fromHost, data); err != nil {
		d.metrics.IncDropTransport()
		d.log.Debug("discovery response send failed",
			zap.String("peer", m.NodeID), zap.Error(err))
	}
}

// HandleDiscoveryResponse verifies the responder's signature, answers its
// challenge, and admits the responder. A valid signature already proves the
// responder holds the shared secret, so it is authenticated here; our own
// proof travels back in the AUTH_RESPONSE.
func (d *Manager) HandleDiscoveryResponse(m proto.DiscoveryResponseMsg, fromHost string) {
	if m.NodeID == d.identity.ID {
		return
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || !d.engine.Verify(m.SigInput(), sig) {
		d.metrics.IncAuthReject()
		d.log.Warn("discovery response rejected: invalid signature",
			zap.String("peer", m.NodeID), zap.String("from", fromHost))
		return
	}
	if !d.acceptStamp(m.NodeID, m.Timestamp) {
		d.metrics.IncAuthReject()
		d.log.Warn("discovery response rejected: stale or replayed timestamp",
			zap.String("peer", m.NodeID), zap.String("from", fromHost))
		return
	}
	nonce, err := hex.DecodeString(m.Challenge)
	if err != nil {
		d.metrics.IncAuthReject()
		d.log.Warn("discovery response rejected: bad challenge encoding",
			zap.String("peer", m.NodeID))
		return
	}

	auth := proto.AuthResponseMsg{
		Type:              proto.TypeAuthResponse,
		NodeID:            d.identity.ID,
		PublicID:          d.identity.PublicID,
		ChallengeResponse: hex.EncodeToString(d.challenges.Response(nonce)),
		Timestamp:         time.Now().UnixMilli(),
	}
	auth.Sig = hex.EncodeToString(d.engine.Sign(auth.SigInput()))
	data, err := proto.Encode(auth)
	if err != nil {
		d.log.Error("encode auth response", zap.Error(err))
		return
	}
	if err := d.send.SendDiscovery(fromHost, data); err != nil {
		d.metrics.IncDropTransport()
		d.log.Warn("auth response send failed", zap.String("peer", m.NodeID), zap.Error(err))
		return
	}

	if err := d.admit(m.NodeID, m.NodeName, fromHost, m.PublicID); err != nil {
		d.log.Warn("peer admission failed", zap.String("peer", m.NodeID), zap.Error(err))
	}
}

// HandleAuthResponse completes the handshake we initiated by issuing a
// challenge. Failure for any reason discards the pending challenge; the peer
// must restart from a probe.
func (d *Manager) HandleAuthResponse(m proto.AuthResponseMsg, fromHost string) {
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || !d.engine.Verify(m.SigInput(), sig) {
		d.reject(m.NodeID, "invalid-signature")
		return
	}
	mac, err := hex.DecodeString(m.ChallengeResponse)
	if err != nil {
		d.reject(m.NodeID, "bad-challenge-encoding")
		return
	}
	if err := d.challenges.VerifyResponse(m.NodeID, mac); err != nil {
		switch {
		case errors.Is(err, crypto.ErrChallengeExpired):
			d.reject(m.NodeID, "expired-challenge")
		case errors.Is(err, crypto.ErrChallengeUnknown):
			d.reject(m.NodeID, "no-pending-challenge")
		default:
			d.reject(m.NodeID, "bad-challenge-response")
		}
		return
	}

	name := ""
	if rec, ok := d.dir.Get(m.NodeID); ok {
		name = rec.Name
		if fromHost == "" {
			fromHost = rec.Addr
		}
	}
	if err := d.admit(m.NodeID, name, fromHost, m.PublicID); err != nil {
		d.log.Warn("peer admission failed", zap.String("peer", m.NodeID), zap.Error(err))
	}
}

// admit marks the peer authenticated, derives the pairwise session key, and
// installs the one-hop route.
func (d *Manager) admit(id, name, addr, publicID string) error {
	key := d.engine.DeriveSessionKey(d.identity.PublicID, publicID)
	err := d.dir.Upsert(peer.Record{
		ID:            id,
		Name:          name,
		Addr:          addr,
		PublicID:      publicID,
		SessionKey:    key,
		LastSeen:      time.Now(),
		HopDistance:   1,
		Authenticated: true,
	})
	if err != nil {
		return err
	}
	if err := d.dir.InstallRoute(id, id, 1); err != nil {
		return fmt.Errorf("install route: %w", err)
	}
	d.metrics.SetPeers(len(d.dir.Authenticated()))
	d.log.Info("peer authenticated",
		zap.String("peer", id), zap.String("name", name), zap.String("addr", addr))
	return nil
}

// acceptStamp checks a signed response's timestamp: it must fall inside the
// freshness window and advance past the last one accepted from this peer.
// Only signature-verified timestamps reach here, so the map cannot be grown
// without the shared secret.
func (d *Manager) acceptStamp(id string, ts int64) bool {
	if delta := time.Since(time.UnixMilli(ts)); delta > ResponseFreshness || delta < -ResponseFreshness {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastStamp[id]; ok && ts <= last {
		return false
	}
	d.lastStamp[id] = ts
	return true
}

// reject handles a failed handshake completion. The peer's record is removed
// whether or not it was authenticated, so a failed handshake never holds a
// directory slot.
func (d *Manager) reject(id, reason string) {
	d.metrics.IncAuthReject()
	d.log.Warn("authentication rejected",
		zap.String("peer", id), zap.String("reason", reason))
	if rec, ok := d.dir.Get(id); ok {
		d.dir.Remove(id, "authentication-failure")
		if rec.Authenticated {
			d.metrics.IncEviction()
		}
		d.metrics.SetPeers(len(d.dir.Authenticated()))
	}
}
