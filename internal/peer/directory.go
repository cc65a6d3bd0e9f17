// Package peer holds the authoritative record of known peers and the routing
// table. Both live under one lock so evicting a peer and dropping its routes
// is a single atomic step.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const latencySmoothing = 0.7

var (
	ErrDirectoryFull    = errors.New("peer directory full")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrNotAuthenticated = errors.New("peer not authenticated")
)

// Record is everything known about one peer.
type Record struct {
	ID       string
	Name     string
	Addr     string
	PublicID string
	// SessionKey is set only once a handshake has succeeded.
	SessionKey    []byte
	LastSeen      time.Time
	LatencyMS     float64
	HopDistance   int
	Authenticated bool
	SigFailures   int
}

// Route is one routing-table entry: reach Destination via NextHop.
type Route struct {
	Destination string
	NextHop     string
	Metric      int
	Updated     time.Time
}

type Directory struct {
	mu     sync.Mutex
	max    int
	log    *zap.Logger
	peers  map[string]*Record
	routes map[string]Route
	now    func() time.Time
}

func NewDirectory(maxPeers int, log *zap.Logger) *Directory {
	return &Directory{
		max:    maxPeers,
		log:    log,
		peers:  make(map[string]*Record),
		routes: make(map[string]Route),
		now:    time.Now,
	}
}

// Upsert inserts or replaces the record for rec.ID. A nil SessionKey on an
// update keeps the stored key.
func (d *Directory) Upsert(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("missing peer id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.peers[rec.ID]
	if !ok && d.max > 0 && len(d.peers) >= d.max {
		return ErrDirectoryFull
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = d.now()
	}
	if ok {
		if rec.SessionKey == nil {
			rec.SessionKey = existing.SessionKey
		}
		if rec.LatencyMS == 0 {
			rec.LatencyMS = existing.LatencyMS
		}
	}
	stored := rec
	d.peers[rec.ID] = &stored
	return nil
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Remove deletes the peer and, atomically, every routing entry that
// references it as destination or next hop. Reports whether a peer existed.
func (d *Directory) Remove(id, reason string) bool {
	d.mu.Lock()
	_, ok := d.peers[id]
	delete(d.peers, id)
	dropped := 0
	for dest, rt := range d.routes {
		if rt.NextHop == id || rt.Destination == id {
			delete(d.routes, dest)
			dropped++
		}
	}
	d.mu.Unlock()
	if ok {
		d.log.Info("peer removed",
			zap.String("peer", id),
			zap.String("reason", reason),
			zap.Int("routes_dropped", dropped))
	}
	return ok
}

// All returns copies of every record, authenticated or not.
func (d *Directory) All() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, *rec)
	}
	return out
}

// Authenticated returns copies of all authenticated peers, the only ones
// eligible as forwarding targets.
func (d *Directory) Authenticated() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.peers))
	for _, rec := range d.peers {
		if rec.Authenticated {
			out = append(out, *rec)
		}
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Touch refreshes the peer's last-seen timestamp.
func (d *Directory) Touch(id string) {
	d.mu.Lock()
	if rec, ok := d.peers[id]; ok {
		rec.LastSeen = d.now()
	}
	d.mu.Unlock()
}

// ObserveLatency folds a new latency sample into the rolling average and
// refreshes last-seen.
func (d *Directory) ObserveLatency(id string, ms float64) {
	d.mu.Lock()
	if rec, ok := d.peers[id]; ok {
		if rec.LatencyMS == 0 {
			rec.LatencyMS = ms
		} else {
			rec.LatencyMS = latencySmoothing*rec.LatencyMS + (1-latencySmoothing)*ms
		}
		rec.LastSeen = d.now()
	}
	d.mu.Unlock()
}

// ObserveHopDistance refreshes the peer's distance in hops, as observed from
// the hop count of traffic it originated.
func (d *Directory) ObserveHopDistance(id string, hops int) {
	d.mu.Lock()
	if rec, ok := d.peers[id]; ok && hops > 0 {
		rec.HopDistance = hops
	}
	d.mu.Unlock()
}

// RecordSigFailure bumps the peer's consecutive signature-failure counter and
// returns the new count.
func (d *Directory) RecordSigFailure(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[id]
	if !ok {
		return 0
	}
	rec.SigFailures++
	return rec.SigFailures
}

func (d *Directory) ResetSigFailures(id string) {
	d.mu.Lock()
	if rec, ok := d.peers[id]; ok {
		rec.SigFailures = 0
	}
	d.mu.Unlock()
}

// InstallRoute adds or refreshes a routing entry. The next hop must be an
// existing, authenticated peer.
func (d *Directory) InstallRoute(dest, nextHop string, metric int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hop, ok := d.peers[nextHop]
	if !ok {
		return fmt.Errorf("install route to %s: %w", dest, ErrUnknownPeer)
	}
	if !hop.Authenticated {
		return fmt.Errorf("install route to %s: %w", dest, ErrNotAuthenticated)
	}
	d.routes[dest] = Route{
		Destination: dest,
		NextHop:     nextHop,
		Metric:      metric,
		Updated:     d.now(),
	}
	return nil
}

// NextHop looks up the routing entry for dest.
func (d *Directory) NextHop(dest string) (Route, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.routes[dest]
	return rt, ok
}

func (d *Directory) Routes() []Route {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Route, 0, len(d.routes))
	for _, rt := range d.routes {
		out = append(out, rt)
	}
	return out
}
