// Package mesh wires every subsystem into one running node and owns its
// lifecycle state machine.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexlattice/internal/cache"
	"nexlattice/internal/config"
	"nexlattice/internal/crypto"
	"nexlattice/internal/discovery"
	"nexlattice/internal/health"
	"nexlattice/internal/metrics"
	"nexlattice/internal/peer"
	"nexlattice/internal/proto"
	"nexlattice/internal/report"
	"nexlattice/internal/router"
	"nexlattice/internal/transport"
)

// State is the node lifecycle phase.
type State string

const (
	StateInit        State = "init"
	StateConnecting  State = "connecting"
	StateDiscovering State = "discovering"
	StateActive      State = "active"
	StateRecovery    State = "recovery"
	StateError       State = "error"
	StateShutdown    State = "shutdown"
)

const (
	reopenBackoffBase = time.Second
	reopenBackoffMax  = 30 * time.Second
)

// DeliverFunc receives payloads addressed to this node.
type DeliverFunc = router.DeliverFunc

// Node is one mesh participant.
type Node struct {
	cfg      *config.Config
	log      *zap.Logger
	identity *crypto.Identity
	metrics  *metrics.Metrics
	dir      *peer.Directory

	transport *transport.UDP
	router    *router.Router
	discovery *discovery.Manager
	health    *health.Monitor
	reporter  *report.Reporter
	msgCache  *cache.Cache

	mu      sync.Mutex
	state   State
	deliver DeliverFunc

	recoverCh chan string
}

func New(cfg *config.Config, log *zap.Logger) (*Node, error) {
	identity, err := crypto.NewIdentity(cfg.NodeID, cfg.NodeName)
	if err != nil {
		return nil, err
	}
	engine := crypto.NewEngine(cfg.SharedSecret, crypto.Mode(cfg.Cipher), log)
	m := metrics.New()
	dir := peer.NewDirectory(cfg.MaxPeers, log)
	msgCache := cache.New(cache.DefaultTTL)

	n := &Node{
		cfg:       cfg,
		log:       log,
		identity:  identity,
		metrics:   m,
		dir:       dir,
		msgCache:  msgCache,
		state:     StateInit,
		recoverCh: make(chan string, 1),
	}

	n.transport = transport.New(transport.Config{
		BindAddr:      cfg.BindAddr,
		BroadcastAddr: cfg.BroadcastAddr,
		DiscoveryPort: cfg.DiscoveryPort,
		MessagePort:   cfg.MessagePort,
	}, log)

	n.router = router.New(identity.ID,
		router.Config{MaxHops: cfg.MaxHops, SigFailureLimit: cfg.SigFailureLimit},
		dir, msgCache, engine, n.transport, m, log,
		func(source string, payload []byte) { n.deliverLocal(source, payload) })

	n.discovery = discovery.NewManager(identity, engine,
		crypto.NewChallengeStore(engine, crypto.DefaultChallengeTTL),
		dir, n.transport, m, log)

	n.health = health.New(identity.ID,
		health.Config{PeerTimeout: cfg.PeerTimeout, Interval: cfg.HealthInterval},
		dir, engine, n.transport, m, log,
		func(peerID string) { n.onEviction(peerID) })

	n.reporter = report.New(identity, cfg.DashboardURL, dir, m, log)
	return n, nil
}

// OnMessage registers the delivery callback for payloads addressed to this
// node. Call before Run.
func (n *Node) OnMessage(fn DeliverFunc) {
	n.mu.Lock()
	n.deliver = fn
	n.mu.Unlock()
}

// Send originates an application message to dest. Payload encryption follows
// the node's configuration.
func (n *Node) Send(dest string, payload []byte) error {
	return n.router.Send(dest, payload, n.cfg.EncryptionEnabled)
}

// ID returns this node's mesh identifier.
func (n *Node) ID() string { return n.identity.ID }

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Run drives the node until ctx is cancelled. A transport failure tears the
// session down and rebuilds it from scratch with backoff; only cancellation
// ends the loop.
func (n *Node) Run(ctx context.Context) error {
	backoff := reopenBackoffBase
	for {
		n.setState(StateConnecting)
		if err := n.transport.Open(); err != nil {
			n.setState(StateError)
			n.log.Error("transport open failed", zap.Error(err))
			if !n.sleep(ctx, backoff) {
				n.setState(StateShutdown)
				return nil
			}
			backoff = nextBackoff(backoff)
			n.setState(StateInit)
			continue
		}
		backoff = reopenBackoffBase

		err := n.runSession(ctx)
		_ = n.transport.Close()
		if ctx.Err() != nil {
			n.setState(StateShutdown)
			n.log.Info("node stopped", zap.String("node", n.identity.ID))
			return nil
		}
		n.setState(StateError)
		n.log.Error("session failed, rebuilding", zap.Error(err))
		if !n.sleep(ctx, backoff) {
			n.setState(StateShutdown)
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

// runSession runs the receive loops and periodic work of one transport
// session. Returns when ctx is cancelled (nil) or a socket fails.
func (n *Node) runSession(ctx context.Context) error {
	n.setState(StateDiscovering)
	n.log.Info("node started",
		zap.String("node", n.identity.ID),
		zap.String("name", n.identity.Name))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.transport.Listen(gctx, n.dispatch)
	})
	g.Go(func() error {
		n.periodic(gctx)
		return nil
	})
	return g.Wait()
}

// periodic owns every timer-driven behavior: discovery probes, health passes,
// status reports, and cache sweeps.
func (n *Node) periodic(ctx context.Context) {
	if err := n.discovery.Broadcast(); err != nil {
		n.log.Warn("discovery broadcast failed", zap.Error(err))
	}

	discoveryT := time.NewTicker(n.cfg.DiscoveryInterval)
	healthT := time.NewTicker(n.cfg.HealthInterval)
	reportT := time.NewTicker(n.cfg.ReportInterval)
	sweepT := time.NewTicker(cache.DefaultTTL)
	defer discoveryT.Stop()
	defer healthT.Stop()
	defer reportT.Stop()
	defer sweepT.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-discoveryT.C:
			if err := n.discovery.Broadcast(); err != nil {
				n.log.Warn("discovery broadcast failed", zap.Error(err))
			}
		case <-healthT.C:
			n.health.Tick()
			n.refreshActivity()
		case <-reportT.C:
			if err := n.reporter.Report(ctx); err != nil {
				n.log.Warn("status report failed", zap.Error(err))
			}
		case <-sweepT.C:
			if purged := n.msgCache.Sweep(); purged > 0 {
				n.log.Debug("message cache swept", zap.Int("purged", purged))
			}
		case peerID := <-n.recoverCh:
			// Lost a peer: probe immediately instead of waiting out the
			// discovery interval.
			n.log.Info("recovering from peer loss", zap.String("peer", peerID))
			if err := n.discovery.Broadcast(); err != nil {
				n.log.Warn("recovery broadcast failed", zap.Error(err))
			}
			n.refreshActivity()
		}
	}
}

// dispatch routes one inbound datagram to its subsystem. No datagram is ever
// fatal: bad input is counted, logged, and dropped.
func (n *Node) dispatch(pkt transport.Packet) {
	msg, err := proto.Decode(pkt.Data)
	if err != nil {
		if errors.Is(err, proto.ErrUnknownType) {
			n.metrics.IncDropUnknownType()
		} else {
			n.metrics.IncDropMalformed()
		}
		n.log.Debug("datagram dropped", zap.String("from", pkt.From.String()), zap.Error(err))
		return
	}
	n.metrics.IncReceived()
	host := pkt.From.IP.String()

	switch m := msg.(type) {
	case proto.DiscoveryMsg:
		n.discovery.HandleDiscovery(m, host)
	case proto.DiscoveryResponseMsg:
		n.discovery.HandleDiscoveryResponse(m, host)
		n.refreshActivity()
	case proto.AuthResponseMsg:
		n.discovery.HandleAuthResponse(m, host)
		n.refreshActivity()
	case proto.DataMsg:
		n.router.HandleData(m)
	case proto.PingMsg:
		n.health.HandlePing(m, host)
	case proto.PongMsg:
		n.health.HandlePong(m)
	default:
		// STATS rides HTTP; anything else decodable but unroutable is noise.
		n.metrics.IncDropUnknownType()
		n.log.Debug("unroutable message type",
			zap.String("type", msg.MsgType()), zap.String("from", host))
	}
}

func (n *Node) deliverLocal(source string, payload []byte) {
	n.mu.Lock()
	fn := n.deliver
	n.mu.Unlock()
	if fn != nil {
		fn(source, payload)
		return
	}
	n.log.Info("message delivered",
		zap.String("source", source), zap.Int("bytes", len(payload)))
}

// onEviction runs after the health monitor removes a peer. The recovery
// nudge is best effort; a full channel means one is already queued.
func (n *Node) onEviction(peerID string) {
	n.setState(StateRecovery)
	select {
	case n.recoverCh <- peerID:
	default:
	}
}

// refreshActivity settles the discovering/active distinction from the live
// peer count. Terminal and transient states are left alone.
func (n *Node) refreshActivity() {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateDiscovering, StateActive, StateRecovery:
	default:
		return
	}
	if len(n.dir.Authenticated()) > 0 {
		n.state = StateActive
	} else {
		n.state = StateDiscovering
	}
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.log.Debug("state change",
			zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

func (n *Node) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reopenBackoffMax {
		return reopenBackoffMax
	}
	return d
}
