package health

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexlattice/internal/crypto"
	"nexlattice/internal/metrics"
	"nexlattice/internal/peer"
	"nexlattice/internal/proto"
)

type pingSender struct {
	sends []pingSend
}

type pingSend struct {
	host string
	data []byte
}

func (s *pingSender) SendDiscovery(host string, data []byte) error {
	s.sends = append(s.sends, pingSend{host: host, data: data})
	return nil
}

type harness struct {
	mon     *Monitor
	dir     *peer.Directory
	engine  *crypto.Engine
	sender  *pingSender
	metrics *metrics.Metrics
	evicted []string
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	log := zap.NewNop()
	h := &harness{
		dir:     peer.NewDirectory(50, log),
		engine:  crypto.NewEngine("secret", crypto.ModeAESCBC, log),
		sender:  &pingSender{},
		metrics: metrics.New(),
	}
	h.mon = New("self", Config{PeerTimeout: timeout},
		h.dir, h.engine, h.sender, h.metrics, log,
		func(id string) { h.evicted = append(h.evicted, id) })
	return h
}

func (h *harness) addPeerSeenAgo(t *testing.T, id string, ago time.Duration) {
	t.Helper()
	require.NoError(t, h.dir.Upsert(peer.Record{
		ID: id, Addr: "10.0.0.2", Authenticated: true,
		LastSeen: time.Now().Add(-ago),
	}))
}

func TestClassify(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	cases := []struct {
		ago  time.Duration
		want State
	}{
		{10 * time.Second, StateConnected},
		{59 * time.Second, StateConnected},
		{61 * time.Second, StateStale},
		{119 * time.Second, StateStale},
		{121 * time.Second, StateDisconnected},
	}
	for _, tc := range cases {
		got := h.mon.Classify(peer.Record{LastSeen: time.Now().Add(-tc.ago)})
		assert.Equal(t, tc.want, got, "silence %v", tc.ago)
	}
}

func TestTickProbesStalePeer(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	h.addPeerSeenAgo(t, "a", 90*time.Second)

	evicted := h.mon.Tick()

	assert.Zero(t, evicted)
	require.Len(t, h.sender.sends, 1)
	decoded, err := proto.Decode(h.sender.sends[0].data)
	require.NoError(t, err)
	ping, ok := decoded.(proto.PingMsg)
	require.True(t, ok)
	assert.Equal(t, "self", ping.NodeID)

	sig, err := hex.DecodeString(ping.Sig)
	require.NoError(t, err)
	assert.True(t, h.engine.Verify(ping.SigInput(), sig))
}

func TestTickEvictsSilentPeer(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	h.addPeerSeenAgo(t, "a", 121*time.Second)
	require.NoError(t, h.dir.InstallRoute("far", "a", 2))

	evicted := h.mon.Tick()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"a"}, h.evicted)
	_, ok := h.dir.Get("a")
	assert.False(t, ok)
	_, ok = h.dir.NextHop("far")
	assert.False(t, ok, "routes via the evicted peer must go too")
	assert.Equal(t, uint64(1), h.metrics.SnapshotView().Peers.Evictions)
}

func TestTickProbesHealthyPeerOncePerInterval(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	h.addPeerSeenAgo(t, "a", 5*time.Second)

	assert.Zero(t, h.mon.Tick())
	require.Len(t, h.sender.sends, 1, "healthy peers are pinged too")
	assert.Empty(t, h.evicted)

	// The next pass inside the same interval sends nothing new.
	assert.Zero(t, h.mon.Tick())
	assert.Len(t, h.sender.sends, 1)

	decoded, err := proto.Decode(h.sender.sends[0].data)
	require.NoError(t, err)
	ping := decoded.(proto.PingMsg)
	time.Sleep(2 * time.Millisecond)
	pong := proto.PongMsg{
		Type: proto.TypePong, NodeID: "a", Seq: ping.Seq,
		Timestamp: time.Now().UnixMilli(),
	}
	pong.Sig = hex.EncodeToString(h.engine.Sign(pong.SigInput()))
	h.mon.HandlePong(pong)

	rec, ok := h.dir.Get("a")
	require.True(t, ok)
	assert.Greater(t, rec.LatencyMS, 0.0, "an active peer gets latency samples")
}

func TestTickDropsAbandonedHandshake(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	require.NoError(t, h.dir.Upsert(peer.Record{
		ID: "stalled", Addr: "10.9.9.9", LastSeen: time.Now().Add(-61 * time.Second),
	}))
	require.NoError(t, h.dir.Upsert(peer.Record{
		ID: "pending", Addr: "10.9.9.8", LastSeen: time.Now().Add(-30 * time.Second),
	}))

	assert.Zero(t, h.mon.Tick(), "abandoned handshakes are not peer evictions")

	_, ok := h.dir.Get("stalled")
	assert.False(t, ok)
	_, ok = h.dir.Get("pending")
	assert.True(t, ok, "a handshake still inside the window is kept")
	assert.Empty(t, h.sender.sends, "unauthenticated records are never pinged")
	assert.Zero(t, h.metrics.SnapshotView().Peers.Evictions)
}

func TestHandlePingReplies(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	h.addPeerSeenAgo(t, "a", 90*time.Second)

	ping := proto.PingMsg{
		Type: proto.TypePing, NodeID: "a", Seq: 7,
		Timestamp: time.Now().UnixMilli(),
	}
	ping.Sig = hex.EncodeToString(h.engine.Sign(ping.SigInput()))
	h.mon.HandlePing(ping, "10.0.0.2")

	require.Len(t, h.sender.sends, 1)
	decoded, err := proto.Decode(h.sender.sends[0].data)
	require.NoError(t, err)
	pong, ok := decoded.(proto.PongMsg)
	require.True(t, ok)
	assert.Equal(t, uint64(7), pong.Seq)
	assert.Equal(t, "self", pong.NodeID)

	rec, _ := h.dir.Get("a")
	assert.Less(t, time.Since(rec.LastSeen), time.Second, "ping refreshes last-seen")
}

func TestHandlePingRejectsBadSignature(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	ping := proto.PingMsg{Type: proto.TypePing, NodeID: "a", Seq: 1}
	ping.Sig = hex.EncodeToString(make([]byte, 32))
	h.mon.HandlePing(ping, "10.0.0.2")

	assert.Empty(t, h.sender.sends)
	assert.Equal(t, uint64(1), h.metrics.SnapshotView().Drops.BadSignature)
}

func TestPongUpdatesLatency(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	h.addPeerSeenAgo(t, "a", 90*time.Second)

	h.mon.Tick()
	require.Len(t, h.sender.sends, 1)
	decoded, err := proto.Decode(h.sender.sends[0].data)
	require.NoError(t, err)
	ping := decoded.(proto.PingMsg)

	time.Sleep(2 * time.Millisecond)
	pong := proto.PongMsg{
		Type: proto.TypePong, NodeID: "a", Seq: ping.Seq,
		Timestamp: time.Now().UnixMilli(),
	}
	pong.Sig = hex.EncodeToString(h.engine.Sign(pong.SigInput()))
	h.mon.HandlePong(pong)

	rec, ok := h.dir.Get("a")
	require.True(t, ok)
	assert.Greater(t, rec.LatencyMS, 0.0)
	assert.Less(t, time.Since(rec.LastSeen), time.Second)
}

func TestUnmatchedPongIgnored(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	h.addPeerSeenAgo(t, "a", 10*time.Second)

	pong := proto.PongMsg{Type: proto.TypePong, NodeID: "a", Seq: 99}
	pong.Sig = hex.EncodeToString(h.engine.Sign(pong.SigInput()))
	h.mon.HandlePong(pong)

	rec, _ := h.dir.Get("a")
	assert.Zero(t, rec.LatencyMS)
}
