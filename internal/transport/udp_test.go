package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTransport(t *testing.T, discPort, msgPort int) *UDP {
	t.Helper()
	tr := New(Config{
		BindAddr:      "127.0.0.1",
		BroadcastAddr: "127.0.0.1",
		DiscoveryPort: discPort,
		MessagePort:   msgPort,
	}, zap.NewNop())
	require.NoError(t, tr.Open())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestUnicastRoundTrip(t *testing.T) {
	a := testTransport(t, 42110, 42111)
	b := testTransport(t, 42112, 42113)

	got := make(chan Packet, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Listen(ctx, func(pkt Packet) { got <- pkt })
	}()

	require.NoError(t, a.send("127.0.0.1:42112", []byte("to discovery")))
	require.NoError(t, a.send("127.0.0.1:42113", []byte("to message")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case pkt := <-got:
			seen[string(pkt.Data)] = true
			assert.NotNil(t, pkt.From)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for datagram")
		}
	}
	assert.True(t, seen["to discovery"])
	assert.True(t, seen["to message"])

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not stop on cancel")
	}
}

func TestSendFailedAfterRetries(t *testing.T) {
	tr := testTransport(t, 42120, 42121)
	// Unresolvable host fails the dial on every attempt.
	err := tr.send("host.invalid:1", []byte("x"))
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestOpenRejectsBadBindAddr(t *testing.T) {
	tr := New(Config{BindAddr: "not-an-ip", DiscoveryPort: 42130, MessagePort: 42131}, zap.NewNop())
	assert.Error(t, tr.Open())
}
