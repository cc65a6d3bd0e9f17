package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.IncSent()
	m.IncSent()
	m.IncReceived()
	m.IncForwarded()
	m.IncDropDuplicate()
	m.IncDropHopLimit()
	m.SetPeers(3)

	snap := m.SnapshotView()
	assert.Equal(t, uint64(2), snap.Traffic.Sent)
	assert.Equal(t, uint64(1), snap.Traffic.Received)
	assert.Equal(t, uint64(1), snap.Traffic.Forwarded)
	assert.Equal(t, uint64(1), snap.Drops.Duplicate)
	assert.Equal(t, uint64(1), snap.Drops.HopLimit)
	assert.Equal(t, uint64(3), snap.Peers.Authenticated)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestConcurrentIncrements(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.IncSent()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), m.Sent())
}
