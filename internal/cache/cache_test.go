package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenAfterAdd(t *testing.T) {
	c := New(0)
	assert.False(t, c.Seen("node_001-1"))
	c.Add("node_001-1")
	assert.True(t, c.Seen("node_001-1"))
	assert.False(t, c.Seen("node_001-2"))
}

func TestExpiryOnLookup(t *testing.T) {
	c := New(DefaultTTL)
	c.Add("node_001-1")

	c.now = func() time.Time { return time.Now().Add(DefaultTTL + time.Second) }
	assert.False(t, c.Seen("node_001-1"))
	assert.Equal(t, 0, c.Len())
}

func TestSweep(t *testing.T) {
	c := New(DefaultTTL)
	c.Add("node_001-1")
	c.Add("node_001-2")
	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 2, c.Len())

	c.now = func() time.Time { return time.Now().Add(DefaultTTL + time.Second) }
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestAddRefreshes(t *testing.T) {
	c := New(DefaultTTL)
	c.Add("node_001-1")

	base := time.Now()
	c.now = func() time.Time { return base.Add(DefaultTTL - time.Second) }
	c.Add("node_001-1")

	c.now = func() time.Time { return base.Add(DefaultTTL + time.Second) }
	assert.True(t, c.Seen("node_001-1"))
}
