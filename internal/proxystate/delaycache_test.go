package proxystate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayCache(t *testing.T) {
	c := NewDelayCache(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	assert.True(t, c.Update("a", 100))
	assert.False(t, c.Update("b", 0))
	assert.False(t, c.Update("c", -1))

	d, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 100, d)
	_, ok = c.Get("b")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
	assert.Empty(t, c.Valid())
	assert.Equal(t, 0, c.Len())
}

func TestDelayCacheDefaultTTL(t *testing.T) {
	c := NewDelayCache(0)
	assert.Equal(t, DefaultDelayTTL, c.ttl)

	c.Update("a", 1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
