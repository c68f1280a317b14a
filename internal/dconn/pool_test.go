package dconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexinfra/shrpx/internal/downstream"
)

type fakeConn struct {
	key     string
	healthy bool
	idleAt  time.Time
	closed  bool
}

func (c *fakeConn) Kind() Kind                              { return KindHTTP1 }
func (c *fakeConn) Key() string                             { return c.key }
func (c *fakeConn) Attach(d *downstream.Downstream) error   { return nil }
func (c *fakeConn) Detach(d *downstream.Downstream)         {}
func (c *fakeConn) Healthy() bool                           { return c.healthy }
func (c *fakeConn) IdleSince() time.Time                    { return c.idleAt }
func (c *fakeConn) MarkIdle()                               { c.idleAt = time.Now() }
func (c *fakeConn) Close() error                            { c.closed = true; return nil }

var _ Conn = (*fakeConn)(nil)

func TestAcquireReturnsNilWhenEmpty(t *testing.T) {
	p := NewPool(4, 16, time.Minute)
	assert.Nil(t, p.Acquire("k"))
}

func TestReleaseThenAcquireRoundTrips(t *testing.T) {
	p := NewPool(4, 16, time.Minute)
	c := &fakeConn{key: "k", healthy: true}
	p.Release(c)
	require.Equal(t, 1, p.Len("k"))

	got := p.Acquire("k")
	require.NotNil(t, got)
	assert.Same(t, c, got)
	assert.Equal(t, 0, p.Len("k"), "acquired conn must be unlinked from the bucket")
}

func TestReleaseDestroysUnhealthyConn(t *testing.T) {
	p := NewPool(4, 16, time.Minute)
	c := &fakeConn{key: "k", healthy: false}
	p.Release(c)
	assert.True(t, c.closed)
	assert.Equal(t, 0, p.Len("k"))
}

func TestAcquireDiscardsStaleIdleConn(t *testing.T) {
	p := NewPool(4, 16, time.Millisecond)
	c := &fakeConn{key: "k", healthy: true, idleAt: time.Now().Add(-time.Hour)}
	p.Release(c) // MarkIdle stamps a fresh idleAt on release, bypassing staleness
	// Force an already-stale idle timestamp after release to exercise the check.
	c.idleAt = time.Now().Add(-time.Hour)
	assert.Nil(t, p.Acquire("k"))
	assert.True(t, c.closed)
}

func TestPerKeyBoundEvictsOldest(t *testing.T) {
	p := NewPool(1, 16, time.Minute)
	first := &fakeConn{key: "k", healthy: true}
	second := &fakeConn{key: "k", healthy: true}
	p.Release(first)
	p.Release(second)
	assert.True(t, first.closed, "oldest entry must be evicted once perKeyMax is exceeded")
	assert.Equal(t, 1, p.Len("k"))
}

func TestNeverHandsSameConnToTwoCallers(t *testing.T) {
	p := NewPool(4, 16, time.Minute)
	c := &fakeConn{key: "k", healthy: true}
	p.Release(c)

	first := p.Acquire("k")
	second := p.Acquire("k")
	require.NotNil(t, first)
	assert.Nil(t, second)
}
