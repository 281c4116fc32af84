package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnPoolAssignRelease(t *testing.T) {
	upstream := newFakeMemcached(t)
	server := Endpoint{Addr: upstream.addr()}

	pool := NewConnPool(2, 0)

	s1, c1, ok := pool.Assign(server)
	require.True(t, ok)
	require.NotNil(t, c1)
	s2, c2, ok := pool.Assign(server)
	require.True(t, ok)
	require.NotNil(t, c2)
	assert.NotEqual(t, s1, s2)
	assert.Equal(t, 2, pool.InUse())

	// Exhausted.
	_, _, ok = pool.Assign(server)
	assert.False(t, ok)

	// Release retains the connection for the next session.
	pool.Release(s1)
	s3, c3, ok := pool.Assign(server)
	require.True(t, ok)
	assert.Equal(t, s1, s3)
	assert.Same(t, c1, c3)
}

func TestConnPoolUseMaxRecycles(t *testing.T) {
	upstream := newFakeMemcached(t)
	server := Endpoint{Addr: upstream.addr()}

	pool := NewConnPool(1, 2)

	s1, c1, ok := pool.Assign(server)
	require.True(t, ok)
	pool.Release(s1)

	s2, c2, ok := pool.Assign(server)
	require.True(t, ok)
	assert.Same(t, c1, c2)
	pool.Release(s2)

	// Third use exceeds the bound: the slot is redialed.
	s3, c3, ok := pool.Assign(server)
	require.True(t, ok)
	assert.NotSame(t, c1, c3)
	pool.Release(s3)
}

func TestConnPoolCloseAfterSwitch(t *testing.T) {
	upstream := newFakeMemcached(t)
	server := Endpoint{Addr: upstream.addr()}

	pool := NewConnPool(2, 0)
	slot, conn, ok := pool.Assign(server)
	require.True(t, ok)

	// A failover switch clears the reservations out from under the session.
	pool.resetMarks()
	assert.Equal(t, 0, pool.InUse())

	// The terminating session must close the possibly poisoned connection
	// instead of returning it.
	pool.releaseOnClose(slot)
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		t.Fatal("connection should be closed")
	}

	// The slot redials on next assignment.
	_, c2, ok := pool.Assign(server)
	require.True(t, ok)
	require.NotNil(t, c2)
}

func TestConnPoolReplace(t *testing.T) {
	upstream := newFakeMemcached(t)
	server := Endpoint{Addr: upstream.addr()}

	pool := NewConnPool(1, 0)
	slot, c1, ok := pool.Assign(server)
	require.True(t, ok)

	c2, err := pool.Replace(slot, server)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	// The replacement stays in the pool for the next session even though
	// the current one is about to fail.
	pool.releaseOnClose(slot)
	_, c3, ok := pool.Assign(server)
	require.True(t, ok)
	assert.Same(t, c2, c3)
}

func TestConnPoolAssignDialFailure(t *testing.T) {
	// An endpoint nobody listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	pool := NewConnPool(2, 0)
	_, _, ok := pool.Assign(Endpoint{Addr: addr})
	assert.False(t, ok)
	assert.Equal(t, 0, pool.InUse())
}
