package memory

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/worldlink/transport"
)

func TestSendReceive(t *testing.T) {
	n := NewNetwork(1)
	a, err := n.Listen("a")
	require.NoError(t, err)
	b, err := n.Listen("b")
	require.NoError(t, err)

	_, err = a.WriteTo([]byte("hello"), Addr("b"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	nr, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:nr]))
	assert.Equal(t, Addr("a"), from)
	assert.Equal(t, NetworkName, from.Network())

	_, err = n.Listen("a")
	assert.ErrorIs(t, err, ErrAddrInUse)
}

func TestReadDeadline(t *testing.T) {
	n := NewNetwork(1)
	a, err := n.Listen("a")
	require.NoError(t, err)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, _, err = a.ReadFrom(make([]byte, 8))
	assert.True(t, transport.IsTimeout(err))
}

func TestCloseUnblocksRead(t *testing.T) {
	n := NewNetwork(1)
	a, err := n.Listen("a")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 8))
		errc <- err
	}()
	require.NoError(t, a.Close())

	select {
	case err := <-errc:
		assert.True(t, transport.IsClosed(err))
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}

	_, err = a.WriteTo([]byte("x"), Addr("b"))
	assert.ErrorIs(t, err, net.ErrClosed)

	_, err = n.Listen("a")
	assert.NoError(t, err, "name is free again after close")
}

func TestImpairments(t *testing.T) {
	n := NewNetwork(42)
	a, _ := n.Listen("a")
	b, _ := n.Listen("b")

	n.SetConditions(Conditions{Drop: func(_, _ net.Addr, p []byte) bool { return p[0] == 'x' }})
	_, _ = a.WriteTo([]byte("x"), Addr("b"))
	_, _ = a.WriteTo([]byte("y"), Addr("b"))
	_, _ = a.WriteTo([]byte("z"), Addr("nobody"))

	buf := make([]byte, 8)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	nr, _, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "y", string(buf[:nr]))

	stats := n.Stats()
	assert.Equal(t, uint64(3), stats.Sent)
	assert.Equal(t, uint64(2), stats.Lost)

	n.SetConditions(Conditions{Duplicate: 1})
	_, _ = a.WriteTo([]byte("d"), Addr("b"))
	for i := 0; i < 2; i++ {
		nr, _, err := b.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, "d", string(buf[:nr]))
	}

	n.SetConditions(Conditions{Reorder: 1, MaxDelay: 5 * time.Millisecond})
	_, _ = a.WriteTo([]byte("r"), Addr("b"))
	nr, _, err = b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "r", string(buf[:nr]))
	assert.Equal(t, uint64(1), n.Stats().Reordered)
}
