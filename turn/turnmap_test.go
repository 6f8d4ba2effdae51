package turn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func peer(port int) PeerAddr {
	return PeerAddr{IP: net.IPv4(203, 0, 113, 1), Port: port}
}

func TestTurnMapPermissionLifecycle(t *testing.T) {
	var m TurnMap
	p := peer(1111)
	now := time.Unix(1000, 0)

	require.False(t, m.HasPermission(p, now))

	tid := m.SetRandomTransactionID(p)
	m.SetPermission(tid, nil, 300*time.Second, now)

	require.True(t, m.HasPermission(p, now))
	require.True(t, m.HasPermission(p, now.Add(299*time.Second)))
	require.False(t, m.HasPermission(p, now.Add(301*time.Second)))
}

func TestTurnMapSetPermissionWithExplicitPeer(t *testing.T) {
	var m TurnMap
	p := peer(2222)
	now := time.Unix(2000, 0)

	var zeroTID [12]byte
	m.SetPermission(zeroTID, &p, 300*time.Second, now)
	require.True(t, m.HasPermission(p, now))
}

func TestTurnMapChannelBindLifecycle(t *testing.T) {
	var m TurnMap
	p := peer(3333)
	now := time.Unix(3000, 0)

	channel := m.BindRandomChannel(p, now.Add(5*time.Second))
	require.GreaterOrEqual(t, channel, uint16(0x4000))
	require.LessOrEqual(t, channel, uint16(0x7FFF))

	got, bound := m.GetBoundChannel(p)
	require.Equal(t, channel, got)
	require.False(t, bound, "channel should not be bound until confirmed")

	tid := m.SetRandomChannelBindTransactionID(p, channel)
	m.BindCurrentChannel(tid, BindLifetime, now)

	got, bound = m.GetBoundChannel(p)
	require.Equal(t, channel, got)
	require.True(t, bound)

	found, ok := m.FindChannel(channel)
	require.True(t, ok)
	require.True(t, found.IP.Equal(p.IP))
	require.Equal(t, p.Port, found.Port)
}

func TestTurnMapPendingOperations(t *testing.T) {
	var m TurnMap
	p := peer(4444)
	now := time.Unix(5000, 0)

	require.False(t, m.HasPendingPermission(p))
	tid := m.SetRandomTransactionID(p)
	require.True(t, m.HasPendingPermission(p))
	require.False(t, m.HasPendingChannelBind(p))

	m.SetPermission(tid, nil, 300*time.Second, now)
	require.False(t, m.HasPendingPermission(p), "resolved transaction still pending")

	btid := m.SetRandomChannelBindTransactionID(p, 0x4567)
	require.True(t, m.HasPendingChannelBind(p))
	m.BindCurrentChannel(btid, BindLifetime, now)
	require.False(t, m.HasPendingChannelBind(p))

	ch, bound := m.GetBoundChannel(p)
	require.True(t, bound)
	require.Equal(t, uint16(0x4567), ch)
}

func TestTurnMapBindRandomChannelAvoidsCollisions(t *testing.T) {
	var m TurnMap
	now := time.Unix(4000, 0)

	seen := make(map[uint16]bool)
	for i := 0; i < 50; i++ {
		c := m.BindRandomChannel(peer(5000+i), now)
		require.False(t, seen[c], "channel number reused across peers")
		seen[c] = true
	}
}

// BindLifetime mirrors the ice package's constant of the same name,
// duplicated here to keep package turn free of a dependency on package
// ice for a single test constant.
const BindLifetime = 600 * time.Second
