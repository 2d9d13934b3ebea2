package consensus_test

import (
	"testing"
	"time"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/stretchr/testify/require"
)

func TestPoolDualKeys(t *testing.T) {
	p := consensus.NewPool(nil)
	a := &fakeConn{id: "conn-a"}
	p.Add(&consensus.Entry{Conn: a, IPAddress: "10.0.0.1", Address: "val-a", UniqueName: "alpha"})

	e, ok := p.GetByIP("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, "val-a", e.Address)
	e, ok = p.GetByAddress("val-a")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", e.IPAddress)

	// A live address cannot be claimed from another network address.
	a2 := &fakeConn{id: "conn-a2"}
	require.ErrorIs(t, p.Add(&consensus.Entry{Conn: a2, IPAddress: "10.0.0.9", Address: "val-a"}), consensus.ErrAddressInUse)
	require.Equal(t, 1, p.Len())
	require.False(t, a.isClosed())
	e, ok = p.GetByAddress("val-a")
	require.True(t, ok)
	require.Equal(t, "conn-a", e.Conn.ID())
	_, ok = p.GetByIP("10.0.0.9")
	require.False(t, ok)

	removed, ok := p.RemoveByIP("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, "val-a", removed.Address)
	require.False(t, p.Has("val-a"))
	require.Zero(t, p.Len())

	// Once the old entry is gone the address may connect from anywhere.
	require.NoError(t, p.Add(&consensus.Entry{Conn: a2, IPAddress: "10.0.0.9", Address: "val-a"}))
	require.True(t, p.Has("val-a"))
}

func TestPoolRemoveConnIgnoresReplacedConnection(t *testing.T) {
	p := consensus.NewPool(nil)
	p.Add(&consensus.Entry{Conn: &fakeConn{id: "old"}, IPAddress: "10.0.0.1", Address: "v"})
	p.Add(&consensus.Entry{Conn: &fakeConn{id: "new"}, IPAddress: "10.0.0.1", Address: "v"})

	p.RemoveConn("10.0.0.1", "old")
	require.True(t, p.Has("v"))
	p.RemoveConn("10.0.0.1", "new")
	require.False(t, p.Has("v"))
}

func TestPoolSweepsSilentMembers(t *testing.T) {
	start := time.Unix(1700000000, 0)
	now := start
	p := consensus.NewPool(nil)
	p.SetClock(func() time.Time { return now })

	quiet := &fakeConn{id: "quiet"}
	chatty := &fakeConn{id: "chatty"}
	p.Add(&consensus.Entry{Conn: quiet, IPAddress: "10.0.0.1", Address: "quiet"})
	p.Add(&consensus.Entry{Conn: chatty, IPAddress: "10.0.0.2", Address: "chatty"})

	now = start.Add(10 * time.Minute)
	p.Touch("chatty")
	now = start.Add(16 * time.Minute)

	require.Equal(t, []string{"quiet"}, p.Sweep(15*time.Minute))
	require.True(t, quiet.isClosed())
	require.False(t, chatty.isClosed())
	require.True(t, p.Has("chatty"))

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "chatty", snap[0].Address)
	require.Equal(t, "chatty", snap[0].ConnectionId)
	require.NotNil(t, snap[0].LastAnswerSendDate)
	require.Equal(t, start.Add(10*time.Minute), *snap[0].LastAnswerSendDate)
}

func TestPoolEvictClosesConnection(t *testing.T) {
	p := consensus.NewPool(nil)
	c := &fakeConn{id: "c"}
	p.Add(&consensus.Entry{Conn: c, IPAddress: "10.0.0.1", Address: "v"})
	require.True(t, p.Evict("v"))
	require.True(t, c.isClosed())
	require.False(t, p.Evict("v"))
	require.ErrorIs(t, p.SendTo("v", consensus.TopicTask, nil), consensus.ErrNotInPool)
}
