package p2p_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() p2p.QueueConfig {
	cfg := p2p.DefaultQueueConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelayLevel = 4
	return cfg
}

func fixedHeight(h int64) func() int64 {
	return func() int64 { return h }
}

func TestAdmitBypassAtBootstrap(t *testing.T) {
	cfg := testQueueConfig()
	cfg.BlockLock = 100
	bans := p2p.NewBanList(nil, nil)
	bans.Ban("10.0.0.1", "test", time.Hour)
	q := p2p.NewQueue(cfg, fixedHeight(50), bans, nil)

	got, err := p2p.Admit(context.Background(), q, "10.0.0.1", 10_000_000, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	_, tracked := q.Stats("10.0.0.1")
	require.False(t, tracked)
}

func TestAdmitDelayLevel(t *testing.T) {
	q := p2p.NewQueue(testQueueConfig(), fixedHeight(10), nil, nil)
	now := time.Unix(1700000000, 0)
	q.SetClock(func() time.Time { return now })

	call := func() int64 {
		require.NoError(t, q.Do(context.Background(), "peer", 10, func(ctx context.Context) error { return nil }))
		st, ok := q.Stats("peer")
		require.True(t, ok)
		return st.DelayLevel
	}

	require.Equal(t, int64(0), call())
	var last int64
	for i := 0; i < 6; i++ {
		now = now.Add(100 * time.Millisecond)
		level := call()
		require.Greater(t, level, last)
		last = level
	}
	require.Equal(t, int64(6), last)

	now = now.Add(1500 * time.Millisecond)
	require.Equal(t, int64(0), call())
}

func TestAdmitBufferCeiling(t *testing.T) {
	q := p2p.NewQueue(testQueueConfig(), fixedHeight(10), nil, nil)

	err := q.Do(context.Background(), "peer", 5_000_001, func(ctx context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	require.ErrorIs(t, err, p2p.ErrBufferExceeded)

	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Do(context.Background(), "peer", 3_000_000, func(ctx context.Context) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		st, _ := q.Stats("peer")
		return st.BufferCost == 3_000_000
	}, time.Second, time.Millisecond)

	err = q.Do(context.Background(), "peer", 3_000_000, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, p2p.ErrBufferExceeded)

	close(hold)
	require.NoError(t, <-done)
	st, ok := q.Stats("peer")
	require.True(t, ok)
	require.Zero(t, st.BufferCost)
	require.Zero(t, st.Outstanding)
}

func TestAdmitBansOnce(t *testing.T) {
	store, err := core.OpenMemStore()
	require.NoError(t, err)
	defer store.Close()

	bans := p2p.NewBanList(store, nil)
	q := p2p.NewQueue(testQueueConfig(), fixedHeight(10), bans, nil)
	var banned atomic.Int32
	q.OnBan(func(peer string) { banned.Add(1) })

	hold := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "peer", 1, func(ctx context.Context) error {
				<-hold
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool {
		st, _ := q.Stats("peer")
		return st.Outstanding == 20
	}, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		err := q.Do(context.Background(), "peer", 1, func(ctx context.Context) error { return nil })
		require.ErrorIs(t, err, p2p.ErrPeerBanned)
	}
	require.Equal(t, int32(1), banned.Load())
	require.True(t, bans.IsBanned("peer"))
	_, tracked := q.Stats("peer")
	require.False(t, tracked)

	close(hold)
	wg.Wait()

	reloaded := p2p.NewBanList(store, nil)
	require.True(t, reloaded.IsBanned("peer"))
}

func TestAdmitOneOperationPerPeer(t *testing.T) {
	q := p2p.NewQueue(testQueueConfig(), fixedHeight(10), nil, nil)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(context.Background(), "peer", 100, func(ctx context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), peak.Load())
	st, ok := q.Stats("peer")
	require.True(t, ok)
	require.Zero(t, st.Outstanding)
	require.Zero(t, st.BufferCost)
}

func TestAdmitOperationErrorPropagates(t *testing.T) {
	q := p2p.NewQueue(testQueueConfig(), fixedHeight(10), nil, nil)
	boom := context.DeadlineExceeded
	_, err := p2p.Admit(context.Background(), q, "peer", 1, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
}
