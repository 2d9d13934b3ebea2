package p2p_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testGenesis = core.Genesis{
	Timestamp:   1700000000,
	Validator:   "genesis",
	ChainRef:    "test-chain",
	Allocations: map[string]float64{"alice": 5000},
}

func newChain(t *testing.T) (*core.Store, *core.Chain) {
	t.Helper()
	store, err := core.OpenMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	chain, err := core.NewChain(store, testGenesis)
	require.NoError(t, err)
	return store, chain
}

// buildBlocks crafts n empty blocks on top of the shared genesis.
func buildBlocks(t *testing.T, n int) []*core.Block {
	t.Helper()
	_, src := newChain(t)
	blocks := make([]*core.Block, 0, n)
	for i := 1; i <= n; i++ {
		b := src.Craft("val", nil, testGenesis.Timestamp+int64(i)*20)
		require.NoError(t, src.ValidateAndApply(b))
		blocks = append(blocks, b)
	}
	return blocks
}

// appliedHeights records every height the chain applies.
type appliedHeights struct {
	mu      sync.Mutex
	heights []int64
}

func recordApplied(chain *core.Chain) *appliedHeights {
	a := &appliedHeights{}
	chain.OnApplied(func(b *core.Block) {
		a.mu.Lock()
		a.heights = append(a.heights, b.Height)
		a.mu.Unlock()
	})
	return a
}

func (a *appliedHeights) get() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.heights...)
}

func runQueue(t *testing.T, q *p2p.BlockQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type request struct {
	peer   string
	height int64
}

// fakeSource serves blocks from a prepared chain. Slow peers never answer
// until their request is cancelled; failing peers always error.
type fakeSource struct {
	mu           sync.Mutex
	blocks       []*core.Block
	heights      map[string]int64
	slow         map[string]bool
	failing      map[string]bool
	requests     []request
	disconnected []string
}

func newFakeSource(blocks []*core.Block, heights map[string]int64) *fakeSource {
	return &fakeSource{
		blocks:  blocks,
		heights: heights,
		slow:    make(map[string]bool),
		failing: make(map[string]bool),
	}
}

func (f *fakeSource) PeerHeights(ctx context.Context) map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.heights))
	for p, h := range f.heights {
		out[p] = h
	}
	return out
}

func (f *fakeSource) RequestBlock(ctx context.Context, peer string, height int64) (*core.Block, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request{peer: peer, height: height})
	slow, failing := f.slow[peer], f.failing[peer]
	covered := height <= f.heights[peer]
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failing || !covered {
		return nil, p2p.ErrEmptyPayload
	}
	return f.blocks[height-1].Copy(), nil
}

func (f *fakeSource) Disconnect(peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, peer)
	delete(f.heights, peer)
}

// reconnect brings peer back at height with its faults cleared.
func (f *fakeSource) reconnect(peer string, height int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights[peer] = height
	f.failing[peer] = false
	f.slow[peer] = false
}

func (f *fakeSource) snapshot() ([]request, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...), append([]string(nil), f.disconnected...)
}
