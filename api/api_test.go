package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Artfain/reserve-node/api"
	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var memberKey = mustSigner()

var testGenesis = core.Genesis{
	Timestamp:   1700000000,
	Validator:   "genesis",
	ChainRef:    "test-chain",
	Allocations: map[string]float64{memberKey.Address(): 5000},
}

func mustSigner() *core.Signer {
	s, err := core.GenerateSigner()
	if err != nil {
		panic(err)
	}
	return s
}

// joinURL is the pool URL of srv with a proof signed by s at t.
func joinURL(t *testing.T, srv *httptest.Server, s *core.Signer, at time.Time) string {
	t.Helper()
	proof, err := consensus.NewJoinProof(s, at)
	require.NoError(t, err)
	q := url.Values{}
	proof.Encode(q)
	return srv.URL + "/pool?" + q.Encode()
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func newChain(t *testing.T, opts ...core.ChainOption) (*core.Store, *core.Chain) {
	t.Helper()
	store, err := core.OpenMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	chain, err := core.NewChain(store, testGenesis, opts...)
	require.NoError(t, err)
	return store, chain
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRESTEndpoints(t *testing.T) {
	store, chain := newChain(t)
	for i := int64(1); i <= 2; i++ {
		require.NoError(t, chain.ValidateAndApply(chain.Craft("m", nil, testGenesis.Timestamp+i*20)))
	}
	bans := p2p.NewBanList(store, nil)
	bans.Ban("10.0.0.66", "flood", time.Hour)
	adj := consensus.NewAdjudicator(consensus.Options{Config: consensus.DefaultConfig(), Chain: chain})
	require.NoError(t, adj.OpenRound(3))

	srv := httptest.NewServer(api.NewREST(api.RESTOptions{
		Chain:       chain,
		Mempool:     core.NewMempool(store, chain, time.Hour, nil),
		Bans:        bans,
		Adjudicator: adj,
	}))
	defer srv.Close()

	var status api.Status
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status", &status))
	require.Equal(t, int64(2), status.Height)
	require.Equal(t, "test-chain", status.ChainRef)
	require.True(t, status.Adjudicator)
	require.Equal(t, int64(3), status.RoundHeight)

	var b core.Block
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/blocks/1", &b))
	require.Equal(t, int64(1), b.Height)
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/blocks/9", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/blocks/tip", nil))

	var valid struct {
		Valid  bool  `json:"valid"`
		Height int64 `json:"height"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/validate", &valid))
	require.True(t, valid.Valid)
	require.Equal(t, int64(2), valid.Height)

	var pool []consensus.PoolMember
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/pool", &pool))
	require.Empty(t, pool)

	var banned []p2p.Ban
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/bans", &banned))
	require.Len(t, banned, 1)
	require.Equal(t, "10.0.0.66", banned[0].Address)
}

func TestPoolEndpointRefusals(t *testing.T) {
	store, chain := newChain(t)
	bans := p2p.NewBanList(store, nil)
	adj := consensus.NewAdjudicator(consensus.Options{Config: consensus.DefaultConfig(), Chain: chain})
	endpoint := api.NewPoolEndpoint(api.PoolOptions{
		Adjudicator: adj,
		Mempool:     core.NewMempool(store, chain, time.Hour, nil),
		Queue:       p2p.NewQueue(p2p.DefaultQueueConfig(), chain.Height, bans, nil),
	})
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	defer endpoint.Close()

	resp, err := http.Get(srv.URL + "/pool")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bans.Ban("127.0.0.1", "test", time.Hour)
	resp, err = http.Get(srv.URL + "/pool?address=m")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPoolEndpointRequiresAddressProof(t *testing.T) {
	store, chain := newChain(t)
	adj := consensus.NewAdjudicator(consensus.Options{Config: consensus.DefaultConfig(), Chain: chain})
	endpoint := api.NewPoolEndpoint(api.PoolOptions{
		Adjudicator: adj,
		Mempool:     core.NewMempool(store, chain, time.Hour, nil),
		Queue:       p2p.NewQueue(p2p.DefaultQueueConfig(), chain.Height, p2p.NewBanList(store, nil), nil),
	})
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	defer endpoint.Close()

	victim := memberKey.Address()
	require.Equal(t, http.StatusUnauthorized, getStatus(t, srv.URL+"/pool?address="+victim))

	// Signed by a key that does not own the address.
	thief := mustSigner()
	proof, err := consensus.NewJoinProof(thief, time.Now())
	require.NoError(t, err)
	proof.Address = victim
	q := url.Values{}
	proof.Encode(q)
	require.Equal(t, http.StatusUnauthorized, getStatus(t, srv.URL+"/pool?"+q.Encode()))

	require.Equal(t, http.StatusUnauthorized, getStatus(t, joinURL(t, srv, memberKey, time.Now().Add(-time.Hour))))

	// The victim is connected from elsewhere: even a valid proof may not take
	// the entry over.
	live := &fakeSender{id: "victim-conn"}
	require.NoError(t, adj.Register(&consensus.Entry{Conn: live, IPAddress: "10.0.0.5", Address: victim}))
	require.Equal(t, http.StatusConflict, getStatus(t, joinURL(t, srv, memberKey, time.Now())))
	cur, ok := adj.Pool().GetByAddress(victim)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", cur.IPAddress)
	require.False(t, live.closed)
}

// fakeSender is a pool connection that records nothing.
type fakeSender struct {
	id     string
	closed bool
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(topic string, _ any) error { return nil }
func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func TestPoolRoundEndToEnd(t *testing.T) {
	signer, err := core.GenerateSigner()
	require.NoError(t, err)
	withKey := core.WithAdjudicatorKey(signer.PublicKey(), 1)

	adjStore, adjChain := newChain(t, withKey)
	cfg := consensus.DefaultConfig()
	cfg.Interval = 0
	cfg.TickInterval = 10 * time.Millisecond
	cfg.GraceWindow = time.Second
	adj := consensus.NewAdjudicator(consensus.Options{Config: cfg, Chain: adjChain, Signer: signer})

	endpoint := api.NewPoolEndpoint(api.PoolOptions{
		Adjudicator: adj,
		Mempool:     core.NewMempool(adjStore, adjChain, time.Hour, nil),
		Queue:       p2p.NewQueue(p2p.DefaultQueueConfig(), adjChain.Height, p2p.NewBanList(adjStore, nil), nil),
	})
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	defer endpoint.Close()

	memberStore, memberChain := newChain(t, withKey)
	member := consensus.NewMember(consensus.MemberConfig{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/pool",
		Signer:        memberKey,
		UniqueName:    "node-m",
		WalletVersion: "1.0",
		RetryInterval: 50 * time.Millisecond,
	}, memberChain, core.NewMempool(memberStore, memberChain, time.Hour, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	adjDone := make(chan error, 1)
	memberDone := make(chan error, 1)
	go func() { adjDone <- adj.Run(ctx) }()
	go func() { memberDone <- member.Run(ctx) }()

	require.Eventually(t, func() bool {
		return adjChain.Height() >= 1 && memberChain.Height() >= 1
	}, 10*time.Second, 10*time.Millisecond)

	adjBlock, err := adjChain.BlockByHeight(1)
	require.NoError(t, err)
	memberBlock, err := memberChain.BlockByHeight(1)
	require.NoError(t, err)
	require.Equal(t, adjBlock.Hash, memberBlock.Hash)
	require.Equal(t, memberKey.Address(), adjBlock.Validator)
	require.True(t, core.VerifySignature(signer.PublicKey(), adjBlock.Hash, adjBlock.AdjudicatorSignature))

	snapshot := adj.Pool().Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, "node-m", snapshot[0].UniqueName)

	cancel()
	require.NoError(t, <-adjDone)
	require.NoError(t, <-memberDone)
}
