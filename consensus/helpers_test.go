package consensus_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testGenesis = core.Genesis{
	Timestamp: 1700000000,
	Validator: "genesis",
	ChainRef:  "test-chain",
	Allocations: map[string]float64{
		"w":    5000,
		"x":    5000,
		"y":    5000,
		"poor": 10,
	},
}

// fixedChallenger always hides the same number.
type fixedChallenger struct{ n int }

func (f fixedChallenger) NewChallenge(kind string, height int64) (consensus.TaskQuestion, error) {
	return consensus.TaskQuestion{TaskType: kind, BlockHeight: height, TaskAnswer: strconv.Itoa(f.n)}, nil
}

type sent struct {
	topic   string
	payload any
}

// fakeConn stands in for a member connection. When asked for its winning
// block it answers with whatever block returns, or stays silent on nil.
type fakeConn struct {
	id    string
	block func() *core.Block
	adj   *consensus.Adjudicator

	mu     sync.Mutex
	sent   []sent
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(topic string, payload any) error {
	c.mu.Lock()
	c.sent = append(c.sent, sent{topic, payload})
	c.mu.Unlock()
	if topic == consensus.TopicSendWinningBlock && c.block != nil {
		if b := c.block(); b != nil {
			_ = c.adj.SubmitWinningBlock(consensus.WinningBlock{Address: c.id, Block: b, Secret: payload.(string)})
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, s := range c.sent {
		out = append(out, s.topic)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recorder collects peer broadcasts.
type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Broadcast(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{topic, payload})
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.topic)
	}
	return out
}

type fixture struct {
	chain  *core.Chain
	signer *core.Signer
	peers  *recorder
	adj    *consensus.Adjudicator
}

func testConfig() consensus.Config {
	cfg := consensus.DefaultConfig()
	cfg.Interval = 0
	cfg.LegacyInterval = 0
	cfg.NotifyTimeout = 50 * time.Millisecond
	cfg.GraceWindow = 100 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg consensus.Config) *fixture {
	t.Helper()
	store, err := core.OpenMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	signer, err := core.GenerateSigner()
	require.NoError(t, err)
	chain, err := core.NewChain(store, testGenesis, core.WithAdjudicatorKey(signer.PublicKey(), cfg.LegacyCutover+1))
	require.NoError(t, err)

	f := &fixture{chain: chain, signer: signer, peers: &recorder{}}
	f.adj = consensus.NewAdjudicator(consensus.Options{
		Config:     cfg,
		Chain:      chain,
		Signer:     signer,
		Challenger: fixedChallenger{n: 500},
		Peers:      f.peers,
	})
	return f
}

// join registers a member whose winning block comes from block.
func (f *fixture) join(addr string, block func() *core.Block) *fakeConn {
	c := &fakeConn{id: addr, block: block, adj: f.adj}
	f.adj.Register(&consensus.Entry{Conn: c, IPAddress: "10.0.0." + addr, Address: addr})
	return c
}

// valid crafts a correct next block for addr.
func (f *fixture) valid(addr string) func() *core.Block {
	return func() *core.Block {
		return f.chain.Craft(addr, nil, testGenesis.Timestamp+20)
	}
}

// corrupt crafts a next block for addr with a wrong hash.
func (f *fixture) corrupt(addr string) func() *core.Block {
	return func() *core.Block {
		b := f.chain.Craft(addr, nil, testGenesis.Timestamp+20)
		b.Hash = "deadbeef"
		return b
	}
}

func silent() *core.Block { return nil }
