package consensus

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
)

// MemberConfig identifies a validator joining the adjudicator's pool. When
// Signer is set the address is the signer's and every join carries a proof
// of it.
type MemberConfig struct {
	URL           string
	Signer        *core.Signer
	Address       string
	UniqueName    string
	WalletVersion string
	LegacyCutover int64
	MaxNumber     int
	MaxTxs        int
	RetryInterval time.Duration
}

// Member is the pool side of a round: it answers challenges and hands in
// its block when asked.
type Member struct {
	cfg     MemberConfig
	chain   *core.Chain
	mempool *core.Mempool
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	task    *TaskQuestion
	applied chan struct{}
}

func NewMember(cfg MemberConfig, chain *core.Chain, mempool *core.Mempool, logger *slog.Logger) *Member {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxNumber <= 0 {
		cfg.MaxNumber = DefaultMaxNumber
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.Signer != nil {
		cfg.Address = cfg.Signer.Address()
	}
	m := &Member{
		cfg:     cfg,
		chain:   chain,
		mempool: mempool,
		log:     logger,
		now:     time.Now,
		applied: make(chan struct{}, 1),
	}
	chain.OnApplied(func(*core.Block) {
		select {
		case m.applied <- struct{}{}:
		default:
		}
	})
	return m
}

// Endpoint is the pool URL with the member's identity, and a fresh join
// proof when the member has a key, attached.
func (m *Member) Endpoint() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("address", m.cfg.Address)
	q.Set("uName", m.cfg.UniqueName)
	q.Set("walver", m.cfg.WalletVersion)
	if m.cfg.Signer != nil {
		proof, err := NewJoinProof(m.cfg.Signer, m.now())
		if err != nil {
			return "", err
		}
		proof.Encode(q)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Address is the validator address the member joins with.
func (m *Member) Address() string { return m.cfg.Address }

// Run keeps the member connected to the adjudicator until ctx ends.
func (m *Member) Run(ctx context.Context) error {
	for {
		endpoint, err := m.Endpoint()
		if err != nil {
			return err
		}
		conn, err := p2p.Dial(ctx, endpoint, m.cfg.URL, nil, m.handle, m.log)
		if err != nil {
			m.log.Warn("Failed to join pool", "url", m.cfg.URL, "error", err)
		} else {
			m.log.Info("Joined pool", "url", m.cfg.URL, "address", m.cfg.Address)
			err = conn.Serve(ctx)
			m.log.Info("Left pool", "url", m.cfg.URL, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.RetryInterval):
		}
	}
}

// Task returns the last challenge received.
func (m *Member) Task() (TaskQuestion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil {
		return TaskQuestion{}, false
	}
	return *m.task, true
}

// awaitHeight waits up to timeout for the chain to reach height.
func (m *Member) awaitHeight(ctx context.Context, height int64, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for m.chain.Height() < height {
		select {
		case <-m.applied:
		case <-t.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Member) craft() *core.Block {
	return m.chain.Craft(m.cfg.Address, m.mempool.Pending(m.cfg.MaxTxs), m.now().Unix())
}

func (m *Member) handle(ctx context.Context, c *p2p.Conn, msg p2p.Message) (any, error) {
	switch msg.Type {
	case TopicTask:
		var q TaskQuestion
		if err := msg.Decode(&q); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.task = &q
		m.mu.Unlock()
		// The previous round's result may still be in flight.
		m.awaitHeight(ctx, q.BlockHeight-1, time.Second)
		if next := m.chain.Height() + 1; q.BlockHeight != next {
			m.log.Debug("Ignoring task for another height", "task", q.BlockHeight, "next", next)
			return nil, nil
		}
		if q.BlockHeight <= m.cfg.LegacyCutover {
			return nil, c.Send(TopicTaskAnswerLegacy, BlockAnswer{Address: m.cfg.Address, Block: m.craft()})
		}
		return nil, c.Send(TopicTaskAnswer, NumberAnswer{
			Address:         m.cfg.Address,
			Answer:          rand.IntN(m.cfg.MaxNumber) + 1,
			NextBlockHeight: q.BlockHeight,
		})

	case TopicSendWinningBlock:
		var secret string
		if err := msg.Decode(&secret); err != nil {
			return nil, err
		}
		return nil, c.Send(TopicWinningBlock, WinningBlock{Address: m.cfg.Address, Block: m.craft(), Secret: secret})

	case TopicTaskResult:
		var b core.Block
		if err := msg.Decode(&b); err != nil {
			return nil, err
		}
		if err := m.chain.ValidateAndApply(&b); err != nil {
			m.log.Warn("Failed to apply round result", "height", b.Height, "error", err)
			return nil, err
		}
		m.log.Info("Applied round result", "height", b.Height, "validator", b.Validator)

	case TopicTx:
		var tx core.Transaction
		if err := msg.Decode(&tx); err != nil {
			return nil, err
		}
		if _, err := m.mempool.Submit(tx); err != nil {
			m.log.Debug("Pool transaction refused", "hash", tx.Hash, "error", err)
		}

	case TopicFortisPool:
		var members []PoolMember
		if err := msg.Decode(&members); err != nil {
			return nil, err
		}
		m.log.Debug("Pool snapshot", "members", len(members))

	default:
		m.log.Debug("Unhandled pool message", "type", msg.Type)
	}
	return nil, nil
}
