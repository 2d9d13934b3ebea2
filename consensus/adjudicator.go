package consensus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
)

// Pool topics. The adjudicator sends the first group and members send the
// second.
const (
	TopicTask             = "task"
	TopicTaskResult       = "taskResult"
	TopicSendWinningBlock = "sendWinningBlock"
	TopicFortisPool       = "fortisPool"
	TopicTx               = p2p.TopicTx

	TopicTaskAnswer       = "taskAnswer"
	TopicTaskAnswerLegacy = "taskAnswerLegacy"
	TopicWinningBlock     = "winningBlock"
)

// Chain is the part of the local chain a round needs.
type Chain interface {
	Height() int64
	Balance(address string) float64
	ValidateAndApply(b *core.Block) error
}

// Broadcaster relays finalized blocks to the node's peers.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Rebroadcaster yields pending transactions due for another round of gossip.
type Rebroadcaster interface {
	RebroadcastCandidates(age time.Duration) []core.Transaction
}

// Config drives round pacing and pool upkeep.
type Config struct {
	// Blocks at or below this height are adjudicated the legacy way.
	LegacyCutover    int64
	Interval         time.Duration
	LegacyInterval   time.Duration
	TickInterval     time.Duration
	MaintainInterval time.Duration
	MinStake         float64
	NotifyTimeout    time.Duration
	GraceWindow      time.Duration
	MaxContenders    int
	PoolExpiry       time.Duration
	RebroadcastAge   time.Duration
	ExplorerAddress  string
}

func DefaultConfig() Config {
	return Config{
		Interval:         20 * time.Second,
		LegacyInterval:   25 * time.Second,
		TickInterval:     2 * time.Second,
		MaintainInterval: 60 * time.Second,
		MinStake:         1000,
		NotifyTimeout:    100 * time.Millisecond,
		GraceWindow:      3 * time.Second,
		MaxContenders:    30,
		PoolExpiry:       15 * time.Minute,
		RebroadcastAge:   60 * time.Second,
	}
}

// Options wires an Adjudicator.
type Options struct {
	Config     Config
	Chain      Chain
	Pool       *Pool
	Round      *RoundState
	Signer     *core.Signer
	Challenger Challenger
	Peers      Broadcaster
	Mempool    Rebroadcaster
	Logger     *slog.Logger
}

// Adjudicator runs adjudication rounds over the Fortis pool.
type Adjudicator struct {
	cfg        Config
	chain      Chain
	pool       *Pool
	round      *RoundState
	signer     *core.Signer
	challenger Challenger
	peers      Broadcaster
	mempool    Rebroadcaster
	log        *slog.Logger
	now        func() time.Time

	busy    atomic.Bool
	current strategy
	legacy  strategy
}

// strategy is one way of turning a round's answers into a finalized block.
type strategy interface {
	name() string
	interval() time.Duration
	ready() bool
	adjudicate(ctx context.Context, q TaskQuestion) (*core.Block, error)
}

func NewAdjudicator(opts Options) *Adjudicator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Pool == nil {
		opts.Pool = NewPool(logger)
	}
	if opts.Round == nil {
		opts.Round = NewRoundState()
	}
	if opts.Challenger == nil {
		opts.Challenger = RandomChallenger{}
	}
	a := &Adjudicator{
		cfg:        opts.Config,
		chain:      opts.Chain,
		pool:       opts.Pool,
		round:      opts.Round,
		signer:     opts.Signer,
		challenger: opts.Challenger,
		peers:      opts.Peers,
		mempool:    opts.Mempool,
		log:        logger,
		now:        time.Now,
	}
	a.current = currentStrategy{a}
	a.legacy = legacyStrategy{a}
	a.round.Finalized(a.now())
	return a
}

// SetClock replaces the adjudicator's time source.
func (a *Adjudicator) SetClock(now func() time.Time) {
	a.now = now
	a.round.Finalized(now())
}

func (a *Adjudicator) Pool() *Pool { return a.pool }
func (a *Adjudicator) Round() *RoundState { return a.round }
func (a *Adjudicator) Busy() bool { return a.busy.Load() }
func (a *Adjudicator) Config() Config { return a.cfg }
func (a *Adjudicator) IsLegacy(h int64) bool { return h <= a.cfg.LegacyCutover }

func (a *Adjudicator) strategyFor(height int64) strategy {
	if a.IsLegacy(height) {
		return a.legacy
	}
	return a.current
}

// OpenRound opens a challenge for height and broadcasts it to the pool.
func (a *Adjudicator) OpenRound(height int64) error {
	q, err := a.challenger.NewChallenge(TaskRandomNumber, height)
	if err != nil {
		return err
	}
	a.round.Open(q)
	a.pool.Broadcast(TopicTask, q.Public())
	a.log.Info("Round opened", "height", height)
	return nil
}

// Register adds a member to the pool and hands it the open question.
func (a *Adjudicator) Register(e *Entry) error {
	if err := a.pool.Add(e); err != nil {
		return err
	}
	if q, ok := a.round.Question(); ok && e.Conn != nil {
		if err := e.Conn.Send(TopicTask, q.Public()); err != nil {
			a.log.Debug("Failed to send task", "address", e.Address, "error", err)
		}
	}
	return nil
}

// SubmitAnswer records a pool member's number answer.
func (a *Adjudicator) SubmitAnswer(ans NumberAnswer) error {
	if !a.pool.Has(ans.Address) {
		return ErrNotInPool
	}
	ans.SubmitTime = a.now()
	if err := a.round.AddAnswer(ans); err != nil {
		return err
	}
	a.pool.Touch(ans.Address)
	return nil
}

// SubmitLegacyAnswer records a pool member's block answer.
func (a *Adjudicator) SubmitLegacyAnswer(ans BlockAnswer) error {
	if !a.pool.Has(ans.Address) {
		return ErrNotInPool
	}
	ans.SubmitTime = a.now()
	if err := a.round.AddLegacyAnswer(ans); err != nil {
		return err
	}
	a.pool.Touch(ans.Address)
	return nil
}

// SubmitWinningBlock records a contender's block.
func (a *Adjudicator) SubmitWinningBlock(w WinningBlock) error {
	if err := a.round.SubmitWinningBlock(w); err != nil {
		return err
	}
	a.pool.Touch(w.Address)
	return nil
}

// Run drives rounds and pool upkeep until ctx ends. A tick that finds a
// round still running is skipped.
func (a *Adjudicator) Run(ctx context.Context) error {
	if _, ok := a.round.Question(); !ok {
		if err := a.OpenRound(a.chain.Height() + 1); err != nil {
			return err
		}
	}
	tick := time.NewTicker(a.cfg.TickInterval)
	defer tick.Stop()
	maintain := time.NewTicker(a.cfg.MaintainInterval)
	defer maintain.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.Tick(ctx)
				if err != nil && !errors.Is(err, ErrRoundBusy) && !errors.Is(err, ErrPoolExhausted) && ctx.Err() == nil {
					a.log.Warn("Round failed", "error", err)
				}
			}()
		case <-maintain.C:
			a.Maintain()
		}
	}
}

// Tick runs one round if the pacing interval has passed and answers are in.
// It returns the finalized block, or nil when nothing was finalized.
func (a *Adjudicator) Tick(ctx context.Context) (*core.Block, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrRoundBusy
	}
	defer a.busy.Store(false)

	if a.pool.Len() == 0 {
		return nil, nil
	}
	next := a.chain.Height() + 1
	q, ok := a.round.Question()
	if !ok || q.BlockHeight != next {
		a.round.Purge(next - 1)
		return nil, a.OpenRound(next)
	}
	s := a.strategyFor(next)
	if a.now().Sub(a.round.LastFinalized()) < s.interval() || !s.ready() {
		return nil, nil
	}

	a.log.Info("Adjudicating", "height", next, "strategy", s.name())
	b, err := s.adjudicate(ctx, q)
	if errors.Is(err, ErrPoolExhausted) {
		a.log.Error("Round stalled, no candidate produced a valid block", "height", next, "strategy", s.name())
	}
	return b, err
}

// Maintain sweeps idle members, publishes the pool to the explorer and
// regossips old pending transactions.
func (a *Adjudicator) Maintain() {
	a.pool.Sweep(a.cfg.PoolExpiry)
	if a.cfg.ExplorerAddress != "" && a.pool.Has(a.cfg.ExplorerAddress) {
		if err := a.pool.SendTo(a.cfg.ExplorerAddress, TopicFortisPool, a.pool.Snapshot()); err != nil {
			a.log.Debug("Failed to send pool snapshot", "error", err)
		}
	}
	if a.mempool == nil || a.pool.Len() == 0 {
		return
	}
	for _, tx := range a.mempool.RebroadcastCandidates(a.cfg.RebroadcastAge) {
		a.pool.Broadcast(TopicTx, tx)
	}
}

// eligible evicts a candidate whose balance is below the minimum stake.
func (a *Adjudicator) eligible(addr string) bool {
	if balance := a.chain.Balance(addr); balance < a.cfg.MinStake {
		a.log.Warn("Evicting candidate below minimum stake", "address", addr, "balance", balance)
		a.pool.Evict(addr)
		return false
	}
	return true
}

// finalize applies b and starts the next round. A nil return means b was
// refused.
func (a *Adjudicator) finalize(b *core.Block) *core.Block {
	if err := a.chain.ValidateAndApply(b); err != nil {
		a.log.Warn("Candidate block refused", "height", b.Height, "validator", b.Validator, "error", err)
		return nil
	}
	a.pool.Broadcast(TopicTaskResult, b)
	if a.peers != nil {
		a.peers.Broadcast(p2p.TopicBlock, b)
	}
	a.round.Purge(b.Height)
	a.round.Finalized(a.now())
	a.log.Info("Block finalized", "height", b.Height, "validator", b.Validator, "txs", b.NumOfTx)
	if err := a.OpenRound(b.Height + 1); err != nil {
		a.log.Error("Failed to open round", "height", b.Height+1, "error", err)
	}
	return b
}

type currentStrategy struct{ a *Adjudicator }

func (s currentStrategy) name() string { return "current" }
func (s currentStrategy) interval() time.Duration { return s.a.cfg.Interval }

func (s currentStrategy) ready() bool {
	n, _, _ := s.a.round.Counts()
	return n > 0
}

func (s currentStrategy) adjudicate(ctx context.Context, q TaskQuestion) (*core.Block, error) {
	a := s.a
	answers := a.round.Answers()
	excluded := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		winner, ok := SelectWinner(q, answers, excluded)
		if !ok {
			return nil, ErrPoolExhausted
		}
		if !a.pool.Has(winner.Address) || !a.eligible(winner.Address) {
			excluded[winner.Address] = true
			continue
		}

		var contenders []NumberAnswer
		for _, c := range SelectContenders(q, answers, excluded, a.cfg.MaxContenders) {
			if a.pool.Has(c.Address) {
				contenders = append(contenders, c)
			}
		}
		secret, err := newSecret()
		if err != nil {
			return nil, err
		}
		a.round.SetContenders(contenders, secret)
		a.notify(ctx, contenders, secret)
		if err := a.awaitBlocks(ctx); err != nil {
			return nil, err
		}

		blocks := a.round.WinningBlocks()
		if wb, ok := blocks[winner.Address]; ok {
			if b := s.sign(wb); b != nil {
				if fin := a.finalize(b); fin != nil {
					return fin, nil
				}
			}
		} else {
			a.log.Warn("Winner did not submit its block", "address", winner.Address, "height", q.BlockHeight)
		}
		excluded[winner.Address] = true
		delete(blocks, winner.Address)

		if b := s.fallback(blocks, excluded); b != nil {
			return b, nil
		}
	}
}

// fallback tries the other contenders' blocks in uniformly random order.
func (s currentStrategy) fallback(blocks map[string]WinningBlock, excluded map[string]bool) *core.Block {
	addrs := make([]string, 0, len(blocks))
	for addr := range blocks {
		if !excluded[addr] {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)
	for len(addrs) > 0 {
		i := rand.IntN(len(addrs))
		addr := addrs[i]
		addrs = append(addrs[:i], addrs[i+1:]...)
		excluded[addr] = true
		if !s.a.eligible(addr) {
			continue
		}
		b := s.sign(blocks[addr])
		if b == nil {
			continue
		}
		if fin := s.a.finalize(b); fin != nil {
			return fin
		}
	}
	return nil
}

// sign countersigns a contender's block with the adjudicator key.
func (s currentStrategy) sign(w WinningBlock) *core.Block {
	if w.Block == nil || w.Block.Validator != w.Address {
		s.a.log.Warn("Contender block is not its own", "address", w.Address)
		return nil
	}
	b := w.Block.Copy()
	if s.a.signer != nil {
		sig, err := s.a.signer.Sign(b.Hash)
		if err != nil {
			s.a.log.Error("Failed to sign block", "height", b.Height, "error", err)
			return nil
		}
		b.AdjudicatorSignature = sig
	}
	return b
}

// notify asks every contender for its block, giving each send at most
// NotifyTimeout.
func (a *Adjudicator) notify(ctx context.Context, contenders []NumberAnswer, secret string) {
	for _, c := range contenders {
		done := make(chan error, 1)
		go func(addr string) {
			done <- a.pool.SendTo(addr, TopicSendWinningBlock, secret)
		}(c.Address)

		t := time.NewTimer(a.cfg.NotifyTimeout)
		select {
		case err := <-done:
			if err != nil {
				a.log.Debug("Failed to notify contender", "address", c.Address, "error", err)
			}
		case <-t.C:
			a.log.Debug("Contender notification timed out", "address", c.Address)
		case <-ctx.Done():
			t.Stop()
			return
		}
		t.Stop()
	}
}

// awaitBlocks waits for contender blocks until the grace window closes or
// every contender has answered.
func (a *Adjudicator) awaitBlocks(ctx context.Context) error {
	if a.round.AllSubmitted() {
		return nil
	}
	t := time.NewTimer(a.cfg.GraceWindow)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case <-a.round.Submitted():
			if a.round.AllSubmitted() {
				return nil
			}
		}
	}
}

type legacyStrategy struct{ a *Adjudicator }

func (s legacyStrategy) name() string { return "legacy" }
func (s legacyStrategy) interval() time.Duration { return s.a.cfg.LegacyInterval }

func (s legacyStrategy) ready() bool {
	_, n, _ := s.a.round.Counts()
	return n > 0
}

// adjudicate takes the earliest answer and retries immediately with the
// next one until a block applies. Blocks are applied exactly as submitted.
func (s legacyStrategy) adjudicate(ctx context.Context, q TaskQuestion) (*core.Block, error) {
	a := s.a
	answers := a.round.LegacyAnswers()
	excluded := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		winner, ok := SelectLegacyWinner(q, answers, excluded)
		if !ok {
			return nil, ErrPoolExhausted
		}
		excluded[winner.Address] = true
		if !a.eligible(winner.Address) {
			continue
		}
		if winner.Block.Validator != winner.Address {
			a.log.Warn("Legacy block is not its own", "address", winner.Address)
			continue
		}
		if b := a.finalize(winner.Block.Copy()); b != nil {
			return b, nil
		}
	}
}
