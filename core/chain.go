package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// GenesisPrevHash is the previous-hash link of the block at height 0.
const GenesisPrevHash = "Genesis Block"

const metaTip = "tip"

// Genesis fixes the block at height 0 so every node agrees on it.
type Genesis struct {
	Timestamp   int64
	Validator   string
	ChainRef    string
	Allocations map[string]float64
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithAdjudicatorKey makes the chain require a valid adjudicator signature on
// every block at or above fromHeight.
func WithAdjudicatorKey(pubKeyHex string, fromHeight int64) ChainOption {
	return func(c *Chain) {
		c.adjudicatorKey = pubKeyHex
		c.signedFrom = fromHeight
	}
}

func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.log = logger
	}
}

// Chain validates blocks and extends the canonical chain one height at a
// time. It is the only writer of blocks and account state.
type Chain struct {
	mu    sync.RWMutex
	store *Store
	tip   *Block

	chainRef       string
	adjudicatorKey string
	signedFrom     int64

	hooksMu sync.Mutex
	hooks   []func(*Block)

	log *slog.Logger
}

// NewChain loads the chain tip from store, writing the genesis block first
// if the store is empty.
func NewChain(store *Store, genesis Genesis, opts ...ChainOption) (*Chain, error) {
	c := &Chain{
		store:    store,
		chainRef: genesis.ChainRef,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var tipHeight int64
	err := store.Get(CollectionMeta, metaTip, &tipHeight)
	switch {
	case err == nil:
		tip := &Block{}
		if err := store.Get(CollectionBlocks, HeightKey(tipHeight), tip); err != nil {
			return nil, fmt.Errorf("failed to load tip block %d: %w", tipHeight, err)
		}
		c.tip = tip
	case errors.Is(err, ErrNotFound):
		if err := c.writeGenesis(genesis); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	c.log.Info("Chain loaded", "height", c.tip.Height, "hash", c.tip.Hash)
	return c, nil
}

func (c *Chain) writeGenesis(g Genesis) error {
	genesis := NewBlock(0, g.Timestamp, GenesisPrevHash, g.Validator, g.ChainRef, nil)
	state := newAccountState(c.store)
	addrs := make([]string, 0, len(g.Allocations))
	for addr := range g.Allocations {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if err := state.credit(addr, g.Allocations[addr]); err != nil {
			return err
		}
	}
	batch := c.store.NewBatch()
	if err := batch.Put(CollectionBlocks, HeightKey(0), genesis); err != nil {
		return err
	}
	if err := batch.Put(CollectionMeta, metaTip, int64(0)); err != nil {
		return err
	}
	if err := state.flush(batch); err != nil {
		return err
	}
	if err := c.store.Write(batch); err != nil {
		return fmt.Errorf("failed to write genesis: %w", err)
	}
	c.tip = genesis
	return nil
}

// Height returns the height of the chain tip.
func (c *Chain) Height() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip.Height
}

// Tip returns a copy of the last applied block.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip.Copy()
}

func (c *Chain) ChainRef() string {
	return c.chainRef
}

// BlockByHeight loads an applied block.
func (c *Chain) BlockByHeight(height int64) (*Block, error) {
	b := &Block{}
	if err := c.store.Get(CollectionBlocks, HeightKey(height), b); err != nil {
		return nil, err
	}
	return b, nil
}

// Account returns the stored state of an address.
func (c *Chain) Account(address string) Account {
	acct := Account{Address: address}
	if err := c.store.Get(CollectionAccounts, address, &acct); err != nil && !errors.Is(err, ErrNotFound) {
		c.log.Error("Failed to load account", "address", address, "error", err)
	}
	return acct
}

func (c *Chain) Balance(address string) float64 {
	return c.Account(address).Balance
}

// HasTransaction reports whether a transaction hash is part of an applied block.
func (c *Chain) HasTransaction(hash string) bool {
	ok, err := c.store.Has(CollectionTxIndex, hash)
	return err == nil && ok
}

// Verify walks the stored chain from genesis to the tip and checks every
// hash, merkle root and link. It returns the first bad height.
func (c *Chain) Verify() (int64, error) {
	tip := c.Height()
	prev := GenesisPrevHash
	for h := int64(0); h <= tip; h++ {
		b, err := c.BlockByHeight(h)
		if err != nil {
			return h, err
		}
		switch {
		case b.PrevHash != prev:
			return h, ErrPrevHashMismatch
		case b.MerkleRoot != b.CalculateMerkleRoot():
			return h, ErrMerkleMismatch
		case b.Hash != b.CalculateHash():
			return h, ErrHashMismatch
		}
		prev = b.Hash
	}
	return tip, nil
}

// OnApplied registers fn to run after each block is applied.
func (c *Chain) OnApplied(fn func(*Block)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// ValidateAndApply validates b against the tip and appends it. A block that
// is already applied is accepted without effect; any other block not at
// tip+1 is refused.
func (c *Chain) ValidateAndApply(b *Block) error {
	if b == nil {
		return ErrInvalidBlock
	}
	c.mu.Lock()
	if b.Height <= c.tip.Height {
		c.mu.Unlock()
		return c.checkApplied(b)
	}
	if b.Height != c.tip.Height+1 {
		tip := c.tip.Height
		c.mu.Unlock()
		return fmt.Errorf("%w: got %d, tip %d", ErrNonContiguous, b.Height, tip)
	}
	if err := c.validate(b); err != nil {
		c.mu.Unlock()
		return err
	}
	applied := b.Copy()
	if err := c.apply(applied); err != nil {
		c.mu.Unlock()
		return err
	}
	c.tip = applied
	c.mu.Unlock()

	c.log.Debug("Block applied", "height", applied.Height, "hash", applied.Hash, "validator", applied.Validator)
	c.hooksMu.Lock()
	hooks := append([]func(*Block){}, c.hooks...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(applied.Copy())
	}
	return nil
}

func (c *Chain) checkApplied(b *Block) error {
	stored, err := c.BlockByHeight(b.Height)
	if err != nil {
		return fmt.Errorf("failed to load block %d: %w", b.Height, err)
	}
	if stored.Hash != b.Hash {
		return fmt.Errorf("%w: height %d", ErrConflictingBlock, b.Height)
	}
	return nil
}

// validate checks b against the tip. Caller must hold c.mu.
func (c *Chain) validate(b *Block) error {
	if c.chainRef != "" && b.ChainRefId != c.chainRef {
		return ErrWrongChain
	}
	if b.PrevHash != c.tip.Hash {
		return ErrPrevHashMismatch
	}
	if b.NumOfTx != len(b.Transactions) {
		return fmt.Errorf("%w: tx count %d, listed %d", ErrInvalidBlock, b.NumOfTx, len(b.Transactions))
	}
	if b.MerkleRoot != b.CalculateMerkleRoot() {
		return ErrMerkleMismatch
	}
	if b.Hash != b.CalculateHash() {
		return ErrHashMismatch
	}
	if c.adjudicatorKey != "" && b.Height >= c.signedFrom {
		if !VerifySignature(c.adjudicatorKey, b.Hash, b.AdjudicatorSignature) {
			return ErrInvalidSignature
		}
	}
	return nil
}

// apply persists b with its account changes in one batch. Caller must hold c.mu.
func (c *Chain) apply(b *Block) error {
	state := newAccountState(c.store)
	batch := c.store.NewBatch()
	seen := make(map[string]bool, len(b.Transactions))
	for _, tx := range b.Transactions {
		if seen[tx.Hash] || c.HasTransaction(tx.Hash) {
			return fmt.Errorf("%w: %s", ErrTxInChain, tx.Hash)
		}
		seen[tx.Hash] = true
		if err := state.applyTx(tx, b.Validator); err != nil {
			return fmt.Errorf("tx %s: %w", tx.Hash, err)
		}
		if err := batch.Put(CollectionTxIndex, tx.Hash, b.Height); err != nil {
			return err
		}
	}
	if err := state.flush(batch); err != nil {
		return err
	}
	if err := batch.Put(CollectionBlocks, HeightKey(b.Height), b); err != nil {
		return err
	}
	if err := batch.Put(CollectionMeta, metaTip, b.Height); err != nil {
		return err
	}
	return c.store.Write(batch)
}

// Craft builds the next block for validator from the transactions that
// still apply cleanly on top of the tip.
func (c *Chain) Craft(validator string, txs []Transaction, timestamp int64) *Block {
	c.mu.RLock()
	tip := c.tip
	c.mu.RUnlock()

	state := newAccountState(c.store)
	included := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if c.HasTransaction(tx.Hash) {
			continue
		}
		if err := state.applyTx(tx, validator); err != nil {
			continue
		}
		tx.TransactionRating = nil
		tx.Height = tip.Height + 1
		included = append(included, tx)
	}
	return NewBlock(tip.Height+1, timestamp, tip.Hash, validator, c.chainRef, included)
}
