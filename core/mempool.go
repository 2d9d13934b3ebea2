package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SubmitResult is the reply code sent back to a peer that submits a
// transaction.
type SubmitResult string

const (
	// ResultAdded means the transaction was added to the mempool.
	ResultAdded SubmitResult = "ATMP"
	// ResultAlreadyPending means the transaction was already in the mempool.
	ResultAlreadyPending SubmitResult = "AIMP"
	// ResultFailed means the transaction failed verification.
	ResultFailed SubmitResult = "TFVP"
)

const DefaultStaleWindow = 60 * time.Minute

type mempoolEntry struct {
	Tx      Transaction `json:"tx"`
	AddedAt int64       `json:"addedAt"`
}

// Mempool holds verified transactions waiting to be crafted into a block.
type Mempool struct {
	mu          sync.Mutex
	store       *Store
	chain       *Chain
	staleWindow time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewMempool creates a mempool over the chain's store and drops pending
// transactions as soon as a block carrying them is applied.
func NewMempool(store *Store, chain *Chain, staleWindow time.Duration, logger *slog.Logger) *Mempool {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mempool{
		store:       store,
		chain:       chain,
		staleWindow: staleWindow,
		now:         time.Now,
		log:         logger,
	}
	chain.OnApplied(func(b *Block) {
		hashes := make([]string, 0, len(b.Transactions))
		for _, tx := range b.Transactions {
			hashes = append(hashes, tx.Hash)
		}
		m.Remove(hashes...)
	})
	return m
}

// SetClock replaces the mempool's time source.
func (m *Mempool) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Verify checks the transaction's hash, nonce and balance against the chain.
func (m *Mempool) Verify(tx Transaction) error {
	return newAccountState(m.store).verifyTx(tx)
}

// IsDoubleSpend reports whether another pending transaction from the same
// sender already uses the nonce, or the chain has moved past it.
func (m *Mempool) IsDoubleSpend(tx Transaction) bool {
	if tx.Nonce <= m.chain.Account(tx.FromAddress).Nonce {
		return true
	}
	clash := false
	_ = m.store.List(CollectionMempool, func(key string, raw []byte) error {
		var e mempoolEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil
		}
		if e.Tx.Hash != tx.Hash && e.Tx.FromAddress == tx.FromAddress && e.Tx.Nonce == tx.Nonce {
			clash = true
			return errStopIteration
		}
		return nil
	})
	return clash
}

func (m *Mempool) IsAlreadyInChain(tx Transaction) bool {
	return m.chain.HasTransaction(tx.Hash)
}

// IsStale reports whether the transaction timestamp is outside the
// acceptance window.
func (m *Mempool) IsStale(tx Transaction) bool {
	m.mu.Lock()
	now := m.now()
	m.mu.Unlock()
	ts := time.Unix(tx.Timestamp, 0)
	return ts.Before(now.Add(-m.staleWindow)) || ts.After(now.Add(m.staleWindow))
}

// Rate grades a transaction by how much of the sender's balance it spends.
func (m *Mempool) Rate(tx Transaction) TransactionRating {
	balance := m.chain.Balance(tx.FromAddress)
	spend := tx.Amount + tx.Fee
	switch {
	case spend > balance:
		return RatingF
	case spend <= balance*0.25:
		return RatingA
	case spend <= balance*0.5:
		return RatingB
	case spend <= balance*0.9:
		return RatingC
	default:
		return RatingD
	}
}

// Submit runs the full admission check and stores the transaction when it
// passes.
func (m *Mempool) Submit(tx Transaction) (SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.store.Has(CollectionMempool, tx.Hash)
	if err != nil {
		return ResultFailed, err
	}
	if pending {
		if m.isStaleLocked(tx) || m.chain.HasTransaction(tx.Hash) {
			m.deleteLocked(tx.Hash)
			return ResultFailed, nil
		}
		return ResultAlreadyPending, nil
	}
	if m.isStaleLocked(tx) {
		return ResultFailed, nil
	}
	if err := m.Verify(tx); err != nil {
		m.log.Debug("Transaction failed verification", "hash", tx.Hash, "error", err)
		return ResultFailed, nil
	}
	if m.IsDoubleSpend(tx) || m.IsAlreadyInChain(tx) {
		return ResultFailed, nil
	}
	rating := m.Rate(tx)
	if rating == RatingF {
		return ResultFailed, nil
	}
	tx.TransactionRating = &rating
	entry := mempoolEntry{Tx: tx, AddedAt: m.now().Unix()}
	if err := m.store.Put(CollectionMempool, tx.Hash, entry); err != nil {
		return ResultFailed, fmt.Errorf("failed to add transaction to mempool: %w", err)
	}
	m.log.Debug("Transaction added to mempool", "hash", tx.Hash, "rating", rating.String())
	return ResultAdded, nil
}

func (m *Mempool) isStaleLocked(tx Transaction) bool {
	ts := time.Unix(tx.Timestamp, 0)
	now := m.now()
	return ts.Before(now.Add(-m.staleWindow)) || ts.After(now.Add(m.staleWindow))
}

func (m *Mempool) deleteLocked(hash string) {
	if err := m.store.Delete(CollectionMempool, hash); err != nil {
		m.log.Error("Failed to delete mempool transaction", "hash", hash, "error", err)
	}
}

// Pending returns up to limit pending transactions, oldest first. A limit of
// zero returns all of them.
func (m *Mempool) Pending(limit int) []Transaction {
	entries := m.entries()
	txs := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		if limit > 0 && len(txs) >= limit {
			break
		}
		txs = append(txs, e.Tx)
	}
	return txs
}

// Remove drops transactions from the mempool.
func (m *Mempool) Remove(hashes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		m.deleteLocked(h)
	}
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	n, err := m.store.Count(CollectionMempool)
	if err != nil {
		return 0
	}
	return n
}

// RebroadcastCandidates returns pending transactions that have waited longer
// than age. Stale or already crafted entries are removed instead.
func (m *Mempool) RebroadcastCandidates(age time.Duration) []Transaction {
	m.mu.Lock()
	now := m.now()
	m.mu.Unlock()

	var out, drop []Transaction
	for _, e := range m.entries() {
		if m.IsStale(e.Tx) || m.IsAlreadyInChain(e.Tx) {
			drop = append(drop, e.Tx)
			continue
		}
		if now.Sub(time.Unix(e.AddedAt, 0)) >= age {
			out = append(out, e.Tx)
		}
	}
	for _, tx := range drop {
		m.Remove(tx.Hash)
	}
	return out
}

func (m *Mempool) entries() []mempoolEntry {
	var entries []mempoolEntry
	err := m.store.List(CollectionMempool, func(key string, raw []byte) error {
		var e mempoolEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			m.log.Warn("Skipping unreadable mempool entry", "key", key, "error", err)
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		m.log.Error("Failed to list mempool", "error", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Tx.Timestamp != entries[j].Tx.Timestamp {
			return entries[i].Tx.Timestamp < entries[j].Tx.Timestamp
		}
		return entries[i].Tx.Nonce < entries[j].Tx.Nonce
	})
	return entries
}
