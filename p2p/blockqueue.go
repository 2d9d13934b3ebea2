package p2p

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Artfain/reserve-node/core"
)

// Applier is the chain surface the sync engine drives.
type Applier interface {
	Height() int64
	ValidateAndApply(b *core.Block) error
}

type queuedBlock struct {
	block *core.Block
	peer  string
	size  int64
}

// BlockQueue holds downloaded blocks that are not yet contiguous with the
// chain tip and applies them strictly in height order from a single
// consumer.
type BlockQueue struct {
	chain Applier
	log   *slog.Logger

	mu     sync.Mutex
	blocks map[int64]queuedBlock
	bytes  int64

	applyMu   sync.Mutex
	trigger   chan struct{}
	onInvalid func(height int64, peer string, err error)
	applied   chan struct{}
}

func NewBlockQueue(chain Applier, logger *slog.Logger) *BlockQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockQueue{
		chain:   chain,
		log:     logger,
		blocks:  make(map[int64]queuedBlock),
		trigger: make(chan struct{}, 1),
		applied: make(chan struct{}, 1),
	}
}

// OnInvalid registers fn to run when a queued block fails validation.
func (q *BlockQueue) OnInvalid(fn func(height int64, peer string, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onInvalid = fn
}

// Add queues b received from peer. It returns false when the height is
// already applied or already queued.
func (q *BlockQueue) Add(b *core.Block, peer string) bool {
	if b == nil || b.Height <= q.chain.Height() {
		return false
	}
	size := b.EncodedSize()
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.blocks[b.Height]; ok {
		return false
	}
	q.blocks[b.Height] = queuedBlock{block: b, peer: peer, size: size}
	q.bytes += size
	return true
}

func (q *BlockQueue) Has(height int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.blocks[height]
	return ok
}

// Bytes returns the encoded size of all queued blocks.
func (q *BlockQueue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

// Trigger asks the consumer to apply whatever is contiguous. It never blocks.
func (q *BlockQueue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Applied receives a value after a drain applied at least one block.
func (q *BlockQueue) Applied() <-chan struct{} {
	return q.applied
}

// Run is the single consumer. It drains the queue on every trigger until
// ctx ends.
func (q *BlockQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
			q.Drain()
		}
	}
}

// Drain applies queued blocks from tip+1 upward and stops at the first gap
// or the first invalid block. It returns the number of blocks applied.
func (q *BlockQueue) Drain() int {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()

	q.mu.Lock()
	q.pruneLocked(q.chain.Height())
	q.mu.Unlock()

	n := 0
	for {
		next := q.chain.Height() + 1
		q.mu.Lock()
		entry, ok := q.blocks[next]
		q.mu.Unlock()
		if !ok {
			break
		}
		err := q.chain.ValidateAndApply(entry.block)
		q.remove(next)
		if err != nil {
			q.log.Warn("Queued block rejected", "height", next, "peer", entry.peer, "error", err)
			q.mu.Lock()
			fn := q.onInvalid
			q.mu.Unlock()
			if fn != nil {
				fn(next, entry.peer, err)
			}
			break
		}
		n++
	}
	if n > 0 {
		select {
		case q.applied <- struct{}{}:
		default:
		}
	}
	return n
}

func (q *BlockQueue) remove(height int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.blocks[height]; ok {
		q.bytes -= e.size
		delete(q.blocks, height)
	}
}

func (q *BlockQueue) pruneLocked(applied int64) {
	for h, e := range q.blocks {
		if h <= applied {
			q.bytes -= e.size
			delete(q.blocks, h)
		}
	}
}
