package p2p

import (
	"math"
	"sync"
)

// Reputation is a peer's standing as a block source.
type Reputation struct {
	Score       float64 `json:"score"`
	Served      uint64  `json:"served"`
	Failures    uint64  `json:"failures"`
	Consecutive int     `json:"consecutive"`
}

// NewReputation initializes a Reputation with the neutral score.
func NewReputation() *Reputation {
	return &Reputation{Score: 1.0}
}

// update moves the score down on a failure and slowly up on a served block.
func (r *Reputation) update(ok bool, bytes int64) {
	if !ok {
		r.Failures++
		r.Consecutive++
		r.Score = math.Max(0.1, r.Score*0.9)
		return
	}
	r.Served++
	r.Consecutive = 0
	r.Score = math.Min(2.0, r.Score+0.01*math.Log1p(float64(bytes)/1024))
}

// ReputationBook tracks reputations of block sources by address.
type ReputationBook struct {
	mu    sync.Mutex
	peers map[string]*Reputation
}

func NewReputationBook() *ReputationBook {
	return &ReputationBook{peers: make(map[string]*Reputation)}
}

func (b *ReputationBook) get(peer string) *Reputation {
	r, ok := b.peers[peer]
	if !ok {
		r = NewReputation()
		b.peers[peer] = r
	}
	return r
}

// Success records a block of size bytes served by peer.
func (b *ReputationBook) Success(peer string, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(peer).update(true, bytes)
}

// Failure records a failed or invalid fetch and returns the number of
// consecutive failures.
func (b *ReputationBook) Failure(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.get(peer)
	r.update(false, 0)
	return r.Consecutive
}

func (b *ReputationBook) Consecutive(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.peers[peer]; ok {
		return r.Consecutive
	}
	return 0
}

func (b *ReputationBook) Score(peer string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.peers[peer]; ok {
		return r.Score
	}
	return 1.0
}

// Snapshot returns a copy of every tracked reputation.
func (b *ReputationBook) Snapshot() map[string]Reputation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Reputation, len(b.peers))
	for k, r := range b.peers {
		out[k] = *r
	}
	return out
}

// Reset clears peer's failure streak and keeps its history, so a peer that
// reconnects after being dropped gets another chance.
func (b *ReputationBook) Reset(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.peers[peer]; ok {
		r.Consecutive = 0
	}
}

// Forget drops peer's record.
func (b *ReputationBook) Forget(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, peer)
}
