package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// QueueConfig holds the admission limits applied to every inbound call.
type QueueConfig struct {
	// BlockLock disables all limiting while the chain is at or below it.
	BlockLock      int64
	MaxBufferCost  int64
	MaxOutstanding int64
	BurstWindow    time.Duration
	BaseDelay      time.Duration
	MaxDelayLevel  int64
	BanDuration    time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BlockLock:      -1,
		MaxBufferCost:  5_000_000,
		MaxOutstanding: 20,
		BurstWindow:    time.Second,
		BaseDelay:      500 * time.Millisecond,
		MaxDelayLevel:  10,
		BanDuration:    24 * time.Hour,
	}
}

// peerRecord is the rate-limit state of one remote address. All counters
// are atomics; sem admits one operation at a time.
type peerRecord struct {
	lastRequest atomic.Int64
	outstanding atomic.Int64
	bufferCost  atomic.Int64
	delayLevel  atomic.Int64
	banned      atomic.Bool
	sem         chan struct{}
}

func newPeerRecord() *peerRecord {
	return &peerRecord{sem: make(chan struct{}, 1)}
}

// PeerStats is a snapshot of a peer's rate-limit record.
type PeerStats struct {
	Outstanding int64
	BufferCost  int64
	DelayLevel  int64
}

// Queue is the per-peer admission gate in front of inbound calls.
type Queue struct {
	cfg     QueueConfig
	height  func() int64
	bans    *BanList
	records sync.Map
	now     func() time.Time
	onBan   atomic.Pointer[func(peer string)]
	log     *slog.Logger
}

// NewQueue creates an admission queue. height reports the local chain height.
func NewQueue(cfg QueueConfig, height func() int64, bans *BanList, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if bans == nil {
		bans = NewBanList(nil, logger)
	}
	return &Queue{
		cfg:    cfg,
		height: height,
		bans:   bans,
		now:    time.Now,
		log:    logger,
	}
}

// SetClock replaces the queue's time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// OnBan registers fn to run once when a peer gets banned.
func (q *Queue) OnBan(fn func(peer string)) { q.onBan.Store(&fn) }

// Bans returns the ban list consulted by the queue.
func (q *Queue) Bans() *BanList { return q.bans }

// Stats returns the current record of peer.
func (q *Queue) Stats(peer string) (PeerStats, bool) {
	v, ok := q.records.Load(peer)
	if !ok {
		return PeerStats{}, false
	}
	rec := v.(*peerRecord)
	return PeerStats{
		Outstanding: rec.outstanding.Load(),
		BufferCost:  rec.bufferCost.Load(),
		DelayLevel:  rec.delayLevel.Load(),
	}, true
}

// Do admits an operation without a result.
func (q *Queue) Do(ctx context.Context, peer string, cost int64, op func(context.Context) error) error {
	_, err := Admit(ctx, q, peer, cost, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Admit runs op on behalf of peer once the peer's limits allow it. Calls
// that would push the peer's buffered cost over the ceiling are dropped; a
// peer with too many outstanding calls is banned. Peers sending faster than
// the burst window are slowed down by a delay that runs alongside op.
func Admit[T any](ctx context.Context, q *Queue, peer string, cost int64, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if q.height() <= q.cfg.BlockLock {
		return op(ctx)
	}
	if q.bans.IsBanned(peer) {
		return zero, ErrPeerBanned
	}

	v, _ := q.records.LoadOrStore(peer, newPeerRecord())
	rec := v.(*peerRecord)

	now := q.now().UnixMilli()
	prev := rec.lastRequest.Swap(now)

	outstanding := rec.outstanding.Add(1)
	buffered := rec.bufferCost.Add(cost)
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			rec.outstanding.Add(-1)
			rec.bufferCost.Add(-cost)
		})
	}

	if outstanding > q.cfg.MaxOutstanding {
		release()
		q.ban(peer, rec)
		return zero, ErrPeerBanned
	}
	if buffered > q.cfg.MaxBufferCost {
		release()
		q.log.Warn("Message dropped, peer buffer full", "peer", peer, "cost", cost, "buffered", buffered-cost)
		return zero, ErrBufferExceeded
	}

	var level int64
	if now-prev < q.cfg.BurstWindow.Milliseconds() {
		level = rec.delayLevel.Add(1)
	} else {
		rec.delayLevel.Store(0)
	}

	select {
	case rec.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return zero, ctx.Err()
	}
	defer func() {
		release()
		<-rec.sem
	}()

	if level == 0 {
		return op(ctx)
	}
	delay := time.NewTimer(q.backoff(level))
	defer delay.Stop()
	result, err := op(ctx)
	select {
	case <-delay.C:
	case <-ctx.Done():
	}
	return result, err
}

func (q *Queue) backoff(level int64) time.Duration {
	if q.cfg.MaxDelayLevel > 0 && level > q.cfg.MaxDelayLevel {
		level = q.cfg.MaxDelayLevel
	}
	return q.cfg.BaseDelay * time.Duration(int64(1)<<(level-1))
}

// ban bans peer once per record and removes its record.
func (q *Queue) ban(peer string, rec *peerRecord) {
	if !rec.banned.CompareAndSwap(false, true) {
		return
	}
	q.records.CompareAndDelete(peer, rec)
	q.bans.Ban(peer, fmt.Sprintf("more than %d outstanding calls", q.cfg.MaxOutstanding), q.cfg.BanDuration)
	if fn := q.onBan.Load(); fn != nil {
		(*fn)(peer)
	}
}

// Forget drops the record of peer, for example after it disconnects with no
// calls outstanding.
func (q *Queue) Forget(peer string) {
	v, ok := q.records.Load(peer)
	if !ok {
		return
	}
	if v.(*peerRecord).outstanding.Load() == 0 {
		q.records.CompareAndDelete(peer, v)
	}
}
