package p2p

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Artfain/reserve-node/core"
)

// BlockSource is the peer transport used by the downloader.
type BlockSource interface {
	PeerHeights(ctx context.Context) map[string]int64
	RequestBlock(ctx context.Context, peer string, height int64) (*core.Block, error)
	Disconnect(peer string)
}

// DownloadConfig tunes the block downloader.
type DownloadConfig struct {
	MaxBufferBytes    int64
	StaleAfter        time.Duration
	FetchTimeout      time.Duration
	PollInterval      time.Duration
	StallTimeout      time.Duration
	MaxFailures       int
	MinBandwidthRatio float64
	MinSamples        int
}

func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		MaxBufferBytes:    50 << 20,
		StaleAfter:        30 * time.Second,
		FetchTimeout:      30 * time.Second,
		PollInterval:      250 * time.Millisecond,
		StallTimeout:      2 * time.Minute,
		MaxFailures:       3,
		MinBandwidthRatio: 0.2,
		MinSamples:        5,
	}
}

// Downloader catches the local chain up with the highest connected peer.
type Downloader struct {
	cfg    DownloadConfig
	source BlockSource
	chain  Applier
	queue  *BlockQueue
	rep    *ReputationBook
	bw     *BandwidthMeter
	now    func() time.Time
	log    *slog.Logger

	downloading atomic.Bool
}

func NewDownloader(cfg DownloadConfig, source BlockSource, chain Applier, queue *BlockQueue, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Downloader{
		cfg:    cfg,
		source: source,
		chain:  chain,
		queue:  queue,
		rep:    NewReputationBook(),
		bw:     NewBandwidthMeter(),
		now:    time.Now,
		log:    logger,
	}
	queue.OnInvalid(func(height int64, peer string, err error) {
		if peer != "" {
			d.rep.Failure(peer)
		}
	})
	return d
}

// IsDownloading reports whether a sync pass is running.
func (d *Downloader) IsDownloading() bool {
	return d.downloading.Load()
}

// Reputations returns the block-source reputations gathered so far.
func (d *Downloader) Reputations() map[string]Reputation {
	return d.rep.Snapshot()
}

// GetAllBlocks downloads blocks until the chain reaches the highest height
// reported by the connected peers. Only one download runs at a time; a call
// made while one is running returns ErrSyncInProgress.
func (d *Downloader) GetAllBlocks(ctx context.Context) error {
	if !d.downloading.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer d.downloading.Store(false)

	for {
		heights := d.source.PeerHeights(ctx)
		if len(heights) == 0 {
			return ErrNoPeers
		}
		var target int64
		for _, h := range heights {
			target = max(target, h)
		}
		local := d.chain.Height()
		if target <= local {
			return nil
		}
		d.log.Info("Downloading blocks", "from", local+1, "to", target, "peers", len(heights))
		if err := d.pass(ctx, heights, target); err != nil {
			return err
		}
		d.log.Info("Block download pass complete", "height", d.chain.Height())
	}
}

type fetch struct {
	height  int64
	peer    string
	started time.Time
	cancel  context.CancelFunc
}

type fetchResult struct {
	f       *fetch
	block   *core.Block
	err     error
	elapsed time.Duration
}

// pass fetches heights up to target. It returns once the chain reaches
// target or no peer can make progress.
func (d *Downloader) pass(ctx context.Context, heights map[string]int64, target int64) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetchResult)
	inflight := make(map[int64]*fetch)
	busy := make(map[string]bool)
	dead := make(map[string]bool)

	peers := make([]string, 0, len(heights))
	for p := range heights {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if heights[peers[i]] != heights[peers[j]] {
			return heights[peers[i]] < heights[peers[j]]
		}
		return peers[i] < peers[j]
	})

	drop := func(peer, reason string) {
		if dead[peer] {
			return
		}
		dead[peer] = true
		d.log.Warn("Dropping block source", "peer", peer, "reason", reason)
		d.source.Disconnect(peer)
		d.bw.Forget(peer)
		d.rep.Reset(peer)
	}

	start := func(peer string, height int64) {
		fctx, fcancel := context.WithTimeout(passCtx, d.cfg.FetchTimeout)
		f := &fetch{height: height, peer: peer, started: d.now(), cancel: fcancel}
		inflight[height] = f
		busy[peer] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer fcancel()
			begin := time.Now()
			b, err := d.source.RequestBlock(fctx, peer, height)
			select {
			case results <- fetchResult{f: f, block: b, err: err, elapsed: time.Since(begin)}:
			case <-passCtx.Done():
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	lastHeight := d.chain.Height()
	lastProgress := d.now()
	var overSince time.Time

	for {
		local := d.chain.Height()
		if local >= target {
			return nil
		}
		now := d.now()
		if local > lastHeight {
			lastHeight, lastProgress = local, now
		} else if d.cfg.StallTimeout > 0 && now.Sub(lastProgress) > d.cfg.StallTimeout {
			return ErrNoProgress
		}

		for _, p := range peers {
			if !dead[p] && d.rep.Consecutive(p) >= d.cfg.MaxFailures {
				drop(p, "repeated failures")
			}
		}
		for _, p := range d.bw.Slow(d.cfg.MinBandwidthRatio, d.cfg.MinSamples) {
			if !busy[p] {
				drop(p, "low bandwidth")
			}
		}

		over := d.queue.Bytes() >= d.cfg.MaxBufferBytes
		switch {
		case !over:
			overSince = time.Time{}
		case overSince.IsZero():
			overSince = now
		case now.Sub(overSince) > d.cfg.StaleAfter:
			if f := stalest(inflight); f != nil {
				d.log.Warn("Cancelling stale block fetch", "height", f.height, "peer", f.peer, "age", now.Sub(f.started))
				f.cancel()
				delete(inflight, f.height)
				busy[f.peer] = false
				drop(f.peer, "stale fetch")
			}
			overSince = now
		}

		for _, p := range peers {
			if dead[p] || busy[p] {
				continue
			}
			h := d.nextHeight(local, target, heights[p], inflight)
			if h == 0 || (over && h != local+1) {
				continue
			}
			start(p, h)
		}

		alive := 0
		for _, p := range peers {
			if !dead[p] {
				alive++
			}
		}
		if alive == 0 && len(inflight) == 0 {
			return ErrNoPeers
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.queue.Applied():
		case r := <-results:
			d.handleResult(r, inflight, busy)
		}
	}
}

// nextHeight returns the lowest height above local and up to target that
// peerHeight covers and that is neither in flight nor queued, or 0.
func (d *Downloader) nextHeight(local, target, peerHeight int64, inflight map[int64]*fetch) int64 {
	limit := min(target, peerHeight)
	for h := local + 1; h <= limit; h++ {
		if _, ok := inflight[h]; ok {
			continue
		}
		if d.queue.Has(h) {
			continue
		}
		return h
	}
	return 0
}

func (d *Downloader) handleResult(r fetchResult, inflight map[int64]*fetch, busy map[string]bool) {
	f := r.f
	if inflight[f.height] != f {
		// Cancelled or superseded fetch.
		return
	}
	delete(inflight, f.height)
	busy[f.peer] = false

	err := r.err
	if err == nil && (r.block == nil || r.block.Height != f.height) {
		err = errors.New("peer returned no block for height")
	}
	if err != nil {
		n := d.rep.Failure(f.peer)
		d.log.Debug("Block fetch failed", "height", f.height, "peer", f.peer, "failures", n, "error", err)
		return
	}
	size := r.block.EncodedSize()
	d.rep.Success(f.peer, size)
	d.bw.Record(f.peer, size, r.elapsed)
	if d.queue.Add(r.block, f.peer) {
		d.queue.Trigger()
	}
}

// stalest returns the in-flight fetch holding back the lowest height.
func stalest(inflight map[int64]*fetch) *fetch {
	var out *fetch
	for _, f := range inflight {
		if out == nil || f.height < out.height || (f.height == out.height && f.started.Before(out.started)) {
			out = f
		}
	}
	return out
}
