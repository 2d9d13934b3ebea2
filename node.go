package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Artfain/reserve-node/api"
	"github.com/Artfain/reserve-node/config"
	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// fanout broadcasts to several peer sets at once.
type fanout []consensus.Broadcaster

func (f fanout) Broadcast(topic string, payload any) {
	for _, b := range f {
		b.Broadcast(topic, payload)
	}
}

// node owns every long-lived component of a running process.
type node struct {
	cfg *config.Config
	log *slog.Logger

	store    *core.Store
	chain    *core.Chain
	mempool  *core.Mempool
	bans     *p2p.BanList
	blocks   *p2p.BlockQueue
	peers    *p2p.PeerSet
	download *p2p.Downloader
	hub      *p2p.Server

	adj    *consensus.Adjudicator
	pool   *api.PoolEndpoint
	member *consensus.Member

	p2pServer *http.Server
	apiServer *http.Server
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, log: logger}

	store, err := core.OpenStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	n.store = store

	var signer *core.Signer
	chainOpts := []core.ChainOption{core.WithChainLogger(logger.With("component", "chain"))}
	adjudicatorKey := cfg.Chain.AdjudicatorKey
	if cfg.Round.Adjudicate {
		signer, err = core.LoadOrCreateSigner(filepath.Join(cfg.Node.DataDir, cfg.Node.KeyFile))
		if err != nil {
			store.Close()
			return nil, err
		}
		adjudicatorKey = signer.PublicKey()
	}
	var memberKey *core.Signer
	if cfg.Pool.Join != "" {
		memberKey, err = core.LoadOrCreateSigner(filepath.Join(cfg.Node.DataDir, cfg.Node.KeyFile))
		if err != nil {
			store.Close()
			return nil, err
		}
		if cfg.Pool.Address != "" && cfg.Pool.Address != memberKey.Address() {
			store.Close()
			return nil, fmt.Errorf("pool address %s is not owned by key %s", cfg.Pool.Address, cfg.Node.KeyFile)
		}
		cfg.Pool.Address = memberKey.Address()
	}
	if adjudicatorKey != "" {
		chainOpts = append(chainOpts, core.WithAdjudicatorKey(adjudicatorKey, cfg.Chain.LegacyCutover+1))
	}
	n.chain, err = core.NewChain(store, cfg.Genesis(), chainOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	n.mempool = core.NewMempool(store, n.chain, cfg.Mempool.StaleWindow.D(), logger.With("component", "mempool"))
	n.bans = p2p.NewBanList(store, logger.With("component", "bans"))
	limiter := rate.NewLimiter(rate.Limit(cfg.Node.ConnRate), cfg.Node.ConnBurst)

	n.blocks = p2p.NewBlockQueue(n.chain, logger.With("component", "blocks"))
	n.peers = p2p.NewPeerSet(cfg.Node.MaxPeers, cfg.Node.CallTimeout.D(), func(ctx context.Context, c *p2p.Conn, msg p2p.Message) (any, error) {
		return n.hub.Handle(ctx, c, msg)
	}, logger.With("component", "peers"))
	n.download = p2p.NewDownloader(cfg.Downloads(), n.peers, n.chain, n.blocks, logger.With("component", "download"))

	n.hub = p2p.NewServer(p2p.ServerOptions{
		Chain:      n.chain,
		Mempool:    n.mempool,
		Queue:      p2p.NewQueue(cfg.Queue(), n.chain.Height, n.bans, logger.With("component", "admission")),
		Blocks:     n.blocks,
		Downloader: n.download,
		Limiter:    limiter,
		Validating: cfg.Round.Adjudicate || cfg.Pool.Join != "",
		Lead: p2p.AdjudicatorInfo{
			Address:   cfg.Pool.Address,
			PublicKey: adjudicatorKey,
			URL:       cfg.Pool.Join,
		},
		ForwardTx: n.forwardTx,
		PingBack:  n.pingBack,
		Logger:    logger.With("component", "hub"),
	})

	mux := http.NewServeMux()
	mux.Handle("/p2p", n.hub)
	if cfg.Round.Adjudicate {
		n.adj = consensus.NewAdjudicator(consensus.Options{
			Config:     cfg.Rounds(),
			Chain:      n.chain,
			Signer:     signer,
			Challenger: consensus.RandomChallenger{Max: cfg.Round.MaxNumber},
			Peers:      fanout{n.hub, n.peers},
			Mempool:    n.mempool,
			Logger:     logger.With("component", "adjudicator"),
		})
		n.pool = api.NewPoolEndpoint(api.PoolOptions{
			Adjudicator: n.adj,
			Mempool:     n.mempool,
			Queue:       p2p.NewQueue(cfg.Queue(), n.chain.Height, n.bans, logger.With("component", "pool-admission")),
			Limiter:     limiter,
			ForwardTx:   n.forwardTx,
			Logger:      logger.With("component", "pool"),
		})
		mux.Handle("/pool", n.pool)
	}

	if cfg.Pool.Join != "" {
		mcfg := cfg.Member()
		mcfg.Signer = memberKey
		n.member = consensus.NewMember(mcfg, n.chain, n.mempool, logger.With("component", "member"))
	}

	n.p2pServer = &http.Server{Addr: cfg.Node.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if cfg.Node.API != "" {
		n.apiServer = &http.Server{
			Addr: cfg.Node.API,
			Handler: api.NewREST(api.RESTOptions{
				Chain:       n.chain,
				Mempool:     n.mempool,
				Peers:       n.peers,
				Server:      n.hub,
				Downloader:  n.download,
				Bans:        n.bans,
				Adjudicator: n.adj,
				Logger:      logger.With("component", "api"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return n, nil
}

// forwardTx relays a newly admitted transaction to outbound peers and, on
// the adjudicator, to the pool.
func (n *node) forwardTx(tx core.Transaction) {
	n.peers.Broadcast(p2p.TopicTx, tx)
	if n.adj != nil {
		n.adj.Pool().Broadcast(consensus.TopicTx, tx)
	}
}

// pingBack dials a peer that connected to us for the first time on the
// network's peer port.
func (n *node) pingBack(ip string) {
	_, port, err := net.SplitHostPort(n.cfg.Node.Listen)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Node.CallTimeout.D())
	defer cancel()
	addr := net.JoinHostPort(ip, port)
	p, err := n.peers.Connect(ctx, addr)
	if err != nil {
		n.log.Debug("Failed to ping back peer", "peer", addr, "error", err)
		return
	}
	var hello string
	if err := p.Conn.Call(ctx, p2p.MethodPingBackPeer, nil, &hello); err != nil {
		n.log.Debug("Ping back refused", "peer", addr, "error", err)
	}
}

func (n *node) connectSeeds(ctx context.Context) {
	for _, addr := range n.cfg.Node.Peers {
		if _, ok := n.peers.Get(addr); ok {
			continue
		}
		if _, err := n.peers.Connect(ctx, addr); err != nil {
			n.log.Warn("Failed to connect to seed peer", "peer", addr, "error", err)
		}
	}
}

// syncLoop keeps seeds connected and the chain caught up.
func (n *node) syncLoop(ctx context.Context) error {
	t := time.NewTicker(n.cfg.Node.SyncInterval.D())
	defer t.Stop()
	for {
		n.connectSeeds(ctx)
		err := n.download.GetAllBlocks(ctx)
		switch {
		case err == nil:
		case errors.Is(err, p2p.ErrSyncInProgress), errors.Is(err, p2p.ErrNoPeers):
			n.log.Debug("Sync skipped", "reason", err)
		case ctx.Err() != nil:
			return nil
		default:
			n.log.Warn("Sync failed", "height", n.chain.Height(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// run starts every component and blocks until ctx ends or one fails.
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.blocks.Run(ctx)
		return nil
	})
	g.Go(func() error { return serve(ctx, n.p2pServer) })
	if n.apiServer != nil {
		g.Go(func() error { return serve(ctx, n.apiServer) })
	}
	g.Go(func() error { return n.syncLoop(ctx) })
	if n.adj != nil {
		g.Go(func() error { return n.adj.Run(ctx) })
	}
	if n.member != nil {
		g.Go(func() error { return n.member.Run(ctx) })
	}
	n.log.Info("Node started",
		"listen", n.cfg.Node.Listen,
		"api", n.cfg.Node.API,
		"height", n.chain.Height(),
		"adjudicator", n.adj != nil,
		"member", n.member != nil,
	)
	return g.Wait()
}

func (n *node) close() {
	if n.pool != nil {
		n.pool.Close()
	}
	n.hub.Close()
	n.peers.Close()
	if err := n.store.Close(); err != nil {
		n.log.Error("Failed to close store", "error", err)
	}
}
