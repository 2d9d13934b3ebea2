package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Artfain/reserve-node/core"
	"golang.org/x/sync/errgroup"
)

// Peer is an outbound connection to another node.
type Peer struct {
	Address     string
	Conn        *Conn
	ConnectedAt time.Time
}

// PeerSet manages outbound peer connections and implements BlockSource.
type PeerSet struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	maxPeers int
	handler  Handler
	timeout  time.Duration
	log      *slog.Logger
	wg       sync.WaitGroup
}

// NewPeerSet creates an empty peer set. handler serves topics and calls the
// remote side sends on outbound connections.
func NewPeerSet(maxPeers int, callTimeout time.Duration, handler Handler, logger *slog.Logger) *PeerSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerSet{
		peers:    make(map[string]*Peer),
		maxPeers: maxPeers,
		handler:  handler,
		timeout:  callTimeout,
		log:      logger,
	}
}

// Connect dials addr ("host:port") and adds it to the set.
func (s *PeerSet) Connect(ctx context.Context, addr string) (*Peer, error) {
	if p, ok := s.Get(addr); ok {
		return p, nil
	}
	if s.maxPeers > 0 && s.Len() >= s.maxPeers {
		return nil, fmt.Errorf("peer limit %d reached", s.maxPeers)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := Dial(dialCtx, "ws://"+addr+"/p2p", addr, nil, s.handler, s.log)
	if err != nil {
		return nil, err
	}
	var hello string
	if err := conn.Call(dialCtx, MethodPingPeers, nil, &hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", addr, err)
	}
	return s.Add(ctx, addr, conn), nil
}

// Add registers an established connection and serves it until it closes.
func (s *PeerSet) Add(ctx context.Context, addr string, conn *Conn) *Peer {
	p := &Peer{Address: addr, Conn: conn, ConnectedAt: time.Now()}
	s.mu.Lock()
	if old, ok := s.peers[addr]; ok {
		old.Conn.Close()
	}
	s.peers[addr] = p
	s.mu.Unlock()
	s.log.Info("Connected to peer", "peer", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := conn.Serve(ctx); err != nil && !errors.Is(err, ErrConnClosed) {
			s.log.Debug("Peer connection ended", "peer", addr, "error", err)
		}
		s.mu.Lock()
		if cur, ok := s.peers[addr]; ok && cur == p {
			delete(s.peers, addr)
		}
		s.mu.Unlock()
	}()
	return p
}

func (s *PeerSet) Get(addr string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Addresses returns the connected peer addresses in sorted order.
func (s *PeerSet) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for addr := range s.peers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Disconnect closes the connection to addr and forgets it.
func (s *PeerSet) Disconnect(addr string) {
	s.mu.Lock()
	p, ok := s.peers[addr]
	delete(s.peers, addr)
	s.mu.Unlock()
	if ok {
		p.Conn.Close()
		s.log.Info("Disconnected peer", "peer", addr)
	}
}

// Broadcast sends payload under topic to every connected peer.
func (s *PeerSet) Broadcast(topic string, payload any) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		if err := p.Conn.Send(topic, payload); err != nil {
			s.log.Debug("Failed to send to peer", "peer", p.Address, "topic", topic, "error", err)
		}
	}
}

// Call invokes method on peer addr.
func (s *PeerSet) Call(ctx context.Context, addr, method string, args, out any) error {
	p, ok := s.Get(addr)
	if !ok {
		return fmt.Errorf("peer %s: %w", addr, ErrConnClosed)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return p.Conn.Call(ctx, method, args, out)
}

// PeerHeights asks every peer for its chain height concurrently. Peers that
// fail to answer are left out.
func (s *PeerSet) PeerHeights(ctx context.Context) map[string]int64 {
	addrs := s.Addresses()
	var mu sync.Mutex
	heights := make(map[string]int64, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, addr := range addrs {
		g.Go(func() error {
			var h int64
			if err := s.Call(gctx, addr, MethodSendBlockHeight, nil, &h); err != nil {
				s.log.Debug("Height query failed", "peer", addr, "error", err)
				return nil
			}
			mu.Lock()
			heights[addr] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return heights
}

// RequestBlock asks peer addr for the block at height.
func (s *PeerSet) RequestBlock(ctx context.Context, addr string, height int64) (*core.Block, error) {
	b := &core.Block{}
	if err := s.Call(ctx, addr, MethodSendBlock, height-1, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Close disconnects every peer and waits for their connections to finish.
func (s *PeerSet) Close() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()
	for _, p := range peers {
		p.Conn.Close()
	}
	s.wg.Wait()
}
