package p2p

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/Artfain/reserve-node/core"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// AdjudicatorInfo identifies the lead adjudicator of the network.
type AdjudicatorInfo struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	URL       string `json:"url"`
}

// ServerOptions wires the inbound hub to the rest of the node.
type ServerOptions struct {
	Chain      *core.Chain
	Mempool    *core.Mempool
	Queue      *Queue
	Blocks     *BlockQueue
	Downloader *Downloader
	Limiter    *rate.Limiter
	Validating bool
	Lead       AdjudicatorInfo
	// ForwardTx hands an admitted transaction to the adjudicator.
	ForwardTx func(tx core.Transaction)
	// PingBack is called with the address of a peer seen for the first time.
	PingBack func(ip string)
	Logger   *slog.Logger
}

// Server is the inbound peer hub. It accepts one connection per remote IP
// and serves every call through the admission queue.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	seen  map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:    opts.Logger,
		conns:  make(map[string]*Conn),
		seen:   make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}
	opts.Queue.OnBan(func(peer string) {
		s.disconnect(peer)
	})
	return s
}

// RemoteIP returns the host part of a request's remote address.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Limiter.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	ip := RemoteIP(r)
	if s.opts.Queue.Bans().IsBanned(ip) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	conn := NewConn(ws, ip, s.handle, s.log)

	s.mu.Lock()
	if old, ok := s.conns[ip]; ok {
		old.Close()
	}
	s.conns[ip] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := conn.Serve(s.ctx); err != nil && !errors.Is(err, ErrConnClosed) {
			s.log.Debug("Inbound peer connection ended", "peer", ip, "error", err)
		}
		s.mu.Lock()
		if cur, ok := s.conns[ip]; ok && cur == conn {
			delete(s.conns, ip)
		}
		s.mu.Unlock()
		s.opts.Queue.Forget(ip)
	}()
}

// PeerCount returns the number of inbound connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends payload under topic to every inbound peer.
func (s *Server) Broadcast(topic string, payload any) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Send(topic, payload); err != nil {
			s.log.Debug("Failed to relay to peer", "peer", c.RemoteAddr(), "topic", topic, "error", err)
		}
	}
}

func (s *Server) disconnect(ip string) {
	s.mu.Lock()
	c, ok := s.conns[ip]
	delete(s.conns, ip)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close drops every inbound connection and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Handle serves a message from any peer connection. Outbound connections
// use it too, so blocks relayed by the remote side are received.
func (s *Server) Handle(ctx context.Context, c *Conn, msg Message) (any, error) {
	return s.handle(ctx, c, msg)
}

func (s *Server) handle(ctx context.Context, c *Conn, msg Message) (any, error) {
	ip := c.RemoteAddr()
	q := s.opts.Queue
	switch msg.Type {
	case MethodPingPeers:
		return Admit(ctx, q, ip, 1024, func(ctx context.Context) (string, error) {
			s.mu.Lock()
			first := !s.seen[ip]
			s.seen[ip] = true
			s.mu.Unlock()
			if first && s.opts.PingBack != nil {
				go s.opts.PingBack(ip)
			}
			return "HelloPeer", nil
		})

	case MethodPingBackPeer:
		return Admit(ctx, q, ip, 128, func(ctx context.Context) (string, error) {
			return "HelloBackPeer", nil
		})

	case MethodSendBlockHeight:
		return s.opts.Chain.Height(), nil

	case MethodSendBlock:
		var current int64
		if err := msg.Decode(&current); err != nil {
			return nil, err
		}
		b, err := s.opts.Chain.BlockByHeight(current + 1)
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return b, err

	case MethodReceiveBlock, TopicBlock:
		var b core.Block
		if err := msg.Decode(&b); err != nil {
			return nil, err
		}
		return nil, q.Do(ctx, ip, b.Size, func(ctx context.Context) error {
			s.receiveBlock(ip, &b)
			return nil
		})

	case MethodSendTx, TopicTx:
		var tx core.Transaction
		if err := msg.Decode(&tx); err != nil {
			return nil, err
		}
		return Admit(ctx, q, ip, int64(len(tx.Data))+1024, func(ctx context.Context) (core.SubmitResult, error) {
			res, err := s.opts.Mempool.Submit(tx)
			if err != nil {
				s.log.Error("Failed to submit transaction", "hash", tx.Hash, "error", err)
				return core.ResultFailed, nil
			}
			if res == core.ResultAdded && s.opts.ForwardTx != nil {
				s.opts.ForwardTx(tx)
			}
			return res, nil
		})

	case MethodLeadAdjudicator:
		return Admit(ctx, q, ip, 128, func(ctx context.Context) (AdjudicatorInfo, error) {
			return s.opts.Lead, nil
		})

	case MethodMasternode:
		return Admit(ctx, q, ip, 128, func(ctx context.Context) (bool, error) {
			return true, nil
		})

	case MethodSeedNodeCheck:
		return Admit(ctx, q, ip, 1024, func(ctx context.Context) (string, error) {
			if s.opts.Validating {
				return "HelloVal", nil
			}
			return "Hello", nil
		})
	}
	return nil, ErrUnknownMethod
}

// receiveBlock queues a block announced by a peer. The block is relayed when
// it is the next height and a download is started when it is further ahead.
// Announcements are ignored while a download is running.
func (s *Server) receiveBlock(ip string, b *core.Block) {
	d := s.opts.Downloader
	if d != nil && d.IsDownloading() {
		return
	}
	if b.ChainRefId != s.opts.Chain.ChainRef() {
		return
	}
	next := s.opts.Chain.Height() + 1
	isNew := b.Height >= next && !s.opts.Blocks.Has(b.Height)
	if !isNew {
		return
	}
	s.opts.Blocks.Add(b, ip)
	s.opts.Blocks.Trigger()

	// Relayed before the applier validates it; receivers validate on their own.
	if b.Height == next {
		s.Broadcast(TopicBlock, b)
	}
	if b.Height > next && d != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := d.GetAllBlocks(s.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.log.Warn("Block download failed", "error", err)
			}
		}()
	}
}
