package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// PoolOptions wires the Fortis pool endpoint.
type PoolOptions struct {
	Adjudicator *consensus.Adjudicator
	Mempool     *core.Mempool
	// Queue admits member traffic. It should not be shared with the peer
	// hub since each registers its own ban callback.
	Queue   *p2p.Queue
	Limiter *rate.Limiter
	// ForwardTx relays a transaction a member submitted.
	ForwardTx func(tx core.Transaction)
	// MaxProofSkew bounds the age of a join proof. Zero means
	// consensus.DefaultJoinSkew.
	MaxProofSkew time.Duration
	Logger       *slog.Logger
}

// PoolEndpoint is the websocket endpoint validators join the pool through.
type PoolEndpoint struct {
	opts     PoolOptions
	upgrader websocket.Upgrader
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoolEndpoint(opts PoolOptions) *PoolEndpoint {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if opts.MaxProofSkew <= 0 {
		opts.MaxProofSkew = consensus.DefaultJoinSkew
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &PoolEndpoint{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	pool := opts.Adjudicator.Pool()
	opts.Queue.OnBan(func(ip string) {
		if entry, ok := pool.RemoveByIP(ip); ok && entry.Conn != nil {
			entry.Conn.Close()
		}
	})
	return e
}

func (e *PoolEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.opts.Limiter.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	ip := p2p.RemoteIP(r)
	if e.opts.Queue.Bans().IsBanned(ip) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	query := r.URL.Query()
	address := query.Get("address")
	if address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	if err := consensus.JoinProofFromQuery(query).Verify(time.Now(), e.opts.MaxProofSkew); err != nil {
		e.log.Warn("Pool join refused", "address", address, "ip", ip, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	pool := e.opts.Adjudicator.Pool()
	if cur, ok := pool.GetByAddress(address); ok && cur.IPAddress != ip {
		e.log.Warn("Pool join refused", "address", address, "ip", ip, "error", consensus.ErrAddressInUse)
		http.Error(w, "Address already connected", http.StatusConflict)
		return
	}
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	conn := p2p.NewConn(ws, ip, func(ctx context.Context, c *p2p.Conn, msg p2p.Message) (any, error) {
		return e.handle(ctx, address, c, msg)
	}, e.log)

	err = e.opts.Adjudicator.Register(&consensus.Entry{
		Conn:          conn,
		IPAddress:     ip,
		Address:       address,
		UniqueName:    query.Get("uName"),
		WalletVersion: query.Get("walver"),
	})
	if err != nil {
		// Lost a race with another connection claiming the address.
		conn.Close()
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := conn.Serve(e.ctx); err != nil && !errors.Is(err, p2p.ErrConnClosed) {
			e.log.Debug("Pool connection ended", "address", address, "ip", ip, "error", err)
		}
		e.opts.Adjudicator.Pool().RemoveConn(ip, conn.ID())
		e.opts.Queue.Forget(ip)
	}()
}

// Close drops every member connection and waits for them to finish.
func (e *PoolEndpoint) Close() {
	e.cancel()
	e.wg.Wait()
}

// handle admits a member message and routes it to the round. The sender's
// registered address overrides whatever address the payload claims.
func (e *PoolEndpoint) handle(ctx context.Context, address string, c *p2p.Conn, msg p2p.Message) (any, error) {
	ip := c.RemoteAddr()
	cost := int64(len(msg.Data)) + 128
	adj := e.opts.Adjudicator

	switch msg.Type {
	case consensus.TopicTaskAnswer:
		var ans consensus.NumberAnswer
		if err := msg.Decode(&ans); err != nil {
			return nil, err
		}
		ans.Address = address
		return nil, e.opts.Queue.Do(ctx, ip, cost, func(context.Context) error {
			return adj.SubmitAnswer(ans)
		})

	case consensus.TopicTaskAnswerLegacy:
		var ans consensus.BlockAnswer
		if err := msg.Decode(&ans); err != nil {
			return nil, err
		}
		ans.Address = address
		return nil, e.opts.Queue.Do(ctx, ip, cost, func(context.Context) error {
			return adj.SubmitLegacyAnswer(ans)
		})

	case consensus.TopicWinningBlock:
		var win consensus.WinningBlock
		if err := msg.Decode(&win); err != nil {
			return nil, err
		}
		win.Address = address
		return nil, e.opts.Queue.Do(ctx, ip, cost, func(context.Context) error {
			return adj.SubmitWinningBlock(win)
		})

	case consensus.TopicTx:
		var tx core.Transaction
		if err := msg.Decode(&tx); err != nil {
			return nil, err
		}
		return p2p.Admit(ctx, e.opts.Queue, ip, cost+1024, func(context.Context) (core.SubmitResult, error) {
			res, err := e.opts.Mempool.Submit(tx)
			if res == core.ResultAdded && e.opts.ForwardTx != nil {
				e.opts.ForwardTx(tx)
			}
			return res, err
		})
	}
	return nil, p2p.ErrUnknownMethod
}
