package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 20
)

// Handler serves calls and topics arriving on a connection. For a call the
// returned value is sent back as the reply; for a topic it is ignored.
type Handler func(ctx context.Context, c *Conn, msg Message) (any, error)

// Conn is a persistent bidirectional peer connection carrying call/reply
// messages and topic broadcasts over a websocket.
type Conn struct {
	ws      *websocket.Conn
	id      string
	addr    string
	handler Handler
	log     *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message

	closed    chan struct{}
	closeOnce sync.Once
	handlers  sync.WaitGroup
}

// NewConn wraps an established websocket. addr is the remote network
// address used for admission and registry keys.
func NewConn(ws *websocket.Conn, addr string, handler Handler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		ws:      ws,
		id:      newConnectionID(),
		addr:    addr,
		handler: handler,
		log:     logger.With("remote", addr),
		pending: make(map[uint64]chan Message),
		closed:  make(chan struct{}),
	}
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url, addr string, header http.Header, handler Handler, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(ws, addr, handler, logger), nil
}

func newConnectionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// ID returns the connection identity, unique per connection.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string { return c.addr }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Serve reads messages until the connection fails or ctx ends. It closes the
// connection and waits for running handlers before returning.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.Close()
		c.handlers.Wait()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
				return ErrConnClosed
			default:
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if msg.Reply {
			c.deliver(msg)
			continue
		}
		if c.handler == nil {
			continue
		}
		c.handlers.Add(1)
		go func(msg Message) {
			defer c.handlers.Done()
			c.dispatch(ctx, msg)
		}(msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg Message) {
	result, err := c.handler(ctx, c, msg)
	if !msg.IsCall() {
		if err != nil {
			c.log.Debug("Topic handler failed", "type", msg.Type, "error", err)
		}
		return
	}
	reply := Message{Type: msg.Type, ID: msg.ID, Reply: true}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = fmt.Sprintf("failed to marshal reply: %v", merr)
		} else {
			reply.Data = data
		}
	}
	if err := c.write(reply); err != nil {
		c.log.Debug("Failed to send reply", "type", msg.Type, "error", err)
	}
}

func (c *Conn) deliver(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Call invokes method on the remote side and decodes the reply into out.
// A reply without payload leaves out untouched and returns ErrEmptyPayload.
func (c *Conn) Call(ctx context.Context, method string, args any, out any) error {
	msg := Message{Type: method, ID: c.nextID.Add(1)}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to marshal %s args: %w", method, err)
		}
		msg.Data = data
	}
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return fmt.Errorf("%w: %s", ErrRemote, reply.Error)
		}
		if out == nil {
			return nil
		}
		if len(reply.Data) == 0 || string(reply.Data) == "null" {
			return ErrEmptyPayload
		}
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", method, err)
		}
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send publishes payload under topic without waiting for an answer.
func (c *Conn) Send(topic string, payload any) error {
	msg := Message{Type: topic}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
		}
		msg.Data = data
	}
	return c.write(msg)
}

func (c *Conn) write(msg Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type, err)
	}
	return nil
}

// Close tears the connection down. Pending calls fail with ErrConnClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
