package consensus

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Sender is the connection handle of a pool member.
type Sender interface {
	ID() string
	Send(topic string, payload any) error
	Close() error
}

// Entry is one connected candidate validator.
type Entry struct {
	Conn               Sender
	IPAddress          string
	Address            string
	UniqueName         string
	WalletVersion      string
	ConnectDate        time.Time
	LastAnswerSendDate time.Time
}

// lastSeen is the last answer time, or the connect time for a member that
// has not answered yet.
func (e *Entry) lastSeen() time.Time {
	if e.LastAnswerSendDate.IsZero() {
		return e.ConnectDate
	}
	return e.LastAnswerSendDate
}

// PoolMember is the published view of an entry.
type PoolMember struct {
	ConnectionId       string     `json:"ConnectionId"`
	ConnectDate        time.Time  `json:"ConnectDate"`
	LastAnswerSendDate *time.Time `json:"LastAnswerSendDate"`
	IpAddress          string     `json:"IpAddress"`
	Address            string     `json:"Address"`
	UniqueName         string     `json:"UniqueName"`
	WalletVersion      string     `json:"WalletVersion"`
}

// Pool is the Fortis pool: connected candidate validators keyed by network
// address and by validator address. Both indexes change under one lock.
type Pool struct {
	mu     sync.RWMutex
	byIP   map[string]*Entry
	byAddr map[string]*Entry
	now    func() time.Time
	log    *slog.Logger
}

func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		byIP:   make(map[string]*Entry),
		byAddr: make(map[string]*Entry),
		now:    time.Now,
		log:    logger,
	}
}

// SetClock replaces the pool's time source.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Add registers e. An existing entry with the same network address, or with
// the same validator address on the same network address, is replaced and
// its connection closed. A validator address already connected from another
// network address is refused with ErrAddressInUse.
func (p *Pool) Add(e *Entry) error {
	p.mu.Lock()
	if old, ok := p.byAddr[e.Address]; ok && old.IPAddress != e.IPAddress {
		p.mu.Unlock()
		p.log.Warn("Pool address already connected", "address", e.Address, "ip", e.IPAddress, "connectedFrom", old.IPAddress)
		return ErrAddressInUse
	}
	if e.ConnectDate.IsZero() {
		e.ConnectDate = p.now()
	}
	var stale []*Entry
	if old, ok := p.byIP[e.IPAddress]; ok {
		p.removeLocked(old)
		stale = append(stale, old)
	}
	if old, ok := p.byAddr[e.Address]; ok {
		p.removeLocked(old)
		stale = append(stale, old)
	}
	p.byIP[e.IPAddress] = e
	p.byAddr[e.Address] = e
	p.mu.Unlock()

	for _, old := range stale {
		if old.Conn != nil && old.Conn != e.Conn {
			old.Conn.Close()
		}
	}
	p.log.Info("Pool member connected", "address", e.Address, "ip", e.IPAddress, "name", e.UniqueName)
	return nil
}

func (p *Pool) removeLocked(e *Entry) {
	if cur, ok := p.byIP[e.IPAddress]; ok && cur == e {
		delete(p.byIP, e.IPAddress)
	}
	if cur, ok := p.byAddr[e.Address]; ok && cur == e {
		delete(p.byAddr, e.Address)
	}
}

// GetByIP looks an entry up by network address.
func (p *Pool) GetByIP(ip string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byIP[ip]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetByAddress looks an entry up by validator address.
func (p *Pool) GetByAddress(addr string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byAddr[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// RemoveByIP removes the entry under ip from both indexes.
func (p *Pool) RemoveByIP(ip string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byIP[ip]
	if !ok {
		return Entry{}, false
	}
	p.removeLocked(e)
	return *e, true
}

// RemoveByAddress removes the entry under addr from both indexes.
func (p *Pool) RemoveByAddress(addr string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byAddr[addr]
	if !ok {
		return Entry{}, false
	}
	p.removeLocked(e)
	return *e, true
}

// RemoveConn removes the entry under ip only if it still holds the
// connection connID.
func (p *Pool) RemoveConn(ip, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byIP[ip]; ok && e.Conn != nil && e.Conn.ID() == connID {
		p.removeLocked(e)
	}
}

// Evict removes the member with validator address addr and closes its
// connection.
func (p *Pool) Evict(addr string) bool {
	e, ok := p.RemoveByAddress(addr)
	if ok && e.Conn != nil {
		e.Conn.Close()
	}
	return ok
}

// Touch marks the members with the given validator addresses as having
// answered now.
func (p *Pool) Touch(addrs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, addr := range addrs {
		if e, ok := p.byAddr[addr]; ok {
			e.LastAnswerSendDate = now
		}
	}
}

// Sweep disconnects and removes members that have been silent for longer
// than maxIdle. It returns the removed validator addresses.
func (p *Pool) Sweep(maxIdle time.Duration) []string {
	p.mu.Lock()
	now := p.now()
	var dead []*Entry
	for _, e := range p.byIP {
		if !e.lastSeen().Add(maxIdle).After(now) {
			dead = append(dead, e)
		}
	}
	for _, e := range dead {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	removed := make([]string, 0, len(dead))
	for _, e := range dead {
		if e.Conn != nil {
			e.Conn.Close()
		}
		removed = append(removed, e.Address)
		p.log.Info("Pool member expired", "address", e.Address, "ip", e.IPAddress)
	}
	sort.Strings(removed)
	return removed
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byIP)
}

// Has reports whether addr is a connected member.
func (p *Pool) Has(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byAddr[addr]
	return ok
}

// Snapshot returns every member ordered by validator address.
func (p *Pool) Snapshot() []PoolMember {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PoolMember, 0, len(p.byAddr))
	for _, e := range p.byAddr {
		m := PoolMember{
			ConnectDate:   e.ConnectDate,
			IpAddress:     e.IPAddress,
			Address:       e.Address,
			UniqueName:    e.UniqueName,
			WalletVersion: e.WalletVersion,
		}
		if e.Conn != nil {
			m.ConnectionId = e.Conn.ID()
		}
		if !e.LastAnswerSendDate.IsZero() {
			t := e.LastAnswerSendDate
			m.LastAnswerSendDate = &t
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (p *Pool) senders() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, 0, len(p.byIP))
	for _, e := range p.byIP {
		out = append(out, e)
	}
	return out
}

// Broadcast sends payload under topic to every member.
func (p *Pool) Broadcast(topic string, payload any) {
	for _, e := range p.senders() {
		if e.Conn == nil {
			continue
		}
		if err := e.Conn.Send(topic, payload); err != nil {
			p.log.Debug("Failed to send to pool member", "address", e.Address, "topic", topic, "error", err)
		}
	}
}

// SendTo sends payload under topic to the member with validator address addr.
func (p *Pool) SendTo(addr, topic string, payload any) error {
	p.mu.RLock()
	e, ok := p.byAddr[addr]
	p.mu.RUnlock()
	if !ok || e.Conn == nil {
		return ErrNotInPool
	}
	return e.Conn.Send(topic, payload)
}
