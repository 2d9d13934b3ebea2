package p2p

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Artfain/reserve-node/core"
)

// Ban records why and until when a peer address is refused.
type Ban struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
	Until   int64  `json:"until"`
}

// BanList tracks banned peer addresses. Bans survive restarts when a store
// is attached.
type BanList struct {
	mu    sync.RWMutex
	bans  map[string]Ban
	store *core.Store
	now   func() time.Time
	log   *slog.Logger
}

// NewBanList loads unexpired bans from store. store may be nil.
func NewBanList(store *core.Store, logger *slog.Logger) *BanList {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BanList{
		bans:  make(map[string]Ban),
		store: store,
		now:   time.Now,
		log:   logger,
	}
	if store == nil {
		return b
	}
	now := b.now().Unix()
	err := store.List(core.CollectionBans, func(key string, raw []byte) error {
		var ban Ban
		if err := json.Unmarshal(raw, &ban); err != nil {
			return nil
		}
		if ban.Until > now {
			b.bans[ban.Address] = ban
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to load peer bans", "error", err)
	}
	return b
}

// Ban refuses addr for d.
func (b *BanList) Ban(addr, reason string, d time.Duration) {
	ban := Ban{Address: addr, Reason: reason, Until: b.now().Add(d).Unix()}
	b.mu.Lock()
	b.bans[addr] = ban
	b.mu.Unlock()
	b.log.Warn("Peer banned", "peer", addr, "reason", reason, "until", time.Unix(ban.Until, 0).UTC())
	if b.store != nil {
		if err := b.store.Put(core.CollectionBans, addr, ban); err != nil {
			b.log.Error("Failed to persist ban", "peer", addr, "error", err)
		}
	}
}

// IsBanned reports whether addr is currently banned. Expired bans are dropped.
func (b *BanList) IsBanned(addr string) bool {
	b.mu.RLock()
	ban, ok := b.bans[addr]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if ban.Until > b.now().Unix() {
		return true
	}
	b.Unban(addr)
	return false
}

func (b *BanList) Unban(addr string) {
	b.mu.Lock()
	delete(b.bans, addr)
	b.mu.Unlock()
	if b.store != nil {
		if err := b.store.Delete(core.CollectionBans, addr); err != nil {
			b.log.Error("Failed to delete ban", "peer", addr, "error", err)
		}
	}
}

// List returns the active bans.
func (b *BanList) List() []Ban {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Ban, 0, len(b.bans))
	for _, ban := range b.bans {
		out = append(out, ban)
	}
	return out
}
