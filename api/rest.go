package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
)

// Status summarizes the node.
type Status struct {
	Height        int64  `json:"height"`
	TipHash       string `json:"tipHash"`
	ChainRef      string `json:"chainRef"`
	OutboundPeers int    `json:"outboundPeers"`
	InboundPeers  int    `json:"inboundPeers"`
	Mempool       int    `json:"mempool"`
	Downloading   bool   `json:"downloading"`
	Adjudicator   bool   `json:"adjudicator"`
	PoolMembers   int    `json:"poolMembers"`
	RoundHeight   int64  `json:"roundHeight,omitempty"`
	RoundBusy     bool   `json:"roundBusy"`
}

// RESTOptions wires the status API. Adjudicator is nil on nodes that do not
// adjudicate.
type RESTOptions struct {
	Chain       *core.Chain
	Mempool     *core.Mempool
	Peers       *p2p.PeerSet
	Server      *p2p.Server
	Downloader  *p2p.Downloader
	Bans        *p2p.BanList
	Adjudicator *consensus.Adjudicator
	Logger      *slog.Logger
}

type rest struct {
	opts RESTOptions
	log  *slog.Logger
}

// NewREST returns the status API handler.
func NewREST(opts RESTOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &rest{opts: opts, log: opts.Logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /pool", h.pool)
	mux.HandleFunc("GET /blocks/{height}", h.block)
	mux.HandleFunc("GET /validate", h.validate)
	mux.HandleFunc("GET /bans", h.bans)
	mux.HandleFunc("GET /peers", h.peers)
	return mux
}

func (h *rest) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("Failed to write response", "error", err)
	}
}

func (h *rest) writeError(w http.ResponseWriter, code int, err error) {
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *rest) status(w http.ResponseWriter, r *http.Request) {
	tip := h.opts.Chain.Tip()
	s := Status{
		Height:   tip.Height,
		TipHash:  tip.Hash,
		ChainRef: h.opts.Chain.ChainRef(),
	}
	if h.opts.Peers != nil {
		s.OutboundPeers = h.opts.Peers.Len()
	}
	if h.opts.Server != nil {
		s.InboundPeers = h.opts.Server.PeerCount()
	}
	if h.opts.Mempool != nil {
		s.Mempool = h.opts.Mempool.Len()
	}
	if h.opts.Downloader != nil {
		s.Downloading = h.opts.Downloader.IsDownloading()
	}
	if adj := h.opts.Adjudicator; adj != nil {
		s.Adjudicator = true
		s.PoolMembers = adj.Pool().Len()
		s.RoundBusy = adj.Busy()
		if q, ok := adj.Round().Question(); ok {
			s.RoundHeight = q.BlockHeight
		}
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *rest) pool(w http.ResponseWriter, r *http.Request) {
	if h.opts.Adjudicator == nil {
		h.writeJSON(w, http.StatusOK, []consensus.PoolMember{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.opts.Adjudicator.Pool().Snapshot())
}

func (h *rest) block(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(r.PathValue("height"), 10, 64)
	if err != nil || height < 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("height must be a non-negative integer"))
		return
	}
	b, err := h.opts.Chain.BlockByHeight(height)
	if errors.Is(err, core.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.log.Error("Failed to load block", "height", height, "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func (h *rest) validate(w http.ResponseWriter, r *http.Request) {
	height, err := h.opts.Chain.Verify()
	resp := map[string]any{"valid": err == nil, "height": height}
	if err != nil {
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *rest) bans(w http.ResponseWriter, r *http.Request) {
	if h.opts.Bans == nil {
		h.writeJSON(w, http.StatusOK, []p2p.Ban{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.opts.Bans.List())
}

// PeerInfo is an outbound peer with its download reputation.
type PeerInfo struct {
	Address    string          `json:"address"`
	Reputation *p2p.Reputation `json:"reputation,omitempty"`
}

func (h *rest) peers(w http.ResponseWriter, r *http.Request) {
	out := []PeerInfo{}
	if h.opts.Peers == nil {
		h.writeJSON(w, http.StatusOK, out)
		return
	}
	var reps map[string]p2p.Reputation
	if h.opts.Downloader != nil {
		reps = h.opts.Downloader.Reputations()
	}
	for _, addr := range h.opts.Peers.Addresses() {
		info := PeerInfo{Address: addr}
		if rep, ok := reps[addr]; ok {
			info.Reputation = &rep
		}
		out = append(out, info)
	}
	h.writeJSON(w, http.StatusOK, out)
}
