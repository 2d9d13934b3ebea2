package p2p

import (
	"encoding/json"
	"errors"
)

// Message is the envelope exchanged over every peer connection. A message
// with a non-zero ID is a call (or, with Reply set, the answer to one);
// a message without an ID is a topic broadcast.
type Message struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Reply bool            `json:"reply,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// IsCall reports whether the message expects a reply.
func (m Message) IsCall() bool {
	return m.ID != 0 && !m.Reply
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(m.Data, v)
}

// Peer hub methods and topics.
const (
	MethodPingPeers       = "PingPeers"
	MethodPingBackPeer    = "PingBackPeer"
	MethodSendBlockHeight = "SendBlockHeight"
	MethodSendBlock       = "SendBlock"
	MethodReceiveBlock    = "ReceiveBlock"
	MethodSendTx          = "SendTxToMempool"
	MethodLeadAdjudicator = "SendLeadAdjudicator"
	MethodMasternode      = "MasternodeOnline"
	MethodSeedNodeCheck   = "SeedNodeCheck"

	TopicBlock = "blk"
	TopicTx    = "tx"
)

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrConnClosed     = errors.New("connection closed")
	ErrRemote         = errors.New("remote error")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrBufferExceeded = errors.New("too much buffer usage, message was dropped")
	ErrPeerBanned     = errors.New("peer is banned")
	ErrSyncInProgress = errors.New("block download already in progress")
	ErrNoPeers        = errors.New("no peers available")
	ErrNoProgress     = errors.New("block download made no progress")
)
