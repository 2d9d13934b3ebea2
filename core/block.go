package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
)

// BlockVersion is stamped into every block crafted by this node.
const BlockVersion = 1

// Block is a block of the canonical chain. Field names are the wire names
// shared with every other node implementation and must not change.
type Block struct {
	Height               int64         `json:"Height"`
	Timestamp            int64         `json:"Timestamp"`
	Hash                 string        `json:"Hash"`
	PrevHash             string        `json:"PrevHash"`
	MerkleRoot           string        `json:"MerkleRoot"`
	TotalAmount          float64       `json:"TotalAmount"`
	Validator            string        `json:"Validator"`
	TotalReward          float64       `json:"TotalReward"`
	Difficulty           int           `json:"Difficulty"`
	Version              int           `json:"Version"`
	NumOfTx              int           `json:"NumOfTx"`
	Size                 int64         `json:"Size"`
	BCraftTime           int           `json:"BCraftTime"`
	ChainRefId           string        `json:"ChainRefId"`
	AdjudicatorSignature string        `json:"AdjudicatorSignature,omitempty"`
	Transactions         []Transaction `json:"Transactions"`
}

// NewBlock assembles a block at height on top of prevHash and fills in every
// derived field.
func NewBlock(height int64, timestamp int64, prevHash, validator, chainRef string, txs []Transaction) *Block {
	if txs == nil {
		txs = []Transaction{}
	}
	b := &Block{
		Height:       height,
		Timestamp:    timestamp,
		PrevHash:     prevHash,
		Validator:    validator,
		ChainRefId:   chainRef,
		Transactions: txs,
	}
	b.Build()
	return b
}

// Build recomputes the aggregate fields, the merkle root, the hash and the
// serialized size.
func (b *Block) Build() {
	b.Version = BlockVersion
	b.Difficulty = 1
	b.NumOfTx = len(b.Transactions)
	b.TotalAmount = b.totalAmount()
	b.TotalReward = b.totalFees()
	b.MerkleRoot = b.CalculateMerkleRoot()
	b.Hash = b.CalculateHash()
	b.Size = b.EncodedSize()
}

// CalculateHash returns the block hash. The adjudicator signature and the
// size are not covered: both are attached after the hash is known.
func (b *Block) CalculateHash() string {
	sum := strconv.Itoa(b.Version) +
		b.PrevHash +
		b.MerkleRoot +
		strconv.FormatInt(b.Timestamp, 10) +
		strconv.Itoa(b.Difficulty) +
		b.Validator +
		strconv.FormatInt(b.Height, 10)
	return HashString(sum)
}

// CalculateMerkleRoot returns the merkle root over the transaction hashes.
func (b *Block) CalculateMerkleRoot() string {
	hashes := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		hashes = append(hashes, tx.Hash)
	}
	return MerkleRoot(hashes)
}

// EncodedSize is the length of the block's JSON encoding without the size
// and signature fields.
func (b *Block) EncodedSize() int64 {
	c := *b
	c.Size = 0
	c.AdjudicatorSignature = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Transactions = make([]Transaction, len(b.Transactions))
	copy(c.Transactions, b.Transactions)
	return &c
}

func (b *Block) totalAmount() float64 {
	var total float64
	for _, tx := range b.Transactions {
		total += tx.Amount
	}
	return total
}

func (b *Block) totalFees() float64 {
	var total float64
	for _, tx := range b.Transactions {
		total += tx.Fee
	}
	return total
}

func (b *Block) String() string {
	return fmt.Sprintf("block{height=%d hash=%s validator=%s txs=%d}", b.Height, b.Hash, b.Validator, b.NumOfTx)
}

// HashString returns the lowercase hex SHA-256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}
