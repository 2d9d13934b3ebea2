package core

import (
	"strconv"
)

// TransactionType distinguishes plain transfers from the payload-carrying
// kinds handled by collaborators outside the sync engine.
type TransactionType int

const (
	TxTransfer TransactionType = iota
	TxNode
	TxNFTMint
	TxNFTTransfer
	TxNFTBurn
	TxDomain
)

// TransactionRating grades a transaction on admission. F is never admitted.
type TransactionRating int

const (
	RatingA TransactionRating = iota
	RatingB
	RatingC
	RatingD
	RatingF
)

func (r TransactionRating) String() string {
	switch r {
	case RatingA:
		return "A"
	case RatingB:
		return "B"
	case RatingC:
		return "C"
	case RatingD:
		return "D"
	case RatingF:
		return "F"
	default:
		return "?"
	}
}

// Transaction is a chain transaction. Field names are wire names.
type Transaction struct {
	Hash              string             `json:"Hash"`
	ToAddress         string             `json:"ToAddress"`
	FromAddress       string             `json:"FromAddress"`
	Amount            float64            `json:"Amount"`
	Nonce             int64              `json:"Nonce"`
	Fee               float64            `json:"Fee"`
	Timestamp         int64              `json:"Timestamp"`
	Data              string             `json:"Data,omitempty"`
	Signature         string             `json:"Signature"`
	Height            int64              `json:"Height"`
	TransactionType   TransactionType    `json:"TransactionType"`
	TransactionRating *TransactionRating `json:"TransactionRating,omitempty"`
}

// CalculateHash returns the transaction hash over every field except the
// hash, signature and rating.
func (tx *Transaction) CalculateHash() string {
	sum := strconv.FormatInt(tx.Timestamp, 10) +
		tx.FromAddress +
		tx.ToAddress +
		strconv.FormatFloat(tx.Amount, 'f', -1, 64) +
		strconv.FormatFloat(tx.Fee, 'f', -1, 64) +
		strconv.FormatInt(tx.Nonce, 10) +
		strconv.Itoa(int(tx.TransactionType)) +
		tx.Data
	return HashString(sum)
}

// Build sets the transaction hash.
func (tx *Transaction) Build() {
	tx.Hash = tx.CalculateHash()
}

// Account is the per-address state kept by the chain.
type Account struct {
	Address string  `json:"Address"`
	Balance float64 `json:"Balance"`
	Nonce   int64   `json:"Nonce"`
}
