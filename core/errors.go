package core

import "errors"

// Chain and store errors
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidBlock      = errors.New("invalid block")
	ErrNonContiguous     = errors.New("block height is not contiguous with the chain tip")
	ErrConflictingBlock  = errors.New("conflicting block at an applied height")
	ErrPrevHashMismatch  = errors.New("previous hash does not match the chain tip")
	ErrHashMismatch      = errors.New("block hash mismatch")
	ErrMerkleMismatch    = errors.New("merkle root mismatch")
	ErrWrongChain        = errors.New("block belongs to another chain")
	ErrInvalidSignature  = errors.New("invalid adjudicator signature")
	ErrInvalidTx         = errors.New("invalid transaction")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrTxInChain         = errors.New("transaction already in chain")
)

var errStopIteration = errors.New("stop iteration")
