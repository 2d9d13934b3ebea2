package consensus

import "errors"

var (
	ErrNotInPool       = errors.New("address is not in the fortis pool")
	ErrNoQuestion      = errors.New("no task question is open")
	ErrWrongRound      = errors.New("answer does not target the open round")
	ErrAlreadyAnswered = errors.New("address already answered this round")
	ErrBadSecret       = errors.New("winning block secret does not match")
	ErrNotContender    = errors.New("address is not a contender of this round")
	ErrRoundBusy       = errors.New("adjudication already in progress")
	ErrPoolExhausted   = errors.New("no candidate produced a valid block")
	ErrUnknownTask     = errors.New("unknown task type")
	ErrBadProof        = errors.New("address ownership proof rejected")
	ErrAddressInUse    = errors.New("address is connected from another network address")
)
