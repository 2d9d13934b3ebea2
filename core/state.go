package core

import (
	"errors"
	"fmt"
)

// accountState stages account changes for one block so that a failing
// transaction leaves the stored state untouched.
type accountState struct {
	store   *Store
	pending map[string]*Account
}

func newAccountState(store *Store) *accountState {
	return &accountState{store: store, pending: make(map[string]*Account)}
}

func (s *accountState) get(address string) (*Account, error) {
	if acct, ok := s.pending[address]; ok {
		return acct, nil
	}
	acct := &Account{Address: address}
	err := s.store.Get(CollectionAccounts, address, acct)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	s.pending[address] = acct
	return acct, nil
}

func (s *accountState) credit(address string, amount float64) error {
	acct, err := s.get(address)
	if err != nil {
		return err
	}
	acct.Balance += amount
	return nil
}

// verifyTx checks a transaction against the staged state without applying it.
func (s *accountState) verifyTx(tx Transaction) error {
	if tx.FromAddress == "" || tx.ToAddress == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidTx)
	}
	if tx.Amount < 0 || tx.Fee < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidTx)
	}
	if tx.Hash != tx.CalculateHash() {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidTx)
	}
	from, err := s.get(tx.FromAddress)
	if err != nil {
		return err
	}
	if tx.Nonce <= from.Nonce {
		return fmt.Errorf("%w: nonce %d already used", ErrInvalidTx, tx.Nonce)
	}
	if from.Balance < tx.Amount+tx.Fee {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *accountState) applyTx(tx Transaction, validator string) error {
	if err := s.verifyTx(tx); err != nil {
		return err
	}
	from, _ := s.get(tx.FromAddress)
	from.Balance -= tx.Amount + tx.Fee
	from.Nonce = tx.Nonce
	if err := s.credit(tx.ToAddress, tx.Amount); err != nil {
		return err
	}
	if tx.Fee > 0 {
		return s.credit(validator, tx.Fee)
	}
	return nil
}

func (s *accountState) flush(b *Batch) error {
	for addr, acct := range s.pending {
		if err := b.Put(CollectionAccounts, addr, acct); err != nil {
			return err
		}
	}
	return nil
}
