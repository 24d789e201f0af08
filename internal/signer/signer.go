package signer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrAccountNotFound = errors.New("account not found")

// Signer signs relayer transactions with one account of a KeyManager.
type Signer struct {
	keyManager KeyManager
	address    common.Address
}

// NewSigner binds keyManager to address. A zero address selects the first
// managed account.
func NewSigner(keyManager KeyManager, address common.Address) (*Signer, error) {
	accounts := keyManager.GetAccounts()
	if address == (common.Address{}) {
		if len(accounts) == 0 {
			return nil, fmt.Errorf("%w: key manager has no accounts", ErrAccountNotFound)
		}
		return &Signer{keyManager: keyManager, address: accounts[0]}, nil
	}
	for _, a := range accounts {
		if a == address {
			return &Signer{keyManager: keyManager, address: address}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address.Hex())
}

// Bootstrap selects the relayer account. With a zero address and an empty
// key manager it creates the first key when create is set.
func Bootstrap(keyManager KeyManager, address common.Address, create bool) (*Signer, error) {
	if address == (common.Address{}) && create && len(keyManager.GetAccounts()) == 0 {
		created, err := keyManager.CreateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to create relayer key: %w", err)
		}
		address = created
	}
	return NewSigner(keyManager, address)
}

// Address is the relayer account.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction with the relayer account.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.keyManager.SignTx(s.address, tx, chainID)
}
