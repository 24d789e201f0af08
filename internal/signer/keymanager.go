package signer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/vault/api"
)

// KeyManager defines the interface for managing relayer keys and signing relayer transactions.
// It abstracts the underlying key storage, which can be a local keystore or a remote service like Vault.
type KeyManager interface {
	// GetAccounts returns a list of all Ethereum addresses managed by the KeyManager.
	GetAccounts() []common.Address

	// CreateKey generates a new key pair and returns the corresponding Ethereum address.
	CreateKey() (common.Address, error)

	// SignTx signs a transaction with the key of address, for the given chain.
	SignTx(address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

const (
	TypeLocal = "local"
	TypeVault = "vault"
)

// Options selects and configures a KeyManager backend.
type Options struct {
	Type string

	KeyDir   string
	Password string

	VaultClient *api.Client
	TransitPath string
}

// NewKeyManager builds the KeyManager named by opts.Type.
func NewKeyManager(opts Options) (KeyManager, error) {
	switch opts.Type {
	case TypeLocal:
		return NewLocalKeyManager(opts.KeyDir, opts.Password)
	case TypeVault:
		if opts.VaultClient == nil {
			return nil, fmt.Errorf("vault key manager requires a vault client")
		}
		return NewVaultKeyManager(opts.VaultClient, opts.TransitPath)
	default:
		return nil, fmt.Errorf("unknown key manager type %q", opts.Type)
	}
}
