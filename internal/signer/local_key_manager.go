package signer

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalKeyManager manages relayer keys stored encrypted on local disk.
type LocalKeyManager struct {
	keyDir   string
	password string
	keys     map[common.Address]*ecdsa.PrivateKey
	mu       sync.RWMutex
	log      *slog.Logger
}

// NewLocalKeyManager creates a new LocalKeyManager and loads existing keys from disk.
func NewLocalKeyManager(keyDir, password string) (*LocalKeyManager, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	km := &LocalKeyManager{
		keyDir:   keyDir,
		password: password,
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		log:      slog.Default().With("component", "local-keys"),
	}

	files, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		keyJSON, err := os.ReadFile(filepath.Join(keyDir, file.Name()))
		if err != nil {
			km.log.Warn("failed to read key file", "file", file.Name(), "error", err)
			continue
		}
		key, err := keystore.DecryptKey(keyJSON, password)
		if err != nil {
			km.log.Warn("failed to decrypt key file", "file", file.Name(), "error", err)
			continue
		}
		km.keys[key.Address] = key.PrivateKey
		km.log.Info("loaded relayer key", "address", key.Address.Hex())
	}

	return km, nil
}

// CreateKey generates a new key pair and saves it to disk (encrypted).
func (km *LocalKeyManager) CreateKey() (common.Address, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	return km.store(privateKey, keystore.StandardScryptN, keystore.StandardScryptP)
}

// ImportKey encrypts privateKey into the key directory with light scrypt
// parameters.
func (km *LocalKeyManager) ImportKey(privateKey *ecdsa.PrivateKey) (common.Address, error) {
	return km.store(privateKey, keystore.LightScryptN, keystore.LightScryptP)
}

func (km *LocalKeyManager) store(privateKey *ecdsa.PrivateKey, scryptN, scryptP int) (common.Address, error) {
	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	keyJSON, err := keystore.EncryptKey(&keystore.Key{
		Address:    address,
		PrivateKey: privateKey,
	}, km.password, scryptN, scryptP)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	filePath := filepath.Join(km.keyDir, address.Hex()+".json")
	if err := os.WriteFile(filePath, keyJSON, 0600); err != nil {
		return common.Address{}, fmt.Errorf("failed to save encrypted key: %w", err)
	}

	km.mu.Lock()
	km.keys[address] = privateKey
	km.mu.Unlock()

	km.log.Info("saved relayer key", "address", address.Hex())
	return address, nil
}

// GetAccounts returns all managed account addresses, sorted.
func (km *LocalKeyManager) GetAccounts() []common.Address {
	km.mu.RLock()
	defer km.mu.RUnlock()

	addresses := make([]common.Address, 0, len(km.keys))
	for addr := range km.keys {
		addresses = append(addresses, addr)
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].Cmp(addresses[j]) < 0 })
	return addresses
}

func (km *LocalKeyManager) key(address common.Address) (*ecdsa.PrivateKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	privateKey, ok := km.keys[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address.Hex())
	}
	return privateKey, nil
}

// SignTx signs a transaction using a locally stored private key.
func (km *LocalKeyManager) SignTx(address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	privateKey, err := km.key(address)
	if err != nil {
		return nil, err
	}
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signedTx, nil
}
