package signer

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
)

// VaultKeyManager manages relayer keys held by the HashiCorp Vault transit engine.
type VaultKeyManager struct {
	vaultClient  *api.Client
	transitPath  string
	addressToKey map[common.Address]string // ETH address to Vault key name
	mu           sync.RWMutex
	log          *slog.Logger
}

// NewVaultKeyManager creates a new VaultKeyManager and initializes it with keys from Vault.
func NewVaultKeyManager(vaultClient *api.Client, transitPath string) (*VaultKeyManager, error) {
	km := &VaultKeyManager{
		vaultClient:  vaultClient,
		transitPath:  transitPath,
		addressToKey: make(map[common.Address]string),
		log:          slog.Default().With("component", "vault-keys"),
	}

	if err := km.enableTransitEngine(); err != nil {
		return nil, fmt.Errorf("failed to enable transit secrets engine: %w", err)
	}

	if err := km.loadExistingKeys(); err != nil {
		return nil, fmt.Errorf("failed to load existing keys from vault: %w", err)
	}

	return km, nil
}

func (km *VaultKeyManager) enableTransitEngine() error {
	mounts, err := km.vaultClient.Sys().ListMounts()
	if err != nil {
		return err
	}

	mountPath := km.transitPath + "/"
	if _, ok := mounts[mountPath]; !ok {
		km.log.Info("enabling transit secrets engine", "path", km.transitPath)
		return km.vaultClient.Sys().Mount(km.transitPath, &api.MountInput{
			Type: "transit",
		})
	}
	return nil
}

func (km *VaultKeyManager) loadExistingKeys() error {
	path := fmt.Sprintf("%s/keys", km.transitPath)
	secret, err := km.vaultClient.Logical().List(path)
	if err != nil {
		return err
	}

	if secret == nil || secret.Data["keys"] == nil {
		km.log.Info("no relayer keys in transit engine")
		return nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return fmt.Errorf("unexpected format for keys from vault")
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	for _, k := range keys {
		keyName, ok := k.(string)
		if !ok {
			continue
		}

		address, err := km.getAddressForKey(keyName)
		if err != nil {
			km.log.Warn("could not get address for key", "key", keyName, "error", err)
			continue
		}
		km.addressToKey[address] = keyName
		km.log.Info("loaded relayer key", "key", keyName, "address", address.Hex())
	}

	return nil
}

// CreateKey creates a new key in Vault and returns its Ethereum address.
func (km *VaultKeyManager) CreateKey() (common.Address, error) {
	keyName := "relayer-" + uuid.NewString()

	path := fmt.Sprintf("%s/keys/%s", km.transitPath, keyName)
	_, err := km.vaultClient.Logical().Write(path, map[string]interface{}{
		"type": "secp256k1",
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to create key in vault: %w", err)
	}

	address, err := km.getAddressForKey(keyName)
	if err != nil {
		deletePath := fmt.Sprintf("%s/keys/%s/config", km.transitPath, keyName)
		_, delErr := km.vaultClient.Logical().Write(deletePath, map[string]interface{}{"deletion_allowed": true})
		if delErr == nil {
			km.vaultClient.Logical().Delete(path)
		}
		return common.Address{}, fmt.Errorf("failed to get address for new key: %w", err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	km.addressToKey[address] = keyName

	km.log.Info("created relayer key", "key", keyName, "address", address.Hex())
	return address, nil
}

// GetAccounts returns all managed account addresses.
func (km *VaultKeyManager) GetAccounts() []common.Address {
	km.mu.RLock()
	defer km.mu.RUnlock()

	addresses := make([]common.Address, 0, len(km.addressToKey))
	for addr := range km.addressToKey {
		addresses = append(addresses, addr)
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].Cmp(addresses[j]) < 0 })
	return addresses
}

func (km *VaultKeyManager) getAddressForKey(keyName string) (common.Address, error) {
	path := fmt.Sprintf("%s/keys/%s", km.transitPath, keyName)
	secret, err := km.vaultClient.Logical().Read(path)
	if err != nil {
		return common.Address{}, err
	}
	if secret == nil || secret.Data["keys"] == nil {
		return common.Address{}, fmt.Errorf("key '%s' not found in vault", keyName)
	}

	keysData, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected format for key data")
	}

	latestVersion := "0"
	for v := range keysData {
		if v > latestVersion {
			latestVersion = v
		}
	}

	keyData, ok := keysData[latestVersion].(map[string]interface{})
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected format for key version data")
	}

	pubKeyBase64, ok := keyData["public_key"].(string)
	if !ok {
		return common.Address{}, fmt.Errorf("public key not found in key data")
	}

	block, _ := pem.Decode([]byte(pubKeyBase64))
	if block == nil {
		return common.Address{}, fmt.Errorf("failed to parse PEM block containing the public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse DER encoded public key: %w", err)
	}

	ecdsaPubKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("key is not an ECDSA public key")
	}

	address := crypto.PubkeyToAddress(*ecdsaPubKey)
	return address, nil
}

func (km *VaultKeyManager) signWithVault(keyName string, digest []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/sign/%s", km.transitPath, keyName)

	resp, err := km.vaultClient.Logical().Write(path, map[string]interface{}{
		"input":                base64.StdEncoding.EncodeToString(digest),
		"prehashed":            true,
		"marshaling_algorithm": "jws",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign with vault: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("empty vault response")
	}

	signature, ok := resp.Data["signature"].(string)
	if !ok {
		return nil, fmt.Errorf("signature not found in vault response")
	}
	return parseVaultSignature(signature)
}

// parseVaultSignature decodes a "vault:v<N>:<base64url r||s>" signature and
// normalises s to the lower half of the curve order.
func parseVaultSignature(signature string) ([]byte, error) {
	parts := strings.SplitN(signature, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" {
		return nil, fmt.Errorf("invalid signature format from vault: %s", signature)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[2], "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault signature: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("unexpected vault signature length %d", len(raw))
	}

	s := new(big.Int).SetBytes(raw[32:])
	n := crypto.S256().Params().N
	if s.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		s.Sub(n, s)
	}
	out := make([]byte, 64)
	copy(out[:32], raw[:32])
	s.FillBytes(out[32:])
	return out, nil
}

// SignTx signs a transaction using a key stored in Vault.
func (km *VaultKeyManager) SignTx(address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	keyName, err := km.getKeyName(address)
	if err != nil {
		return nil, err
	}

	signer := types.LatestSignerForChainID(chainID)
	txHash := signer.Hash(tx)

	signature, err := km.signWithVault(keyName, txHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction with vault: %w", err)
	}

	// Vault returns r and s only; the recovery id is found by trial.
	v, err := km.recoverV(signature, txHash.Bytes(), address)
	if err != nil {
		return nil, err
	}
	signature = append(signature, v)

	return tx.WithSignature(signer, signature)
}

func (km *VaultKeyManager) getKeyName(address common.Address) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keyName, ok := km.addressToKey[address]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, address.Hex())
	}
	return keyName, nil
}

// recoverV attempts to find the correct recovery ID (v) for a signature.
func (km *VaultKeyManager) recoverV(signature, hash []byte, expectedAddress common.Address) (byte, error) {
	for i := 0; i < 2; i++ {
		sigWithV := append(append([]byte(nil), signature...), byte(i))
		recoveredPub, err := crypto.Ecrecover(hash, sigWithV)
		if err != nil {
			continue
		}

		var pubkey *ecdsa.PublicKey
		pubkey, err = crypto.UnmarshalPubkey(recoveredPub)
		if err != nil {
			continue
		}

		recoveredAddr := crypto.PubkeyToAddress(*pubkey)
		if recoveredAddr == expectedAddress {
			return byte(i), nil
		}
	}
	return 0, fmt.Errorf("could not recover public key for the given signature")
}
