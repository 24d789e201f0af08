package signer

import (
	"encoding/base64"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) (*LocalKeyManager, common.Address) {
	t.Helper()
	km, err := NewLocalKeyManager(t.TempDir(), "secret")
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr, err := km.ImportKey(key)
	require.NoError(t, err)
	return km, addr
}

func TestLocalKeyManagerReload(t *testing.T) {
	dir := t.TempDir()
	km, err := NewLocalKeyManager(dir, "secret")
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr, err := km.ImportKey(key)
	require.NoError(t, err)

	reloaded, err := NewLocalKeyManager(dir, "secret")
	require.NoError(t, err)
	assert.Equal(t, []common.Address{addr}, reloaded.GetAccounts())

	wrong, err := NewLocalKeyManager(dir, "other")
	require.NoError(t, err)
	assert.Empty(t, wrong.GetAccounts())
}

func TestSignTx(t *testing.T) {
	km, addr := newLocal(t)
	s, err := NewSigner(km, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address())

	chainID := big.NewInt(8453)
	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, sender)
}

func TestBootstrap(t *testing.T) {
	km, err := NewLocalKeyManager(t.TempDir(), "secret")
	require.NoError(t, err)

	_, err = Bootstrap(km, common.Address{}, false)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	s, err := Bootstrap(km, common.Address{}, true)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{s.Address()}, km.GetAccounts())

	again, err := Bootstrap(km, common.Address{}, true)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), again.Address())
	assert.Len(t, km.GetAccounts(), 1)
}

func TestNewSignerUnknownAccount(t *testing.T) {
	km, _ := newLocal(t)
	_, err := NewSigner(km, common.HexToAddress("0x01"))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = km.SignTx(common.HexToAddress("0x01"), types.NewTx(&types.LegacyTx{}), big.NewInt(1))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestNewKeyManagerUnknownType(t *testing.T) {
	_, err := NewKeyManager(Options{Type: "hsm"})
	assert.Error(t, err)
	_, err = NewKeyManager(Options{Type: TypeVault})
	assert.Error(t, err)
}

func TestParseVaultSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest := crypto.Keccak256([]byte("payload"))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	// Flip s to the upper half; parsing must bring it back.
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	high := new(big.Int).Sub(n, s)
	raw := make([]byte, 64)
	copy(raw[:32], sig[:32])
	high.FillBytes(raw[32:])

	parsed, err := parseVaultSignature("vault:v1:" + base64.RawURLEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, sig[:64], parsed)

	_, err = parseVaultSignature("not-a-signature")
	assert.Error(t, err)
	_, err = parseVaultSignature("vault:v1:" + base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3}))
	assert.Error(t, err)
}
