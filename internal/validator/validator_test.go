package validator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/nonce"
)

var (
	verifyingContract   = common.HexToAddress("0x000000000000000000000000000000000000b001")
	declarationContract = common.HexToAddress("0x000000000000000000000000000000000000dec1")
)

type mockContractVerifier struct {
	IsValidSignatureFunc func(ctx context.Context, contract common.Address, hash common.Hash, signature []byte) (bool, error)
}

func (m *mockContractVerifier) IsValidSignature(ctx context.Context, contract common.Address, hash common.Hash, signature []byte) (bool, error) {
	return m.IsValidSignatureFunc(ctx, contract, hash, signature)
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func blockSegment() model.Segment {
	return model.Segment{Type: model.SegmentRequireBlockNotMined, RequireBlockNotMined: &model.RequireBlockNotMinedParams{BlockNumber: model.U64(1000)}}
}

func declaration(signer common.Address, bits ...uint) *model.SignedDeclaration {
	sd := &model.SignedDeclaration{
		ChainID:             1,
		Signer:              signer,
		SignatureType:       model.SignatureTypeEIP712,
		DeclarationContract: declarationContract,
	}
	for _, b := range bits {
		sd.Declaration.Intents = append(sd.Declaration.Intents, model.Intent{
			Nonce:    model.NonceBit{BitmapIndex: 0, Bit: b},
			Segments: []model.Segment{blockSegment()},
		})
	}
	return sd
}

func sign(t *testing.T, sd *model.SignedDeclaration, key *ecdsa.PrivateKey) {
	t.Helper()
	hash, err := DeclarationHash(sd, verifyingContract)
	require.NoError(t, err)
	sig, err := Sign(hash, key)
	require.NoError(t, err)
	sd.Signature = sig
}

func TestDeclarationHashIgnoresSource(t *testing.T) {
	_, addr := newKey(t)
	a := declaration(addr, 1)
	b := declaration(addr, 1)
	b.Source = "widget"
	ha, err := DeclarationHash(a, verifyingContract)
	require.NoError(t, err)
	hb, err := DeclarationHash(b, verifyingContract)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := declaration(addr, 2)
	hc, err := DeclarationHash(c, verifyingContract)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestMetaDelegateCallTypedData(t *testing.T) {
	key, addr := newKey(t)
	td := MetaDelegateCallTypedData(8453, addr, declarationContract, []byte{0xca, 0xfe})
	assert.Equal(t, "MetaDelegateCall", td.PrimaryType)
	assert.Equal(t, addr.Hex(), td.Domain.VerifyingContract)
	assert.Equal(t, "8453", (*big.Int)(td.Domain.ChainId).String())
	assert.Equal(t, declarationContract.Hex(), td.Message["to"])

	digest, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)
	sig, err := Sign(common.BytesToHash(digest), key)
	require.NoError(t, err)
	got, err := RecoverSigner(common.BytesToHash(digest), sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	sd := declaration(addr, 1)
	payload, err := SignedPayload(sd)
	require.NoError(t, err)
	want, err := TypedData(sd, verifyingContract)
	require.NoError(t, err)
	assert.Equal(t, want, MetaDelegateCallTypedData(sd.ChainID, verifyingContract, declarationContract, payload))
}

func TestRecoverSigner(t *testing.T) {
	key, addr := newKey(t)
	hash := crypto.Keccak256Hash([]byte("brink"))
	sig, err := Sign(hash, key)
	require.NoError(t, err)

	got, err := RecoverSigner(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	sig[64] -= 27
	got, err = RecoverSigner(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = RecoverSigner(hash, sig[:10])
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate(t *testing.T) {
	key, signer := newKey(t)
	other, _ := newKey(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	tests := []struct {
		name    string
		build   func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration
		want    Reason
		reserve bool
	}{
		{
			name: "accepted",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1, 2)
				sign(t, sd, key)
				return sd
			},
			reserve: true,
		},
		{
			name: "wrong key",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1)
				sign(t, sd, other)
				return sd
			},
			want: BadSignature,
		},
		{
			name: "unknown signature type",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1)
				sign(t, sd, key)
				sd.SignatureType = "ETH_SIGN"
				return sd
			},
			want: BadSignature,
		},
		{
			name: "signature checked before expiry",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1)
				sd.Declaration.ExpiryTime = &past
				sign(t, sd, other)
				return sd
			},
			want: BadSignature,
		},
		{
			name: "expired",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1)
				sd.Declaration.ExpiryTime = &past
				sign(t, sd, key)
				return sd
			},
			want: Expired,
		},
		{
			name: "nonce in use",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				require.NoError(t, reg.MarkUsed(model.NewNonce(signer, 0, 2)))
				sd := declaration(signer, 1, 2)
				sign(t, sd, key)
				return sd
			},
			want: NonceUnavailable,
		},
		{
			name: "duplicate nonce",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 3, 3)
				sign(t, sd, key)
				return sd
			},
			want: NonceUnavailable,
		},
		{
			name: "empty intent",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1)
				sd.Declaration.Intents[0].Segments = nil
				sign(t, sd, key)
				return sd
			},
			want: MalformedSegments,
		},
		{
			name: "unknown segment",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer, 1)
				sd.Declaration.Intents[0].Segments[0].Type = "teleport"
				sign(t, sd, key)
				return sd
			},
			want: MalformedSegments,
		},
		{
			name: "no intents",
			build: func(t *testing.T, reg *nonce.Registry) *model.SignedDeclaration {
				sd := declaration(signer)
				sign(t, sd, key)
				return sd
			},
			want: MalformedSegments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := nonce.NewRegistry()
			sd := tt.build(t, reg)
			v := New(verifyingContract, reg, nil)

			res, err := v.Validate(context.Background(), sd, now)
			require.NoError(t, err)
			if tt.reserve {
				require.True(t, res.Accepted(), "rejected: %v", res.Rejection)
				for _, n := range sd.Nonces() {
					assert.True(t, reg.IsUsed(n))
				}
				return
			}
			require.False(t, res.Accepted())
			assert.Equal(t, tt.want, res.Rejection.Reason)
			if tt.want != NonceUnavailable {
				for _, n := range sd.Nonces() {
					assert.False(t, reg.IsUsed(n), "nonce %s leaked", n)
				}
			}
		})
	}
}

func TestValidateEIP1271(t *testing.T) {
	wallet := common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	sd := declaration(wallet, 1)
	sd.SignatureType = model.SignatureTypeEIP1271
	sd.Signature = []byte{0x01, 0x02}
	want, err := DeclarationHash(sd, verifyingContract)
	require.NoError(t, err)

	accept := &mockContractVerifier{
		IsValidSignatureFunc: func(_ context.Context, contract common.Address, hash common.Hash, sig []byte) (bool, error) {
			assert.Equal(t, wallet, contract)
			assert.Equal(t, want, hash)
			return true, nil
		},
	}
	res, err := New(verifyingContract, nonce.NewRegistry(), accept).Validate(context.Background(), sd, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Accepted())

	refuse := &mockContractVerifier{
		IsValidSignatureFunc: func(context.Context, common.Address, common.Hash, []byte) (bool, error) { return false, nil },
	}
	res, err = New(verifyingContract, nonce.NewRegistry(), refuse).Validate(context.Background(), sd, time.Now())
	require.NoError(t, err)
	assert.Equal(t, BadSignature, res.Rejection.Reason)

	down := &mockContractVerifier{
		IsValidSignatureFunc: func(context.Context, common.Address, common.Hash, []byte) (bool, error) {
			return false, errors.New("rpc down")
		},
	}
	_, err = New(verifyingContract, nonce.NewRegistry(), down).Validate(context.Background(), sd, time.Now())
	assert.Error(t, err)
}

func TestValidateOverlappingNonces(t *testing.T) {
	key, signer := newKey(t)
	reg := nonce.NewRegistry()
	v := New(verifyingContract, reg, nil)

	var decls []*model.SignedDeclaration
	for i := uint(0); i < 16; i++ {
		sd := declaration(signer, 200, 10+i)
		sign(t, sd, key)
		decls = append(decls, sd)
	}

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for _, sd := range decls {
		wg.Add(1)
		go func(sd *model.SignedDeclaration) {
			defer wg.Done()
			res, err := v.Validate(context.Background(), sd, time.Now())
			assert.NoError(t, err)
			if res.Accepted() {
				accepted.Add(1)
			} else {
				assert.Equal(t, NonceUnavailable, res.Rejection.Reason)
			}
		}(sd)
	}
	wg.Wait()

	require.Equal(t, int32(1), accepted.Load())
	reserved := 0
	for i := uint(0); i < 16; i++ {
		if reg.IsUsed(model.NewNonce(signer, 0, 10+i)) {
			reserved++
		}
	}
	assert.Equal(t, 1, reserved)
}
