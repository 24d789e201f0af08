package validator

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gowebpki/jcs"

	"github.com/brinktrade/brink-api/internal/model"
)

// EIP712 domain constants of Brink accounts.
const (
	DomainName    = "BrinkAccount"
	DomainVersion = "1"
)

var ErrInvalidSignature = errors.New("invalid signature")

var metaDelegateCallTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"MetaDelegateCall": {
		{Name: "to", Type: "address"},
		{Name: "data", Type: "bytes"},
	},
}

type signedPayload struct {
	ChainID     int64             `json:"chainId"`
	Signer      common.Address    `json:"signer"`
	Declaration model.Declaration `json:"declaration"`
}

// SignedPayload returns the RFC 8785 canonical bytes covered by the signature.
func SignedPayload(signed *model.SignedDeclaration) ([]byte, error) {
	raw, err := json.Marshal(signedPayload{
		ChainID:     signed.ChainID,
		Signer:      signed.Signer,
		Declaration: signed.Declaration,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal declaration: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize declaration: %w", err)
	}
	return out, nil
}

// TypedData builds the MetaDelegateCall message a signer approves.
func TypedData(signed *model.SignedDeclaration, verifyingContract common.Address) (apitypes.TypedData, error) {
	payload, err := SignedPayload(signed)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return MetaDelegateCallTypedData(signed.ChainID, verifyingContract, signed.DeclarationContract, payload), nil
}

// MetaDelegateCallTypedData is the message authorizing account to delegate
// call to with data.
func MetaDelegateCallTypedData(chainID int64, account, to common.Address, data []byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       metaDelegateCallTypes,
		PrimaryType: "MetaDelegateCall",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
			VerifyingContract: account.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":   to.Hex(),
			"data": hexutil.Bytes(data),
		},
	}
}

// DeclarationHash is the EIP-712 digest of a declaration. It doubles as the
// declaration's identifier.
func DeclarationHash(signed *model.SignedDeclaration, verifyingContract common.Address) (common.Hash, error) {
	td, err := TypedData(signed, verifyingContract)
	if err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// RecoverSigner returns the address that produced sig over hash. Both 0/1
// and 27/28 recovery ids are accepted.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 65 byte signature with a 27/28 recovery id.
func Sign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
