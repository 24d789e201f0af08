package gateway

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/validator"
)

// CompileRequest is an unsigned declaration to prepare for signing. A zero
// DeclarationContract takes the configured one.
type CompileRequest struct {
	ChainID             int64
	Signer              common.Address
	SignatureType       model.SignatureType
	DeclarationContract common.Address
	Declaration         model.Declaration
	Includes            Includes
}

// Compiled is a declaration with the message its signer has to sign.
type Compiled struct {
	Hash                 *common.Hash                        `json:"hash,omitempty"`
	Declaration          model.Declaration                   `json:"declaration"`
	DeclarationContract  common.Address                      `json:"declarationContract"`
	EIP712Data           *model.Field[apitypes.TypedData]    `json:"eip712Data"`
	Tokens               []DeclarationToken                  `json:"tokens"`
	Nonces               []DeclarationNonce                  `json:"nonces"`
	RequiredTransactions *model.Field[[]RequiredTransaction] `json:"requiredTransactions,omitempty"`
	Cancel               *model.Field[TransactionRequest]    `json:"cancel,omitempty"`
}

// Compile checks the shape of an unsigned declaration and returns the typed
// data to sign. Nonce availability and signatures are checked on submit.
func (g *Gateway) Compile(ctx context.Context, req CompileRequest) (*Compiled, error) {
	if err := g.checkChain(req.ChainID); err != nil {
		return nil, err
	}
	switch req.SignatureType {
	case model.SignatureTypeEIP712, model.SignatureTypeEIP1271:
	default:
		return nil, fmt.Errorf("%w: unknown signature type %q", ErrInvalidArgument, req.SignatureType)
	}
	if len(req.Declaration.Intents) == 0 {
		return nil, fmt.Errorf("%w: declaration has no intents", ErrInvalidArgument)
	}
	for i, in := range req.Declaration.Intents {
		if err := in.Nonce.Validate(); err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		if len(in.Segments) == 0 {
			return nil, fmt.Errorf("%w: intent %d has no segments", ErrInvalidArgument, i)
		}
		for j, seg := range in.Segments {
			if err := seg.Validate(); err != nil {
				return nil, fmt.Errorf("intent %d segment %d: %w", i, j, err)
			}
		}
	}
	contract := req.DeclarationContract
	if contract == (common.Address{}) {
		contract = g.cfg.DeclarationContract
	}
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: declarationContract is required", ErrInvalidArgument)
	}

	signed := model.SignedDeclaration{
		ChainID:             req.ChainID,
		Signer:              req.Signer,
		SignatureType:       req.SignatureType,
		DeclarationContract: contract,
		Declaration:         req.Declaration,
	}
	out := &Compiled{
		Declaration:         req.Declaration,
		DeclarationContract: contract,
		EIP712Data:          g.typedData(&signed),
		Tokens:              declarationTokens(&signed.Declaration),
		Nonces:              declarationNonces(&signed.Declaration),
	}
	if !out.EIP712Data.Failed() {
		if hash, err := validator.DeclarationHash(&signed, g.cfg.VerifyingContract); err == nil {
			out.Hash = &hash
		}
	}

	rec := model.NewDeclarationRecord(common.Hash{}, signed, g.Now().UTC())
	if out.Hash != nil {
		rec.Hash = *out.Hash
	}
	if req.Includes.RequiredTransactions {
		out.RequiredTransactions = g.requiredTransactions(ctx, rec)
	}
	if req.Includes.Cancel {
		out.Cancel = g.cancelTransaction(rec)
	}
	return out, nil
}
