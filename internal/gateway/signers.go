package gateway

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/validator"
)

func (g *Gateway) cancelNonceCalldata(chainID int64, value *big.Int) ([]byte, error) {
	if err := g.checkChain(chainID); err != nil {
		return nil, err
	}
	bit, err := model.NonceBitFromValue(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return chain.CancelCalldata(bit.BitmapIndex, bit.Mask())
}

// SignerCancel is the owner call that flips one nonce of signer on chain.
func (g *Gateway) SignerCancel(signer common.Address, chainID int64, value *big.Int) (*TransactionRequest, error) {
	cancelData, err := g.cancelNonceCalldata(chainID, value)
	if err != nil {
		return nil, err
	}
	data, err := chain.DelegateCallCalldata(g.cfg.CancelVerifier, cancelData)
	if err != nil {
		return nil, err
	}
	return &TransactionRequest{To: signer, Data: data, Value: model.U64(0)}, nil
}

// SignerCancelTypedData is the message signer signs to let a relayer flip
// one of its nonces.
func (g *Gateway) SignerCancelTypedData(signer common.Address, chainID int64, value *big.Int) (apitypes.TypedData, error) {
	cancelData, err := g.cancelNonceCalldata(chainID, value)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return validator.MetaDelegateCallTypedData(chainID, signer, g.cfg.CancelVerifier, cancelData), nil
}
