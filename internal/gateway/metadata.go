package gateway

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/validator"
)

const ErrCodeEIP712 = "EIP712_UNAVAILABLE"

// DeclarationToken is a token named by a swap segment parameter.
type DeclarationToken struct {
	IntentIndex  int            `json:"intentIndex"`
	SegmentIndex int            `json:"segmentIndex"`
	ParamName    string         `json:"paramName"`
	Token        common.Address `json:"token"`
}

// DeclarationNonce is a bit the declaration flips on chain. SegmentIndex is
// set for useBit segments and nil for the intent nonce.
type DeclarationNonce struct {
	IntentIndex  int  `json:"intentIndex"`
	SegmentIndex *int `json:"segmentIndex,omitempty"`
	model.NonceBit
	Nonce *model.Uint256 `json:"nonce"`
}

// Describe adds the derived members and the requested includes to rec.
func (g *Gateway) Describe(ctx context.Context, rec *model.DeclarationRecord, inc Includes) *Declaration {
	out := &Declaration{
		DeclarationRecord: rec,
		Tokens:            declarationTokens(&rec.Signed.Declaration),
		Nonces:            declarationNonces(&rec.Signed.Declaration),
		EIP712Data:        g.typedData(&rec.Signed),
	}
	if inc.RequiredTransactions {
		out.RequiredTransactions = g.requiredTransactions(ctx, rec)
	}
	if inc.Cancel {
		out.Cancel = g.cancelTransaction(rec)
	}
	return out
}

func (g *Gateway) typedData(signed *model.SignedDeclaration) *model.Field[apitypes.TypedData] {
	td, err := validator.TypedData(signed, g.cfg.VerifyingContract)
	if err != nil {
		return model.Fail[apitypes.TypedData](model.NewProcessError(ErrCodeEIP712, err))
	}
	return model.Ok(td)
}

var swapTokenParams = []string{"tokenIn", "tokenOut"}

func declarationTokens(d *model.Declaration) []DeclarationToken {
	out := []DeclarationToken{}
	for i, in := range d.Intents {
		for j, seg := range in.Segments {
			for k, token := range seg.Tokens() {
				out = append(out, DeclarationToken{
					IntentIndex:  i,
					SegmentIndex: j,
					ParamName:    swapTokenParams[k],
					Token:        token,
				})
			}
		}
	}
	return out
}

func declarationNonces(d *model.Declaration) []DeclarationNonce {
	out := []DeclarationNonce{}
	for i, in := range d.Intents {
		out = append(out, DeclarationNonce{IntentIndex: i, NonceBit: in.Nonce, Nonce: model.NewUint256(in.Nonce.Value())})
		for j, seg := range in.Segments {
			if seg.Type != model.SegmentUseBit || seg.UseBit == nil {
				continue
			}
			idx := j
			out = append(out, DeclarationNonce{
				IntentIndex:  i,
				SegmentIndex: &idx,
				NonceBit:     seg.UseBit.NonceBit,
				Nonce:        model.NewUint256(seg.UseBit.Value()),
			})
		}
	}
	return out
}
