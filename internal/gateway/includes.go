package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/segment"
)

// Process error codes of optional members.
const (
	ErrCodeRequiredTransactions = "REQUIRED_TRANSACTIONS_FAILED"
	ErrCodeCancel               = "CANCEL_UNAVAILABLE"
)

var (
	errNothingToCancel = errors.New("no unfinished intent left to cancel")
	errManyBitmaps     = errors.New("intents use nonces from more than one bitmap")
)

// TransactionRequest is an unsigned call for the signer to send.
type TransactionRequest struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *model.Uint256 `json:"value"`
}

const (
	RequiredApproval = "approval"
	RequiredExecute  = "execute"
)

// RequiredTransaction is a transaction the declaration waits on: an ERC20
// approval the signer must send, or an execution already in flight.
type RequiredTransaction struct {
	Type        string              `json:"type"`
	Token       *common.Address     `json:"token,omitempty"`
	Spender     *common.Address     `json:"spender,omitempty"`
	Amount      *model.Uint256      `json:"amount,omitempty"`
	Allowance   *model.Uint256      `json:"allowance,omitempty"`
	Transaction *TransactionRequest `json:"transaction,omitempty"`
	IntentIndex *int                `json:"intentIndex,omitempty"`
	Hash        *common.Hash        `json:"hash,omitempty"`
}

func (g *Gateway) requiredTransactions(ctx context.Context, rec *model.DeclarationRecord) *model.Field[[]RequiredTransaction] {
	out := []RequiredTransaction{}
	for i, st := range rec.Intents {
		if st.Pending != nil {
			idx, h := i, st.Pending.TxHash
			out = append(out, RequiredTransaction{Type: RequiredExecute, IntentIndex: &idx, Hash: &h})
		}
	}
	if rec.Status.Terminal() {
		return model.Ok(out)
	}

	needs, err := g.tokenNeeds(ctx, rec)
	if err != nil {
		return model.Fail[[]RequiredTransaction](model.NewProcessError(ErrCodeRequiredTransactions, err))
	}
	spender := rec.Signed.DeclarationContract
	for _, need := range needs {
		allowance, err := g.Allowances.Allowance(ctx, need.token, rec.Signed.Signer, spender)
		if err != nil {
			return model.Fail[[]RequiredTransaction](model.NewProcessError(ErrCodeRequiredTransactions, err))
		}
		if allowance.Cmp(need.amount) >= 0 {
			continue
		}
		data, err := chain.ApproveCalldata(spender, need.amount)
		if err != nil {
			return model.Fail[[]RequiredTransaction](model.NewProcessError(ErrCodeRequiredTransactions, err))
		}
		token, sp := need.token, spender
		out = append(out, RequiredTransaction{
			Type:        RequiredApproval,
			Token:       &token,
			Spender:     &sp,
			Amount:      model.NewUint256(need.amount),
			Allowance:   model.NewUint256(allowance),
			Transaction: &TransactionRequest{To: token, Data: data, Value: model.U64(0)},
		})
	}
	return model.Ok(out)
}

type tokenNeed struct {
	token  common.Address
	amount *big.Int
}

// tokenNeeds sums the input amounts of the swaps not yet executed, per token.
func (g *Gateway) tokenNeeds(ctx context.Context, rec *model.DeclarationRecord) ([]tokenNeed, error) {
	var state *segment.ChainState
	sums := make(map[common.Address]*big.Int)
	add := func(token common.Address, amount *big.Int) {
		if sums[token] == nil {
			sums[token] = new(big.Int)
		}
		sums[token].Add(sums[token], amount)
	}

	for i, st := range rec.Intents {
		if st.Finished() {
			continue
		}
		for _, seg := range rec.Signed.Declaration.Intents[i].Segments[st.SegmentIndex:] {
			switch seg.Type {
			case model.SegmentMarketSwapExactInput:
				add(seg.MarketSwapExactInput.TokenIn, seg.MarketSwapExactInput.TokenInAmount.Big())
			case model.SegmentLimitSwapExactInput:
				add(seg.LimitSwapExactInput.TokenIn, seg.LimitSwapExactInput.TokenInAmount.Big())
			case model.SegmentSwap01:
				if state == nil {
					s, err := g.chainState(ctx)
					if err != nil {
						return nil, err
					}
					state = &s
				}
				amount, err := g.Evaluator.ResolveAmount(ctx, seg.Swap01.Input, *state)
				if err != nil {
					return nil, fmt.Errorf("resolve swap01 input: %w", err)
				}
				add(seg.Swap01.TokenIn, amount)
			}
		}
	}

	out := make([]tokenNeed, 0, len(sums))
	for token, amount := range sums {
		out = append(out, tokenNeed{token: token, amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].token[:], out[j].token[:]) < 0 })
	return out, nil
}

// cancelTransaction builds the owner call that flips every unfinished intent
// nonce on chain. One call covers one bitmap only.
func (g *Gateway) cancelTransaction(rec *model.DeclarationRecord) *model.Field[TransactionRequest] {
	fail := func(err error) *model.Field[TransactionRequest] {
		return model.Fail[TransactionRequest](model.NewProcessError(ErrCodeCancel, err))
	}

	var bitmap *uint64
	bits := new(big.Int)
	for i, st := range rec.Intents {
		if st.Finished() {
			continue
		}
		nb := rec.Signed.Declaration.Intents[i].Nonce
		if bitmap != nil && *bitmap != nb.BitmapIndex {
			return fail(errManyBitmaps)
		}
		idx := nb.BitmapIndex
		bitmap = &idx
		bits.Or(bits, nb.Mask())
	}
	if bitmap == nil || rec.Status.Terminal() {
		return fail(errNothingToCancel)
	}

	cancelData, err := chain.CancelCalldata(*bitmap, bits)
	if err != nil {
		return fail(err)
	}
	data, err := chain.DelegateCallCalldata(g.cfg.CancelVerifier, cancelData)
	if err != nil {
		return fail(err)
	}
	return model.Ok(TransactionRequest{To: rec.Signed.Signer, Data: data, Value: model.U64(0)})
}
