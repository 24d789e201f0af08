package gateway

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/store"
	"github.com/brinktrade/brink-api/internal/validator"
)

type oracleFunc func(ctx context.Context, oracle common.Address, params []byte) (*big.Int, error)

func (f oracleFunc) Uint256(ctx context.Context, oracle common.Address, params []byte) (*big.Int, error) {
	return f(ctx, oracle, params)
}

func useBit(bitmap uint64, bit uint) model.Segment {
	return model.Segment{Type: model.SegmentUseBit, UseBit: &model.UseBitParams{NonceBit: model.NonceBit{BitmapIndex: bitmap, Bit: bit}}}
}

func TestCompile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	decl := model.Declaration{Intents: []model.Intent{intent(2, 0, marketSwap(1000))}}
	req := CompileRequest{ChainID: chainID, Signer: f.signer, SignatureType: model.SignatureTypeEIP712, Declaration: decl}

	_, err := f.gw.Compile(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	f.gw.cfg.DeclarationContract = declarationContract
	out, err := f.gw.Compile(ctx, CompileRequest{
		ChainID:       chainID,
		Signer:        f.signer,
		SignatureType: model.SignatureTypeEIP712,
		Declaration:   decl,
		Includes:      Includes{RequiredTransactions: true, Cancel: true},
	})
	require.NoError(t, err)
	assert.Equal(t, declarationContract, out.DeclarationContract)
	require.False(t, out.EIP712Data.Failed())
	assert.Equal(t, "MetaDelegateCall", out.EIP712Data.Value.PrimaryType)

	want, err := validator.DeclarationHash(&model.SignedDeclaration{
		ChainID:             chainID,
		Signer:              f.signer,
		SignatureType:       model.SignatureTypeEIP712,
		DeclarationContract: declarationContract,
		Declaration:         decl,
	}, verifyingContract)
	require.NoError(t, err)
	require.NotNil(t, out.Hash)
	assert.Equal(t, want, *out.Hash)

	assert.Equal(t, []DeclarationToken{
		{IntentIndex: 0, SegmentIndex: 0, ParamName: "tokenIn", Token: tokenA},
		{IntentIndex: 0, SegmentIndex: 0, ParamName: "tokenOut", Token: tokenB},
	}, out.Tokens)
	require.Len(t, out.Nonces, 1)
	assert.Equal(t, "512", out.Nonces[0].Nonce.String())

	require.False(t, out.RequiredTransactions.Failed())
	require.Len(t, out.RequiredTransactions.Value, 1)
	assert.Equal(t, "1000", out.RequiredTransactions.Value[0].Amount.String())
	require.False(t, out.Cancel.Failed())
	assert.Equal(t, f.signer, out.Cancel.Value.To)

	bad := []CompileRequest{
		{ChainID: 1, Signer: f.signer, SignatureType: model.SignatureTypeEIP712, Declaration: decl},
		{ChainID: chainID, Signer: f.signer, SignatureType: "ECDSA", Declaration: decl},
		{ChainID: chainID, Signer: f.signer, SignatureType: model.SignatureTypeEIP712},
		{ChainID: chainID, Signer: f.signer, SignatureType: model.SignatureTypeEIP712, Declaration: model.Declaration{
			Intents: []model.Intent{intent(0, 300, notMined(10))},
		}},
		{ChainID: chainID, Signer: f.signer, SignatureType: model.SignatureTypeEIP712, Declaration: model.Declaration{
			Intents: []model.Intent{intent(0, 1, model.Segment{Type: model.SegmentRequireBlockNotMined})},
		}},
	}
	for i, req := range bad {
		_, err := f.gw.Compile(ctx, req)
		assert.Error(t, err, i)
	}
	_, err = f.gw.Compile(ctx, bad[0])
	assert.ErrorIs(t, err, ErrUnsupportedChain)
}

func TestDescribeMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.submit(t,
		intent(0, 1, notMined(1000)),
		intent(0, 2, useBit(4, 9), marketSwap(100)),
	)

	d, err := f.gw.Get(ctx, hash, Includes{})
	require.NoError(t, err)

	assert.Equal(t, []DeclarationToken{
		{IntentIndex: 1, SegmentIndex: 1, ParamName: "tokenIn", Token: tokenA},
		{IntentIndex: 1, SegmentIndex: 1, ParamName: "tokenOut", Token: tokenB},
	}, d.Tokens)

	require.Len(t, d.Nonces, 3)
	assert.Nil(t, d.Nonces[0].SegmentIndex)
	assert.Equal(t, "1", d.Nonces[0].Nonce.String())
	assert.Equal(t, 1, d.Nonces[1].IntentIndex)
	assert.Nil(t, d.Nonces[1].SegmentIndex)
	require.NotNil(t, d.Nonces[2].SegmentIndex)
	assert.Equal(t, 0, *d.Nonces[2].SegmentIndex)
	assert.Equal(t, "1033", d.Nonces[2].Nonce.String())

	require.False(t, d.EIP712Data.Failed())
	digest, _, err := apitypes.TypedDataAndHash(d.EIP712Data.Value)
	require.NoError(t, err)
	assert.Equal(t, hash, common.BytesToHash(digest))
}

func TestSignerCancel(t *testing.T) {
	f := newFixture(t)

	tx, err := f.gw.SignerCancel(f.signer, chainID, big.NewInt(513))
	require.NoError(t, err)
	assert.Equal(t, f.signer, tx.To)
	args, err := chain.GetAccountABI().Methods["delegateCall"].Inputs.Unpack(tx.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, cancelVerifier, args[0])
	cancelData := args[1].([]byte)
	cancelArgs, err := chain.GetCancelVerifierABI().Methods["cancel"].Inputs.Unpack(cancelData[4:])
	require.NoError(t, err)
	assert.Equal(t, "2", cancelArgs[0].(*big.Int).String())
	assert.Equal(t, "2", cancelArgs[1].(*big.Int).String())

	td, err := f.gw.SignerCancelTypedData(f.signer, chainID, big.NewInt(513))
	require.NoError(t, err)
	assert.Equal(t, f.signer.Hex(), td.Domain.VerifyingContract)
	assert.Equal(t, cancelVerifier.Hex(), td.Message["to"])
	assert.Equal(t, cancelData, []byte(td.Message["data"].(hexutil.Bytes)))

	_, err = f.gw.SignerCancel(f.signer, 1, big.NewInt(513))
	assert.ErrorIs(t, err, ErrUnsupportedChain)
	_, err = f.gw.SignerCancelTypedData(f.signer, chainID, big.NewInt(-1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUniV3TWAPPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x96 := new(big.Int).Lsh(big.NewInt(3), 95)
	pool3000 := chain.UniV3PoolAddress(tokenA, tokenB, 3000)
	var tried int
	f.gw.Oracle = oracleFunc(func(_ context.Context, _ common.Address, params []byte) (*big.Int, error) {
		tried++
		if common.BytesToAddress(params[:32]) != pool3000 {
			return nil, errors.New("execution reverted")
		}
		return x96, nil
	})

	price, err := f.gw.UniV3TWAPPrice(ctx, tokenA, tokenB, 0, 600)
	require.NoError(t, err)
	assert.Equal(t, 2, tried)
	assert.Equal(t, uint32(3000), price.Fee)
	assert.Equal(t, pool3000, price.PoolAddress)
	assert.Equal(t, x96.String(), price.PriceUintX96.String())
	assert.InDelta(t, 1.5, price.PriceDecimal, 1e-12)

	_, err = f.gw.UniV3TWAPPrice(ctx, tokenA, tokenB, 500, 600)
	assert.ErrorContains(t, err, "fee 500")
}

func TestSwapQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.SwapQuote(ctx, chainID, f.signer, marketSwap(1000), routing.IncludeEstimates, nil)
	require.NoError(t, err)
	assert.Equal(t, "1000", res.Estimates.AmountIn.String())
	assert.Equal(t, "2000", res.Estimates.AmountOut.String())

	_, err = f.gw.SwapQuote(ctx, chainID, f.signer, notMined(10), routing.IncludeEstimates, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.gw.SwapQuote(ctx, 1, f.signer, marketSwap(1000), routing.IncludeEstimates, nil)
	assert.ErrorIs(t, err, ErrUnsupportedChain)
	_, err = f.gw.SwapQuote(ctx, chainID, f.signer, model.Segment{Type: model.SegmentLimitSwapExactInput}, routing.IncludeEstimates, nil)
	assert.ErrorIs(t, err, model.ErrSegmentParams)
}

func TestSwap01(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &model.Swap01Params{
		Owner:           f.signer,
		SolverValidator: routerTarget,
		TokenIn:         tokenA,
		TokenOut:        tokenB,
		Input:           model.SwapAmount{Type: model.FixedSwapAmount01, Fixed: &model.FixedAmount{Amount: model.U64(100)}},
		Output:          model.SwapAmount{Type: model.FixedSwapAmount01, Fixed: &model.FixedAmount{Amount: model.U64(90)}},
	}

	out, err := f.gw.Swap01(ctx, chainID, p)
	require.NoError(t, err)
	assert.Equal(t, int64(chainID), out.ChainID)
	assert.Equal(t, "100", out.Input.Amount.String())
	assert.Equal(t, tokenA, out.Input.Token)
	assert.Equal(t, "90", out.Output.Amount.String())
	assert.Equal(t, tokenB, out.Output.Token)

	f.chain.err = errors.New("rpc down")
	_, err = f.gw.Swap01(ctx, chainID, p)
	assert.ErrorContains(t, err, "rpc down")
}

func TestFindIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock.Now()
	first := f.submit(t, intent(0, 1, notMined(1000)), intent(0, 2, notMined(1000)))
	f.clock.Advance(time.Hour)
	second := f.submit(t, intent(0, 3, notMined(1000)))

	page, err := f.gw.FindIntents(ctx, store.IntentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count)
	require.Len(t, page.Intents, 3)
	assert.Equal(t, second, page.Intents[0].DeclarationHash)
	assert.Equal(t, first, page.Intents[1].DeclarationHash)
	assert.Equal(t, 0, page.Intents[1].DeclarationIndex)
	assert.Equal(t, 1, page.Intents[2].DeclarationIndex)

	after := t0.Add(time.Minute)
	page, err = f.gw.FindIntents(ctx, store.IntentFilter{CreatedAfter: &after})
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	assert.Equal(t, uint(3), page.Intents[0].Nonce.Bit)

	page, err = f.gw.FindIntents(ctx, store.IntentFilter{RequeueBefore: &after, SortDirection: store.SortAsc, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
	require.Len(t, page.Intents, 1)
	assert.Equal(t, 1, page.Intents[0].DeclarationIndex)

	_, err = f.gw.FindIntents(ctx, store.IntentFilter{CreatedAfter: &after, CreatedBefore: &t0})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)
}
