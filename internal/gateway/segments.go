package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/segment"
)

// SegmentCheck is the current evaluation of one segment.
type SegmentCheck struct {
	Success            bool           `json:"success"`
	CurrentBlockNumber *model.Uint256 `json:"currentBlockNumber"`
	Status             string         `json:"status"`
	Reason             segment.Reason `json:"reason,omitempty"`
	Detail             string         `json:"detail,omitempty"`
	// Value is the oracle reading of a bound check. Nil when the read failed.
	Value *model.Uint256 `json:"value,omitempty"`
}

// CheckSegment evaluates seg for signer against the current block.
func (g *Gateway) CheckSegment(ctx context.Context, chainID int64, signer common.Address, seg model.Segment) (*SegmentCheck, error) {
	if err := g.checkChain(chainID); err != nil {
		return nil, err
	}
	if err := seg.Validate(); err != nil {
		return nil, err
	}
	state, err := g.chainState(ctx)
	if err != nil {
		return nil, err
	}
	o := g.Evaluator.Evaluate(ctx, signer, seg, state)
	check := &SegmentCheck{
		Success:            o.Status == segment.Ready,
		CurrentBlockNumber: model.U64(state.BlockNumber),
		Status:             o.Status.String(),
		Reason:             o.Reason,
		Detail:             o.Detail,
	}
	if o.Value != nil {
		check.Value = model.NewUint256(o.Value)
	}
	return check, nil
}

// BlockIntervalCheck is the position of a block interval segment.
type BlockIntervalCheck struct {
	Success              bool           `json:"success"`
	CurrentBlockNumber   *model.Uint256 `json:"currentBlockNumber"`
	IntervalReady        bool           `json:"intervalReady"`
	IntervalReadyBlock   *model.Uint256 `json:"intervalReadyBlock"`
	MaxIntervalsExceeded bool           `json:"maxIntervalsExceeded"`
	State                IntervalCursor `json:"state"`
}

type IntervalCursor struct {
	Start   *model.Uint256 `json:"start"`
	Counter *model.Uint256 `json:"counter"`
}

func (g *Gateway) BlockInterval(ctx context.Context, chainID int64, p *model.BlockIntervalParams) (*BlockIntervalCheck, error) {
	if err := g.checkChain(chainID); err != nil {
		return nil, err
	}
	if err := (model.Segment{Type: model.SegmentBlockInterval, BlockInterval: p}).Validate(); err != nil {
		return nil, err
	}
	block, err := g.Chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	st := segment.BlockIntervalState(p, block)
	return &BlockIntervalCheck{
		Success:              st.IntervalReady,
		CurrentBlockNumber:   model.U64(block),
		IntervalReady:        st.IntervalReady,
		IntervalReadyBlock:   model.NewUint256(st.IntervalReadyBlock),
		MaxIntervalsExceeded: st.MaxIntervalsHit,
		State: IntervalCursor{
			Start:   model.NewUint256(p.InitialStart.Big()),
			Counter: model.NewUint256(st.Counter),
		},
	}, nil
}

// OracleValue reads a uint256 oracle.
func (g *Gateway) OracleValue(ctx context.Context, call model.OracleCall) (*big.Int, error) {
	return g.Oracle.Uint256(ctx, call.OracleAddress, call.OracleParams)
}

// UniV3TWAP returns the oracle call reading the pair's TWAP over interval seconds.
func (g *Gateway) UniV3TWAP(tokenA, tokenB common.Address, fee, interval uint32) (model.OracleCall, error) {
	return chain.UniV3TWAPOracleCall(g.cfg.TWAPOracle, tokenA, tokenB, fee, interval)
}

// UniV3FeeTiers are the pool fees tried, most liquid first.
var UniV3FeeTiers = []uint32{500, 3000, 10000, 100}

var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// TWAPPrice is a Uniswap V3 time weighted price of tokenB in tokenA.
type TWAPPrice struct {
	Fee          uint32         `json:"fee"`
	PoolAddress  common.Address `json:"poolAddress"`
	PriceUintX96 *model.Uint256 `json:"priceUintX96"`
	PriceDecimal float64        `json:"priceDecimal"`
}

// UniV3TWAPPrice reads the TWAP of the first fee tier whose pool answers. A
// non-zero fee tries that tier only.
func (g *Gateway) UniV3TWAPPrice(ctx context.Context, tokenA, tokenB common.Address, fee, interval uint32) (*TWAPPrice, error) {
	tiers := UniV3FeeTiers
	if fee != 0 {
		tiers = []uint32{fee}
	}
	var errs []error
	for _, tier := range tiers {
		call, err := chain.UniV3TWAPOracleCall(g.cfg.TWAPOracle, tokenA, tokenB, tier, interval)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		v, err := g.Oracle.Uint256(ctx, call.OracleAddress, call.OracleParams)
		if err != nil {
			errs = append(errs, fmt.Errorf("fee %d: %w", tier, err))
			continue
		}
		price, _ := new(big.Float).Quo(new(big.Float).SetInt(v), q96).Float64()
		return &TWAPPrice{
			Fee:          tier,
			PoolAddress:  chain.UniV3PoolAddress(tokenA, tokenB, tier),
			PriceUintX96: model.NewUint256(v),
			PriceDecimal: price,
		}, nil
	}
	return nil, errors.Join(errs...)
}

// SwapQuote routes the swap a market or limit swap segment would make for
// buyer.
func (g *Gateway) SwapQuote(ctx context.Context, chainID int64, buyer common.Address, seg model.Segment, include routing.Include, sources []routing.SourceName) (*routing.Result, error) {
	if err := g.checkChain(chainID); err != nil {
		return nil, err
	}
	if err := seg.Validate(); err != nil {
		return nil, err
	}
	req := routing.Request{ChainID: chainID, Buyer: buyer, Include: include, Sources: sources}
	switch seg.Type {
	case model.SegmentMarketSwapExactInput:
		p := seg.MarketSwapExactInput
		req.TokenIn, req.TokenOut, req.TokenInAmount = p.TokenIn, p.TokenOut, p.TokenInAmount.Big()
	case model.SegmentLimitSwapExactInput:
		p := seg.LimitSwapExactInput
		req.TokenIn, req.TokenOut, req.TokenInAmount = p.TokenIn, p.TokenOut, p.TokenInAmount.Big()
	default:
		return nil, fmt.Errorf("%w: %s is not an exact input swap", ErrInvalidArgument, seg.Type)
	}
	return g.Router.Route(ctx, req)
}

// ResolvedAmount is a swap01 amount evaluated at the current block.
type ResolvedAmount struct {
	model.SwapAmount
	Token  common.Address `json:"token"`
	Amount *model.Uint256 `json:"amount"`
}

// Swap01Amounts are the current input and output of a swap01 segment.
type Swap01Amounts struct {
	ChainID         int64          `json:"chainId"`
	Owner           common.Address `json:"owner"`
	SolverValidator common.Address `json:"solverValidator"`
	Input           ResolvedAmount `json:"input"`
	Output          ResolvedAmount `json:"output"`
}

// Swap01 resolves both amounts of a swap01 segment against the current block.
func (g *Gateway) Swap01(ctx context.Context, chainID int64, p *model.Swap01Params) (*Swap01Amounts, error) {
	if err := g.checkChain(chainID); err != nil {
		return nil, err
	}
	if err := (model.Segment{Type: model.SegmentSwap01, Swap01: p}).Validate(); err != nil {
		return nil, err
	}
	state, err := g.chainState(ctx)
	if err != nil {
		return nil, err
	}
	in, err := g.Evaluator.ResolveAmount(ctx, p.Input, state)
	if err != nil {
		return nil, fmt.Errorf("resolve input: %w", err)
	}
	out, err := g.Evaluator.ResolveAmount(ctx, p.Output, state)
	if err != nil {
		return nil, fmt.Errorf("resolve output: %w", err)
	}
	return &Swap01Amounts{
		ChainID:         chainID,
		Owner:           p.Owner,
		SolverValidator: p.SolverValidator,
		Input:           ResolvedAmount{SwapAmount: p.Input, Token: p.TokenIn, Amount: model.NewUint256(in)},
		Output:          ResolvedAmount{SwapAmount: p.Output, Token: p.TokenOut, Amount: model.NewUint256(out)},
	}, nil
}
