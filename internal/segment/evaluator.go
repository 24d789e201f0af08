// Package segment decides whether the preconditions of intent segments hold
// against the current chain state.
package segment

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
)

// ChainState is the snapshot a round of evaluations runs against.
type ChainState struct {
	ChainID     int64
	BlockNumber uint64
	// BlockTime is the average block interval used to turn block distances
	// into retry delays.
	BlockTime time.Duration
}

// Oracle reads a uint256 from an oracle contract.
type Oracle interface {
	Uint256(ctx context.Context, oracle common.Address, params []byte) (*big.Int, error)
}

// PriceCurve returns the minimum output a limit swap accepts.
type PriceCurve interface {
	Output(ctx context.Context, curve common.Address, totalInput, filledInput, input *big.Int, params []byte) (*big.Int, error)
}

// Router quotes swaps.
type Router interface {
	Route(ctx context.Context, req routing.Request) (*routing.Result, error)
}

// NonceChecker reports whether a signer's bit is reserved or used.
type NonceChecker interface {
	IsUsed(n model.Nonce) bool
}

type Config struct {
	// Timeout bounds a single segment evaluation.
	Timeout time.Duration
	// RetryAfter is the delay suggested for transient outcomes with no
	// better estimate.
	RetryAfter time.Duration
}

// Evaluator evaluates segments. Segments are never modified.
type Evaluator struct {
	cfg    Config
	oracle Oracle
	curve  PriceCurve
	router Router
	nonces NonceChecker
	log    *slog.Logger
}

func New(cfg Config, oracle Oracle, curve PriceCurve, router Router, nonces NonceChecker) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 15 * time.Second
	}
	return &Evaluator{
		cfg:    cfg,
		oracle: oracle,
		curve:  curve,
		router: router,
		nonces: nonces,
		log:    slog.Default().With("component", "segment"),
	}
}

// Evaluate runs one segment under the evaluation timeout.
func (e *Evaluator) Evaluate(ctx context.Context, signer common.Address, seg model.Segment, state ChainState) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	switch seg.Type {
	case model.SegmentBlockInterval:
		if seg.BlockInterval != nil {
			return e.blockInterval(seg.BlockInterval, state)
		}
	case model.SegmentRequireBlockNotMined:
		if p := seg.RequireBlockNotMined; p != nil {
			if new(big.Int).SetUint64(state.BlockNumber).Cmp(p.BlockNumber.Big()) < 0 {
				return ready()
			}
			return failed(BlockMined, "block %s already mined", p.BlockNumber)
		}
	case model.SegmentRequireUint256LowerBound:
		if p := seg.RequireUint256LowerBound; p != nil {
			return e.bound(ctx, p.OracleCall, p.LowerBound, true)
		}
	case model.SegmentRequireUint256UpperBound:
		if p := seg.RequireUint256UpperBound; p != nil {
			return e.bound(ctx, p.OracleCall, p.UpperBound, false)
		}
	case model.SegmentUseBit:
		if p := seg.UseBit; p != nil {
			n := model.Nonce{Signer: signer, NonceBit: p.NonceBit}
			if e.nonces.IsUsed(n) {
				return failed(BitUsed, "bit %s used", n)
			}
			return ready()
		}
	case model.SegmentMarketSwapExactInput:
		if p := seg.MarketSwapExactInput; p != nil {
			return e.marketSwap(ctx, signer, p, state)
		}
	case model.SegmentLimitSwapExactInput:
		if p := seg.LimitSwapExactInput; p != nil {
			return e.limitSwap(ctx, signer, p, state)
		}
	case model.SegmentSwap01:
		if p := seg.Swap01; p != nil {
			return e.swap01(ctx, signer, p, state)
		}
	}
	return failed(UnknownSegment, "segment %q has no params", seg.Type)
}

func (e *Evaluator) blockInterval(p *model.BlockIntervalParams, state ChainState) Outcome {
	st := BlockIntervalState(p, state.BlockNumber)
	switch {
	case st.MaxIntervalsHit:
		return failed(MaxIntervalsExceeded, "interval %s reached max %s", st.Counter, p.MaxIntervals)
	case !st.Started:
		blocks := new(big.Int).Sub(p.InitialStart.Big(), new(big.Int).SetUint64(state.BlockNumber))
		return notReady(e.blocksToWait(blocks, state), BeforeStart, "starts at block %s", p.InitialStart)
	case !st.IntervalReady:
		return notReady(e.cfg.RetryAfter, IntervalNotReady, "ready at block %s", st.IntervalReadyBlock)
	}
	return ready()
}

func (e *Evaluator) blocksToWait(blocks *big.Int, state ChainState) time.Duration {
	if state.BlockTime <= 0 || !blocks.IsInt64() {
		return e.cfg.RetryAfter
	}
	n := blocks.Int64()
	if n > int64(time.Hour*24/state.BlockTime) {
		return 24 * time.Hour
	}
	return time.Duration(n) * state.BlockTime
}

func (e *Evaluator) bound(ctx context.Context, call model.OracleCall, limit *model.Uint256, lower bool) Outcome {
	v, err := e.oracle.Uint256(ctx, call.OracleAddress, call.OracleParams)
	if err != nil {
		return e.transient(ctx, "oracle", err)
	}
	cmp := v.Cmp(limit.Big())
	var out Outcome
	switch {
	case (lower && cmp >= 0) || (!lower && cmp <= 0):
		out = ready()
	case lower:
		out = notReady(e.cfg.RetryAfter, BoundNotMet, "oracle value %s below %s", v, limit)
	default:
		out = notReady(e.cfg.RetryAfter, BoundNotMet, "oracle value %s above %s", v, limit)
	}
	out.Value = v
	return out
}

// transient turns a collaborator failure into NotReady.
func (e *Evaluator) transient(ctx context.Context, what string, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return notReady(e.cfg.RetryAfter, Timeout, "%s timed out", what)
	}
	e.log.Warn("segment collaborator failed", "collaborator", what, "error", err)
	return notReady(e.cfg.RetryAfter, Unavailable, "%s: %v", what, err)
}

// estimate returns the best routed output for amountIn.
func (e *Evaluator) estimate(ctx context.Context, signer, tokenIn, tokenOut common.Address, amountIn *big.Int, state ChainState) (*big.Int, *Outcome) {
	res, err := e.router.Route(ctx, routing.Request{
		ChainID:       state.ChainID,
		Buyer:         signer,
		Include:       routing.IncludeEstimates,
		TokenIn:       tokenIn,
		TokenOut:      tokenOut,
		TokenInAmount: amountIn,
	})
	if err != nil {
		o := e.transient(ctx, "routing", err)
		return nil, &o
	}
	if res == nil || res.Estimates == nil {
		o := notReady(e.cfg.RetryAfter, NoRoute, "no estimate for %s -> %s", tokenIn.Hex(), tokenOut.Hex())
		return nil, &o
	}
	return res.Estimates.AmountOut.Big(), nil
}

func (e *Evaluator) covers(out, minimum *big.Int) Outcome {
	if out.Cmp(minimum) >= 0 {
		return ready()
	}
	return notReady(e.cfg.RetryAfter, InsufficientOutput, "estimate %s below required %s", out, minimum)
}

func (e *Evaluator) marketSwap(ctx context.Context, signer common.Address, p *model.MarketSwapExactInputParams, state ChainState) Outcome {
	out, o := e.estimate(ctx, signer, p.TokenIn, p.TokenOut, p.TokenInAmount.Big(), state)
	if o != nil {
		return *o
	}
	fee := new(big.Int).Mul(out, p.FeePercentE6.Big())
	fee.Quo(fee, e6)
	if floor := p.FeeMinTokenOut.Big(); fee.Cmp(floor) < 0 {
		fee = floor
	}
	// output must leave something after the fee
	return e.covers(out, fee.Add(fee, big.NewInt(1)))
}

func (e *Evaluator) limitSwap(ctx context.Context, signer common.Address, p *model.LimitSwapExactInputParams, state ChainState) Outcome {
	input := p.TokenInAmount.Big()
	required, err := e.curve.Output(ctx, p.PriceCurveAddress, input, new(big.Int), input, p.PriceCurveParams)
	if err != nil {
		return e.transient(ctx, "price curve", err)
	}
	out, o := e.estimate(ctx, signer, p.TokenIn, p.TokenOut, input, state)
	if o != nil {
		return *o
	}
	return e.covers(out, required)
}

func (e *Evaluator) swap01(ctx context.Context, signer common.Address, p *model.Swap01Params, state ChainState) Outcome {
	input, o := e.resolveAmount(ctx, p.Input, state)
	if o != nil {
		return *o
	}
	if input.Sign() == 0 {
		return notReady(e.cfg.RetryAfter, InsufficientOutput, "input amount is zero")
	}
	required, o := e.resolveAmount(ctx, p.Output, state)
	if o != nil {
		return *o
	}
	out, o := e.estimate(ctx, signer, p.TokenIn, p.TokenOut, input, state)
	if o != nil {
		return *o
	}
	return e.covers(out, required)
}

// ResolveAmount computes a swap amount at the current block.
func (e *Evaluator) ResolveAmount(ctx context.Context, a model.SwapAmount, state ChainState) (*big.Int, error) {
	switch a.Type {
	case model.FixedSwapAmount01:
		if a.Fixed != nil {
			return a.Fixed.Amount.Big(), nil
		}
	case model.BlockIntervalDutchAuctionAmount01:
		d := a.DutchAuction
		if d == nil {
			break
		}
		var price *big.Int
		if d.HasOracle() {
			var err error
			price, err = e.oracle.Uint256(ctx, d.PriceX96Oracle, d.PriceX96OracleParams)
			if err != nil {
				return nil, err
			}
		}
		return AuctionAmount(state.BlockNumber, d, price), nil
	}
	return nil, model.ErrSegmentParams
}

func (e *Evaluator) resolveAmount(ctx context.Context, a model.SwapAmount, state ChainState) (*big.Int, *Outcome) {
	v, err := e.ResolveAmount(ctx, a, state)
	if err != nil {
		o := e.transient(ctx, "price oracle", err)
		return nil, &o
	}
	return v, nil
}
