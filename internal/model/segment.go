package model

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownSegmentType = errors.New("unknown segment type")
	ErrSegmentParams      = errors.New("invalid segment params")
)

// SegmentType is the discriminant of Segment.
type SegmentType string

const (
	SegmentBlockInterval            SegmentType = "blockInterval"
	SegmentRequireBlockNotMined     SegmentType = "requireBlockNotMined"
	SegmentRequireUint256LowerBound SegmentType = "requireUint256LowerBound"
	SegmentRequireUint256UpperBound SegmentType = "requireUint256UpperBound"
	SegmentUseBit                   SegmentType = "useBit"
	SegmentMarketSwapExactInput     SegmentType = "marketSwapExactInput"
	SegmentLimitSwapExactInput      SegmentType = "limitSwapExactInput"
	SegmentSwap01                   SegmentType = "swap01"
)

// SegmentTypes lists every recognised discriminant.
var SegmentTypes = []SegmentType{
	SegmentBlockInterval,
	SegmentRequireBlockNotMined,
	SegmentRequireUint256LowerBound,
	SegmentRequireUint256UpperBound,
	SegmentUseBit,
	SegmentMarketSwapExactInput,
	SegmentLimitSwapExactInput,
	SegmentSwap01,
}

// Segment is one precondition or action of an intent. Exactly one params
// field is set and it must match Type.
type Segment struct {
	Type SegmentType `json:"type"`

	BlockInterval            *BlockIntervalParams            `json:"blockInterval,omitempty"`
	RequireBlockNotMined     *RequireBlockNotMinedParams     `json:"requireBlockNotMined,omitempty"`
	RequireUint256LowerBound *RequireUint256LowerBoundParams `json:"requireUint256LowerBound,omitempty"`
	RequireUint256UpperBound *RequireUint256UpperBoundParams `json:"requireUint256UpperBound,omitempty"`
	UseBit                   *UseBitParams                   `json:"useBit,omitempty"`
	MarketSwapExactInput     *MarketSwapExactInputParams     `json:"marketSwapExactInput,omitempty"`
	LimitSwapExactInput      *LimitSwapExactInputParams      `json:"limitSwapExactInput,omitempty"`
	Swap01                   *Swap01Params                   `json:"swap01,omitempty"`
}

type BlockIntervalParams struct {
	ID              *Uint256 `json:"id"`
	InitialStart    *Uint256 `json:"initialStart"`
	IntervalMinSize *Uint256 `json:"intervalMinSize"`
	// MaxIntervals of zero means unbounded.
	MaxIntervals *Uint256 `json:"maxIntervals"`
}

type RequireBlockNotMinedParams struct {
	BlockNumber *Uint256 `json:"blockNumber"`
}

// OracleCall identifies a uint256 oracle read.
type OracleCall struct {
	OracleAddress common.Address `json:"oracleAddress"`
	OracleParams  hexutil.Bytes  `json:"oracleParams"`
}

type RequireUint256LowerBoundParams struct {
	OracleCall
	LowerBound *Uint256 `json:"lowerBound"`
}

type RequireUint256UpperBoundParams struct {
	OracleCall
	UpperBound *Uint256 `json:"upperBound"`
}

type UseBitParams struct {
	NonceBit
}

type MarketSwapExactInputParams struct {
	TokenIn       common.Address `json:"tokenIn"`
	TokenOut      common.Address `json:"tokenOut"`
	TokenInAmount *Uint256       `json:"tokenInAmount"`
	// FeePercentE6 is withheld from the routed output, in millionths.
	FeePercentE6   *Uint256 `json:"feePercent"`
	FeeMinTokenOut *Uint256 `json:"feeMinTokenOut"`
}

type LimitSwapExactInputParams struct {
	TokenIn           common.Address `json:"tokenIn"`
	TokenOut          common.Address `json:"tokenOut"`
	TokenInAmount     *Uint256       `json:"tokenInAmount"`
	PriceCurveAddress common.Address `json:"priceCurveAddress"`
	PriceCurveParams  hexutil.Bytes  `json:"priceCurveParams"`
}

type Swap01Params struct {
	Owner           common.Address `json:"owner"`
	SolverValidator common.Address `json:"solverValidator"`
	TokenIn         common.Address `json:"tokenIn"`
	TokenOut        common.Address `json:"tokenOut"`
	Input           SwapAmount     `json:"input"`
	Output          SwapAmount     `json:"output"`
}

// SwapAmountType is the discriminant of SwapAmount.
type SwapAmountType string

const (
	FixedSwapAmount01                SwapAmountType = "FixedSwapAmount01"
	BlockIntervalDutchAuctionAmount01 SwapAmountType = "BlockIntervalDutchAuctionAmount01"
)

type SwapAmount struct {
	Type         SwapAmountType      `json:"type"`
	Fixed        *FixedAmount        `json:"fixed,omitempty"`
	DutchAuction *DutchAuctionAmount `json:"dutchAuction,omitempty"`
}

type FixedAmount struct {
	Amount *Uint256 `json:"amount"`
}

// DutchAuctionAmount ramps from StartPercentE6 to EndPercentE6 of
// OppositeTokenAmount across the auction block window.
type DutchAuctionAmount struct {
	OppositeTokenAmount    *Uint256       `json:"oppositeTokenAmount"`
	BlockIntervalID        *Uint256       `json:"blockIntervalId"`
	FirstAuctionStartBlock *Uint256       `json:"firstAuctionStartBlock"`
	AuctionDelayBlocks     *Uint256       `json:"auctionDelayBlocks"`
	AuctionDurationBlocks  *Uint256       `json:"auctionDurationBlocks"`
	StartPercentE6         *Uint256       `json:"startPercentE6"`
	EndPercentE6           *Uint256       `json:"endPercentE6"`
	PriceX96Oracle         common.Address `json:"priceX96Oracle"`
	PriceX96OracleParams   hexutil.Bytes  `json:"priceX96OracleParams"`
}

// HasOracle reports whether the opposite amount is priced through an X96 oracle.
func (d *DutchAuctionAmount) HasOracle() bool {
	return d.PriceX96Oracle != (common.Address{})
}

func (a SwapAmount) validate() error {
	switch a.Type {
	case FixedSwapAmount01:
		if a.Fixed == nil || a.DutchAuction != nil || a.Fixed.Amount == nil {
			return fmt.Errorf("%w: fixed amount", ErrSegmentParams)
		}
	case BlockIntervalDutchAuctionAmount01:
		d := a.DutchAuction
		if d == nil || a.Fixed != nil {
			return fmt.Errorf("%w: dutch auction amount", ErrSegmentParams)
		}
		if d.OppositeTokenAmount == nil || d.FirstAuctionStartBlock == nil ||
			d.StartPercentE6 == nil || d.EndPercentE6 == nil {
			return fmt.Errorf("%w: dutch auction amount is incomplete", ErrSegmentParams)
		}
	default:
		return fmt.Errorf("%w: swap amount type %q", ErrSegmentParams, a.Type)
	}
	return nil
}

// Validate checks the discriminant is recognised and carries exactly its own params.
func (s Segment) Validate() error {
	set := 0
	for _, present := range []bool{
		s.BlockInterval != nil,
		s.RequireBlockNotMined != nil,
		s.RequireUint256LowerBound != nil,
		s.RequireUint256UpperBound != nil,
		s.UseBit != nil,
		s.MarketSwapExactInput != nil,
		s.LimitSwapExactInput != nil,
		s.Swap01 != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d params blocks set for %q", ErrSegmentParams, set, s.Type)
	}

	switch s.Type {
	case SegmentBlockInterval:
		p := s.BlockInterval
		if p == nil || p.InitialStart == nil || p.IntervalMinSize.IsZero() {
			return fmt.Errorf("%w: blockInterval", ErrSegmentParams)
		}
	case SegmentRequireBlockNotMined:
		if p := s.RequireBlockNotMined; p == nil || p.BlockNumber == nil {
			return fmt.Errorf("%w: requireBlockNotMined", ErrSegmentParams)
		}
	case SegmentRequireUint256LowerBound:
		if p := s.RequireUint256LowerBound; p == nil || p.LowerBound == nil {
			return fmt.Errorf("%w: requireUint256LowerBound", ErrSegmentParams)
		}
	case SegmentRequireUint256UpperBound:
		if p := s.RequireUint256UpperBound; p == nil || p.UpperBound == nil {
			return fmt.Errorf("%w: requireUint256UpperBound", ErrSegmentParams)
		}
	case SegmentUseBit:
		if s.UseBit == nil {
			return fmt.Errorf("%w: useBit", ErrSegmentParams)
		}
		return s.UseBit.NonceBit.Validate()
	case SegmentMarketSwapExactInput:
		if p := s.MarketSwapExactInput; p == nil || p.TokenInAmount.IsZero() {
			return fmt.Errorf("%w: marketSwapExactInput", ErrSegmentParams)
		}
	case SegmentLimitSwapExactInput:
		if p := s.LimitSwapExactInput; p == nil || p.TokenInAmount.IsZero() {
			return fmt.Errorf("%w: limitSwapExactInput", ErrSegmentParams)
		}
	case SegmentSwap01:
		p := s.Swap01
		if p == nil {
			return fmt.Errorf("%w: swap01", ErrSegmentParams)
		}
		if err := p.Input.validate(); err != nil {
			return err
		}
		return p.Output.validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSegmentType, s.Type)
	}
	return nil
}

// Tokens returns the token addresses a swap segment moves.
func (s Segment) Tokens() []common.Address {
	switch {
	case s.Type == SegmentMarketSwapExactInput && s.MarketSwapExactInput != nil:
		return []common.Address{s.MarketSwapExactInput.TokenIn, s.MarketSwapExactInput.TokenOut}
	case s.Type == SegmentLimitSwapExactInput && s.LimitSwapExactInput != nil:
		return []common.Address{s.LimitSwapExactInput.TokenIn, s.LimitSwapExactInput.TokenOut}
	case s.Type == SegmentSwap01 && s.Swap01 != nil:
		return []common.Address{s.Swap01.TokenIn, s.Swap01.TokenOut}
	}
	return nil
}
