// Package routing quotes swaps against external routing sources and selects
// the best answer.
package routing

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brinktrade/brink-api/internal/model"
)

var (
	ErrUnknownSource  = errors.New("unknown routing source")
	ErrInvalidRequest = errors.New("invalid routing request")
	ErrUnsupported    = errors.New("request not supported by source")
)

// SourceName identifies a routing source.
type SourceName string

const (
	Odos SourceName = "odos"
	Enso SourceName = "enso"
)

// Include selects the shape of a routing result.
type Include string

const (
	IncludeEstimates Include = "estimates"
	IncludeRoutes    Include = "routes"
)

// Request asks for a swap quote. Exactly one of TokenInAmount and
// TokenOutAmount is set.
type Request struct {
	ChainID        int64
	Sources        []SourceName
	Buyer          common.Address
	Include        Include
	TokenIn        common.Address
	TokenOut       common.Address
	TokenInAmount  *big.Int
	TokenOutAmount *big.Int
}

// ExactOutput reports whether the request fixes the output amount.
func (r Request) ExactOutput() bool {
	return r.TokenInAmount == nil && r.TokenOutAmount != nil
}

func (r Request) validate() error {
	if (r.TokenInAmount == nil) == (r.TokenOutAmount == nil) {
		return errors.Join(ErrInvalidRequest, errors.New("exactly one of tokenInAmount and tokenOutAmount is required"))
	}
	if r.TokenIn == r.TokenOut {
		return errors.Join(ErrInvalidRequest, errors.New("tokenIn equals tokenOut"))
	}
	switch r.Include {
	case IncludeEstimates, IncludeRoutes:
	default:
		return errors.Join(ErrInvalidRequest, errors.New("include must be estimates or routes"))
	}
	return nil
}

// Hop is one leg of a concrete route.
type Hop struct {
	Protocol string         `json:"protocol"`
	Pool     common.Address `json:"pool,omitempty"`
	TokenIn  common.Address `json:"tokenIn"`
	TokenOut common.Address `json:"tokenOut"`
}

// Tx is the call a solver sends to execute a route.
type Tx struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *model.Uint256 `json:"value"`
}

// Quote is one source's answer.
type Quote struct {
	Source      SourceName
	AmountIn    *big.Int
	AmountOut   *big.Int
	GasEstimate uint64
	Path        []Hop
	Tx          *Tx
}

// Source is a routing provider.
type Source interface {
	Name() SourceName
	Quote(ctx context.Context, req Request) (*Quote, error)
}

// Estimate is the projected outcome of the best source.
type Estimate struct {
	Source      SourceName     `json:"source"`
	AmountIn    *model.Uint256 `json:"amountIn"`
	AmountOut   *model.Uint256 `json:"amountOut"`
	GasEstimate uint64         `json:"gasEstimate"`
}

// Route is the concrete execution path of one source.
type Route struct {
	Source    SourceName     `json:"source"`
	AmountIn  *model.Uint256 `json:"amountIn"`
	AmountOut *model.Uint256 `json:"amountOut"`
	Path      []Hop          `json:"path"`
	Tx        *Tx            `json:"tx,omitempty"`
}

// Result holds either Estimates or Routes, never both.
type Result struct {
	Estimates *Estimate `json:"estimates,omitempty"`
	Routes    []Route   `json:"routes,omitempty"`
}

func estimateOf(q *Quote) *Estimate {
	return &Estimate{
		Source:      q.Source,
		AmountIn:    model.NewUint256(q.AmountIn),
		AmountOut:   model.NewUint256(q.AmountOut),
		GasEstimate: q.GasEstimate,
	}
}

func routeOf(q *Quote) Route {
	return Route{
		Source:    q.Source,
		AmountIn:  model.NewUint256(q.AmountIn),
		AmountOut: model.NewUint256(q.AmountOut),
		Path:      q.Path,
		Tx:        q.Tx,
	}
}
