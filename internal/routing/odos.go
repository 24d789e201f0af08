package routing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brinktrade/brink-api/internal/model"
)

const DefaultOdosURL = "https://api.odos.xyz"

// OdosSource quotes exact-input swaps through the Odos smart order router.
type OdosSource struct {
	http     httpSource
	slippage float64
}

func NewOdosSource(cfg SourceConfig) *OdosSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOdosURL
	}
	return &OdosSource{
		http: newHTTPSource(cfg, func(r *http.Request) {
			if cfg.APIKey != "" {
				r.Header.Set("X-API-Key", cfg.APIKey)
			}
		}),
		slippage: 0.5,
	}
}

func (s *OdosSource) Name() SourceName { return Odos }

type odosToken struct {
	TokenAddress common.Address `json:"tokenAddress"`
	Amount       string         `json:"amount,omitempty"`
	Proportion   float64        `json:"proportion,omitempty"`
}

type odosQuoteRequest struct {
	ChainID              int64       `json:"chainId"`
	InputTokens          []odosToken `json:"inputTokens"`
	OutputTokens         []odosToken `json:"outputTokens"`
	UserAddr             string      `json:"userAddr"`
	SlippageLimitPercent float64     `json:"slippageLimitPercent"`
	Compact              bool        `json:"compact"`
}

type odosQuoteResponse struct {
	InAmounts   []*model.Uint256 `json:"inAmounts"`
	OutAmounts  []*model.Uint256 `json:"outAmounts"`
	GasEstimate float64          `json:"gasEstimate"`
	PathID      string           `json:"pathId"`
}

type odosAssembleRequest struct {
	UserAddr string `json:"userAddr"`
	PathID   string `json:"pathId"`
}

type odosAssembleResponse struct {
	Transaction struct {
		To    common.Address `json:"to"`
		Data  hexutil.Bytes  `json:"data"`
		Value *model.Uint256 `json:"value"`
	} `json:"transaction"`
}

func (s *OdosSource) Quote(ctx context.Context, req Request) (*Quote, error) {
	if req.ExactOutput() {
		return nil, fmt.Errorf("%w: odos quotes exact input only", ErrUnsupported)
	}

	var quote odosQuoteResponse
	err := s.http.do(ctx, http.MethodPost, "/sor/quote/v2", odosQuoteRequest{
		ChainID:              req.ChainID,
		InputTokens:          []odosToken{{TokenAddress: req.TokenIn, Amount: req.TokenInAmount.String()}},
		OutputTokens:         []odosToken{{TokenAddress: req.TokenOut, Proportion: 1}},
		UserAddr:             req.Buyer.Hex(),
		SlippageLimitPercent: s.slippage,
		Compact:              true,
	}, &quote)
	if err != nil {
		return nil, err
	}
	if len(quote.OutAmounts) == 0 || quote.OutAmounts[0] == nil {
		return nil, errors.New("odos returned no output amount")
	}

	q := &Quote{
		AmountIn:    new(big.Int).Set(req.TokenInAmount),
		AmountOut:   quote.OutAmounts[0].Big(),
		GasEstimate: uint64(quote.GasEstimate),
		Path:        []Hop{{Protocol: string(Odos), TokenIn: req.TokenIn, TokenOut: req.TokenOut}},
	}
	if req.Include != IncludeRoutes {
		return q, nil
	}

	var assembled odosAssembleResponse
	err = s.http.do(ctx, http.MethodPost, "/sor/assemble", odosAssembleRequest{
		UserAddr: req.Buyer.Hex(),
		PathID:   quote.PathID,
	}, &assembled)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	q.Tx = &Tx{
		To:    assembled.Transaction.To,
		Data:  assembled.Transaction.Data,
		Value: assembled.Transaction.Value,
	}
	return q, nil
}
