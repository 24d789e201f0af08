package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brinktrade/brink-api/internal/model"
)

const DefaultEnsoURL = "https://api.enso.finance"

// EnsoSource quotes exact-input swaps through the Enso shortcuts router.
type EnsoSource struct {
	http httpSource
}

func NewEnsoSource(cfg SourceConfig) *EnsoSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEnsoURL
	}
	return &EnsoSource{
		http: newHTTPSource(cfg, func(r *http.Request) {
			if cfg.APIKey != "" {
				r.Header.Set("Authorization", "Bearer "+cfg.APIKey)
			}
		}),
	}
}

func (s *EnsoSource) Name() SourceName { return Enso }

type ensoStep struct {
	Action   string           `json:"action"`
	Protocol string           `json:"protocol"`
	Primary  common.Address   `json:"primary"`
	TokenIn  []common.Address `json:"tokenIn"`
	TokenOut []common.Address `json:"tokenOut"`
}

type ensoRouteResponse struct {
	AmountOut *model.Uint256 `json:"amountOut"`
	Gas       *model.Uint256 `json:"gas"`
	Route     []ensoStep     `json:"route"`
	Tx        struct {
		To    common.Address `json:"to"`
		Data  hexutil.Bytes  `json:"data"`
		Value *model.Uint256 `json:"value"`
	} `json:"tx"`
}

func (s *EnsoSource) Quote(ctx context.Context, req Request) (*Quote, error) {
	if req.ExactOutput() {
		return nil, fmt.Errorf("%w: enso quotes exact input only", ErrUnsupported)
	}

	q := url.Values{}
	q.Set("chainId", fmt.Sprint(req.ChainID))
	q.Set("fromAddress", req.Buyer.Hex())
	q.Set("receiver", req.Buyer.Hex())
	q.Set("spender", req.Buyer.Hex())
	q.Set("tokenIn", req.TokenIn.Hex())
	q.Set("tokenOut", req.TokenOut.Hex())
	q.Set("amountIn", req.TokenInAmount.String())
	q.Set("routingStrategy", "router")

	var resp ensoRouteResponse
	if err := s.http.do(ctx, http.MethodGet, "/api/v1/shortcuts/route?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.AmountOut == nil {
		return nil, fmt.Errorf("enso returned no output amount")
	}

	quote := &Quote{
		AmountIn:  req.TokenInAmount,
		AmountOut: resp.AmountOut.Big(),
		Path:      make([]Hop, 0, len(resp.Route)),
	}
	if g := resp.Gas.Big(); g.IsUint64() {
		quote.GasEstimate = g.Uint64()
	}
	for _, step := range resp.Route {
		hop := Hop{Protocol: step.Protocol, Pool: step.Primary}
		if len(step.TokenIn) > 0 {
			hop.TokenIn = step.TokenIn[0]
		}
		if len(step.TokenOut) > 0 {
			hop.TokenOut = step.TokenOut[0]
		}
		quote.Path = append(quote.Path, hop)
	}
	if req.Include == IncludeRoutes {
		quote.Tx = &Tx{To: resp.Tx.To, Data: resp.Tx.Data, Value: resp.Tx.Value}
	}
	return quote, nil
}
