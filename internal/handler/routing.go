package handler

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
)

// RouteHandler quotes an exact input swap.
type RouteHandler struct {
	gw Gateway
}

func NewRouteHandler(gw Gateway) *RouteHandler {
	return &RouteHandler{gw: gw}
}

func (h *RouteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := routing.Request{
		ChainID:  q.chainID(h.gw.ChainID()),
		TokenIn:  q.address("tokenIn", true),
		TokenOut: q.address("tokenOut", true),
	}
	if amount := q.uint256("tokenInAmount", true); amount != nil {
		req.TokenInAmount = amount.Big()
	}
	req.Buyer, req.Include, req.Sources = routingOptions(q)
	if q.err != nil {
		writeErr(w, q.err)
		return
	}

	res, err := h.gw.Route(r.Context(), req)
	resp, err := routingResponse(req.Include, res, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// routingResponse places a routing outcome in the member include asks for.
// A routing ProcessError becomes that member's error.
func routingResponse(include routing.Include, res *routing.Result, err error) (RoutingResponse, error) {
	var perr *model.ProcessError
	if err != nil && !errors.As(err, &perr) {
		return RoutingResponse{}, err
	}

	var resp RoutingResponse
	switch {
	case include == routing.IncludeRoutes && perr != nil:
		resp.Routes = model.Fail[[]routing.Route](perr)
	case include == routing.IncludeRoutes:
		resp.Routes = model.Ok(res.Routes)
	case perr != nil:
		resp.Estimates = model.Fail[*routing.Estimate](perr)
	default:
		resp.Estimates = model.Ok(res.Estimates)
	}
	return resp, nil
}

// routingOptions reads buyer, include and sources.
func routingOptions(q *query) (common.Address, routing.Include, []routing.SourceName) {
	buyer := q.address("buyer", false)
	include := routing.Include(q.raw("include", false))
	if include == "" {
		include = routing.IncludeEstimates
	}
	var sources []routing.SourceName
	for _, s := range q.list("sources") {
		sources = append(sources, routing.SourceName(s))
	}
	return buyer, include, sources
}
