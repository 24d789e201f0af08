package handler

import (
	"net/http"

	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/model"
)

// SwapSegmentHandler quotes the swap of a market or limit swap segment.
type SwapSegmentHandler struct {
	gw   Gateway
	kind model.SegmentType
}

func NewSwapSegmentHandler(gw Gateway, kind model.SegmentType) *SwapSegmentHandler {
	return &SwapSegmentHandler{gw: gw, kind: kind}
}

func (h *SwapSegmentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	chainID := q.chainID(h.gw.ChainID())
	seg := model.Segment{Type: h.kind}
	switch h.kind {
	case model.SegmentMarketSwapExactInput:
		seg.MarketSwapExactInput = &model.MarketSwapExactInputParams{
			TokenIn:        q.address("tokenIn", true),
			TokenOut:       q.address("tokenOut", true),
			TokenInAmount:  q.uint256("tokenInAmount", true),
			FeePercentE6:   q.uint256("feePercent", true),
			FeeMinTokenOut: q.uint256("feeMinTokenOut", true),
		}
	case model.SegmentLimitSwapExactInput:
		seg.LimitSwapExactInput = &model.LimitSwapExactInputParams{
			TokenIn:           q.address("tokenIn", true),
			TokenOut:          q.address("tokenOut", true),
			TokenInAmount:     q.uint256("tokenInAmount", true),
			PriceCurveAddress: q.address("priceCurveAddress", true),
			PriceCurveParams:  q.bytes("priceCurveParams"),
		}
	default:
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "unknown swap segment", nil)
		return
	}
	buyer, include, sources := routingOptions(q)
	if q.err != nil {
		writeErr(w, q.err)
		return
	}

	res, err := h.gw.SwapQuote(r.Context(), chainID, buyer, seg, include, sources)
	resp, err := routingResponse(include, res, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Swap01Handler resolves the current amounts of a swap01 segment. input and
// output are JSON encoded swap amounts.
type Swap01Handler struct {
	gw Gateway
}

func NewSwap01Handler(gw Gateway) *Swap01Handler {
	return &Swap01Handler{gw: gw}
}

func (h *Swap01Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	chainID := q.chainID(h.gw.ChainID())
	p := &model.Swap01Params{
		Owner:           q.address("owner", true),
		SolverValidator: q.address("solverValidator", true),
		TokenIn:         q.address("tokenIn", true),
		TokenOut:        q.address("tokenOut", true),
	}
	q.json("input", true, &p.Input)
	q.json("output", true, &p.Output)
	if q.err != nil {
		writeErr(w, q.err)
		return
	}

	out, err := h.gw.Swap01(r.Context(), chainID, p)
	if err != nil {
		writeErr(w, upstream(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
