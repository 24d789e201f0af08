package handler

import (
	"errors"
	"math"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/model"
)

// OracleValueHandler reads a uint256 oracle.
type OracleValueHandler struct {
	gw Gateway
}

func NewOracleValueHandler(gw Gateway) *OracleValueHandler {
	return &OracleValueHandler{gw: gw}
}

func (h *OracleValueHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	call := model.OracleCall{
		OracleAddress: q.address("oracleAddress", true),
		OracleParams:  q.bytes("oracleParams"),
	}
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	v, err := h.gw.OracleValue(r.Context(), call)
	if err != nil {
		writeErr(w, model.NewProcessError(httpx.CodeUpstream, err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, OracleResponse{OracleValue: model.NewUint256(v)})
}

// UniV3TWAPHandler describes the oracle call reading a Uniswap V3 TWAP.
type UniV3TWAPHandler struct {
	gw Gateway
}

func NewUniV3TWAPHandler(gw Gateway) *UniV3TWAPHandler {
	return &UniV3TWAPHandler{gw: gw}
}

func (h *UniV3TWAPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenA, tokenB, fee, interval, err := twapRequest(r, 3000)
	if err != nil {
		writeErr(w, err)
		return
	}
	call, err := h.gw.UniV3TWAP(tokenA, tokenB, fee, interval)
	if err != nil {
		writeErr(w, badParam("tokens", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, call)
}

// UniV3TWAPPriceHandler reads a Uniswap V3 TWAP. Without a fee every tier is
// tried in turn.
type UniV3TWAPPriceHandler struct {
	gw Gateway
}

func NewUniV3TWAPPriceHandler(gw Gateway) *UniV3TWAPPriceHandler {
	return &UniV3TWAPPriceHandler{gw: gw}
}

func (h *UniV3TWAPPriceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenA, tokenB, fee, interval, err := twapRequest(r, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	price, err := h.gw.UniV3TWAPPrice(r.Context(), tokenA, tokenB, fee, interval)
	if err != nil {
		writeErr(w, upstream(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, price)
}

// twapRequest reads tokenA, tokenB, fee and interval. A zero defaultFee
// leaves the fee optional.
func twapRequest(r *http.Request, defaultFee int) (common.Address, common.Address, uint32, uint32, error) {
	q := newQuery(r)
	tokenA := q.address("tokenA", true)
	tokenB := q.address("tokenB", true)
	interval := q.integer("interval", 0)
	fee := q.integer("fee", defaultFee)
	if q.err == nil && (interval <= 0 || int64(interval) > math.MaxUint32) {
		q.fail("interval", nil)
	}
	if q.err == nil && (fee < 0 || fee >= 1<<24 || (fee == 0 && defaultFee != 0)) {
		q.fail("fee", nil)
	}
	if q.err == nil && tokenA == tokenB {
		q.fail("tokenB", errors.New("same as tokenA"))
	}
	if q.err != nil {
		return common.Address{}, common.Address{}, 0, 0, q.err
	}
	return tokenA, tokenB, uint32(fee), uint32(interval), nil
}
