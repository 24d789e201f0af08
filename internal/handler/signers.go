package handler

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/brinktrade/brink-api/internal/httpx"
)

func signerParam(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, badParam("address", errors.New("not a hex address"))
	}
	return common.HexToAddress(raw), nil
}

// NonceHandler reports who uses one nonce of a signer.
type NonceHandler struct {
	gw Gateway
}

func NewNonceHandler(gw Gateway) *NonceHandler {
	return &NonceHandler{gw: gw}
}

func (h *NonceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	signer, chainID, value, err := nonceRequest(r, h.gw.ChainID())
	if err != nil {
		writeErr(w, err)
		return
	}
	usage, err := h.gw.GetNonce(r.Context(), signer, chainID, value)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, usage)
}

// NoncesHandler hands out unused nonces of a signer.
type NoncesHandler struct {
	gw Gateway
}

func NewNoncesHandler(gw Gateway) *NoncesHandler {
	return &NoncesHandler{gw: gw}
}

func (h *NoncesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	signer, err := signerParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	q := newQuery(r)
	chainID := q.chainID(h.gw.ChainID())
	count := q.integer("count", 1)
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	nonces, err := h.gw.NextNonces(signer, chainID, count)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, NoncesResponse{Nonces: nonces})
}

// SignerCancelHandler returns the owner transaction that cancels a nonce.
type SignerCancelHandler struct {
	gw Gateway
}

func NewSignerCancelHandler(gw Gateway) *SignerCancelHandler {
	return &SignerCancelHandler{gw: gw}
}

func (h *SignerCancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	signer, chainID, value, err := nonceRequest(r, h.gw.ChainID())
	if err != nil {
		writeErr(w, err)
		return
	}
	tx, err := h.gw.SignerCancel(signer, chainID, value)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tx)
}

// SignerCancelTypedDataHandler returns the typed data a signer signs to have
// a nonce cancelled by a relayer.
type SignerCancelTypedDataHandler struct {
	gw Gateway
}

func NewSignerCancelTypedDataHandler(gw Gateway) *SignerCancelTypedDataHandler {
	return &SignerCancelTypedDataHandler{gw: gw}
}

func (h *SignerCancelTypedDataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	signer, chainID, value, err := nonceRequest(r, h.gw.ChainID())
	if err != nil {
		writeErr(w, err)
		return
	}
	td, err := h.gw.SignerCancelTypedData(signer, chainID, value)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, td)
}

func nonceRequest(r *http.Request, defaultChain int64) (common.Address, int64, *big.Int, error) {
	signer, err := signerParam(r)
	if err != nil {
		return common.Address{}, 0, nil, err
	}
	q := newQuery(r)
	chainID := q.chainID(defaultChain)
	value := q.uint256("nonce", true)
	if q.err != nil {
		return common.Address{}, 0, nil, q.err
	}
	return signer, chainID, value.Big(), nil
}
