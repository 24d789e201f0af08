package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/brinktrade/brink-api/internal/gateway"
	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/store"
)

// SubmitHandler admits signed declarations.
type SubmitHandler struct {
	gw Gateway
}

func NewSubmitHandler(gw Gateway) *SubmitHandler {
	return &SubmitHandler{gw: gw}
}

func (h *SubmitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req model.SignedDeclaration
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	if len(req.Declaration.Intents) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "declaration has no intents", nil)
		return
	}

	hash, rej, err := h.gw.Submit(r.Context(), &req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rej != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeRejected, rej.Error(), rej)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, SubmitResponse{Hash: hash})
}

// DeclarationHandler returns one declaration with its requested includes.
type DeclarationHandler struct {
	gw Gateway
}

func NewDeclarationHandler(gw Gateway) *DeclarationHandler {
	return &DeclarationHandler{gw: gw}
}

func (h *DeclarationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeErr(w, err)
		return
	}
	inc, err := parseIncludes(newQuery(r).list("includes"))
	if err != nil {
		writeErr(w, err)
		return
	}
	d, err := h.gw.Get(r.Context(), hash, inc)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

// CancelHandler cancels a declaration off chain.
type CancelHandler struct {
	gw Gateway
}

func NewCancelHandler(gw Gateway) *CancelHandler {
	return &CancelHandler{gw: gw}
}

func (h *CancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := h.gw.Cancel(r.Context(), hash)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.gw.Describe(r.Context(), rec, gateway.Includes{}))
}

// FindHandler lists declarations matching the query filters.
type FindHandler struct {
	gw Gateway
}

func NewFindHandler(gw Gateway) *FindHandler {
	return &FindHandler{gw: gw}
}

func (h *FindHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := store.Filter{
		Source:        q.raw("source", false),
		SignatureType: model.SignatureType(q.raw("signatureType", false)),
		SortBy:        q.raw("sortBy", false),
		SortDirection: store.SortDirection(q.raw("sortDirection", false)),
		Limit:         q.integer("limit", 0),
		Offset:        q.integer("offset", 0),
	}
	chainID := q.chainID(h.gw.ChainID())
	f.ChainID = &chainID
	if q.raw("signer", false) != "" {
		signer := q.address("signer", true)
		f.Signer = &signer
	}
	if raw := q.raw("hash", false); raw != "" {
		hash, err := parseHash(raw)
		if err != nil {
			writeErr(w, err)
			return
		}
		f.Hash = &hash
	}
	if raw := q.raw("status", false); raw != "" {
		st, err := model.ParseDeclarationStatus(raw)
		if err != nil {
			q.fail("status", err)
		}
		f.Status = st
	}
	for _, raw := range q.list("tokenAddress") {
		if !common.IsHexAddress(raw) {
			q.fail("tokenAddress", errors.New("not a hex address"))
			break
		}
		f.TokenAddresses = append(f.TokenAddresses, common.HexToAddress(raw))
	}
	inc, err := parseIncludes(q.list("includes"))
	if err == nil {
		err = q.err
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	page, err := h.gw.Find(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := FindResponse{Count: page.Count, Declarations: make([]*gateway.Declaration, 0, len(page.Declarations))}
	for _, rec := range page.Declarations {
		resp.Declarations = append(resp.Declarations, h.gw.Describe(r.Context(), rec, inc))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// IntentHandler returns one intent of a declaration.
type IntentHandler struct {
	gw Gateway
}

func NewIntentHandler(gw Gateway) *IntentHandler {
	return &IntentHandler{gw: gw}
}

func (h *IntentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeErr(w, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeErr(w, badParam("index", err))
		return
	}
	in, err := h.gw.GetIntent(r.Context(), hash, index)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

// CompileHandler prepares an unsigned declaration for signing.
type CompileHandler struct {
	gw Gateway
}

func NewCompileHandler(gw Gateway) *CompileHandler {
	return &CompileHandler{gw: gw}
}

func (h *CompileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	req := gateway.CompileRequest{
		ChainID:             q.chainID(h.gw.ChainID()),
		Signer:              q.address("signer", true),
		SignatureType:       model.SignatureType(q.raw("signatureType", true)),
		DeclarationContract: q.address("declarationContract", false),
	}
	q.json("declaration", true, &req.Declaration)
	inc, err := parseIncludes(q.list("includes"))
	if err == nil {
		err = q.err
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	req.Includes = inc

	out, err := h.gw.Compile(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// IntentFindHandler lists intents by creation and requeue time.
type IntentFindHandler struct {
	gw Gateway
}

func NewIntentFindHandler(gw Gateway) *IntentFindHandler {
	return &IntentFindHandler{gw: gw}
}

func (h *IntentFindHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	chainID := q.chainID(h.gw.ChainID())
	f := store.IntentFilter{
		ChainID:       &chainID,
		CreatedAfter:  q.time("creationTimeAfter"),
		CreatedBefore: q.time("creationTimeBefore"),
		RequeueAfter:  q.time("requeueTimeAfter"),
		RequeueBefore: q.time("requeueTimeBefore"),
		SortBy:        q.raw("sortBy", false),
		SortDirection: store.SortDirection(q.raw("sortDirection", false)),
		Limit:         q.integer("limit", 0),
		Offset:        q.integer("offset", 0),
	}
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	page, err := h.gw.FindIntents(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}
