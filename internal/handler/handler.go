// Package handler implements the HTTP endpoints of the gateway, one handler
// type per endpoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/brinktrade/brink-api/internal/gateway"
	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/lifecycle"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/store"
	"github.com/brinktrade/brink-api/internal/validator"
)

// Gateway is the part of *gateway.Gateway the handlers use.
type Gateway interface {
	ChainID() int64
	Submit(ctx context.Context, signed *model.SignedDeclaration) (common.Hash, *validator.Rejection, error)
	Compile(ctx context.Context, req gateway.CompileRequest) (*gateway.Compiled, error)
	Get(ctx context.Context, hash common.Hash, inc gateway.Includes) (*gateway.Declaration, error)
	Describe(ctx context.Context, rec *model.DeclarationRecord, inc gateway.Includes) *gateway.Declaration
	Find(ctx context.Context, f store.Filter) (*store.Page, error)
	GetIntent(ctx context.Context, hash common.Hash, index int) (*gateway.Intent, error)
	FindIntents(ctx context.Context, f store.IntentFilter) (*gateway.IntentPage, error)
	Cancel(ctx context.Context, hash common.Hash) (*model.DeclarationRecord, error)
	NextNonces(signer common.Address, chainID int64, count int) ([]*model.Uint256, error)
	GetNonce(ctx context.Context, signer common.Address, chainID int64, value *big.Int) (*gateway.NonceUsage, error)
	SignerCancel(signer common.Address, chainID int64, value *big.Int) (*gateway.TransactionRequest, error)
	SignerCancelTypedData(signer common.Address, chainID int64, value *big.Int) (apitypes.TypedData, error)
	CheckSegment(ctx context.Context, chainID int64, signer common.Address, seg model.Segment) (*gateway.SegmentCheck, error)
	BlockInterval(ctx context.Context, chainID int64, p *model.BlockIntervalParams) (*gateway.BlockIntervalCheck, error)
	SwapQuote(ctx context.Context, chainID int64, buyer common.Address, seg model.Segment, include routing.Include, sources []routing.SourceName) (*routing.Result, error)
	Swap01(ctx context.Context, chainID int64, p *model.Swap01Params) (*gateway.Swap01Amounts, error)
	OracleValue(ctx context.Context, call model.OracleCall) (*big.Int, error)
	UniV3TWAP(tokenA, tokenB common.Address, fee, interval uint32) (model.OracleCall, error)
	UniV3TWAPPrice(ctx context.Context, tokenA, tokenB common.Address, fee, interval uint32) (*gateway.TWAPPrice, error)
	Route(ctx context.Context, req routing.Request) (*routing.Result, error)
}

// writeErr maps gateway errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var perr *model.ProcessError
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, err.Error(), nil)
	case errors.Is(err, gateway.ErrUnsupportedChain):
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeUnsupportedChain, err.Error(), nil)
	case errors.Is(err, errBadParam),
		errors.Is(err, gateway.ErrInvalidArgument),
		errors.Is(err, store.ErrInvalidFilter),
		errors.Is(err, routing.ErrInvalidRequest),
		errors.Is(err, routing.ErrUnknownSource),
		errors.Is(err, routing.ErrUnsupported),
		errors.Is(err, model.ErrSegmentParams),
		errors.Is(err, model.ErrUnknownSegmentType),
		errors.Is(err, model.ErrInvalidNonce):
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, err.Error(), nil)
	case errors.Is(err, lifecycle.ErrTerminal), errors.Is(err, lifecycle.ErrCancelNotAllowed):
		httpx.WriteError(w, http.StatusConflict, httpx.CodeConflict, err.Error(), nil)
	case errors.As(err, &perr):
		httpx.WriteError(w, http.StatusBadGateway, perr.Code, perr.Message, nil)
	default:
		slog.Default().Error("request failed", "component", "http", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "internal error", nil)
	}
}

var errBadParam = errors.New("invalid parameter")

// upstream reports err as a failed chain read unless the caller caused it.
func upstream(err error) error {
	switch {
	case errors.Is(err, gateway.ErrUnsupportedChain),
		errors.Is(err, gateway.ErrInvalidArgument),
		errors.Is(err, model.ErrSegmentParams),
		errors.Is(err, model.ErrUnknownSegmentType):
		return err
	}
	return model.NewProcessError(httpx.CodeUpstream, err)
}

func badParam(name string, err error) error {
	if err == nil {
		return fmt.Errorf("%w %s", errBadParam, name)
	}
	return fmt.Errorf("%w %s: %v", errBadParam, name, err)
}

// query reads typed query parameters and remembers the first failure.
type query struct {
	r   *http.Request
	err error
}

func newQuery(r *http.Request) *query {
	return &query{r: r}
}

func (q *query) raw(name string, required bool) string {
	v := strings.TrimSpace(q.r.URL.Query().Get(name))
	if v == "" && required && q.err == nil {
		q.err = badParam(name, errors.New("required"))
	}
	return v
}

func (q *query) fail(name string, err error) {
	if q.err == nil {
		q.err = badParam(name, err)
	}
}

func (q *query) address(name string, required bool) common.Address {
	v := q.raw(name, required)
	if v == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(v) {
		q.fail(name, errors.New("not a hex address"))
		return common.Address{}
	}
	return common.HexToAddress(v)
}

func (q *query) uint256(name string, required bool) *model.Uint256 {
	v := q.raw(name, required)
	if v == "" {
		return nil
	}
	u := new(model.Uint256)
	if err := u.UnmarshalText([]byte(v)); err != nil {
		q.fail(name, err)
		return nil
	}
	return u
}

func (q *query) bytes(name string) hexutil.Bytes {
	v := q.raw(name, false)
	if v == "" {
		return hexutil.Bytes{}
	}
	b, err := hexutil.Decode(v)
	if err != nil {
		q.fail(name, err)
		return nil
	}
	return b
}

func (q *query) integer(name string, def int) int {
	v := q.raw(name, false)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		q.fail(name, err)
		return def
	}
	return n
}

// time reads an RFC 3339 timestamp.
func (q *query) time(name string) *time.Time {
	v := q.raw(name, false)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		q.fail(name, err)
		return nil
	}
	return &t
}

// json decodes a JSON encoded parameter into v.
func (q *query) json(name string, required bool, v any) {
	raw := q.raw(name, required)
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		q.fail(name, err)
	}
}

// chainID defaults to the gateway chain.
func (q *query) chainID(def int64) int64 {
	v := q.raw("chainId", false)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		q.fail("chainId", err)
		return def
	}
	return n
}

// list accepts repeated parameters and comma separated values.
func (q *query) list(name string) []string {
	var out []string
	for _, v := range q.r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, badParam("hash", err)
	}
	return common.BytesToHash(b), nil
}

func parseIncludes(values []string) (gateway.Includes, error) {
	var inc gateway.Includes
	for _, v := range values {
		switch v {
		case "requiredTransactions":
			inc.RequiredTransactions = true
		case "cancel":
			inc.Cancel = true
		default:
			return inc, badParam("includes", fmt.Errorf("unknown include %q", v))
		}
	}
	return inc, nil
}
