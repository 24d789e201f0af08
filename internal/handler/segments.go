package handler

import (
	"net/http"

	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/model"
)

// BlockIntervalHandler reports the position of a block interval segment.
type BlockIntervalHandler struct {
	gw Gateway
}

func NewBlockIntervalHandler(gw Gateway) *BlockIntervalHandler {
	return &BlockIntervalHandler{gw: gw}
}

func (h *BlockIntervalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	chainID := q.chainID(h.gw.ChainID())
	p := &model.BlockIntervalParams{
		ID:              q.uint256("id", true),
		InitialStart:    q.uint256("initialStart", true),
		IntervalMinSize: q.uint256("intervalMinSize", true),
		MaxIntervals:    q.uint256("maxIntervals", false),
	}
	if p.MaxIntervals == nil {
		p.MaxIntervals = model.U64(0)
	}
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	res, err := h.gw.BlockInterval(r.Context(), chainID, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// SegmentHandler evaluates one require segment built from the query.
type SegmentHandler struct {
	gw    Gateway
	kind  model.SegmentType
	parse func(q *query) model.Segment
}

// NewSegmentHandler serves requireBlockNotMined, requireUint256LowerBound,
// requireUint256UpperBound and useBit checks.
func NewSegmentHandler(gw Gateway, kind model.SegmentType) *SegmentHandler {
	h := &SegmentHandler{gw: gw, kind: kind}
	switch kind {
	case model.SegmentRequireBlockNotMined:
		h.parse = func(q *query) model.Segment {
			return model.Segment{Type: kind, RequireBlockNotMined: &model.RequireBlockNotMinedParams{
				BlockNumber: q.uint256("blockNumber", true),
			}}
		}
	case model.SegmentRequireUint256LowerBound:
		h.parse = func(q *query) model.Segment {
			return model.Segment{Type: kind, RequireUint256LowerBound: &model.RequireUint256LowerBoundParams{
				OracleCall: oracleCall(q),
				LowerBound: q.uint256("lowerBound", true),
			}}
		}
	case model.SegmentRequireUint256UpperBound:
		h.parse = func(q *query) model.Segment {
			return model.Segment{Type: kind, RequireUint256UpperBound: &model.RequireUint256UpperBoundParams{
				OracleCall: oracleCall(q),
				UpperBound: q.uint256("upperBound", true),
			}}
		}
	case model.SegmentUseBit:
		h.parse = func(q *query) model.Segment {
			bitmap := q.uint256("bitmapIndex", true)
			bit := q.integer("bit", -1)
			if q.err == nil && (bit < 0 || bit >= model.BitsPerBitmap) {
				q.fail("bit", nil)
			}
			if q.err == nil && !bitmap.Big().IsUint64() {
				q.fail("bitmapIndex", nil)
			}
			if q.err != nil {
				return model.Segment{}
			}
			return model.Segment{Type: kind, UseBit: &model.UseBitParams{
				NonceBit: model.NonceBit{BitmapIndex: bitmap.Big().Uint64(), Bit: uint(bit)},
			}}
		}
	default:
		panic("unsupported segment check " + string(kind))
	}
	return h
}

func oracleCall(q *query) model.OracleCall {
	return model.OracleCall{
		OracleAddress: q.address("oracleAddress", true),
		OracleParams:  q.bytes("oracleParams"),
	}
}

func (h *SegmentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	chainID := q.chainID(h.gw.ChainID())
	signer := q.address("signer", h.kind == model.SegmentUseBit)
	seg := h.parse(q)
	if q.err != nil {
		writeErr(w, q.err)
		return
	}

	check, err := h.gw.CheckSegment(r.Context(), chainID, signer, seg)
	if err != nil {
		writeErr(w, err)
		return
	}
	base := checkResponse(check)

	switch h.kind {
	case model.SegmentUseBit:
		httpx.WriteJSON(w, http.StatusOK, UseBitResponse{RequireCheckResponse: base, BitUsed: !check.Success})
	case model.SegmentRequireUint256LowerBound, model.SegmentRequireUint256UpperBound:
		httpx.WriteJSON(w, http.StatusOK, OracleCheckResponse{RequireCheckResponse: base, OracleValue: check.Value})
	default:
		httpx.WriteJSON(w, http.StatusOK, base)
	}
}
