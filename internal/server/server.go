package server

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brinktrade/brink-api/internal/handler"
	"github.com/brinktrade/brink-api/internal/httpx"
	"github.com/brinktrade/brink-api/internal/model"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Routes are the pieces the router is assembled from. Auth guards the write
// endpoints; RateLimit, when set, guards every endpoint.
type Routes struct {
	Gateway   handler.Gateway
	Auth      Middleware
	RateLimit Middleware
}

// NewRouter mounts every endpoint of the gateway.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	if rt.RateLimit != nil {
		r.Use(rt.RateLimit)
	}
	auth := rt.Auth
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	gw := rt.Gateway

	r.Method(http.MethodGet, "/health", handler.NewHealthHandler(gw.ChainID()))

	r.Route("/intents", func(r chi.Router) {
		r.With(auth).Method(http.MethodPost, "/submit/v1", handler.NewSubmitHandler(gw))
		r.Method(http.MethodGet, "/declarations/find/v1", handler.NewFindHandler(gw))
		r.Method(http.MethodGet, "/declarations/{hash}/v1", handler.NewDeclarationHandler(gw))
		r.With(auth).Method(http.MethodPost, "/declarations/{hash}/cancel/v1", handler.NewCancelHandler(gw))
		r.Method(http.MethodGet, "/declarations/{hash}/intents/{index}/v1", handler.NewIntentHandler(gw))
		r.Method(http.MethodGet, "/compile/v1", handler.NewCompileHandler(gw))
		r.Method(http.MethodGet, "/find/v1", handler.NewIntentFindHandler(gw))
	})

	r.Route("/signers/{address}", func(r chi.Router) {
		r.Method(http.MethodGet, "/nonce/v1", handler.NewNonceHandler(gw))
		r.Method(http.MethodGet, "/nonces/v1", handler.NewNoncesHandler(gw))
		r.Method(http.MethodGet, "/cancel/v1", handler.NewSignerCancelHandler(gw))
		r.Method(http.MethodGet, "/cancelEIP712TypedData/v1", handler.NewSignerCancelTypedDataHandler(gw))
	})

	r.Route("/segments", func(r chi.Router) {
		r.Method(http.MethodGet, "/blockInterval/v1", handler.NewBlockIntervalHandler(gw))
		for _, kind := range []model.SegmentType{
			model.SegmentRequireBlockNotMined,
			model.SegmentRequireUint256LowerBound,
			model.SegmentRequireUint256UpperBound,
			model.SegmentUseBit,
		} {
			r.Method(http.MethodGet, "/"+string(kind)+"/v1", handler.NewSegmentHandler(gw, kind))
		}
		for _, kind := range []model.SegmentType{model.SegmentMarketSwapExactInput, model.SegmentLimitSwapExactInput} {
			r.Method(http.MethodGet, "/"+string(kind)+"/v1", handler.NewSwapSegmentHandler(gw, kind))
		}
		r.Method(http.MethodGet, "/"+string(model.SegmentSwap01)+"/v1", handler.NewSwap01Handler(gw))
	})

	r.Route("/oracles", func(r chi.Router) {
		r.Method(http.MethodGet, "/uint256Oracle/value/v1", handler.NewOracleValueHandler(gw))
		r.Method(http.MethodGet, "/uniV3TWAP/v1", handler.NewUniV3TWAPHandler(gw))
		r.Method(http.MethodGet, "/uniV3TWAP/price/v1", handler.NewUniV3TWAPPriceHandler(gw))
	})

	r.Method(http.MethodGet, "/routing/routeSwapForInput/v1", handler.NewRouteHandler(gw))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, httpx.CodeBadRequest, "method not allowed", nil)
	})
	return r
}

// Timeouts of the HTTP server. Zero values take the defaults.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// NewServer creates and configures an HTTP server.
func NewServer(handler http.Handler, address, port string, t Timeouts) *http.Server {
	if t.Read <= 0 {
		t.Read = 5 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 30 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 120 * time.Second
	}
	return &http.Server{
		Addr:         net.JoinHostPort(address, port),
		Handler:      handler,
		ReadTimeout:  t.Read,
		WriteTimeout: t.Write,
		IdleTimeout:  t.Idle,
	}
}
