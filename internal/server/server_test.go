package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/gateway"
	"github.com/brinktrade/brink-api/internal/handler"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/store"
)

// stubGateway answers every lookup with not found.
type stubGateway struct {
	handler.Gateway
}

func (stubGateway) ChainID() int64 { return 1 }

func (stubGateway) Get(context.Context, common.Hash, gateway.Includes) (*gateway.Declaration, error) {
	return nil, store.ErrNotFound
}

func (stubGateway) Cancel(context.Context, common.Hash) (*model.DeclarationRecord, error) {
	return nil, store.ErrNotFound
}

func denyAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
}

func TestRouter(t *testing.T) {
	router := NewRouter(Routes{Gateway: stubGateway{}, Auth: denyAll})
	hash := common.HexToHash("0x01").Hex()
	signer := common.HexToAddress("0x02").Hex()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/intents/declarations/" + hash + "/v1", http.StatusNotFound},
		{http.MethodPost, "/intents/submit/v1", http.StatusUnauthorized},
		{http.MethodPost, "/intents/declarations/" + hash + "/cancel/v1", http.StatusUnauthorized},
		{http.MethodGet, "/intents/declarations/find/v1?status=bogus", http.StatusBadRequest},
		{http.MethodGet, "/segments/useBit/v1", http.StatusBadRequest},
		{http.MethodGet, "/segments/blockInterval/v1", http.StatusBadRequest},
		{http.MethodGet, "/segments/marketSwapExactInput/v1", http.StatusBadRequest},
		{http.MethodGet, "/segments/limitSwapExactInput/v1", http.StatusBadRequest},
		{http.MethodGet, "/segments/swap01/v1", http.StatusBadRequest},
		{http.MethodGet, "/intents/compile/v1", http.StatusBadRequest},
		{http.MethodGet, "/intents/find/v1?limit=x", http.StatusBadRequest},
		{http.MethodGet, "/signers/" + signer + "/cancel/v1", http.StatusBadRequest},
		{http.MethodGet, "/signers/" + signer + "/cancelEIP712TypedData/v1", http.StatusBadRequest},
		{http.MethodGet, "/oracles/uniV3TWAP/price/v1", http.StatusBadRequest},
		{http.MethodGet, "/no/such/route", http.StatusNotFound},
		{http.MethodDelete, "/health", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(""))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRouterWithoutAuth(t *testing.T) {
	router := NewRouter(Routes{Gateway: stubGateway{}})
	req := httptest.NewRequest(http.MethodPost, "/intents/declarations/"+common.HexToHash("0x01").Hex()+"/cancel/v1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewServerDefaults(t *testing.T) {
	srv := NewServer(http.NotFoundHandler(), "127.0.0.1", "8080", Timeouts{Write: time.Minute})
	require.NotNil(t, srv)
	assert.Equal(t, "127.0.0.1:8080", srv.Addr)
	assert.Equal(t, 5*time.Second, srv.ReadTimeout)
	assert.Equal(t, time.Minute, srv.WriteTimeout)
	assert.Equal(t, 120*time.Second, srv.IdleTimeout)
}
