package routing

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOdosQuote(t *testing.T) {
	var assembled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/sor/quote/v2":
			var body odosQuoteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, int64(1), body.ChainID)
			assert.Equal(t, "1000", body.InputTokens[0].Amount)
			assert.Equal(t, usdc, body.OutputTokens[0].TokenAddress)
			_, _ = w.Write([]byte(`{"inAmounts":["1000"],"outAmounts":["2500"],"gasEstimate":150000.0,"pathId":"p1"}`))
		case "/sor/assemble":
			assembled = true
			var body odosAssembleRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "p1", body.PathID)
			_, _ = w.Write([]byte(`{"transaction":{"to":"0x00000000000000000000000000000000000000aa","data":"0x1234","value":"0"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewOdosSource(SourceConfig{BaseURL: srv.URL, APIKey: "secret"})

	q, err := src.Quote(context.Background(), exactIn(IncludeEstimates))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2500).String(), q.AmountOut.String())
	assert.Equal(t, uint64(150000), q.GasEstimate)
	assert.Nil(t, q.Tx)
	assert.False(t, assembled)

	q, err = src.Quote(context.Background(), exactIn(IncludeRoutes))
	require.NoError(t, err)
	require.NotNil(t, q.Tx)
	assert.Equal(t, []byte{0x12, 0x34}, []byte(q.Tx.Data))
	assert.True(t, assembled)
}

func TestOdosRejectsExactOutput(t *testing.T) {
	src := NewOdosSource(SourceConfig{BaseURL: "http://127.0.0.1:0"})
	_, err := src.Quote(context.Background(), Request{TokenOutAmount: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestEnsoQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/shortcuts/route", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "1000", r.URL.Query().Get("amountIn"))
		_, _ = w.Write([]byte(`{
			"amountOut":"3100",
			"gas":"210000",
			"route":[{"action":"swap","protocol":"uniswap-v3","primary":"0x00000000000000000000000000000000000000bb",
				"tokenIn":["` + weth.Hex() + `"],"tokenOut":["` + usdc.Hex() + `"]}],
			"tx":{"to":"0x00000000000000000000000000000000000000cc","data":"0xabcd","value":"0"}
		}`))
	}))
	defer srv.Close()

	src := NewEnsoSource(SourceConfig{BaseURL: srv.URL, APIKey: "k"})
	q, err := src.Quote(context.Background(), exactIn(IncludeRoutes))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3100).String(), q.AmountOut.String())
	assert.Equal(t, uint64(210000), q.GasEstimate)
	require.Len(t, q.Path, 1)
	assert.Equal(t, "uniswap-v3", q.Path[0].Protocol)
	assert.Equal(t, weth, q.Path[0].TokenIn)
	require.NotNil(t, q.Tx)
}

func TestHTTPSourceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewEnsoSource(SourceConfig{BaseURL: srv.URL}).Quote(context.Background(), exactIn(IncludeEstimates))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
}
