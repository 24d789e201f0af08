package routing

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinktrade/brink-api/internal/model"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type mockSource struct {
	name      SourceName
	QuoteFunc func(ctx context.Context, req Request) (*Quote, error)
}

func (m *mockSource) Name() SourceName { return m.name }

func (m *mockSource) Quote(ctx context.Context, req Request) (*Quote, error) {
	return m.QuoteFunc(ctx, req)
}

func fixed(name SourceName, in, out int64) *mockSource {
	return &mockSource{name: name, QuoteFunc: func(context.Context, Request) (*Quote, error) {
		return &Quote{
			AmountIn:  big.NewInt(in),
			AmountOut: big.NewInt(out),
			Path:      []Hop{{Protocol: string(name), TokenIn: weth, TokenOut: usdc}},
		}, nil
	}}
}

func failing(name SourceName) *mockSource {
	return &mockSource{name: name, QuoteFunc: func(context.Context, Request) (*Quote, error) {
		return nil, errors.New("unavailable")
	}}
}

type memCache struct {
	entries map[string]*Estimate
	hits    int
}

func (c *memCache) Get(_ context.Context, key string) (*Estimate, bool) {
	e, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return e, ok
}

func (c *memCache) Set(_ context.Context, key string, est *Estimate) {
	c.entries[key] = est
}

func exactIn(include Include, sources ...SourceName) Request {
	return Request{
		ChainID:       1,
		Sources:       sources,
		Include:       include,
		TokenIn:       weth,
		TokenOut:      usdc,
		TokenInAmount: big.NewInt(1000),
	}
}

func TestRouteEstimates(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1000, 500), fixed(Enso, 1000, 700), failing("zerox"))

	res, err := s.Route(context.Background(), exactIn(IncludeEstimates))
	require.NoError(t, err)
	require.NotNil(t, res.Estimates)
	assert.Nil(t, res.Routes)
	assert.Equal(t, Enso, res.Estimates.Source)
	assert.Equal(t, "700", res.Estimates.AmountOut.String())
}

func TestRouteDefaultsToEstimates(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1000, 500))
	res, err := s.Route(context.Background(), exactIn(""))
	require.NoError(t, err)
	assert.NotNil(t, res.Estimates)
}

func TestRouteAllowList(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1000, 500), fixed(Enso, 1000, 700))

	res, err := s.Route(context.Background(), exactIn(IncludeEstimates, Odos))
	require.NoError(t, err)
	assert.Equal(t, Odos, res.Estimates.Source)

	_, err = s.Route(context.Background(), exactIn(IncludeEstimates, "uniswapx"))
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestRouteAllSourcesFail(t *testing.T) {
	s := NewSelector(nil, time.Second, failing(Odos), failing(Enso), failing("zerox"))

	res, err := s.Route(context.Background(), exactIn(IncludeEstimates))
	assert.Nil(t, res)
	var pe *model.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeRoutingFailed, pe.Code)
	assert.Contains(t, pe.Message, "zerox")
}

func TestRouteRoutesSingleBest(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1000, 900), fixed(Enso, 1000, 700))

	res, err := s.Route(context.Background(), exactIn(IncludeRoutes))
	require.NoError(t, err)
	assert.Nil(t, res.Estimates)
	require.Len(t, res.Routes, 1)
	assert.Equal(t, Odos, res.Routes[0].Source)
	assert.Equal(t, "odos", res.Routes[0].Path[0].Protocol)
}

func TestRouteExactOutputPicksLowestInput(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1200, 500), fixed(Enso, 1100, 500))
	req := Request{ChainID: 1, TokenIn: weth, TokenOut: usdc, TokenOutAmount: big.NewInt(500)}

	res, err := s.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Enso, res.Estimates.Source)
}

func TestRouteTiesKeepSourceOrder(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1000, 700), fixed(Enso, 1000, 700))
	res, err := s.Route(context.Background(), exactIn(IncludeEstimates))
	require.NoError(t, err)
	assert.Equal(t, Odos, res.Estimates.Source)
}

func TestRouteRejectsInvalidRequest(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1000, 700))

	req := exactIn(IncludeEstimates)
	req.TokenOutAmount = big.NewInt(1)
	_, err := s.Route(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = exactIn("both")
	_, err = s.Route(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRouteTimeoutExcludesSlowSource(t *testing.T) {
	slow := &mockSource{name: Enso, QuoteFunc: func(ctx context.Context, _ Request) (*Quote, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := NewSelector(nil, 50*time.Millisecond, fixed(Odos, 1000, 1), slow)

	res, err := s.Route(context.Background(), exactIn(IncludeEstimates))
	require.NoError(t, err)
	assert.Equal(t, Odos, res.Estimates.Source)
}

func TestRouteUsesCache(t *testing.T) {
	var calls atomic.Int32
	src := &mockSource{name: Odos, QuoteFunc: func(context.Context, Request) (*Quote, error) {
		calls.Add(1)
		return &Quote{AmountIn: big.NewInt(1000), AmountOut: big.NewInt(42)}, nil
	}}
	cache := &memCache{entries: map[string]*Estimate{}}
	s := NewSelector(cache, time.Second, src)

	for i := 0; i < 3; i++ {
		res, err := s.Route(context.Background(), exactIn(IncludeEstimates))
		require.NoError(t, err)
		assert.Equal(t, "42", res.Estimates.AmountOut.String())
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, cache.hits)
}

func TestParseSources(t *testing.T) {
	s := NewSelector(nil, time.Second, fixed(Odos, 1, 1), fixed(Enso, 1, 1))

	got, err := s.ParseSources("odos, enso")
	require.NoError(t, err)
	assert.Equal(t, []SourceName{Odos, Enso}, got)

	got, err = s.ParseSources("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.ParseSources("odos,nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
}
