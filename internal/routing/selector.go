package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brinktrade/brink-api/internal/model"
)

// ErrCodeRoutingFailed is the ProcessError code returned when no source answered.
const ErrCodeRoutingFailed = "ROUTING_FAILED"

// Selector fans a request out to the allowed sources and picks the best quote.
type Selector struct {
	sources map[SourceName]Source
	order   []SourceName
	cache   Cache
	timeout time.Duration
	log     *slog.Logger
}

// NewSelector registers sources in preference order. Ties between equal
// quotes go to the earlier source.
func NewSelector(cache Cache, timeout time.Duration, sources ...Source) *Selector {
	if cache == nil {
		cache = NoopCache{}
	}
	s := &Selector{
		sources: make(map[SourceName]Source, len(sources)),
		cache:   cache,
		timeout: timeout,
		log:     slog.Default().With("component", "routing"),
	}
	for _, src := range sources {
		s.sources[src.Name()] = src
		s.order = append(s.order, src.Name())
	}
	return s
}

// Sources returns the registered source names.
func (s *Selector) Sources() []SourceName {
	return append([]SourceName(nil), s.order...)
}

// ParseSources resolves a comma separated allow-list.
func (s *Selector) ParseSources(raw string) ([]SourceName, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []SourceName
	for _, part := range strings.Split(raw, ",") {
		name := SourceName(strings.TrimSpace(part))
		if _, ok := s.sources[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
		out = append(out, name)
	}
	return out, nil
}

// Route returns the best estimate or the best source's route. When every
// allowed source fails the error is a *model.ProcessError.
func (s *Selector) Route(ctx context.Context, req Request) (*Result, error) {
	if req.Include == "" {
		req.Include = IncludeEstimates
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	allowed, err := s.allowed(req.Sources)
	if err != nil {
		return nil, err
	}
	req.Sources = allowed

	key := cacheKey(req)
	if req.Include == IncludeEstimates {
		if est, ok := s.cache.Get(ctx, key); ok {
			return &Result{Estimates: est}, nil
		}
	}

	quotes, errs := s.query(ctx, req)
	best := pick(quotes, req.ExactOutput())
	if best == nil {
		return nil, model.NewProcessError(ErrCodeRoutingFailed, errors.Join(errs...))
	}

	if req.Include == IncludeRoutes {
		return &Result{Routes: []Route{routeOf(best)}}, nil
	}
	est := estimateOf(best)
	s.cache.Set(ctx, key, est)
	return &Result{Estimates: est}, nil
}

func (s *Selector) allowed(names []SourceName) ([]SourceName, error) {
	if len(names) == 0 {
		return s.Sources(), nil
	}
	seen := make(map[SourceName]bool, len(names))
	var out []SourceName
	for _, name := range names {
		if _, ok := s.sources[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// query asks every allowed source concurrently. Results keep source order.
func (s *Selector) query(ctx context.Context, req Request) ([]*Quote, []error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	quotes := make([]*Quote, len(req.Sources))
	errs := make([]error, len(req.Sources))
	var wg sync.WaitGroup
	for i, name := range req.Sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			q, err := src.Quote(ctx, req)
			if err == nil && (q == nil || q.AmountIn == nil || q.AmountOut == nil) {
				err = errors.New("incomplete quote")
			}
			if err != nil {
				s.log.Warn("routing source failed", "source", src.Name(), "error", err)
				errs[i] = fmt.Errorf("%s: %w", src.Name(), err)
				return
			}
			q.Source = src.Name()
			quotes[i] = q
		}(i, s.sources[name])
	}
	wg.Wait()
	return quotes, errs
}

func pick(quotes []*Quote, exactOutput bool) *Quote {
	var best *Quote
	for _, q := range quotes {
		if q == nil {
			continue
		}
		switch {
		case best == nil:
			best = q
		case exactOutput && q.AmountIn.Cmp(best.AmountIn) < 0:
			best = q
		case !exactOutput && q.AmountOut.Cmp(best.AmountOut) > 0:
			best = q
		}
	}
	return best
}

func cacheKey(req Request) string {
	names := make([]string, len(req.Sources))
	for i, n := range req.Sources {
		names[i] = string(n)
	}
	sort.Strings(names)
	amount, side := req.TokenInAmount, "in"
	if req.ExactOutput() {
		amount, side = req.TokenOutAmount, "out"
	}
	return fmt.Sprintf("route:%d:%s:%s:%s:%s:%s:%s",
		req.ChainID, strings.Join(names, ","), req.TokenIn.Hex(), req.TokenOut.Hex(), side, amount, req.Buyer.Hex())
}
