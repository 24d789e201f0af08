package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
)

// MemoryStore keeps records in process. Reads return copies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[common.Hash]*model.DeclarationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Hash]*model.DeclarationRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec *model.DeclarationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Hash]; ok {
		return ErrExists
	}
	s.records[rec.Hash] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, hash common.Hash) (*model.DeclarationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *model.DeclarationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.Hash]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrTerminal
	}
	next := rec.Clone()
	next.Transactions = cur.Transactions
	s.records[rec.Hash] = next
	return nil
}

func (s *MemoryStore) UpdateWithTransaction(_ context.Context, rec *model.DeclarationRecord, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.Hash]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrTerminal
	}
	next := rec.Clone()
	next.Transactions = cur.Transactions
	if !cur.HasTransaction(tx.Hash) {
		next.Transactions = append(append([]model.Transaction(nil), cur.Transactions...), tx)
	}
	s.records[rec.Hash] = next
	return nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, hash common.Hash, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[hash]
	if !ok {
		return ErrNotFound
	}
	if cur.HasTransaction(tx.Hash) {
		return nil
	}
	cur.Transactions = append(cur.Transactions, tx)
	return nil
}

func (s *MemoryStore) Find(_ context.Context, f Filter) (*Page, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var matched []*model.DeclarationRecord
	for _, rec := range s.records {
		if f.matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(matched, f.SortDirection)
	page := &Page{Count: len(matched), Declarations: []*model.DeclarationRecord{}}
	if f.Offset >= len(matched) {
		return page, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Declarations = matched[f.Offset:end]
	return page, nil
}

func (s *MemoryStore) FindIntents(_ context.Context, f IntentFilter) (*IntentPage, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var recs []*model.DeclarationRecord
	for _, rec := range s.records {
		if f.ChainID != nil && rec.Signed.ChainID != *f.ChainID {
			continue
		}
		if within(rec.CreatedAt, f.CreatedAfter, f.CreatedBefore) {
			recs = append(recs, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(recs, f.SortDirection)
	var matched []IntentRef
	for _, rec := range recs {
		for i, st := range rec.Intents {
			if within(st.RequeueTime, f.RequeueAfter, f.RequeueBefore) {
				matched = append(matched, IntentRef{Record: rec, Index: i})
			}
		}
	}
	page := &IntentPage{Count: len(matched), Intents: []IntentRef{}}
	if f.Offset >= len(matched) {
		return page, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Intents = matched[f.Offset:end]
	return page, nil
}

func sortByCreated(recs []*model.DeclarationRecord, dir SortDirection) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if dir == SortAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Hash.Hex() < b.Hash.Hex()
	})
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]DueIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*model.DeclarationRecord
	for _, rec := range s.records {
		if next := nextRequeue(rec); rec.Status == model.StatusOpen && next != nil && !next.After(now) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return nextRequeue(recs[i]).Before(*nextRequeue(recs[j])) })

	var out []DueIntent
	for _, rec := range recs {
		for _, d := range dueIntents(rec, now) {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) Open(_ context.Context, limit int) ([]*model.DeclarationRecord, error) {
	s.mu.RLock()
	var out []*model.DeclarationRecord
	for _, rec := range s.records {
		if rec.Status == model.StatusOpen {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sortByCreated(out, SortAsc)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ByNonce(_ context.Context, chainID int64, n model.Nonce) ([]*model.DeclarationRecord, error) {
	s.mu.RLock()
	var out []*model.DeclarationRecord
	for _, rec := range s.records {
		if chainID > 0 && rec.Signed.ChainID != chainID {
			continue
		}
		for _, rn := range rec.Signed.Nonces() {
			if rn == n {
				out = append(out, rec.Clone())
				break
			}
		}
	}
	s.mu.RUnlock()
	sortByCreated(out, SortAsc)
	return out, nil
}
