// Package store persists declaration records and their transaction logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
)

var (
	ErrNotFound      = errors.New("declaration not found")
	ErrExists        = errors.New("declaration already exists")
	ErrTerminal      = errors.New("declaration is in a terminal state")
	ErrInvalidFilter = errors.New("invalid filter")
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	SortByCreatedTime = "created_time"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Filter selects declarations for Find. Zero values do not filter.
type Filter struct {
	ChainID        *int64
	Signer         *common.Address
	Source         string
	TokenAddresses []common.Address
	Hash           *common.Hash
	SignatureType  model.SignatureType
	Status         model.DeclarationStatus
	SortBy         string
	SortDirection  SortDirection
	Limit          int
	Offset         int
}

// Normalize applies defaults and rejects out of range values.
func (f *Filter) Normalize() error {
	return normalizeWindow(&f.SortBy, &f.SortDirection, &f.Limit, f.Offset)
}

func normalizeWindow(sortBy *string, dir *SortDirection, limit *int, offset int) error {
	if *sortBy == "" {
		*sortBy = SortByCreatedTime
	}
	if *sortBy != SortByCreatedTime {
		return fmt.Errorf("%w: sortBy must be %s", ErrInvalidFilter, SortByCreatedTime)
	}
	switch *dir {
	case "":
		*dir = SortDesc
	case SortAsc, SortDesc:
	default:
		return fmt.Errorf("%w: sortDirection must be asc or desc", ErrInvalidFilter)
	}
	if *limit == 0 {
		*limit = DefaultLimit
	}
	if *limit < 0 || *limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidFilter, MaxLimit)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidFilter)
	}
	return nil
}

func (f *Filter) matches(rec *model.DeclarationRecord) bool {
	s := &rec.Signed
	if f.ChainID != nil && s.ChainID != *f.ChainID {
		return false
	}
	if f.Signer != nil && s.Signer != *f.Signer {
		return false
	}
	if f.Source != "" && s.Source != f.Source {
		return false
	}
	if f.Hash != nil && rec.Hash != *f.Hash {
		return false
	}
	if f.SignatureType != "" && s.SignatureType != f.SignatureType {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if len(f.TokenAddresses) > 0 {
		tokens := s.Tokens()
		for _, want := range f.TokenAddresses {
			for _, have := range tokens {
				if want == have {
					return true
				}
			}
		}
		return false
	}
	return true
}

// Page is one window of Find results. Count is the number of matches
// across all pages.
type Page struct {
	Count        int                        `json:"count"`
	Declarations []*model.DeclarationRecord `json:"declarations"`
}

// DueIntent identifies an intent whose requeue time has passed.
type DueIntent struct {
	Hash        common.Hash
	IntentIndex int
}

// IntentFilter selects intents for FindIntents. Bounds are exclusive and
// nil bounds do not filter.
type IntentFilter struct {
	ChainID       *int64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	RequeueAfter  *time.Time
	RequeueBefore *time.Time
	SortBy        string
	SortDirection SortDirection
	Limit         int
	Offset        int
}

func (f *IntentFilter) Normalize() error {
	if f.CreatedAfter != nil && f.CreatedBefore != nil && !f.CreatedAfter.Before(*f.CreatedBefore) {
		return fmt.Errorf("%w: creationTimeAfter must precede creationTimeBefore", ErrInvalidFilter)
	}
	if f.RequeueAfter != nil && f.RequeueBefore != nil && !f.RequeueAfter.Before(*f.RequeueBefore) {
		return fmt.Errorf("%w: requeueTimeAfter must precede requeueTimeBefore", ErrInvalidFilter)
	}
	return normalizeWindow(&f.SortBy, &f.SortDirection, &f.Limit, f.Offset)
}

func within(t time.Time, after, before *time.Time) bool {
	return (after == nil || t.After(*after)) && (before == nil || t.Before(*before))
}

// IntentRef is one intent of a stored declaration.
type IntentRef struct {
	Record *model.DeclarationRecord
	Index  int
}

// IntentPage is one window of FindIntents results, ordered by declaration
// creation time and then intent index.
type IntentPage struct {
	Count   int
	Intents []IntentRef
}

// Store is the persistence boundary of the gateway. Transactions are only
// ever appended.
type Store interface {
	Create(ctx context.Context, rec *model.DeclarationRecord) error
	Get(ctx context.Context, hash common.Hash) (*model.DeclarationRecord, error)
	// Update writes status, intent progress and UpdatedAt. Records that are
	// already terminal are not modified and return ErrTerminal.
	Update(ctx context.Context, rec *model.DeclarationRecord) error
	AppendTransaction(ctx context.Context, hash common.Hash, tx model.Transaction) error
	// UpdateWithTransaction appends tx and applies Update atomically. Nothing
	// is written when the update fails.
	UpdateWithTransaction(ctx context.Context, rec *model.DeclarationRecord, tx model.Transaction) error
	Find(ctx context.Context, f Filter) (*Page, error)
	FindIntents(ctx context.Context, f IntentFilter) (*IntentPage, error)
	Due(ctx context.Context, now time.Time, limit int) ([]DueIntent, error)
	// Open lists open declarations oldest first. A limit of zero or less
	// returns all of them.
	Open(ctx context.Context, limit int) ([]*model.DeclarationRecord, error)
	ByNonce(ctx context.Context, chainID int64, n model.Nonce) ([]*model.DeclarationRecord, error)
}

// dueIntents lists the runnable intents of rec whose requeue time has passed.
func dueIntents(rec *model.DeclarationRecord, now time.Time) []DueIntent {
	if rec.Status != model.StatusOpen {
		return nil
	}
	var out []DueIntent
	for i, in := range rec.Intents {
		if in.Runnable() && !in.RequeueTime.After(now) {
			out = append(out, DueIntent{Hash: rec.Hash, IntentIndex: i})
		}
	}
	return out
}

// nextRequeue is the earliest requeue time among runnable intents.
func nextRequeue(rec *model.DeclarationRecord) *time.Time {
	var next *time.Time
	for _, in := range rec.Intents {
		if !in.Runnable() {
			continue
		}
		t := in.RequeueTime
		if next == nil || t.Before(*next) {
			next = &t
		}
	}
	return next
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// nonceKey is the indexed form of a nonce.
func nonceKey(n model.Nonce) string {
	return fmt.Sprintf("%s:%d:%d", addressKey(n.Signer), n.BitmapIndex, n.Bit)
}
