// Package gateway ties admission, evaluation, dispatch and lifecycle tracking
// of signed declarations together. It is the single entry point used by the
// HTTP handlers and the background workers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/brinktrade/brink-api/internal/lifecycle"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/nonce"
	"github.com/brinktrade/brink-api/internal/relayer"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/segment"
	"github.com/brinktrade/brink-api/internal/store"
	"github.com/brinktrade/brink-api/internal/validator"
)

var (
	// ErrFatal stops processing of one declaration. Other declarations are
	// unaffected.
	ErrFatal            = errors.New("fatal declaration error")
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// MaxNonceCount bounds NextNonces.
const MaxNonceCount = 256

// Dispatcher sends execution transactions.
type Dispatcher interface {
	Dispatch(ctx context.Context, exec relayer.Execution) (common.Hash, error)
}

// ChainReader reads chain progress and receipts.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number *big.Int) (time.Time, error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// AllowanceReader reads ERC20 allowances.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

type Config struct {
	ChainID             int64
	BlockTime           time.Duration
	VerifyingContract   common.Address
	CancelVerifier      common.Address
	TWAPOracle          common.Address
	DeclarationContract common.Address
	// Lease is how long a claimed intent is hidden from other workers.
	Lease time.Duration
	// RetryAfter delays intents whose evaluation could not complete.
	RetryAfter time.Duration
	// PendingTimeout fails a dispatch that has no receipt after this long.
	PendingTimeout time.Duration
	// ChainTimeout bounds each chain read made while processing an intent.
	ChainTimeout time.Duration
	// DispatchTimeout bounds sending one transaction. Keep it below Lease.
	DispatchTimeout time.Duration
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Store      store.Store
	Nonces     *nonce.Registry
	Validator  *validator.Validator
	Evaluator  *segment.Evaluator
	Router     segment.Router
	Tracker    *lifecycle.Tracker
	Chain      ChainReader
	Allowances AllowanceReader
	Oracle     segment.Oracle
	Dispatcher Dispatcher
	Now        func() time.Time
}

type Gateway struct {
	cfg Config
	Deps
	log *slog.Logger
}

func New(cfg Config, deps Deps) *Gateway {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 15 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 10 * time.Minute
	}
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = 10 * time.Second
	}
	if cfg.DispatchTimeout <= 0 || cfg.DispatchTimeout >= cfg.Lease {
		cfg.DispatchTimeout = cfg.Lease / 2
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Gateway{
		cfg:  cfg,
		Deps: deps,
		log:  slog.Default().With("component", "gateway"),
	}
}

func (g *Gateway) ChainID() int64 {
	return g.cfg.ChainID
}

func (g *Gateway) checkChain(chainID int64) error {
	if chainID != g.cfg.ChainID {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return nil
}

// Submit admits a signed declaration. A rejection is returned as the second
// value; the error is reserved for infrastructure failures.
func (g *Gateway) Submit(ctx context.Context, signed *model.SignedDeclaration) (common.Hash, *validator.Rejection, error) {
	if err := g.checkChain(signed.ChainID); err != nil {
		return common.Hash{}, nil, err
	}
	now := g.Now()
	res, err := g.Validator.Validate(ctx, signed, now)
	if err != nil {
		return common.Hash{}, nil, err
	}
	if !res.Accepted() {
		return res.Hash, res.Rejection, nil
	}

	rec := model.NewDeclarationRecord(res.Hash, *signed, now.UTC())
	if err := g.Store.Create(ctx, rec); err != nil {
		for _, n := range signed.Nonces() {
			if relErr := g.Nonces.Release(n); relErr != nil {
				g.log.Error("nonce release failed", "nonce", n, "error", relErr)
			}
		}
		return common.Hash{}, nil, fmt.Errorf("store declaration: %w", err)
	}
	return res.Hash, nil, nil
}

// Includes selects the optional members of Get.
type Includes struct {
	RequiredTransactions bool
	Cancel               bool
}

// Declaration is a stored declaration with its derived and optional
// computed members.
type Declaration struct {
	*model.DeclarationRecord
	Tokens               []DeclarationToken                  `json:"tokens"`
	Nonces               []DeclarationNonce                  `json:"nonces"`
	EIP712Data           *model.Field[apitypes.TypedData]    `json:"eip712Data,omitempty"`
	RequiredTransactions *model.Field[[]RequiredTransaction] `json:"requiredTransactions,omitempty"`
	Cancel               *model.Field[TransactionRequest]    `json:"cancel,omitempty"`
}

// Get returns a declaration. Each requested include is computed on its own;
// a failure in one becomes that member's error and does not fail the call.
func (g *Gateway) Get(ctx context.Context, hash common.Hash, inc Includes) (*Declaration, error) {
	rec, err := g.Store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return g.Describe(ctx, rec, inc), nil
}

func (g *Gateway) Find(ctx context.Context, f store.Filter) (*store.Page, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	return g.Store.Find(ctx, f)
}

// Intent is one intent of a declaration with its progress.
type Intent struct {
	DeclarationHash  common.Hash  `json:"declarationHash"`
	DeclarationIndex int          `json:"declarationIndex"`
	ChainID          int64        `json:"chainId"`
	CreatedTime      time.Time    `json:"createdTime"`
	RequeueTime      time.Time    `json:"requeueTime"`
	Nonce            model.Nonce  `json:"nonce"`
	Intent           model.Intent `json:"intent"`
	SegmentIndex     int          `json:"segmentIndex"`
	Done             bool         `json:"done"`
	Failed           bool         `json:"failed"`
	State            IntentStatus `json:"state"`
}

type IntentStatus struct {
	Statuses []string `json:"statuses"`
}

func (g *Gateway) GetIntent(ctx context.Context, hash common.Hash, index int) (*Intent, error) {
	rec, err := g.Store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return intentView(rec, index)
}

func intentView(rec *model.DeclarationRecord, index int) (*Intent, error) {
	in, st, err := rec.Intent(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	statuses := st.Statuses
	if statuses == nil {
		statuses = []string{}
	}
	return &Intent{
		DeclarationHash:  rec.Hash,
		DeclarationIndex: index,
		ChainID:          rec.Signed.ChainID,
		CreatedTime:      rec.CreatedAt,
		RequeueTime:      st.RequeueTime,
		Nonce:            model.Nonce{Signer: rec.Signed.Signer, NonceBit: in.Nonce},
		Intent:           in,
		SegmentIndex:     st.SegmentIndex,
		Done:             st.Done,
		Failed:           st.Failed,
		State:            IntentStatus{Statuses: statuses},
	}, nil
}

// IntentPage is one window of FindIntents.
type IntentPage struct {
	Count   int       `json:"count"`
	Intents []*Intent `json:"intents"`
}

// FindIntents lists intents across declarations by creation and requeue time.
func (g *Gateway) FindIntents(ctx context.Context, f store.IntentFilter) (*IntentPage, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	page, err := g.Store.FindIntents(ctx, f)
	if err != nil {
		return nil, err
	}
	out := &IntentPage{Count: page.Count, Intents: make([]*Intent, 0, len(page.Intents))}
	for _, ref := range page.Intents {
		in, err := intentView(ref.Record, ref.Index)
		if err != nil {
			return nil, fmt.Errorf("%w: declaration %s: %v", ErrFatal, ref.Record.Hash, err)
		}
		out.Intents = append(out.Intents, in)
	}
	return out, nil
}

// Cancel cancels a declaration off chain.
func (g *Gateway) Cancel(ctx context.Context, hash common.Hash) (*model.DeclarationRecord, error) {
	return g.Tracker.Cancel(ctx, hash)
}

// NextNonces returns count nonces of signer that no accepted declaration
// uses and no other caller was offered.
func (g *Gateway) NextNonces(signer common.Address, chainID int64, count int) ([]*model.Uint256, error) {
	if err := g.checkChain(chainID); err != nil {
		return nil, err
	}
	if count < 1 || count > MaxNonceCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidArgument, MaxNonceCount)
	}
	nonces := g.Nonces.NextAvailable(signer, count)
	out := make([]*model.Uint256, len(nonces))
	for i, n := range nonces {
		out[i] = model.NewUint256(n.Value())
	}
	return out, nil
}

// NonceTransaction is a logged transaction that touched a nonce.
type NonceTransaction struct {
	ChainID         int64                   `json:"chainId"`
	DeclarationHash common.Hash             `json:"declarationHash"`
	Hash            common.Hash             `json:"hash"`
	IntentIndex     *int                    `json:"intentIndex,omitempty"`
	Status          model.TransactionStatus `json:"status"`
	Type            model.TransactionType   `json:"type"`
}

// NonceUsage reports who uses a nonce.
type NonceUsage struct {
	UsedByIntents []common.Hash      `json:"usedByIntents"`
	UsedOnChain   bool               `json:"usedOnChain"`
	Transactions  []NonceTransaction `json:"transactions"`
}

// GetNonce reports the declarations using a flat nonce value of signer and
// the transactions logged against it.
func (g *Gateway) GetNonce(ctx context.Context, signer common.Address, chainID int64, value *big.Int) (*NonceUsage, error) {
	bit, err := model.NonceBitFromValue(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	n := model.Nonce{Signer: signer, NonceBit: bit}
	recs, err := g.Store.ByNonce(ctx, chainID, n)
	if err != nil {
		return nil, err
	}

	out := &NonceUsage{
		UsedByIntents: []common.Hash{},
		UsedOnChain:   g.Nonces.IsConsumed(n),
		Transactions:  []NonceTransaction{},
	}
	for _, rec := range recs {
		out.UsedByIntents = append(out.UsedByIntents, rec.Hash)
		for _, tx := range rec.Transactions {
			nt := NonceTransaction{
				ChainID:         tx.ChainID,
				DeclarationHash: rec.Hash,
				Hash:            tx.Hash,
				Status:          tx.Status,
				Type:            tx.Type,
			}
			if tx.Type == model.TransactionExecute {
				if tx.IntentIndex < 0 || tx.IntentIndex >= len(rec.Signed.Declaration.Intents) ||
					rec.Signed.Declaration.Intents[tx.IntentIndex].Nonce != bit {
					continue
				}
				idx := tx.IntentIndex
				nt.IntentIndex = &idx
			}
			out.Transactions = append(out.Transactions, nt)
		}
	}
	return out, nil
}

// Route quotes a swap.
func (g *Gateway) Route(ctx context.Context, req routing.Request) (*routing.Result, error) {
	if err := g.checkChain(req.ChainID); err != nil {
		return nil, err
	}
	return g.Router.Route(ctx, req)
}

// Restore rebuilds the nonce registry from stored declarations. It runs
// once at startup, before the HTTP surface and the workers start.
func (g *Gateway) Restore(ctx context.Context) error {
	f := store.Filter{ChainID: &g.cfg.ChainID, SortDirection: store.SortAsc, Limit: store.MaxLimit}
	restored := 0
	for {
		page, err := g.Find(ctx, f)
		if err != nil {
			return fmt.Errorf("restore nonces: %w", err)
		}
		for _, rec := range page.Declarations {
			g.restoreRecord(rec)
			restored++
		}
		if len(page.Declarations) < f.Limit {
			break
		}
		f.Offset += f.Limit
	}
	g.log.Info("nonce registry restored", "declarations", restored)
	return nil
}

func (g *Gateway) restoreRecord(rec *model.DeclarationRecord) {
	cancelledOnChain := false
	for _, tx := range rec.Transactions {
		if tx.Type == model.TransactionCancel && tx.Status == model.TransactionSucceeded {
			cancelledOnChain = true
		}
	}
	for i, st := range rec.Intents {
		n := model.Nonce{Signer: rec.Signed.Signer, NonceBit: rec.Signed.Declaration.Intents[i].Nonce}
		var err error
		switch {
		case st.Done || cancelledOnChain:
			err = g.Nonces.MarkUsed(n)
		case rec.Status == model.StatusOpen || rec.Status == model.StatusCancelled:
			err = g.Nonces.Reserve(n)
		}
		if err != nil && !errors.Is(err, nonce.ErrAlreadyUsed) {
			g.log.Warn("nonce restore failed", "hash", rec.Hash, "nonce", n, "error", err)
		}
	}
}
