// Package lifecycle moves declarations through open, filled, cancelled and
// expired as dispatches happen and transactions are observed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/nonce"
	"github.com/brinktrade/brink-api/internal/store"
)

var (
	ErrCancelNotAllowed = errors.New("cancel not allowed after an intent executed")
	ErrTerminal         = errors.New("declaration is in a terminal state")
	ErrNotDue           = errors.New("intent is not due")
	ErrIntentIndex      = errors.New("intent index out of range")
)

// Nonces is the part of the nonce registry the tracker drives.
type Nonces interface {
	Consume(n model.Nonce) error
	MarkUsed(n model.Nonce) error
	Release(n model.Nonce) error
}

// Tracker owns every status transition. Calls for one declaration are
// serialized; different declarations proceed in parallel.
type Tracker struct {
	store  store.Store
	nonces Nonces
	policy BackoffPolicy
	now    func() time.Time
	locks  sync.Map // common.Hash -> *sync.Mutex
	log    *slog.Logger
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(st store.Store, nonces Nonces, policy BackoffPolicy, opts ...Option) *Tracker {
	t := &Tracker{
		store:  st,
		nonces: nonces,
		policy: policy,
		now:    time.Now,
		log:    slog.Default().With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) lock(hash common.Hash) func() {
	m, _ := t.locks.LoadOrStore(hash, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// mutate loads the record under the declaration lock, applies fn and stores
// the result when fn reports a change.
func (t *Tracker) mutate(ctx context.Context, hash common.Hash, fn func(rec *model.DeclarationRecord) (bool, error)) (*model.DeclarationRecord, error) {
	unlock := t.lock(hash)
	defer unlock()

	rec, err := t.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	changed, err := fn(rec)
	if err != nil || !changed {
		return rec, err
	}
	rec.UpdatedAt = t.now()
	if err := t.store.Update(ctx, rec); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return rec, ErrTerminal
		}
		return nil, fmt.Errorf("store declaration %s: %w", hash.Hex(), err)
	}
	return rec, nil
}

// Claim leases a due intent to one worker until now+lease. Another Claim of
// the same intent fails with ErrNotDue until the lease ends.
func (t *Tracker) Claim(ctx context.Context, hash common.Hash, intentIndex int, lease time.Duration) (*model.DeclarationRecord, error) {
	return t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		if rec.Status.Terminal() {
			return false, ErrNotDue
		}
		st, err := intentState(rec, intentIndex)
		if err != nil {
			return false, err
		}
		now := t.now()
		if !st.Runnable() || st.RequeueTime.After(now) {
			return false, ErrNotDue
		}
		st.RequeueTime = now.Add(lease)
		return true, nil
	})
}

// Requeue schedules the next evaluation of an intent.
func (t *Tracker) Requeue(ctx context.Context, hash common.Hash, intentIndex int, after time.Duration, statuses []string) error {
	_, err := t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		st, err := intentState(rec, intentIndex)
		if err != nil || rec.Status.Terminal() {
			return false, err
		}
		st.RequeueTime = t.now().Add(after)
		st.DispatchingUntil = nil
		st.Statuses = statuses
		return true, nil
	})
	return err
}

// Fail marks an intent that can never execute. The declaration expires once
// no intent is left to run and at least one failed.
func (t *Tracker) Fail(ctx context.Context, hash common.Hash, intentIndex int, statuses []string) error {
	_, err := t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		st, err := intentState(rec, intentIndex)
		if err != nil || rec.Status.Terminal() || st.Finished() {
			return false, err
		}
		st.Failed = true
		st.DispatchingUntil = nil
		st.Statuses = statuses
		t.releaseIntent(rec, intentIndex)
		t.settle(rec)
		return true, nil
	})
	return err
}

// BeginDispatch marks a claimed intent as being sent until now+lease. Cancel
// and Expire wait while the mark holds. A declaration that is no longer open
// fails with ErrTerminal and must not be sent.
func (t *Tracker) BeginDispatch(ctx context.Context, hash common.Hash, intentIndex int, lease time.Duration) error {
	_, err := t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		if rec.Status.Terminal() {
			return false, ErrTerminal
		}
		st, err := intentState(rec, intentIndex)
		if err != nil {
			return false, err
		}
		if st.Finished() || st.Pending != nil {
			return false, ErrNotDue
		}
		until := t.now().Add(lease)
		st.DispatchingUntil = &until
		return true, nil
	})
	return err
}

// Dispatched records that segments [from, to) of an intent were sent in txHash.
func (t *Tracker) Dispatched(ctx context.Context, hash common.Hash, intentIndex, from, to int, txHash common.Hash, statuses []string) error {
	_, err := t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		if rec.Status.Terminal() {
			return false, ErrTerminal
		}
		st, err := intentState(rec, intentIndex)
		if err != nil {
			return false, err
		}
		st.Pending = &model.PendingDispatch{TxHash: txHash, FromSegment: from, ToSegment: to, DispatchedAt: t.now()}
		st.DispatchingUntil = nil
		st.Statuses = statuses
		t.log.Info("intent dispatched", "hash", hash, "intent", intentIndex, "segments", fmt.Sprintf("%d-%d", from, to), "tx", txHash)
		return true, nil
	})
	return err
}

// DispatchFailed counts a dispatch that never reached the chain as a failed attempt.
func (t *Tracker) DispatchFailed(ctx context.Context, hash common.Hash, intentIndex int, cause error) error {
	_, err := t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		st, err := intentState(rec, intentIndex)
		if err != nil || rec.Status.Terminal() {
			return false, err
		}
		st.Statuses = []string{"dispatch failed: " + cause.Error()}
		t.failedAttempt(rec, intentIndex)
		return true, nil
	})
	return err
}

// Observe appends tx to the declaration's log and applies its effect. The
// log entry and the state change are stored together. A transaction already
// in the log is ignored.
func (t *Tracker) Observe(ctx context.Context, hash common.Hash, tx model.Transaction) (*model.DeclarationRecord, error) {
	unlock := t.lock(hash)
	defer unlock()

	rec, err := t.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec.HasTransaction(tx.Hash) {
		return rec, nil
	}
	if tx.Type == model.TransactionExecute {
		if _, err := intentState(rec, tx.IntentIndex); err != nil {
			return nil, err
		}
	}
	changed, err := t.apply(rec, tx)
	if err != nil {
		return nil, err
	}
	if changed {
		rec.UpdatedAt = t.now()
		err = t.store.UpdateWithTransaction(ctx, rec, tx)
	} else {
		err = t.store.AppendTransaction(ctx, hash, tx)
	}
	if errors.Is(err, store.ErrTerminal) {
		return nil, ErrTerminal
	}
	if err != nil {
		return nil, fmt.Errorf("record transaction %s: %w", tx.Hash.Hex(), err)
	}
	rec.Transactions = append(rec.Transactions, tx)
	t.log.Info("transaction observed", "hash", hash, "tx", tx.Hash, "type", tx.Type, "status", tx.Status, "intent", tx.IntentIndex)
	return rec, nil
}

// apply changes rec for tx and reports whether anything changed. Terminal
// declarations only log transactions.
func (t *Tracker) apply(rec *model.DeclarationRecord, tx model.Transaction) (bool, error) {
	if rec.Status.Terminal() {
		return false, nil
	}
	switch tx.Type {
	case model.TransactionExecute:
		t.observeExecute(rec, tx)
		return true, nil
	case model.TransactionCancel:
		if tx.Status != model.TransactionSucceeded {
			return false, nil
		}
		for i := range rec.Intents {
			if !rec.Intents[i].Done {
				t.consumeIntent(rec, i)
			}
		}
		t.transition(rec, model.StatusCancelled)
		return true, nil
	default:
		return false, fmt.Errorf("unknown transaction type %q", tx.Type)
	}
}

func (t *Tracker) observeExecute(rec *model.DeclarationRecord, tx model.Transaction) {
	st := &rec.Intents[tx.IntentIndex]
	var pending *model.PendingDispatch
	if st.Pending != nil && st.Pending.TxHash == tx.Hash {
		pending = st.Pending
		st.Pending = nil
	}

	if tx.Status != model.TransactionSucceeded {
		if st.Finished() {
			return
		}
		t.failedAttempt(rec, tx.IntentIndex)
		return
	}

	segments := len(rec.Signed.Declaration.Intents[tx.IntentIndex].Segments)
	if pending != nil {
		st.SegmentIndex = pending.ToSegment
	} else {
		// executed by someone else; intents settle atomically on chain
		st.SegmentIndex = segments
	}
	st.Attempts = 0
	st.RequeueTime = t.now()
	if st.SegmentIndex >= segments && !st.Done {
		st.Done = true
		st.Failed = false
		t.consumeIntent(rec, tx.IntentIndex)
	}
	t.settle(rec)
}

// failedAttempt requeues with backoff, or expires the declaration once the
// retry budget is spent.
func (t *Tracker) failedAttempt(rec *model.DeclarationRecord, i int) {
	st := &rec.Intents[i]
	st.Pending = nil
	st.DispatchingUntil = nil
	st.Attempts++
	if t.policy.Exhausted(st.Attempts) {
		t.log.Warn("intent retry budget exhausted", "hash", rec.Hash, "intent", i, "attempts", st.Attempts)
		t.expire(rec)
		return
	}
	delay := t.policy.Delay(rec.Hash, i, st.Attempts)
	st.RequeueTime = t.now().Add(delay)
	t.log.Info("intent requeued", "hash", rec.Hash, "intent", i, "attempts", st.Attempts, "delay", delay)
}

// settle closes a declaration with no runnable or pending intent left.
func (t *Tracker) settle(rec *model.DeclarationRecord) {
	allDone := true
	for _, st := range rec.Intents {
		if !st.Finished() {
			return
		}
		allDone = allDone && st.Done
	}
	if allDone {
		t.transition(rec, model.StatusFilled)
		return
	}
	t.expire(rec)
}

func (t *Tracker) expire(rec *model.DeclarationRecord) {
	for i := range rec.Intents {
		if !rec.Intents[i].Done {
			t.releaseIntent(rec, i)
		}
	}
	t.transition(rec, model.StatusExpired)
}

func (t *Tracker) transition(rec *model.DeclarationRecord, to model.DeclarationStatus) {
	t.log.Info("declaration status changed", "hash", rec.Hash, "from", rec.Status, "to", to)
	rec.Status = to
}

func (t *Tracker) intentNonce(rec *model.DeclarationRecord, i int) model.Nonce {
	return model.Nonce{Signer: rec.Signed.Signer, NonceBit: rec.Signed.Declaration.Intents[i].Nonce}
}

// consumeIntent marks the intent nonce used, whether or not this process
// holds its reservation.
func (t *Tracker) consumeIntent(rec *model.DeclarationRecord, i int) {
	n := t.intentNonce(rec, i)
	err := t.nonces.Consume(n)
	if errors.Is(err, nonce.ErrNotReserved) {
		err = t.nonces.MarkUsed(n)
	}
	if err != nil && !errors.Is(err, nonce.ErrAlreadyUsed) {
		t.log.Error("nonce consume failed", "hash", rec.Hash, "nonce", n, "error", err)
	}
}

func (t *Tracker) releaseIntent(rec *model.DeclarationRecord, i int) {
	n := t.intentNonce(rec, i)
	if err := t.nonces.Release(n); err != nil && !errors.Is(err, nonce.ErrAlreadyUsed) && !errors.Is(err, nonce.ErrNotReserved) {
		t.log.Error("nonce release failed", "hash", rec.Hash, "nonce", n, "error", err)
	}
}

// Cancel cancels a declaration off chain. It is refused once any intent has
// executed or while a dispatch is being sent or awaits its receipt. The
// intent nonces stay reserved: the signed declaration remains valid on chain
// until its nonces are used.
func (t *Tracker) Cancel(ctx context.Context, hash common.Hash) (*model.DeclarationRecord, error) {
	return t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		if rec.Status.Terminal() {
			return false, ErrTerminal
		}
		if rec.Executed() {
			return false, ErrCancelNotAllowed
		}
		now := t.now()
		for _, st := range rec.Intents {
			if st.InFlight(now) || st.SegmentIndex > 0 {
				return false, ErrCancelNotAllowed
			}
		}
		t.transition(rec, model.StatusCancelled)
		return true, nil
	})
}

// Expire moves an open declaration past its expiry time to expired and
// releases the reservations of its unfinished intents. Declarations with a
// dispatch being sent or in flight wait for its outcome.
func (t *Tracker) Expire(ctx context.Context, hash common.Hash, now time.Time) (bool, error) {
	expired := false
	_, err := t.mutate(ctx, hash, func(rec *model.DeclarationRecord) (bool, error) {
		exp := rec.ExpiryTime()
		if rec.Status.Terminal() || exp == nil || now.Before(*exp) {
			return false, nil
		}
		for _, st := range rec.Intents {
			if st.InFlight(now) {
				return false, nil
			}
		}
		t.expire(rec)
		expired = true
		return true, nil
	})
	return expired, err
}

func intentState(rec *model.DeclarationRecord, i int) (*model.IntentState, error) {
	if i < 0 || i >= len(rec.Intents) || i >= len(rec.Signed.Declaration.Intents) {
		return nil, fmt.Errorf("%w: %d", ErrIntentIndex, i)
	}
	return &rec.Intents[i], nil
}
