package model

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DeclarationStatus is the lifecycle state of a declaration.
type DeclarationStatus string

const (
	StatusOpen      DeclarationStatus = "open"
	StatusFilled    DeclarationStatus = "filled"
	StatusCancelled DeclarationStatus = "cancelled"
	StatusExpired   DeclarationStatus = "expired"
)

// Terminal reports whether no transition may leave s.
func (s DeclarationStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

func ParseDeclarationStatus(s string) (DeclarationStatus, error) {
	switch st := DeclarationStatus(s); st {
	case StatusOpen, StatusFilled, StatusCancelled, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown declaration status %q", s)
}

type TransactionType string

const (
	TransactionExecute TransactionType = "execute"
	TransactionCancel  TransactionType = "cancel"
)

type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
)

// ParseTransactionStatus accepts only the canonical spellings.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(s); st {
	case TransactionSucceeded, TransactionFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// CancelIntentIndex marks transactions that are not tied to one intent.
const CancelIntentIndex = -1

// Transaction is one observed on-chain interaction. Never modified once logged.
type Transaction struct {
	Hash          common.Hash       `json:"hash"`
	ChainID       int64             `json:"chainId"`
	IntentIndex   int               `json:"intentIndex"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	TxTime        time.Time         `json:"txTime"`
	USDValue      string            `json:"usdValueAtot,omitempty"`
	PointsClaimed string            `json:"pointsClaimed,omitempty"`
}

// PendingDispatch is an execution transaction sent but not yet observed.
type PendingDispatch struct {
	TxHash       common.Hash `json:"txHash"`
	FromSegment  int         `json:"fromSegment"`
	ToSegment    int         `json:"toSegment"`
	DispatchedAt time.Time   `json:"dispatchedAt"`
}

// IntentState is the mutable progress of one intent.
type IntentState struct {
	DeclarationIndex int              `json:"declarationIndex"`
	SegmentIndex     int              `json:"segmentIndex"`
	RequeueTime      time.Time        `json:"requeueTime"`
	Attempts         int              `json:"attempts"`
	Pending          *PendingDispatch `json:"pending,omitempty"`
	// DispatchingUntil is set while a transaction is being sent. It lapses
	// with the worker lease if the sender never reports back.
	DispatchingUntil *time.Time `json:"dispatchingUntil,omitempty"`
	Done             bool       `json:"done"`
	// Failed is set when a segment can never become ready.
	Failed   bool     `json:"failed"`
	Statuses []string `json:"statuses"`
}

// Runnable reports whether the intent waits for evaluation.
func (s IntentState) Runnable() bool {
	return !s.Done && !s.Failed && s.Pending == nil
}

// InFlight reports whether a dispatch is being sent or awaits its receipt.
func (s IntentState) InFlight(now time.Time) bool {
	return s.Pending != nil || (s.DispatchingUntil != nil && now.Before(*s.DispatchingUntil))
}

// Finished reports whether the intent will never be evaluated again.
func (s IntentState) Finished() bool {
	return s.Done || s.Failed
}

// DeclarationRecord is the stored form of a submitted declaration.
type DeclarationRecord struct {
	Hash         common.Hash       `json:"hash"`
	Signed       SignedDeclaration `json:"signed"`
	Status       DeclarationStatus `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Intents      []IntentState     `json:"intents"`
	Transactions []Transaction     `json:"transactions"`
}

// NewDeclarationRecord builds the open record for an accepted submission.
func NewDeclarationRecord(hash common.Hash, signed SignedDeclaration, now time.Time) *DeclarationRecord {
	rec := &DeclarationRecord{
		Hash:      hash,
		Signed:    signed,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
		Intents:   make([]IntentState, len(signed.Declaration.Intents)),
	}
	for i := range rec.Intents {
		rec.Intents[i] = IntentState{DeclarationIndex: i, RequeueTime: now}
	}
	return rec
}

// Clone copies the mutable parts of the record. The signed declaration is
// immutable after submission and is shared.
func (r *DeclarationRecord) Clone() *DeclarationRecord {
	c := *r
	c.Intents = make([]IntentState, len(r.Intents))
	for i, in := range r.Intents {
		if in.Pending != nil {
			p := *in.Pending
			in.Pending = &p
		}
		in.Statuses = append([]string(nil), in.Statuses...)
		c.Intents[i] = in
	}
	c.Transactions = append([]Transaction(nil), r.Transactions...)
	return &c
}

// Executed reports whether any execution transaction succeeded.
func (r *DeclarationRecord) Executed() bool {
	for _, tx := range r.Transactions {
		if tx.Type == TransactionExecute && tx.Status == TransactionSucceeded {
			return true
		}
	}
	return false
}

// ExpiryTime returns the signed expiry, if any.
func (r *DeclarationRecord) ExpiryTime() *time.Time {
	return r.Signed.Declaration.ExpiryTime
}

// Intent returns the signed intent at index i.
func (r *DeclarationRecord) Intent(i int) (Intent, IntentState, error) {
	if i < 0 || i >= len(r.Intents) || i >= len(r.Signed.Declaration.Intents) {
		return Intent{}, IntentState{}, fmt.Errorf("intent index %d out of range", i)
	}
	return r.Signed.Declaration.Intents[i], r.Intents[i], nil
}

// HasTransaction reports whether hash is already in the log.
func (r *DeclarationRecord) HasTransaction(hash common.Hash) bool {
	for _, tx := range r.Transactions {
		if tx.Hash == hash {
			return true
		}
	}
	return false
}
