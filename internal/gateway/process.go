package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brinktrade/brink-api/internal/lifecycle"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/relayer"
	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/internal/segment"
	"github.com/brinktrade/brink-api/internal/store"
	"github.com/brinktrade/brink-api/internal/validator"
)

func (g *Gateway) chainState(ctx context.Context) (segment.ChainState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ChainTimeout)
	defer cancel()
	block, err := g.Chain.BlockNumber(ctx)
	if err != nil {
		return segment.ChainState{}, fmt.Errorf("block number: %w", err)
	}
	return segment.ChainState{ChainID: g.cfg.ChainID, BlockNumber: block, BlockTime: g.cfg.BlockTime}, nil
}

// Process evaluates one due intent and either dispatches its ready segments,
// requeues it, or fails it. An intent that is not due, or that another
// worker holds, is skipped without error.
func (g *Gateway) Process(ctx context.Context, hash common.Hash, intentIndex int) error {
	rec, err := g.Tracker.Claim(ctx, hash, intentIndex, g.cfg.Lease)
	if errors.Is(err, lifecycle.ErrNotDue) {
		return nil
	}
	if errors.Is(err, lifecycle.ErrIntentIndex) {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if err != nil {
		return err
	}
	intent, st, err := rec.Intent(intentIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if st.SegmentIndex >= len(intent.Segments) {
		return g.fatal(ctx, hash, intentIndex, fmt.Errorf("intent cursor %d is past its %d segments", st.SegmentIndex, len(intent.Segments)))
	}

	state, err := g.chainState(ctx)
	if err != nil {
		g.log.Warn("chain unavailable", "hash", hash, "intent", intentIndex, "error", err)
		return g.Tracker.Requeue(ctx, hash, intentIndex, g.cfg.RetryAfter, []string{"chain unavailable"})
	}

	signer := rec.Signed.Signer
	out := g.Evaluator.EvaluateIntent(ctx, signer, intent, st.SegmentIndex, state)
	if !out.Runnable() {
		blocking := out.Blocking
		if blocking.Status == segment.Failed {
			g.log.Info("intent failed", "hash", hash, "intent", intentIndex, "segment", out.To, "reason", blocking.Reason)
			return g.Tracker.Fail(ctx, hash, intentIndex, out.Statuses)
		}
		return g.Tracker.Requeue(ctx, hash, intentIndex, blocking.RetryAfter, out.Statuses)
	}

	calls, err := g.solverCalls(ctx, signer, intent.Segments[out.From:out.To], state)
	if err != nil {
		g.log.Info("no route for ready swap", "hash", hash, "intent", intentIndex, "error", err)
		return g.Tracker.Requeue(ctx, hash, intentIndex, g.cfg.RetryAfter, append(out.Statuses, "route unavailable"))
	}
	payload, err := validator.SignedPayload(&rec.Signed)
	if err != nil {
		return g.fatal(ctx, hash, intentIndex, err)
	}
	unsigned, err := relayer.UnsignedData(intentIndex, out.From, out.To, calls)
	if err != nil {
		return g.fatal(ctx, hash, intentIndex, err)
	}

	if err := g.Tracker.BeginDispatch(ctx, hash, intentIndex, g.cfg.Lease); err != nil {
		if errors.Is(err, lifecycle.ErrTerminal) || errors.Is(err, lifecycle.ErrNotDue) {
			g.log.Info("declaration closed before dispatch", "hash", hash, "intent", intentIndex)
			return nil
		}
		return err
	}
	txHash, err := g.dispatch(ctx, relayer.Execution{
		Account:      signer,
		To:           rec.Signed.DeclarationContract,
		Data:         payload,
		Signature:    rec.Signed.Signature,
		UnsignedData: unsigned,
	})
	if err != nil {
		g.log.Warn("dispatch failed", "hash", hash, "intent", intentIndex, "error", err)
		return g.Tracker.DispatchFailed(ctx, hash, intentIndex, err)
	}
	return g.Tracker.Dispatched(ctx, hash, intentIndex, out.From, out.To, txHash, out.Statuses)
}

func (g *Gateway) dispatch(ctx context.Context, exec relayer.Execution) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.DispatchTimeout)
	defer cancel()
	return g.Dispatcher.Dispatch(ctx, exec)
}

// fatal fails the intent so the declaration stops being scheduled.
func (g *Gateway) fatal(ctx context.Context, hash common.Hash, intentIndex int, cause error) error {
	g.log.Error("declaration halted", "hash", hash, "intent", intentIndex, "error", cause)
	if err := g.Tracker.Fail(ctx, hash, intentIndex, []string{"fatal: " + cause.Error()}); err != nil {
		return errors.Join(fmt.Errorf("%w: %v", ErrFatal, cause), err)
	}
	return fmt.Errorf("%w: %v", ErrFatal, cause)
}

// solverCalls fetches the concrete routes of the swap segments about to be
// executed.
func (g *Gateway) solverCalls(ctx context.Context, signer common.Address, segs []model.Segment, state segment.ChainState) ([]routing.Tx, error) {
	var calls []routing.Tx
	for _, seg := range segs {
		req := routing.Request{ChainID: g.cfg.ChainID, Buyer: signer, Include: routing.IncludeRoutes}
		switch seg.Type {
		case model.SegmentMarketSwapExactInput:
			p := seg.MarketSwapExactInput
			req.TokenIn, req.TokenOut, req.TokenInAmount = p.TokenIn, p.TokenOut, p.TokenInAmount.Big()
		case model.SegmentLimitSwapExactInput:
			p := seg.LimitSwapExactInput
			req.TokenIn, req.TokenOut, req.TokenInAmount = p.TokenIn, p.TokenOut, p.TokenInAmount.Big()
		case model.SegmentSwap01:
			p := seg.Swap01
			amount, err := g.Evaluator.ResolveAmount(ctx, p.Input, state)
			if err != nil {
				return nil, err
			}
			req.TokenIn, req.TokenOut, req.TokenInAmount = p.TokenIn, p.TokenOut, amount
		default:
			continue
		}
		res, err := g.Router.Route(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(res.Routes) == 0 || res.Routes[0].Tx == nil {
			return nil, fmt.Errorf("route for %s->%s has no transaction", req.TokenIn.Hex(), req.TokenOut.Hex())
		}
		calls = append(calls, *res.Routes[0].Tx)
	}
	return calls, nil
}

// ObserveTransaction records an on-chain transaction against a declaration.
func (g *Gateway) ObserveTransaction(ctx context.Context, hash common.Hash, tx model.Transaction) (*model.DeclarationRecord, error) {
	if tx.ChainID == 0 {
		tx.ChainID = g.cfg.ChainID
	}
	return g.Tracker.Observe(ctx, hash, tx)
}

// PollReceipts checks every in-flight dispatch and feeds mined ones to the
// tracker. A dispatch without a receipt past PendingTimeout counts as failed.
func (g *Gateway) PollReceipts(ctx context.Context) (int, error) {
	recs, err := g.Store.Open(ctx, 0)
	if err != nil {
		return 0, err
	}
	observed := 0
	for _, rec := range recs {
		for i, st := range rec.Intents {
			if st.Pending == nil {
				continue
			}
			tx, err := g.pendingOutcome(ctx, i, st.Pending)
			if err != nil {
				g.log.Warn("receipt poll failed", "hash", rec.Hash, "tx", st.Pending.TxHash, "error", err)
				continue
			}
			if tx == nil {
				continue
			}
			if _, err := g.ObserveTransaction(ctx, rec.Hash, *tx); err != nil {
				g.log.Error("observe transaction failed", "hash", rec.Hash, "tx", tx.Hash, "error", err)
				continue
			}
			observed++
		}
	}
	return observed, nil
}

func (g *Gateway) pendingOutcome(ctx context.Context, intentIndex int, p *model.PendingDispatch) (*model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ChainTimeout)
	defer cancel()
	receipt, err := g.Chain.Receipt(ctx, p.TxHash)
	if err != nil {
		return nil, err
	}
	now := g.Now()
	if receipt == nil {
		if now.Sub(p.DispatchedAt) < g.cfg.PendingTimeout {
			return nil, nil
		}
		return &model.Transaction{
			Hash:        p.TxHash,
			ChainID:     g.cfg.ChainID,
			IntentIndex: intentIndex,
			Type:        model.TransactionExecute,
			Status:      model.TransactionFailed,
			TxTime:      now.UTC(),
		}, nil
	}

	status := model.TransactionFailed
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = model.TransactionSucceeded
	}
	txTime := now.UTC()
	if receipt.BlockNumber != nil {
		if ts, err := g.Chain.BlockTime(ctx, receipt.BlockNumber); err == nil {
			txTime = ts
		}
	}
	return &model.Transaction{
		Hash:        p.TxHash,
		ChainID:     g.cfg.ChainID,
		IntentIndex: intentIndex,
		Type:        model.TransactionExecute,
		Status:      status,
		TxTime:      txTime,
	}, nil
}

// SweepExpired expires open declarations whose expiry time has passed.
func (g *Gateway) SweepExpired(ctx context.Context) (int, error) {
	recs, err := g.Store.Open(ctx, 0)
	if err != nil {
		return 0, err
	}
	now := g.Now()
	expired := 0
	for _, rec := range recs {
		if rec.ExpiryTime() == nil {
			continue
		}
		ok, err := g.Tracker.Expire(ctx, rec.Hash, now)
		if err != nil {
			g.log.Warn("expire failed", "hash", rec.Hash, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// Due lists intents ready for evaluation.
func (g *Gateway) Due(ctx context.Context, limit int) ([]store.DueIntent, error) {
	return g.Store.Due(ctx, g.Now(), limit)
}
