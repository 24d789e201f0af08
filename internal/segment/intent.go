package segment

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
)

// IntentOutcome is the contiguous run [From, To) of ready segments starting
// at the intent cursor. Blocking holds the outcome of segment To when the
// run stopped before the end of the intent.
type IntentOutcome struct {
	From     int
	To       int
	Blocking *Outcome
	Statuses []string
}

// Runnable reports whether at least one segment is ready.
func (o IntentOutcome) Runnable() bool {
	return o.To > o.From
}

// Complete reports whether every remaining segment is ready.
func (o IntentOutcome) Complete() bool {
	return o.Blocking == nil
}

// EvaluateIntent walks the segments from the cursor in declared order and
// stops at the first segment that is not ready. Segments are never reordered.
func (e *Evaluator) EvaluateIntent(ctx context.Context, signer common.Address, intent model.Intent, from int, state ChainState) IntentOutcome {
	out := IntentOutcome{From: from, To: from}
	for i := from; i < len(intent.Segments); i++ {
		o := e.Evaluate(ctx, signer, intent.Segments[i], state)
		out.Statuses = append(out.Statuses, o.String())
		if o.Status != Ready {
			out.Blocking = &o
			return out
		}
		out.To = i + 1
	}
	return out
}
