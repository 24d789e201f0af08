package segment

import (
	"fmt"
	"math/big"
	"time"
)

// Status is the result class of a segment evaluation.
type Status int

const (
	Ready Status = iota
	NotReady
	Failed
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case NotReady:
		return "notReady"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Reason explains a NotReady or Failed outcome.
type Reason string

const (
	// Failed reasons are permanent.
	MaxIntervalsExceeded Reason = "MaxIntervalsExceeded"
	BlockMined           Reason = "BlockMined"
	BitUsed              Reason = "BitUsed"
	UnknownSegment       Reason = "UnknownSegment"

	// NotReady reasons are transient.
	BeforeStart        Reason = "BeforeStart"
	IntervalNotReady   Reason = "IntervalNotReady"
	BoundNotMet        Reason = "BoundNotMet"
	InsufficientOutput Reason = "InsufficientOutput"
	NoRoute            Reason = "NoRoute"
	Timeout            Reason = "Timeout"
	Unavailable        Reason = "Unavailable"
)

// Outcome is the evaluation result of one segment.
type Outcome struct {
	Status     Status
	RetryAfter time.Duration
	Reason     Reason
	Detail     string
	// Value is the oracle reading of a bound segment.
	Value *big.Int
}

func ready() Outcome {
	return Outcome{Status: Ready}
}

func notReady(after time.Duration, reason Reason, format string, args ...any) Outcome {
	return Outcome{Status: NotReady, RetryAfter: after, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func failed(reason Reason, format string, args ...any) Outcome {
	return Outcome{Status: Failed, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// String renders the outcome for intent status logs.
func (o Outcome) String() string {
	if o.Status == Ready {
		return o.Status.String()
	}
	if o.Detail == "" {
		return fmt.Sprintf("%s(%s)", o.Status, o.Reason)
	}
	return fmt.Sprintf("%s(%s): %s", o.Status, o.Reason, o.Detail)
}
