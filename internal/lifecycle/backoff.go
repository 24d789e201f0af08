package lifecycle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BackoffPolicy spaces out retries of a failed intent.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
	// MaxAttempts is the retry budget per intent. Zero means unlimited.
	MaxAttempts int
}

// Exhausted reports whether attempts used up the retry budget.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Delay returns base*2^attempt capped at Max, plus a jitter derived from the
// intent identity so replays compute the same schedule.
func (p BackoffPolicy) Delay(hash common.Hash, intentIndex, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := time.Duration(int64(p.Base) * factor)
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay + p.jitter(hash, intentIndex, attempt)
}

func (p BackoffPolicy) jitter(hash common.Hash, intentIndex, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d:%d", hash.Hex(), intentIndex, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
