package segment

import (
	"math/big"

	"github.com/brinktrade/brink-api/internal/model"
)

// IntervalState is the computed position of a block-interval segment.
type IntervalState struct {
	Started            bool     `json:"started"`
	Counter            *big.Int `json:"counter"`
	IntervalReadyBlock *big.Int `json:"intervalReadyBlock"`
	IntervalReady      bool     `json:"intervalReady"`
	MaxIntervalsHit    bool     `json:"maxIntervalsReached"`
}

// BlockIntervalState computes counter = (current-initialStart)/intervalMinSize
// and the block at which the current interval opens. Before initialStart the
// counter is zero and the ready block is initialStart.
func BlockIntervalState(p *model.BlockIntervalParams, current uint64) IntervalState {
	start := p.InitialStart.Big()
	size := p.IntervalMinSize.Big()
	cur := new(big.Int).SetUint64(current)

	st := IntervalState{Counter: new(big.Int), IntervalReadyBlock: new(big.Int).Set(start)}
	if cur.Cmp(start) < 0 || size.Sign() == 0 {
		return st
	}
	st.Started = true
	st.Counter.Quo(new(big.Int).Sub(cur, start), size)
	st.IntervalReadyBlock.Add(start, new(big.Int).Mul(st.Counter, size))
	st.IntervalReady = cur.Cmp(st.IntervalReadyBlock) >= 0

	if limit := p.MaxIntervals.Big(); limit.Sign() > 0 && st.Counter.Cmp(limit) >= 0 {
		st.MaxIntervalsHit = true
		st.IntervalReady = false
	}
	return st
}

var e6 = big.NewInt(1_000_000)

// AuctionPercentE6 is the dutch auction percentage at block. It equals
// StartPercentE6 up to the window start (firstAuctionStartBlock +
// auctionDelayBlocks), EndPercentE6 from the window end (start +
// auctionDurationBlocks), and moves linearly between them.
func AuctionPercentE6(block uint64, d *model.DutchAuctionAmount) *big.Int {
	startPct := d.StartPercentE6.Big()
	endPct := d.EndPercentE6.Big()
	start := new(big.Int).Add(d.FirstAuctionStartBlock.Big(), d.AuctionDelayBlocks.Big())
	duration := d.AuctionDurationBlocks.Big()
	end := new(big.Int).Add(start, duration)
	b := new(big.Int).SetUint64(block)

	if b.Cmp(start) <= 0 {
		return startPct
	}
	if b.Cmp(end) >= 0 {
		return endPct
	}
	elapsed := new(big.Int).Sub(b, start)
	delta := new(big.Int).Sub(endPct, startPct)
	delta.Mul(delta, elapsed).Quo(delta, duration)
	return startPct.Add(startPct, delta)
}

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// AuctionAmount applies the auction percentage to the opposite token amount.
// priceX96 converts the opposite amount into this token when non-nil.
func AuctionAmount(block uint64, d *model.DutchAuctionAmount, priceX96 *big.Int) *big.Int {
	amount := d.OppositeTokenAmount.Big()
	if priceX96 != nil {
		amount.Mul(amount, priceX96).Quo(amount, q96)
	}
	amount.Mul(amount, AuctionPercentE6(block, d))
	return amount.Quo(amount, e6)
}
