package staking

import (
	"fmt"

	"github.com/holiman/uint256"
)

var rateDenominator = uint256.NewInt(RateDenominator)

// PerEpochReward is floor(principal * rate / RateDenominator).
func PerEpochReward(principal *uint256.Int, rate uint64) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(principal, uint256.NewInt(rate))
	if overflow {
		return nil, fmt.Errorf("%w: principal %s times rate %d", ErrOverflow, principal.Dec(), rate)
	}
	return prod.Div(prod, rateDenominator), nil
}

// AccruedReward sums PerEpochReward over epochs [from, to). Runs of epochs
// at the same rate are multiplied out rather than iterated, so a long gap
// under a flat schedule costs one multiplication.
func AccruedReward(principal *uint256.Int, from, to uint64, schedule Schedule) (*uint256.Int, error) {
	total := new(uint256.Int)
	if to <= from || principal.IsZero() {
		return total, nil
	}

	for e := from; e < to; {
		end := to
		if next, ok := schedule.NextChange(e); ok && next > e && next < to {
			end = next
		}

		perEpoch, err := PerEpochReward(principal, schedule.RateAt(e))
		if err != nil {
			return nil, err
		}
		segment, overflow := new(uint256.Int).MulOverflow(perEpoch, uint256.NewInt(end-e))
		if overflow {
			return nil, fmt.Errorf("%w: %d epochs at %s", ErrOverflow, end-e, perEpoch.Dec())
		}
		if _, overflow := total.AddOverflow(total, segment); overflow {
			return nil, fmt.Errorf("%w: accumulated reward", ErrOverflow)
		}
		e = end
	}
	return total, nil
}
