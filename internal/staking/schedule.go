package staking

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Schedule gives the reward rate in force during each epoch, in parts per
// RateDenominator. String gives the RATE_SCHEDULE form where one exists.
type Schedule interface {
	fmt.Stringer
	RateAt(epoch uint64) uint64
	// NextChange returns the first epoch after epoch whose rate may differ,
	// or false when the rate never changes again.
	NextChange(epoch uint64) (uint64, bool)
}

// Flat pays the same rate every epoch.
type Flat uint64

func (f Flat) RateAt(uint64) uint64 { return uint64(f) }
func (f Flat) NextChange(uint64) (uint64, bool) { return 0, false }
func (f Flat) String() string { return fmt.Sprintf("flat:%d", uint64(f)) }

// Step is one tier of a Steps schedule.
type Step struct {
	Start uint64
	Rate  uint64
}

// Steps switches rate at fixed epochs. Epochs before the first tier earn
// nothing.
type Steps []Step

// NewSteps sorts the tiers and rejects duplicate starts.
func NewSteps(tiers ...Step) (Steps, error) {
	out := make(Steps, len(tiers))
	copy(out, tiers)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 1; i < len(out); i++ {
		if out[i].Start == out[i-1].Start {
			return nil, fmt.Errorf("duplicate tier start %d", out[i].Start)
		}
	}
	return out, nil
}

func (s Steps) RateAt(epoch uint64) uint64 {
	i := sort.Search(len(s), func(i int) bool { return s[i].Start > epoch })
	if i == 0 {
		return 0
	}
	return s[i-1].Rate
}

func (s Steps) NextChange(epoch uint64) (uint64, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Start > epoch })
	if i == len(s) {
		return 0, false
	}
	return s[i].Start, true
}

func (s Steps) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = fmt.Sprintf("%d=%d", t.Start, t.Rate)
	}
	return "steps:" + strings.Join(parts, ",")
}

// Halving starts at Initial and halves every Period epochs. A zero Period
// never halves; use NewHalving to reject it.
type Halving struct {
	Initial uint64
	Period  uint64
}

// NewHalving returns a Halving schedule, rejecting a zero period.
func NewHalving(initial, period uint64) (Halving, error) {
	if period == 0 {
		return Halving{}, errors.New("halving period must be positive")
	}
	return Halving{Initial: initial, Period: period}, nil
}

func (h Halving) RateAt(epoch uint64) uint64 {
	if h.Period == 0 {
		return h.Initial
	}
	n := epoch / h.Period
	if n >= 64 {
		return 0
	}
	return h.Initial >> n
}

func (h Halving) NextChange(epoch uint64) (uint64, bool) {
	if h.Period == 0 || h.RateAt(epoch) == 0 {
		return 0, false
	}
	n := epoch/h.Period + 1
	if n > math.MaxUint64/h.Period {
		return 0, false
	}
	return n * h.Period, true
}

func (h Halving) String() string { return fmt.Sprintf("halving:%d/%d", h.Initial, h.Period) }

// ScheduleFunc adapts an arbitrary per-epoch rate function. Every epoch is
// treated as a potential change, so accrual calls f once per elapsed epoch:
// settling a k-epoch gap costs O(k). Prefer Flat, Steps or Halving for long
// gaps.
type ScheduleFunc func(epoch uint64) uint64

func (f ScheduleFunc) RateAt(epoch uint64) uint64 { return f(epoch) }

func (f ScheduleFunc) String() string { return "func" }

func (f ScheduleFunc) NextChange(epoch uint64) (uint64, bool) {
	if epoch == math.MaxUint64 {
		return 0, false
	}
	return epoch + 1, true
}

// ParseSchedule parses the RATE_SCHEDULE forms:
//
//	flat:25
//	steps:0=25,100=10
//	halving:25/1000
//
// A bare number is shorthand for flat.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	kind, body, found := strings.Cut(s, ":")
	if !found {
		kind, body = "flat", s
	}

	switch kind {
	case "flat":
		rate, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid flat rate %q: %w", body, err)
		}
		return Flat(rate), nil

	case "steps":
		var tiers []Step
		for _, part := range strings.Split(body, ",") {
			startStr, rateStr, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				return nil, fmt.Errorf("invalid tier %q (want start=rate)", part)
			}
			start, err := strconv.ParseUint(startStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid tier start %q: %w", startStr, err)
			}
			rate, err := strconv.ParseUint(rateStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid tier rate %q: %w", rateStr, err)
			}
			tiers = append(tiers, Step{Start: start, Rate: rate})
		}
		return NewSteps(tiers...)

	case "halving":
		initStr, periodStr, ok := strings.Cut(body, "/")
		if !ok {
			return nil, fmt.Errorf("invalid halving schedule %q (want rate/period)", body)
		}
		initial, err := strconv.ParseUint(initStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid halving rate %q: %w", initStr, err)
		}
		period, err := strconv.ParseUint(periodStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid halving period %q: %w", periodStr, err)
		}
		h, err := NewHalving(initial, period)
		if err != nil {
			return nil, err
		}
		return h, nil

	default:
		return nil, fmt.Errorf("unknown rate schedule %q", kind)
	}
}
