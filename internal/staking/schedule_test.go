package staking

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		want    Schedule
		wantErr bool
	}{
		{in: "25", want: Flat(25)},
		{in: "flat:25", want: Flat(25)},
		{in: " flat:0 ", want: Flat(0)},
		{in: "steps:100=10,0=25", want: Steps{{Start: 0, Rate: 25}, {Start: 100, Rate: 10}}},
		{in: "halving:25/1000", want: Halving{Initial: 25, Period: 1000}},
		{in: "flat:-1", wantErr: true},
		{in: "steps:0=25,0=10", wantErr: true},
		{in: "steps:0:25", wantErr: true},
		{in: "halving:25", wantErr: true},
		{in: "halving:25/0", wantErr: true},
		{in: "linear:1", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchedule_StringRoundTrips(t *testing.T) {
	for _, in := range []string{"flat:25", "steps:0=25,100=10", "halving:25/1000"} {
		s, err := ParseSchedule(in)
		require.NoError(t, err)
		assert.Equal(t, in, s.String())
	}
	assert.Equal(t, "func", ScheduleFunc(func(uint64) uint64 { return 1 }).String())
}

func TestNewHalving_RejectsZeroPeriod(t *testing.T) {
	_, err := NewHalving(25, 0)
	assert.Error(t, err)

	h, err := NewHalving(25, 1000)
	require.NoError(t, err)
	assert.Equal(t, Halving{Initial: 25, Period: 1000}, h)
}

func TestHalving_ZeroPeriodNeverHalves(t *testing.T) {
	h := Halving{Initial: 40}

	assert.NotPanics(t, func() { h.RateAt(5) })
	assert.Equal(t, uint64(40), h.RateAt(0))
	assert.Equal(t, uint64(40), h.RateAt(1_000_000))
	_, ok := h.NextChange(7)
	assert.False(t, ok)
}

func TestSteps_RateAtAndNextChange(t *testing.T) {
	s := Steps{{Start: 10, Rate: 25}, {Start: 20, Rate: 5}}

	assert.Equal(t, uint64(0), s.RateAt(0), "before first tier")
	assert.Equal(t, uint64(25), s.RateAt(10))
	assert.Equal(t, uint64(25), s.RateAt(19))
	assert.Equal(t, uint64(5), s.RateAt(20))
	assert.Equal(t, uint64(5), s.RateAt(1_000_000))

	next, ok := s.NextChange(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), next)

	next, ok = s.NextChange(10)
	assert.True(t, ok)
	assert.Equal(t, uint64(20), next)

	_, ok = s.NextChange(20)
	assert.False(t, ok)
}

func TestHalving(t *testing.T) {
	h := Halving{Initial: 100, Period: 10}

	assert.Equal(t, uint64(100), h.RateAt(9))
	assert.Equal(t, uint64(50), h.RateAt(10))
	assert.Equal(t, uint64(25), h.RateAt(25))
	assert.Equal(t, uint64(0), h.RateAt(10*64))

	next, ok := h.NextChange(15)
	assert.True(t, ok)
	assert.Equal(t, uint64(20), next)

	// Once the rate reaches zero it stays there.
	_, ok = h.NextChange(10 * 7)
	assert.False(t, ok)
}

func TestPerEpochReward_Floors(t *testing.T) {
	r, err := PerEpochReward(uint256.NewInt(10_000_000), 25)
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000), r.Uint64())

	r, err = PerEpochReward(uint256.NewInt(399), 25)
	require.NoError(t, err)
	assert.True(t, r.IsZero(), "399 * 25 / 10000 floors to zero")
}

func TestAccruedReward_SegmentsMatchEpochByEpoch(t *testing.T) {
	principal := uint256.NewInt(12_345_678)
	schedules := map[string]Schedule{
		"flat":    Flat(25),
		"steps":   Steps{{Start: 0, Rate: 25}, {Start: 7, Rate: 40}, {Start: 30, Rate: 3}},
		"halving": Halving{Initial: 80, Period: 9},
	}

	for name, s := range schedules {
		t.Run(name, func(t *testing.T) {
			perEpoch := ScheduleFunc(s.RateAt)
			for _, r := range [][2]uint64{{0, 0}, {0, 1}, {3, 50}, {6, 8}, {29, 31}, {0, 200}} {
				got, err := AccruedReward(principal, r[0], r[1], s)
				require.NoError(t, err)
				want, err := AccruedReward(principal, r[0], r[1], perEpoch)
				require.NoError(t, err)
				assert.Equal(t, want, got, "epochs [%d, %d)", r[0], r[1])
			}
		})
	}
}

func TestAccruedReward_SplitGapEqualsWholeGap(t *testing.T) {
	principal := uint256.NewInt(9_999_999)
	s := Steps{{Start: 0, Rate: 25}, {Start: 10, Rate: 10}}

	whole, err := AccruedReward(principal, 0, 15, s)
	require.NoError(t, err)

	sum := new(uint256.Int)
	for e := uint64(0); e < 15; e++ {
		one, err := AccruedReward(principal, e, e+1, s)
		require.NoError(t, err)
		sum.Add(sum, one)
	}
	assert.Equal(t, sum, whole)
}

func TestAccruedReward_Overflow(t *testing.T) {
	ceiling := new(uint256.Int).SetAllOne()

	_, err := AccruedReward(ceiling, 0, 1, Flat(2))
	assert.ErrorIs(t, err, ErrOverflow)

	// Per-epoch fits but the gap does not.
	half := new(uint256.Int).Rsh(ceiling, 1)
	_, err = AccruedReward(half, 0, 1_000_000, Flat(1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAccruedReward_EmptyRange(t *testing.T) {
	r, err := AccruedReward(uint256.NewInt(100), 5, 5, Flat(25))
	require.NoError(t, err)
	assert.True(t, r.IsZero())

	r, err = AccruedReward(new(uint256.Int), 0, 100, Flat(25))
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}
