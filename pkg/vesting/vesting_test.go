package vesting

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVestedAmount(t *testing.T) {
	tests := []struct {
		name                          string
		start, cliff, rate, total, at int64
		want                          int64
	}{
		{"before cliff", 1000, 1100, 100, 100000, 1050, 0},
		{"at cliff", 1000, 1100, 100, 100000, 1100, 0},
		{"after cliff is retroactive to start", 1000, 1100, 100, 100000, 1200, 20000},
		{"capped at total", 1000, 1100, 100, 100000, 5000, 100000},
		{"zero rate", 1000, 1000, 0, 100000, 9000, 0},
		{"no cliff", 1000, 1000, 7, 100, 1001, 7},
		{"huge duration saturates", 0, 0, math.MaxInt64 / 2, math.MaxInt64, math.MaxInt64, math.MaxInt64},
		{"at before start with cliff before start", 1000, 900, 10, 100, 950, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VestedAmount(tt.start, tt.cliff, tt.rate, tt.total, tt.at))
		})
	}
}

func TestClaimable(t *testing.T) {
	s := Schedule{StartUnix: 1000, CliffUnix: 1100, RateSatsPerSec: 100, TotalAmountSats: 100000}

	assert.Equal(t, int64(20000), Claimable(s, 1200))
	assert.Equal(t, int64(20000), Accept(s, 25000, 1200))

	s.CommitmentSats = 20000
	assert.Equal(t, int64(0), Claimable(s, 1200))
	assert.Equal(t, int64(0), Accept(s, 1, 1200))

	s.CommitmentSats = 30000
	assert.Equal(t, int64(0), Claimable(s, 1200), "claimable never goes negative")
}

func TestScheduleValidate(t *testing.T) {
	ok := Schedule{StartUnix: 10, CliffUnix: 10, RateSatsPerSec: 1, TotalAmountSats: 1}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.CliffUnix = 5
	assert.Error(t, bad.Validate())

	bad = ok
	bad.RateSatsPerSec = 0
	assert.Error(t, bad.Validate())

	bad = ok
	bad.TotalAmountSats = 0
	assert.Error(t, bad.Validate())

	bad = ok
	bad.CommitmentSats = 2
	assert.Error(t, bad.Validate())
}

func TestSatsFromBTC(t *testing.T) {
	sats, err := SatsFromBTC("0.001")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), sats)

	sats, err = SatsFromBTC("1.000000005")
	require.NoError(t, err)
	assert.Equal(t, int64(100000001), sats)

	_, err = SatsFromBTC("0")
	assert.Error(t, err)
	_, err = SatsFromBTC("abc")
	assert.Error(t, err)
	_, err = SatsFromBTC("21000001")
	assert.Error(t, err)

	assert.Equal(t, "0.00100000", BTCFromSats(100000))
}
