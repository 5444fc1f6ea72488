// Package vesting computes how much of a linear payout stream has vested.
//
// All amounts are integer satoshis and all times are Unix seconds. The
// functions here are pure: they never read the clock and never fail.
package vesting

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC int64 = 100_000_000

// Schedule is the immutable vesting shape of a stream plus its committed total.
type Schedule struct {
	StartUnix       int64 `json:"start_unix"`
	CliffUnix       int64 `json:"cliff_unix"`
	RateSatsPerSec  int64 `json:"rate_sats_per_sec"`
	TotalAmountSats int64 `json:"total_amount_sats"`
	CommitmentSats  int64 `json:"streamed_commitment_sats"`
}

// VestedAmount returns the amount vested at time at.
//
// Nothing vests until strictly after the cliff. Past the cliff vesting is
// retroactive to start and capped at total. The multiplication never
// overflows: products that would exceed total saturate to total.
func VestedAmount(start, cliff, rate, total, at int64) int64 {
	if at <= cliff || rate <= 0 || total <= 0 {
		return 0
	}
	elapsed := at - start
	if elapsed <= 0 {
		return 0
	}
	if elapsed > total/rate {
		return total
	}
	return min(rate*elapsed, total)
}

// Vested is VestedAmount over a Schedule.
func (s Schedule) Vested(at int64) int64 {
	return VestedAmount(s.StartUnix, s.CliffUnix, s.RateSatsPerSec, s.TotalAmountSats, at)
}

// Claimable returns vested minus already committed, floored at zero.
func Claimable(s Schedule, at int64) int64 {
	return max(s.Vested(at)-s.CommitmentSats, 0)
}

// Accept returns the amount of a request that can be settled at time at.
// The result is min(requested, claimable) and may be zero or negative when
// nothing is available.
func Accept(s Schedule, requested, at int64) int64 {
	return min(requested, Claimable(s, at))
}

// Validate checks the creation-time invariants of a schedule.
func (s Schedule) Validate() error {
	switch {
	case s.TotalAmountSats <= 0:
		return errors.New("vesting: total amount must be positive")
	case s.RateSatsPerSec <= 0:
		return errors.New("vesting: rate must be positive")
	case s.CliffUnix < s.StartUnix:
		return fmt.Errorf("vesting: cliff %d precedes start %d", s.CliffUnix, s.StartUnix)
	case s.CommitmentSats < 0 || s.CommitmentSats > s.TotalAmountSats:
		return fmt.Errorf("vesting: commitment %d outside [0, %d]", s.CommitmentSats, s.TotalAmountSats)
	}
	return nil
}

// SatsFromBTC converts a decimal BTC amount to satoshis, rounding half away
// from zero at the eighth decimal.
func SatsFromBTC(btc string) (int64, error) {
	d, err := decimal.NewFromString(btc)
	if err != nil {
		return 0, fmt.Errorf("vesting: invalid btc amount %q: %w", btc, err)
	}
	sats := d.Mul(decimal.NewFromInt(SatsPerBTC)).Round(0)
	if !sats.IsPositive() {
		return 0, fmt.Errorf("vesting: btc amount %q must be positive", btc)
	}
	if sats.GreaterThan(decimal.NewFromInt(21_000_000 * SatsPerBTC)) {
		return 0, fmt.Errorf("vesting: btc amount %q exceeds supply", btc)
	}
	return sats.IntPart(), nil
}

// BTCFromSats renders satoshis as a fixed eight-decimal BTC string.
func BTCFromSats(sats int64) string {
	return decimal.New(sats, -8).StringFixed(8)
}
