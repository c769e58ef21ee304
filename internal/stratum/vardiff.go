package stratum

import (
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/config"
)

// vardiffWindow is the number of share timestamps retained per session
const vardiffWindow = 50

// VardiffState holds the sliding window of accepted-share timestamps that
// drives per-session difficulty retargeting
type VardiffState struct {
	window        []time.Time
	lastRetarget  time.Time
	retargetCount int
}

// NewVardiffState creates the state for a fresh session
func NewVardiffState(now time.Time) *VardiffState {
	return &VardiffState{
		window:       make([]time.Time, 0, vardiffWindow),
		lastRetarget: now,
	}
}

// Observe records an accepted share's arrival time
func (v *VardiffState) Observe(now time.Time) {
	v.window = append(v.window, now)
	if len(v.window) > vardiffWindow {
		v.window = v.window[len(v.window)-vardiffWindow:]
	}
}

// Retarget evaluates the share rate against the port policy. It returns
// the new difficulty and true when an adjustment should be applied at the
// next job mint.
func (v *VardiffState) Retarget(now time.Time, current uint64, port config.PortConfig) (uint64, bool) {
	if len(v.window) < 2 {
		return 0, false
	}

	elapsed := now.Sub(v.window[0]).Seconds()
	if elapsed < port.RetargetTime {
		return 0, false
	}
	if now.Sub(v.lastRetarget).Seconds() < port.RetargetTime {
		return 0, false
	}

	actualRate := float64(len(v.window)) / elapsed
	targetRate := 1.0 / port.TargetTime

	ratio := actualRate / targetRate
	deviation := ratio - 1
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation*100 <= port.VariancePercent {
		v.lastRetarget = now
		return 0, false
	}

	newDiff := uint64(float64(current) * ratio)
	if newDiff < port.MinDiff {
		newDiff = port.MinDiff
	}
	if port.MaxDiff > 0 && newDiff > port.MaxDiff {
		newDiff = port.MaxDiff
	}

	if newDiff == current {
		v.lastRetarget = now
		return 0, false
	}

	v.lastRetarget = now
	v.retargetCount++
	v.window = v.window[:0]
	return newDiff, true
}

// RetargetCount reports how many adjustments have been applied
func (v *VardiffState) RetargetCount() int {
	return v.retargetCount
}
