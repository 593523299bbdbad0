package indicator

import (
	"math"
	"time"

	"indicore/internal/logger"
	"indicore/internal/market"
)

// Default lookback multipliers. 5x the nominal period keeps single-stage
// recursions within 1e-4 relative error of full-history values; double-stage
// recursions compound error across stages and need roughly double that on
// their 2N warmup.
const (
	DefaultSingleStageMultiplier = 5
	DefaultDoubleStageMultiplier = 4
)

// Lookback converts a kernel's bar requirement into a duration of extra base
// history to fetch ahead of a batch. Non-positive multipliers fall back to
// the defaults.
func Lookback(k Kernel, tf market.Timeframe, singleMult, doubleMult int) time.Duration {
	if singleMult <= 0 {
		singleMult = DefaultSingleStageMultiplier
	}
	if doubleMult <= 0 {
		doubleMult = DefaultDoubleStageMultiplier
	}
	bars := k.LookbackBars(singleMult, doubleMult)
	if bars < 0 {
		bars = 0
	}
	return time.Duration(bars) * tf.Duration
}

// MinConvergenceSteps is N* = ceil(ln(eps)/ln(1-alpha)): the number of steps
// after which an input's contribution to a decay-(1-alpha) recursion falls
// below eps.
func MinConvergenceSteps(alpha, eps float64) int {
	if alpha <= 0 || alpha >= 1 || eps <= 0 || eps >= 1 {
		return 0
	}
	return int(math.Ceil(math.Log(eps) / math.Log(1-alpha)))
}

// CheckConvergenceRisk warns when a configured multiplier sits below the
// recommended default for the kernel's family. The run proceeds; accuracy of
// the first post-lookback outputs is at risk, nothing else.
func CheckConvergenceRisk(k Kernel, singleMult, doubleMult int) bool {
	recommended := k.LookbackBars(DefaultSingleStageMultiplier, DefaultDoubleStageMultiplier)
	configured := k.LookbackBars(singleMult, doubleMult)
	if singleMult <= 0 && doubleMult <= 0 {
		return false
	}
	if configured >= recommended {
		return false
	}
	logger.Warnf("convergence risk: %s lookback %d bars below recommended %d", k.Name(), configured, recommended)
	return true
}
