package control

import (
	"math"
)

// smoothRDByDistance glides the applied rotation distance toward the
// target over a fixed motion length, scaled by the lag-aware readiness and
// hard-capped by the per-mm rate limit.
func (c *Controller) smoothRDByDistance(rdPrev, rdTarget, dExt, reading float64, pol int) float64 {
	cfg := c.cfg
	move := math.Abs(dExt)

	l := math.Max(1e-9, cfg.RDFilterLenMM)
	alphaBase := 1.0 - math.Exp(-move/l)
	r := c.readiness(reading, move, pol)
	rdFiltered := rdPrev + r*alphaBase*(rdTarget-rdPrev)

	if cfg.RDRatePerMM > 0 && move > 0 {
		rateMult := 1.0
		if pol != 0 {
			rateMult = cfg.RateExtremeMultiplier
		}
		maxStep := cfg.RDRatePerMM * move * r * rateMult
		delta := rdFiltered - rdPrev
		if delta > maxStep {
			rdFiltered = rdPrev + maxStep
		} else if delta < -maxStep {
			rdFiltered = rdPrev - maxStep
		}
	}

	return rdFiltered
}

// readiness ramps from 0 to 1 over sensor_lag_mm of motion since the last
// informative sensor change, so the controller does not react fully to a
// lagging sensor. A pegged sensor is always at least partially trusted.
func (c *Controller) readiness(reading, moveAbs float64, pol int) float64 {
	cfg := c.cfg
	r := 1.0
	if cfg.SensorLagMM > 0 {
		c.mmSinceInfo += moveAbs
		if math.Abs(reading-c.lastInfoZ) >= cfg.InfoDelta {
			c.lastInfoZ = reading
			c.mmSinceInfo = 0.0
		}
		l := math.Max(1e-6, cfg.SensorLagMM)
		r = math.Min(1.0, math.Max(0.0, c.mmSinceInfo/l))
	}
	if pol != 0 {
		r = math.Max(r, cfg.ReadinessExtremeFloor)
	}
	return r
}
