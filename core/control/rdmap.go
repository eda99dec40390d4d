package control

import (
	"math"

	"example.com/filament-sync/base/floats"
)

// The rotation distance mapping is asymmetric around the reference:
//
//	forward (dExt > 0): u = dExt * (rdRef / rd)
//	retract (dExt < 0): u = dExt * (rd / rdRef)
//
// so a smaller rd always means more gear motion per extruder mm in the
// direction of travel.

// gearMMFromRD maps a rotation distance to the effective gear motion for
// this update.
func (c *Controller) gearMMFromRD(dExt, rd float64) float64 {
	if math.Abs(dExt) < 1e-12 {
		return 0.0
	}
	if dExt > 0 {
		return dExt * (c.rdRef / math.Max(1e-9, rd))
	}
	return dExt * (math.Max(1e-9, rd) / c.rdRef)
}

// rdFromDesiredGearMM inverts the mapping. There is no rd without extruder
// motion, and a demand that would reverse the gear within one update is
// replaced by the slowest rd in the direction of travel.
func (c *Controller) rdFromDesiredGearMM(dExt, uDes float64) (float64, bool) {
	if math.Abs(dExt) < 1e-12 {
		return 0, false
	}

	if uDes*dExt <= 0 {
		if dExt > 0 {
			return c.rdHigh, true
		}
		return c.rdLow, true
	}

	if dExt > 0 {
		denom := uDes
		if math.Abs(denom) <= 1e-12 {
			denom = 1e-12
		}
		return c.rdRef * dExt / denom, true
	}
	return uDes * c.rdRef / dExt, true
}

// setMinMaxRD fixes the absolute envelope around rd and re-derives the
// low/high levels.
func (c *Controller) setMinMaxRD(rd float64) {
	f := floats.Clamp(c.cfg.RDMinMaxSpeedMultiplier, 0.0, 0.99)
	c.rdMin = rd / (1.0 + f)
	c.rdMax = rd / (1.0 - f)
	c.setLowHighRD(rd)
}

// setLowHighRD recenters the two switching levels around rd. In two-level
// mode the spread is the (possibly boosted) two-level multiplier, capped
// by the envelope multiplier; otherwise the levels coincide with the
// envelope.
func (c *Controller) setLowHighRD(rd float64) {
	fMinMax := floats.Clamp(c.cfg.RDMinMaxSpeedMultiplier, 0.0, 0.99)
	f := fMinMax
	if c.twoLevel {
		f = c.cfg.RDTwoLevelSpeedMultiplier
		if c.boostActive {
			f += c.cfg.RDTwoLevelBoostMultiplier
		}
		f = floats.Clamp(f, 0.0, fMinMax)
	}
	c.rdLow = rd / (1.0 + f)
	c.rdHigh = rd / (1.0 - f)
}

// clampEnvelope keeps rd within the absolute limits.
func (c *Controller) clampEnvelope(rd float64) float64 {
	return floats.Clamp(rd, c.rdMin, c.rdMax)
}
