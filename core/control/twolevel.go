package control

import (
	"math"

	"example.com/filament-sync/core/autotune"
	"example.com/filament-sync/core/config"
)

// twolevelRDTarget is the bang-bang rule mapping the coarse sensor state to
// one of the two levels.
//
// One-sided switches run pure two-level control: an open compression-only
// sensor seeks compression (rdLow), contact relieves it (rdHigh); the
// tension-only rule mirrors that. Dual-switch and proportional sensors
// flip only at extremes, the neutral band holds the current level.
//
// A small motion hysteresis (os_min_flip_mm) suppresses chatter.
func (c *Controller) twolevelRDTarget(dExt, reading float64, pol int) float64 {
	cfg := c.cfg
	c.osSinceFlipMM += dExt

	var desired autotune.Level
	if cfg.Sensor.OneSided() {
		contact := c.onesidedContact(reading)
		if (cfg.Sensor == config.CompressionOnly) == contact {
			desired = autotune.LevelHigh
		} else {
			desired = autotune.LevelLow
		}
	} else {
		switch {
		case pol > 0:
			desired = autotune.LevelHigh
		case pol < 0:
			desired = autotune.LevelLow
		default:
			desired = c.osLevel
		}
	}

	if desired != c.osLevel && math.Abs(c.osSinceFlipMM) >= cfg.OSMinFlipMM {
		c.osLevel = desired
		c.osSinceFlipMM = 0.0
	}

	if c.osLevel == autotune.LevelLow {
		return c.rdLow
	}
	return c.rdHigh
}
