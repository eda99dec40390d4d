// Movement-triggered filament tension controller.
//
// Each Update propagates the position estimate with the motion and sensor
// evidence, derives a rotation distance target that pulls the buffer back
// toward neutral, smooths it over travelled distance, and runs the
// FlowGuard and autotune engines. In two-level mode the target comes from a
// low/high bang-bang rule instead of the Kalman estimate.
package control

import (
	"math"

	"go.uber.org/zap"

	"example.com/filament-sync/base/floats"
	"example.com/filament-sync/core/autotune"
	"example.com/filament-sync/core/config"
	"example.com/filament-sync/core/ekf"
	"example.com/filament-sync/core/flowguard"
)

// Output is the per-tick controller result. RDCurrent is the rotation
// distance to apply for the motion that follows this tick.
type Output struct {
	Tick      int
	RDPrev    float64
	RDCurrent float64
	RDTuned   float64
	RDTarget  float64
	RDRef     float64
	RDNote    string
	XEstimate float64
	CEstimate float64
	SensorUI  float64
	FlowGuard flowguard.Status
	Autotune  autotune.Status
}

type Controller struct {
	log *zap.Logger
	cfg config.Config

	filter    *ekf.Filter
	flowGuard *flowguard.Engine
	autotune  *autotune.Engine

	twoLevel bool

	tick      int
	lastTimeS float64
	haveTime  bool

	rdCurrent float64
	rdRef     float64

	// Absolute envelope, fixed per reset; low/high are the two levels
	// currently in effect.
	rdMin, rdMax  float64
	rdLow, rdHigh float64

	// Wider low/high spread until the first autotune candidate lands.
	boostActive bool

	// Hysteretic extreme state for proportional sensors in two-level mode.
	hysState int

	// Lag-aware readiness.
	mmSinceInfo float64
	lastInfoZ   float64

	visEst float64

	osLevel       autotune.Level
	osSinceFlipMM float64
}

func New(log *zap.Logger, cfg config.Config) *Controller {
	c := &Controller{
		log:      log,
		cfg:      cfg,
		twoLevel: cfg.TwoLevelActive(),
		filter:   ekf.NewFilter(cfg),
		osLevel:  autotune.LevelLow,
	}
	rdInit := cfg.RDStart
	c.rdCurrent = rdInit
	c.rdRef = rdInit
	c.boostActive = true
	c.setMinMaxRD(rdInit)
	c.flowGuard = flowguard.New(log, cfg.FlowguardReliefMM)
	c.autotune = autotune.New(log, cfg, rdInit)
	return c
}

// Reset rebases the controller for a gear motor swap or a cold start. The
// timestamp seeds internal time; rdInit becomes the new baseline and
// envelope center. The returned Output reflects a zero-motion first tick.
func (c *Controller) Reset(timestamp, rdInit, reading float64) Output {
	cfg := c.cfg

	c.rdCurrent = rdInit
	c.rdRef = rdInit
	c.boostActive = true
	c.setMinMaxRD(rdInit)

	// Seed the position estimate from the sensor.
	var x0 float64
	if cfg.Sensor == config.Proportional {
		x0 = floats.Clamp(reading, -1.0, 1.0)
		c.hysState = 0
		if math.Abs(x0) >= 1e-6 {
			c.hysState = int(math.Copysign(1, x0))
		}
	} else {
		x0 = float64(discretize(reading))
	}
	c.filter.Reset(x0)

	c.mmSinceInfo = 0.0
	c.lastInfoZ = x0

	c.tick = 0
	c.lastTimeS = timestamp
	c.haveTime = true
	c.visEst = reading

	switch {
	case cfg.Sensor.OneSided():
		contact := c.onesidedContact(reading)
		if (cfg.Sensor == config.CompressionOnly) == contact {
			c.osLevel = autotune.LevelHigh
		} else {
			c.osLevel = autotune.LevelLow
		}
	case c.twoLevel:
		// Neutral starts low and flips on the first extreme.
		c.osLevel = autotune.LevelLow
		if c.extremePolarity(reading) > 0 {
			c.osLevel = autotune.LevelHigh
		}
	}
	c.osSinceFlipMM = 0.0

	c.autotune.Restart(rdInit)
	c.flowGuard.Reset()

	return c.Update(timestamp, 0.0, reading)
}

// Update advances the controller by one tick. The timestamp must be
// monotonic non-decreasing; dExt is the extruder travel since the last
// call and reading the current sensor value.
func (c *Controller) Update(timestamp, dExt, reading float64) Output {
	cfg := c.cfg

	if !c.haveTime {
		c.lastTimeS = timestamp
		c.haveTime = true
	}

	// Tuning is only reliable while extruding forward.
	if dExt < 0 {
		c.autotune.Pause()
	} else {
		c.autotune.Resume()
	}

	dt := math.Max(0.0, timestamp-c.lastTimeS)
	c.lastTimeS = timestamp

	rdPrev := c.rdCurrent
	rdNote := ""
	dGear := c.gearMMFromRD(dExt, rdPrev)
	pol := c.extremePolarity(reading)

	var rdTarget float64
	var fgOut flowguard.Status
	if c.twoLevel {
		fgOut = c.flowGuard.Update(flowguard.Input{
			DExt:         dExt,
			Polarity:     c.flowguardPolarity(reading, pol),
			ArmPolarity:  pol,
			ReliefEffort: c.reliefEffort(dExt),
		})

		prevLevel := c.osLevel
		rdTarget = c.twolevelRDTarget(dExt, reading, pol)
		flipped := c.osLevel != prevLevel

		extreme := pol != 0
		if cfg.Sensor.OneSided() {
			extreme = c.onesidedContact(reading)
		}
		c.autotune.NoteTwoLevelTick(c.osLevel, flipped, dExt, extreme)

		// Keep a coarse position estimate alive for reporting.
		c.filter.Predict(dExt, dGear)
		c.filter.UpdateDiscrete(pol)
	} else {
		c.filter.Predict(dExt, dGear)
		c.filter.Update(reading)

		fgOut = c.flowGuard.Update(flowguard.Input{
			DExt:         dExt,
			Polarity:     pol,
			ArmPolarity:  pol,
			ReliefEffort: c.reliefEffort(dExt),
		})

		// Desired effective gear motion that pulls x toward neutral,
		// inverted through the calibration and the rd mapping.
		desiredEff := c.desiredEffectiveGearMM(dExt, dt)
		cHat := floats.Clamp(c.filter.C, cfg.CMin, cfg.CMax)
		rdT, ok := c.rdFromDesiredGearMM(dExt, desiredEff/cHat)
		if !ok {
			rdT = rdPrev // no extruder motion; hold
		}

		// Relief-biased snap guarantees some relief per update while the
		// sensor is pegged.
		if cfg.SnapAtExtremes && dExt != 0.0 && pol != 0 {
			reliefFrac := floats.Clamp(cfg.ExtremeReliefFrac, 0.05, 0.60)
			sgn := 1.0
			if dExt < 0 {
				sgn = -1.0
			}
			denom := math.Max(0.05, 1.0-sgn*float64(pol)*reliefFrac)
			rdT = (cHat * c.rdRef) / denom
			rdNote = "Relief-biased snap at extreme"
		}

		rdTarget = c.smoothRDByDistance(rdPrev, c.clampEnvelope(rdT), dExt, reading, pol)
	}

	c.rdCurrent = c.clampEnvelope(rdTarget)

	sensorUI := c.expectedSensorReading(reading, pol)

	atOut := c.autotune.Update(autotune.Input{
		DExt:          dExt,
		Dt:            dt,
		TwoLevel:      c.twoLevel,
		X:             c.filter.X,
		RDCurrent:     c.rdCurrent,
		RDLow:         c.rdLow,
		RDHigh:        c.rdHigh,
		ReportTrivial: c.boostActive,
	})
	if atOut.Recommended && c.twoLevel {
		// Recenter the switching levels around the new baseline. The
		// boosted spread ends with the first candidate.
		c.rdRef = atOut.RD
		c.boostActive = false
		c.setLowHighRD(atOut.RD)
	}

	if fgOut.Trigger != flowguard.None {
		c.autotune.Restart(c.rdRef)
	}

	out := Output{
		Tick:      c.tick,
		RDPrev:    rdPrev,
		RDCurrent: c.rdCurrent,
		RDTuned:   c.autotune.TunedRD(),
		RDTarget:  rdTarget,
		RDRef:     c.rdRef,
		RDNote:    rdNote,
		XEstimate: c.filter.X,
		CEstimate: c.filter.C,
		SensorUI:  sensorUI,
		FlowGuard: fgOut,
		Autotune:  atOut,
	}

	c.log.Debug("controller tick",
		zap.Int("tick", c.tick),
		zap.Float64("dt_s", dt),
		zap.Float64("d_mm", dExt),
		zap.Float64("sensor", reading),
		zap.Float64("rd_current", c.rdCurrent),
		zap.Float64("rd_target", rdTarget),
		zap.Float64("x_est", c.filter.X),
		zap.Float64("c_est", c.filter.C),
	)

	c.filter.XPrev = c.filter.X
	c.tick++
	return out
}

// RDCurrent returns the rotation distance currently in effect.
func (c *Controller) RDCurrent() float64 {
	return c.rdCurrent
}

// TwoLevelActive reports whether the controller runs the two-level branch.
func (c *Controller) TwoLevelActive() bool {
	return c.twoLevel
}

// desiredEffectiveGearMM is the PD law on the position estimate: the
// extruder demand corrected proportionally outside the deadband, plus a
// derivative term damping fast estimate motion.
func (c *Controller) desiredEffectiveGearMM(dExt, dt float64) float64 {
	cfg := c.cfg
	dead := math.Max(0.0, cfg.CtrlDeadband)
	x := c.filter.X
	xCtrl := 0.0
	if math.Abs(x) >= dead {
		xCtrl = x - math.Copysign(dead, x)
	}

	var dTerm float64
	if cfg.KD != 0 && dt > 0 {
		dTerm = cfg.KD * (c.filter.X - c.filter.XPrev) / math.Max(1e-9, dt)
	}
	return dExt - cfg.KP*xCtrl - dTerm
}

// reliefEffort is the signed corrective effort this tick in mm-equivalent,
// positive toward compression. The baseline is the autotuner's working
// recommendation, which tracks the learned true rotation distance.
func (c *Controller) reliefEffort(dExt float64) float64 {
	rdRef := c.autotune.RecommendedRD()
	if math.Abs(c.rdCurrent) < 1e-9 {
		return 0.0
	}
	return dExt * (rdRef/c.rdCurrent - 1.0)
}

// extremePolarity reduces the sensor reading to a coarse state in
// {-1, 0, +1}. Switch sensors pass through; proportional sensors compare
// against a threshold, with hysteresis in two-level mode.
func (c *Controller) extremePolarity(reading float64) int {
	cfg := c.cfg
	if cfg.Sensor != config.Proportional {
		return discretize(reading)
	}

	if !c.twoLevel {
		thr := cfg.FlowguardExtremeThreshold
		switch {
		case reading >= thr:
			return 1
		case reading <= -thr:
			return -1
		}
		return 0
	}

	hi := math.Abs(cfg.PTwoLevelThreshold)
	lo := math.Max(0.0, hi-cfg.PTwoLevelHysteresis)
	s := c.hysState
	if s != 0 {
		if float64(s)*reading <= lo {
			s = 0
		}
	} else {
		switch {
		case reading >= hi:
			s = 1
		case reading <= -hi:
			s = -1
		}
	}
	c.hysState = s
	return s
}

// flowguardPolarity is the detector's coarse state. One-sided switches
// treat the open state as an extreme on the unseen side so the detector
// tracks immediately.
func (c *Controller) flowguardPolarity(reading float64, pol int) int {
	switch c.cfg.Sensor {
	case config.CompressionOnly:
		if discretize(reading) == 1 {
			return 1
		}
		return -1
	case config.TensionOnly:
		if discretize(reading) == -1 {
			return -1
		}
		return 1
	}
	return pol
}

// onesidedContact reports whether a one-sided switch is triggered.
func (c *Controller) onesidedContact(reading float64) bool {
	switch c.cfg.Sensor {
	case config.CompressionOnly:
		return discretize(reading) == 1
	case config.TensionOnly:
		return discretize(reading) == -1
	}
	return false
}

// expectedSensorReading reconstructs an idealized sensor value in [-1, 1]
// for display. Switch sensors get a triangle wave driven by the two-level
// segment phase; proportional sensors pass through.
func (c *Controller) expectedSensorReading(reading float64, pol int) float64 {
	cfg := c.cfg

	if cfg.Sensor == config.Proportional {
		c.visEst = reading
		return c.visEst
	}

	if pol != 0 {
		c.visEst = float64(pol)
		return c.visEst
	}

	phase, level, extruding, ok := c.autotune.TwoLevelPhase(cfg.Sensor == config.DualSwitch)
	if !ok {
		c.visEst = float64(pol)
		return c.visEst
	}

	if cfg.Sensor.OneSided() {
		// Split the phase to encompass the rebound after contact.
		base := 2.0*phase - 1.0
		if phase <= 0.5 {
			base = 1.0 - 2.0*phase
		}
		v := 0.3 + 0.5*base
		if cfg.Sensor == config.TensionOnly {
			v = -v
		}
		c.visEst = v
		return c.visEst
	}

	// Dual switch: ramp between the unseen extremes.
	t := -0.9 + 1.8*phase
	if (level == autotune.LevelLow) != extruding {
		t = -t
	}
	c.visEst = t
	return c.visEst
}

// discretize maps a switch reading to {-1, 0, +1}.
func discretize(reading float64) int {
	switch {
	case reading > 0:
		return 1
	case reading < 0:
		return -1
	}
	return 0
}
