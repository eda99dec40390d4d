// Package sim drives the controller against a modeled printer: a filament
// buffer behaving as a normalized spring between the gear and the extruder,
// read back through an idealized sensor.
package sim

import (
	"math"
	"math/rand"

	"example.com/filament-sync/base/floats"
	"example.com/filament-sync/core/config"
)

// Plant models the buffer spring. The normalized position x relates to the
// physical spring by spring_mm = x * buffer_range_mm / 2, and advances per
// commanded extruder motion as
//
//	x += (2 / buffer_range_mm) * dExt * (trueRD/rdUsed - 1)
//
// so driving the gear faster than the true rotation distance compresses
// the spring. The position saturates at the physical end stops
// (buffer_max_range_mm).
type Plant struct {
	cfg    config.Config
	trueRD float64

	xTrue float64
	xMeas float64

	// Stick-slip style measurement lag, 0 disables.
	chaos float64
	rng   *rand.Rand

	// Switch sensor hysteresis fraction around the extreme threshold.
	hysteresis float64
	lastSwitch int

	clip float64
}

func NewPlant(cfg config.Config, trueRD, initialSpringMM, chaos, hysteresis float64, seed int64) *Plant {
	p := &Plant{
		cfg:        cfg,
		trueRD:     trueRD,
		chaos:      floats.Clamp(chaos, 0.0, 2.0),
		rng:        rand.New(rand.NewSource(seed)),
		hysteresis: floats.Clamp(hysteresis, 0.0, 0.4),
		clip:       math.Max(1e-9, cfg.BufferMaxRangeMM/cfg.BufferRangeMM),
	}
	x0 := 2.0 * initialSpringMM / cfg.BufferRangeMM
	p.xTrue = floats.Clamp(x0, -p.clip, p.clip)
	p.xMeas = p.xTrue
	p.bootstrapSwitch()
	return p
}

// ApplyMotion advances the spring for one commanded extruder motion, using
// the rotation distance actually in effect during it. The relative
// filament-vs-gear travel in mm is returned for diagnostics.
func (p *Plant) ApplyMotion(dExt, rdUsed float64) float64 {
	ratio := p.trueRD / math.Max(1e-9, rdUsed)
	deltaRel := dExt * (ratio - 1.0)
	p.xTrue += (2.0 / p.cfg.BufferRangeMM) * deltaRel
	p.xTrue = floats.Clamp(p.xTrue, -p.clip, p.clip)
	return deltaRel
}

// SetTrueRD changes the hardware rotation distance mid-run, emulating a
// spool or gear change.
func (p *Plant) SetTrueRD(rd float64) {
	p.trueRD = rd
}

// XTrue returns the current normalized spring position.
func (p *Plant) XTrue() float64 {
	return p.xTrue
}

// SpringMM returns the physical spring displacement.
func (p *Plant) SpringMM() float64 {
	return p.xTrue * p.cfg.BufferRangeMM / 2.0
}

// Measure returns a sensor reading for the configured sensor type:
// a clamped float for proportional sensors, a switch state in {-1, 0, +1}
// otherwise, with on/off hysteresis around the extreme threshold.
func (p *Plant) Measure() float64 {
	if p.chaos <= 1e-12 {
		p.xMeas = p.xTrue
	} else {
		// The measured position lags the true one and catches up in
		// random jerks.
		jerkMM := p.rng.Float64() * p.chaos * p.cfg.BufferMaxRangeMM
		if jerkMM >= p.cfg.BufferMaxRangeMM-1e-12 {
			p.xMeas = p.xTrue
		} else {
			gap := p.xTrue - p.xMeas
			gapMM := math.Abs(gap) * p.cfg.BufferRangeMM / 2.0
			if gapMM > 1e-12 {
				moveMM := math.Min(jerkMM, gapMM)
				p.xMeas += math.Copysign(2.0/p.cfg.BufferRangeMM*moveMM, gap)
				p.xMeas = floats.Clamp(p.xMeas, -p.clip, p.clip)
			}
		}
	}

	if p.cfg.Sensor == config.Proportional {
		return floats.Clamp(p.xMeas, -1.0, 1.0)
	}

	on, off := p.switchThresholds()
	x := p.xMeas
	s := p.lastSwitch

	switch p.cfg.Sensor {
	case config.DualSwitch:
		switch s {
		case 0:
			if x >= on {
				s = 1
			} else if x <= -on {
				s = -1
			}
		case 1:
			if x <= off {
				s = 0
			}
		case -1:
			if x >= -off {
				s = 0
			}
		}
	case config.CompressionOnly:
		if s == 0 {
			if x >= on {
				s = 1
			}
		} else if x <= off {
			s = 0
		}
	case config.TensionOnly:
		if s == 0 {
			if x <= -on {
				s = -1
			}
		} else if x >= -off {
			s = 0
		}
	}

	p.lastSwitch = s
	return float64(s)
}

// switchThresholds returns the (trigger, release) magnitudes in normalized
// units.
func (p *Plant) switchThresholds() (on, off float64) {
	mid := p.cfg.FlowguardExtremeThreshold
	on = math.Min(p.clip, mid*(1.0+p.hysteresis))
	off = math.Max(0.0, math.Min(on, mid*(1.0-p.hysteresis)))
	return on, off
}

func (p *Plant) bootstrapSwitch() {
	thr := p.cfg.FlowguardExtremeThreshold
	switch p.cfg.Sensor {
	case config.DualSwitch:
		switch {
		case p.xMeas >= thr:
			p.lastSwitch = 1
		case p.xMeas <= -thr:
			p.lastSwitch = -1
		}
	case config.CompressionOnly:
		if p.xMeas >= thr {
			p.lastSwitch = 1
		}
	case config.TensionOnly:
		if p.xMeas <= -thr {
			p.lastSwitch = -1
		}
	}
}
