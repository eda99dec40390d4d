// FlowGuard decides, from total filament movement and the amount of
// corrective effort already spent, whether a clog or a tangle has likely
// occurred. A reason string explains any trigger.
package flowguard

import (
	"fmt"

	"go.uber.org/zap"
)

type Trigger uint8

const (
	None Trigger = iota
	Clog
	Tangle
)

func (t Trigger) String() string {
	switch t {
	case None:
		return ""
	case Clog:
		return "clog"
	case Tangle:
		return "tangle"
	}
	return "UNSUPPORTED"
}

// Status is the per-tick detector output. Level is a normalized headroom
// marker: [0, +1] toward a clog while pinned in compression, [-1, 0] toward
// a tangle while pinned in tension.
type Status struct {
	Trigger   Trigger
	Reason    string
	Level     float64
	MaxClog   float64
	MaxTangle float64
	Armed     bool
}

// Input carries one tick of evidence. The caller reduces its sensor reading
// to two coarse polarities and computes the signed relief effort:
//
//	Polarity     side the detector should accrue on; for one-sided switches
//	             the open state counts as the unseen-side extreme
//	ArmPolarity  plain coarse state, used only for the arming test
//	ReliefEffort signed mm-equivalent this tick, > 0 compression effort
type Input struct {
	DExt         float64
	Polarity     int
	ArmPolarity  int
	ReliefEffort float64
}

type Engine struct {
	log      *zap.Logger
	reliefMM float64

	compMotionMM float64
	tensMotionMM float64
	reliefCompMM float64
	reliefTensMM float64

	trigger   Trigger
	reason    string
	level     float64
	maxClog   float64
	maxTangle float64

	// Disarmed until a coarse state change is observed while moving.
	armed        bool
	armMotionMM  float64
	armLastState int
	armSeeded    bool
}

func New(log *zap.Logger, reliefMM float64) *Engine {
	e := &Engine{log: log, reliefMM: reliefMM}
	e.Reset()
	return e
}

func (e *Engine) Reset() {
	e.compMotionMM = 0.0
	e.tensMotionMM = 0.0
	e.reliefCompMM = 0.0
	e.reliefTensMM = 0.0

	e.trigger = None
	e.reason = ""
	e.level = 0.0
	e.maxClog = 0.0
	e.maxTangle = 0.0

	e.armed = false
	e.armMotionMM = 0.0
	e.armLastState = 0
	e.armSeeded = false
}

func (e *Engine) Update(in Input) Status {
	compExt := in.Polarity == 1
	tensExt := in.Polarity == -1

	e.armMotionMM += in.DExt
	if !e.armSeeded {
		e.armLastState = in.ArmPolarity
		e.armSeeded = true
	}
	if !e.armed {
		changed := in.ArmPolarity != e.armLastState
		if e.armMotionMM != 0.0 && changed {
			e.armed = true
			e.log.Debug("flowguard armed",
				zap.Float64("motion_mm", e.armMotionMM),
			)
		} else {
			return e.Status()
		}
	}
	e.armLastState = in.ArmPolarity

	switch {
	case compExt:
		e.compMotionMM += in.DExt

		// Relief for compression is tension effort.
		if in.ReliefEffort < 0 {
			e.reliefCompMM += -in.ReliefEffort
		}
		if e.reliefCompMM >= e.reliefMM && e.trigger == None {
			e.trigger = Clog
			e.reason = fmt.Sprintf(
				"Compression stuck after %.2f mm motion and %.2f mm relief (triggering parameter: flowguard_relief_mm)",
				e.compMotionMM, e.reliefCompMM)
			e.log.Info("flowguard trigger", zap.String("reason", e.reason))
		}

		level := e.reliefCompMM / e.reliefMM
		if level > 1.0 {
			level = 1.0
		}
		e.level = level
		if level > e.maxClog {
			e.maxClog = level
		}

		// The opposite side restarts whenever this side is pinned.
		e.tensMotionMM = 0.0
		e.reliefTensMM = 0.0

	case tensExt:
		e.tensMotionMM += in.DExt

		// Relief for tension is compression effort.
		if in.ReliefEffort > 0 {
			e.reliefTensMM += in.ReliefEffort
		}
		if e.reliefTensMM >= e.reliefMM && e.trigger == None {
			e.trigger = Tangle
			e.reason = fmt.Sprintf(
				"Tension stuck after %.2f mm motion and %.2f mm relief (triggering parameter: flowguard_relief_mm)",
				e.tensMotionMM, e.reliefTensMM)
			e.log.Info("flowguard trigger", zap.String("reason", e.reason))
		}

		level := -(e.reliefTensMM / e.reliefMM)
		if level < -1.0 {
			level = -1.0
		}
		e.level = level
		if level < e.maxTangle {
			e.maxTangle = level
		}

		e.compMotionMM = 0.0
		e.reliefCompMM = 0.0

	default:
		e.compMotionMM = 0.0
		e.reliefCompMM = 0.0
		e.tensMotionMM = 0.0
		e.reliefTensMM = 0.0
	}

	return e.Status()
}

func (e *Engine) Status() Status {
	return Status{
		Trigger:   e.trigger,
		Reason:    e.reason,
		Level:     e.level,
		MaxClog:   e.maxClog,
		MaxTangle: e.maxTangle,
		Armed:     e.armed,
	}
}
