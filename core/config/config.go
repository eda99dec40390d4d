// Configuration for the filament tension controller.
//
// Construction is two-phase: a Params value holds the raw, possibly partial
// user inputs (TOML-loadable), and Validate derives the immutable Config the
// engines consume. Interdependent defaults (e.g. flowguard_relief_mm from the
// buffer bounds) are resolved here, never mutated later.

package config

import (
	"fmt"
)

// SensorType identifies the feedback sensor wired to the buffer.
type SensorType uint8

const (
	// Proportional reports a continuous position in [-1, 1].
	Proportional SensorType = iota
	// DualSwitch reports {-1, 0, +1} from a pair of limit switches.
	DualSwitch
	// CompressionOnly reports {0, +1} from a single compression switch.
	CompressionOnly
	// TensionOnly reports {-1, 0} from a single tension switch.
	TensionOnly
)

func (t SensorType) String() string {
	switch t {
	case Proportional:
		return "P"
	case DualSwitch:
		return "D"
	case CompressionOnly:
		return "CO"
	case TensionOnly:
		return "TO"
	}
	return "UNSUPPORTED"
}

// TwoLevelOnly reports whether the sensor cannot provide a continuous
// position and therefore forces two-level control.
func (t SensorType) TwoLevelOnly() bool {
	return t == DualSwitch || t == CompressionOnly || t == TensionOnly
}

// OneSided reports whether the sensor observes only one side of the buffer.
func (t SensorType) OneSided() bool {
	return t == CompressionOnly || t == TensionOnly
}

func ParseSensorType(s string) (SensorType, error) {
	switch s {
	case "P":
		return Proportional, nil
	case "D":
		return DualSwitch, nil
	case "CO":
		return CompressionOnly, nil
	case "TO":
		return TensionOnly, nil
	}
	return 0, fmt.Errorf("unknown sensor type %q", s)
}

// Basis selects which accrual tests must pass before the continuous-mode
// autotuner may propose a new baseline.
type Basis uint8

const (
	BasisBoth Basis = iota
	BasisTime
	BasisMotion
	BasisEither
)

func (b Basis) String() string {
	switch b {
	case BasisBoth:
		return "both"
	case BasisTime:
		return "time"
	case BasisMotion:
		return "motion"
	case BasisEither:
		return "either"
	}
	return "UNSUPPORTED"
}

func ParseBasis(s string) (Basis, error) {
	switch s {
	case "both":
		return BasisBoth, nil
	case "time":
		return BasisTime, nil
	case "motion":
		return BasisMotion, nil
	case "either":
		return BasisEither, nil
	}
	return 0, fmt.Errorf("unknown autotune basis %q", s)
}

// Params is the raw configuration surface. Pointer fields default from other
// fields when left unset; everything else defaults per Default.
type Params struct {
	// Mechanics
	BufferRangeMM    float64 `toml:"buffer_range_mm,omitempty"`
	BufferMaxRangeMM float64 `toml:"buffer_max_range_mm,omitempty"`
	SensorType       string  `toml:"sensor_type,omitempty"`

	// Core lag tuning (readiness r)
	SensorLagMM float64 `toml:"sensor_lag_mm,omitempty"`
	InfoDelta   float64 `toml:"info_delta,omitempty"`

	// Gains (PD on x with deadband)
	KP           float64 `toml:"kp,omitempty"`
	KD           float64 `toml:"kd,omitempty"`
	CtrlDeadband float64 `toml:"ctrl_deadband,omitempty"`

	// EKF noises
	QX    float64 `toml:"q_x,omitempty"`
	QC    float64 `toml:"q_c,omitempty"`
	RType float64 `toml:"r_type,omitempty"`

	// Calibration bounds
	CMin float64 `toml:"c_min,omitempty"`
	CMax float64 `toml:"c_max,omitempty"`

	// FlowGuard (distance-based)
	FlowguardExtremeThreshold float64  `toml:"flowguard_extreme_threshold,omitempty"`
	FlowguardReliefMM         *float64 `toml:"flowguard_relief_mm,omitempty"`

	// Rotation distance
	RDStart                   float64 `toml:"rd_start,omitempty"`
	RDMinMaxSpeedMultiplier   float64 `toml:"rd_min_max_speed_multiplier,omitempty"`
	RDTwoLevelSpeedMultiplier float64 `toml:"rd_twolevel_speed_multiplier,omitempty"`
	RDTwoLevelBoostMultiplier float64 `toml:"rd_twolevel_boost_multiplier,omitempty"`

	// Distance-based smoothing & slew
	RDFilterLenMM float64  `toml:"rd_filter_len_mm,omitempty"`
	RDRatePerMM   *float64 `toml:"rd_rate_per_mm,omitempty"`

	// Extreme behavior
	ReadinessExtremeFloor float64 `toml:"readiness_extreme_floor,omitempty"`
	RateExtremeMultiplier float64 `toml:"rate_extreme_multiplier,omitempty"`
	SnapAtExtremes        bool    `toml:"snap_at_extremes,omitempty"`
	ExtremeReliefFrac     float64 `toml:"extreme_relief_frac,omitempty"`

	// Autotune, continuous path
	AutotuneStableXThresh float64  `toml:"autotune_stable_x_thresh,omitempty"`
	AutotuneStableTimeS   float64  `toml:"autotune_stable_time_s,omitempty"`
	AutotuneBasis         string   `toml:"autotune_basis,omitempty"`
	AutotuneMotionMM      *float64 `toml:"autotune_motion_mm,omitempty"`
	AutotuneVarRelFrac    float64  `toml:"autotune_var_rel_frac,omitempty"`
	AutotuneVarLenMM      *float64 `toml:"autotune_var_len_mm,omitempty"`

	// Autotune, two-level path
	AutotuneSignificanceZ float64 `toml:"autotune_significance_z,omitempty"`

	// Autotune, shared gates
	AutotuneCooldownS   float64 `toml:"autotune_cooldown_s,omitempty"`
	AutotuneCooldownMM  float64 `toml:"autotune_cooldown_mm,omitempty"`
	AutotuneMinSaveFrac float64 `toml:"autotune_min_save_frac,omitempty"`

	// Certainty tracking of RD recommendations
	CertWindow     int     `toml:"autotune_cert_window,omitempty"`
	CertTauRel     float64 `toml:"autotune_cert_tau_rel,omitempty"`
	CertN0         float64 `toml:"autotune_cert_n0,omitempty"`
	CertHysteresis float64 `toml:"autotune_cert_hysteresis,omitempty"`

	// Two-level flip behavior
	OSMinFlipMM         float64 `toml:"os_min_flip_mm,omitempty"`
	UseTwoLevelForTypeP bool    `toml:"use_twolevel_for_type_p,omitempty"`
	PTwoLevelThreshold  float64 `toml:"p_twolevel_threshold,omitempty"`
	PTwoLevelHysteresis float64 `toml:"p_twolevel_hysteresis,omitempty"`
}

// Default returns the baseline parameter set. Load user overrides on top of
// it before calling Validate.
func Default() Params {
	rate := 0.10
	return Params{
		BufferRangeMM:    8.0,
		BufferMaxRangeMM: 14.0,
		SensorType:       "D",

		SensorLagMM: 0.0,
		InfoDelta:   0.08,

		KP:           0.5,
		KD:           0.4,
		CtrlDeadband: 0.1,

		QX:    1e-3,
		QC:    5e-5,
		RType: 2.5e-2,

		CMin: 0.25,
		CMax: 4.0,

		FlowguardExtremeThreshold: 0.9,

		RDStart:                   20.0,
		RDMinMaxSpeedMultiplier:   0.25,
		RDTwoLevelSpeedMultiplier: 0.05,
		RDTwoLevelBoostMultiplier: 0.05,

		RDFilterLenMM: 25.0,
		RDRatePerMM:   &rate,

		ReadinessExtremeFloor: 0.7,
		RateExtremeMultiplier: 2.0,
		SnapAtExtremes:        true,
		ExtremeReliefFrac:     0.25,

		AutotuneStableXThresh: 0.12,
		AutotuneStableTimeS:   4.0,
		AutotuneBasis:         "both",
		AutotuneVarRelFrac:    0.004,

		AutotuneSignificanceZ: 1.0,

		AutotuneCooldownS:   10.0,
		AutotuneCooldownMM:  100.0,
		AutotuneMinSaveFrac: 0.001,

		CertWindow:     8,
		CertTauRel:     0.01,
		CertN0:         3.0,
		CertHysteresis: 0.001,

		OSMinFlipMM: 0.0,

		PTwoLevelThreshold:  0.80,
		PTwoLevelHysteresis: 0.2,
	}
}

// Config is the validated, immutable parameter set consumed by the engines.
type Config struct {
	BufferRangeMM    float64
	BufferMaxRangeMM float64
	Sensor           SensorType

	SensorLagMM float64
	InfoDelta   float64

	KP           float64
	KD           float64
	CtrlDeadband float64

	QX    float64
	QC    float64
	RType float64

	CMin float64
	CMax float64

	FlowguardExtremeThreshold float64
	FlowguardReliefMM         float64

	RDStart                   float64
	RDMinMaxSpeedMultiplier   float64
	RDTwoLevelSpeedMultiplier float64
	RDTwoLevelBoostMultiplier float64

	RDFilterLenMM float64
	RDRatePerMM   float64 // <= 0 disables the hard rate cap

	ReadinessExtremeFloor float64
	RateExtremeMultiplier float64
	SnapAtExtremes        bool
	ExtremeReliefFrac     float64

	AutotuneStableXThresh float64
	AutotuneStableTimeS   float64
	AutotuneBasis         Basis
	AutotuneMotionMM      float64
	AutotuneVarRelFrac    float64
	AutotuneVarLenMM      float64

	AutotuneSignificanceZ float64

	AutotuneCooldownS   float64
	AutotuneCooldownMM  float64
	AutotuneMinSaveFrac float64

	CertWindow     int
	CertTauRel     float64
	CertN0         float64
	CertHysteresis float64

	OSMinFlipMM         float64
	UseTwoLevelForTypeP bool
	PTwoLevelThreshold  float64
	PTwoLevelHysteresis float64
}

// TwoLevelActive reports whether the controller runs in two-level mode for
// this configuration.
func (c Config) TwoLevelActive() bool {
	return c.Sensor.TwoLevelOnly() ||
		(c.Sensor == Proportional && c.UseTwoLevelForTypeP)
}

// Validate checks the raw parameters and derives the dependent defaults,
// returning the immutable configuration.
func (p Params) Validate() (Config, error) {
	var c Config

	if p.BufferRangeMM <= 0 {
		return c, fmt.Errorf("buffer_range_mm must be > 0, got %v", p.BufferRangeMM)
	}
	if p.BufferMaxRangeMM <= 0 {
		return c, fmt.Errorf("buffer_max_range_mm must be > 0, got %v", p.BufferMaxRangeMM)
	}
	if p.BufferMaxRangeMM < p.BufferRangeMM {
		return c, fmt.Errorf("buffer_max_range_mm (%v) must be >= buffer_range_mm (%v)",
			p.BufferMaxRangeMM, p.BufferRangeMM)
	}
	sensor, err := ParseSensorType(p.SensorType)
	if err != nil {
		return c, err
	}
	basis, err := ParseBasis(p.AutotuneBasis)
	if err != nil {
		return c, err
	}
	if p.CMin >= p.CMax {
		return c, fmt.Errorf("c_min (%v) must be < c_max (%v)", p.CMin, p.CMax)
	}
	if p.RDStart <= 0 {
		return c, fmt.Errorf("rd_start must be > 0, got %v", p.RDStart)
	}
	if p.RDFilterLenMM <= 0 {
		return c, fmt.Errorf("rd_filter_len_mm must be > 0, got %v", p.RDFilterLenMM)
	}
	if p.CertWindow < 1 {
		return c, fmt.Errorf("autotune_cert_window must be >= 1, got %v", p.CertWindow)
	}

	c = Config{
		BufferRangeMM:    p.BufferRangeMM,
		BufferMaxRangeMM: p.BufferMaxRangeMM,
		Sensor:           sensor,

		SensorLagMM: p.SensorLagMM,
		InfoDelta:   p.InfoDelta,

		KP:           p.KP,
		KD:           p.KD,
		CtrlDeadband: p.CtrlDeadband,

		QX:    p.QX,
		QC:    p.QC,
		RType: p.RType,

		CMin: p.CMin,
		CMax: p.CMax,

		FlowguardExtremeThreshold: p.FlowguardExtremeThreshold,

		RDStart:                   p.RDStart,
		RDMinMaxSpeedMultiplier:   p.RDMinMaxSpeedMultiplier,
		RDTwoLevelSpeedMultiplier: p.RDTwoLevelSpeedMultiplier,
		RDTwoLevelBoostMultiplier: p.RDTwoLevelBoostMultiplier,

		RDFilterLenMM: p.RDFilterLenMM,

		ReadinessExtremeFloor: p.ReadinessExtremeFloor,
		RateExtremeMultiplier: p.RateExtremeMultiplier,
		SnapAtExtremes:        p.SnapAtExtremes,
		ExtremeReliefFrac:     p.ExtremeReliefFrac,

		AutotuneStableXThresh: p.AutotuneStableXThresh,
		AutotuneStableTimeS:   p.AutotuneStableTimeS,
		AutotuneBasis:         basis,
		AutotuneVarRelFrac:    p.AutotuneVarRelFrac,

		AutotuneSignificanceZ: p.AutotuneSignificanceZ,

		AutotuneCooldownS:   p.AutotuneCooldownS,
		AutotuneCooldownMM:  p.AutotuneCooldownMM,
		AutotuneMinSaveFrac: p.AutotuneMinSaveFrac,

		CertWindow:     p.CertWindow,
		CertTauRel:     p.CertTauRel,
		CertN0:         p.CertN0,
		CertHysteresis: p.CertHysteresis,

		OSMinFlipMM:         p.OSMinFlipMM,
		UseTwoLevelForTypeP: p.UseTwoLevelForTypeP,
		PTwoLevelThreshold:  p.PTwoLevelThreshold,
		PTwoLevelHysteresis: p.PTwoLevelHysteresis,
	}

	if p.RDRatePerMM != nil {
		c.RDRatePerMM = *p.RDRatePerMM
	}

	// Autotune window defaults derive from the smoothing length.
	if p.AutotuneMotionMM != nil {
		c.AutotuneMotionMM = *p.AutotuneMotionMM
	} else {
		c.AutotuneMotionMM = 3.0 * p.RDFilterLenMM
	}
	if p.AutotuneVarLenMM != nil {
		c.AutotuneVarLenMM = *p.AutotuneVarLenMM
	} else {
		c.AutotuneVarLenMM = 1.8 * p.RDFilterLenMM
	}

	// FlowGuard relief threshold: how much counter-effort must be proven.
	if p.FlowguardReliefMM != nil {
		c.FlowguardReliefMM = *p.FlowguardReliefMM
	} else {
		mult := 0.7
		if sensor == Proportional {
			mult = 0.3
		}
		c.FlowguardReliefMM = max(mult*p.BufferRangeMM, p.BufferMaxRangeMM)
	}

	return c, nil
}
