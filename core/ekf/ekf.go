// Two-state extended Kalman filter over the buffer position and the gear
// calibration factor.
//
// State:
//
//	x  normalized buffer position in [-1, +1] (+1 compression, -1 tension)
//	c  calibration factor relating commanded gear travel to effective travel
//
// The covariance is carried as the three unique entries of the symmetric
// 2x2 matrix P.
package ekf

import (
	"example.com/filament-sync/base/floats"
	"example.com/filament-sync/core/config"
)

// Soft clamp for x in estimate space, slightly wider than the physical
// sensor range so the filter can express "pegged past the end".
const xSoftLimit = 1.25

// Measurement noise used for coarse discrete readings. Switch states carry
// far less information than a proportional reading.
const rDiscrete = 0.25

type Filter struct {
	// Gains and noises, fixed at construction.
	K    float64 // 2 / buffer_range_mm, position units per mm
	QX   float64
	QC   float64
	R    float64
	CMin float64
	CMax float64

	// State and covariance.
	X, C          float64
	P11, P12, P22 float64

	// Position estimate from the previous tick, for derivative control.
	XPrev float64
}

func NewFilter(cfg config.Config) *Filter {
	f := &Filter{
		K:    2.0 / cfg.BufferRangeMM,
		QX:   cfg.QX,
		QC:   cfg.QC,
		R:    cfg.RType,
		CMin: cfg.CMin,
		CMax: cfg.CMax,
	}
	f.Reset(0.0)
	return f
}

// Reset re-seeds the state around a known position, with the calibration
// back at unity and a deliberately loose covariance.
func (f *Filter) Reset(x0 float64) {
	f.X = floats.Clamp(x0, -1.0, 1.0)
	f.C = 1.0
	f.P11 = 0.5
	f.P12 = 0.0
	f.P22 = 0.2
	f.XPrev = f.X
}

// Predict propagates the state through one motion step. extruderMM is the
// demanded filament travel and gearMM the commanded gear travel over the
// same step.
func (f *Filter) Predict(extruderMM, gearMM float64) {
	xPred := f.X + f.K*(f.C*gearMM-extruderMM)

	// Jacobian is [[1, K*gearMM], [0, 1]].
	f12 := f.K * gearMM
	fp11 := f.P11 + f12*f.P12
	fp12 := f.P12 + f12*f.P22

	f.P11 = fp11 + fp12*f12 + f.QX
	f.P12 = fp12
	f.P22 = f.P22 + f.QC

	f.X = floats.Clamp(xPred, -xSoftLimit, xSoftLimit)
	f.C = floats.Clamp(f.C, f.CMin, f.CMax)
}

// Update folds in a proportional sensor reading z in [-1, +1].
func (f *Filter) Update(z float64) {
	f.update(floats.Clamp(z, -1.0, 1.0), f.R)
}

// UpdateDiscrete folds in a coarse polarity reading from a switch sensor.
// A neutral reading carries no position information and is skipped. Only
// the estimate quality differs from Update; the arithmetic is shared.
func (f *Filter) UpdateDiscrete(polarity int) {
	if polarity == 0 {
		return
	}
	f.update(float64(polarity), rDiscrete)
}

func (f *Filter) update(z, r float64) {
	y := z - f.X
	s := f.P11 + r
	if s <= 0 {
		return
	}
	kx := f.P11 / s
	kc := f.P12 / s
	f.X += kx * y
	f.C += kc * y
	f.C = floats.Clamp(f.C, f.CMin, f.CMax)
	f.P22 -= f.P12 * kc
	f.P12 *= 1 - kx
	f.P11 *= 1 - kx
}
