package sim

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"example.com/filament-sync/core/config"
	"example.com/filament-sync/core/control"
	"example.com/filament-sync/core/flowguard"
)

// Options describes one simulation run. StrideMM is the extruder travel per
// tick; a nonzero RetractEvery inserts a retract of RetractMM every that
// many ticks, as wipe and ironing moves would.
type Options struct {
	Cfg config.Config

	TrueRD           float64
	RDChangeAtTick   int     // 0 disables
	RDChangeTo       float64 // hardware rd after the change
	InitialSpringMM  float64
	Chaos            float64
	SwitchHysteresis float64
	Seed             int64

	Ticks        int
	DtS          float64
	StrideMM     float64
	RetractEvery int
	RetractMM    float64

	LogPath string   // JSONL tick log, empty disables
	Metrics *Metrics // optional, register once per process
}

// Summary is the end-of-run digest.
type Summary struct {
	Ticks         int
	MotionMM      float64
	FinalRD       float64
	RDRef         float64
	RDTuned       float64
	FinalSpringMM float64
	Triggers      int
	TriggerReason string
	Saves         int
}

// Run executes one closed-loop simulation: each tick moves the plant with
// the rotation distance currently in effect, samples the sensor, and feeds
// both to the controller.
func Run(log *zap.Logger, opts Options) (Summary, error) {
	if opts.Ticks <= 0 || opts.DtS <= 0 {
		return Summary{}, fmt.Errorf("ticks and dt must be positive")
	}

	plant := NewPlant(opts.Cfg, opts.TrueRD, opts.InitialSpringMM,
		opts.Chaos, opts.SwitchHysteresis, opts.Seed)
	ctrl := control.New(log, opts.Cfg)

	var rec *Recorder
	if opts.LogPath != "" {
		var err error
		rec, err = NewRecorder(opts.LogPath)
		if err != nil {
			return Summary{}, err
		}
		defer rec.Close()
		err = rec.WriteHeader(logHeader{
			RDStart:          opts.Cfg.RDStart,
			SensorType:       opts.Cfg.Sensor.String(),
			TwoLevelActive:   opts.Cfg.TwoLevelActive(),
			BufferRangeMM:    opts.Cfg.BufferRangeMM,
			BufferMaxRangeMM: opts.Cfg.BufferMaxRangeMM,
			TrueRD:           opts.TrueRD,
		})
		if err != nil {
			return Summary{}, err
		}
	}

	var s Summary
	timeS := 0.0
	ctrl.Reset(timeS, opts.Cfg.RDStart, plant.Measure())

	triggered := false
	for i := 0; i < opts.Ticks; i++ {
		if opts.RDChangeAtTick > 0 && i == opts.RDChangeAtTick {
			plant.SetTrueRD(opts.RDChangeTo)
			log.Info("hardware rd changed",
				zap.Int("tick", i),
				zap.Float64("rd_true", opts.RDChangeTo),
			)
		}

		d := opts.StrideMM
		if opts.RetractEvery > 0 && i%opts.RetractEvery == opts.RetractEvery-1 {
			d = -opts.RetractMM
		}

		plant.ApplyMotion(d, ctrl.RDCurrent())
		timeS += opts.DtS
		reading := plant.Measure()
		out := ctrl.Update(timeS, d, reading)

		s.Ticks++
		s.MotionMM += math.Abs(d)
		if out.Autotune.Save {
			s.Saves++
		}
		newTrigger := out.FlowGuard.Trigger != flowguard.None && !triggered
		if newTrigger {
			triggered = true
			s.Triggers++
			s.TriggerReason = out.FlowGuard.Reason
		}

		opts.Metrics.observe(out, newTrigger)

		if rec != nil {
			err := rec.WriteTick(logInput{
				Tick:   out.Tick,
				TimeS:  timeS,
				DtS:    opts.DtS,
				DMM:    d,
				Sensor: reading,
			}, out, plant.XTrue(), plant.SpringMM())
			if err != nil {
				return s, err
			}
		}

		s.FinalRD = out.RDCurrent
		s.RDRef = out.RDRef
		s.RDTuned = out.RDTuned
	}
	s.FinalSpringMM = plant.SpringMM()

	// The log is the run's primary artifact; surface the flush error.
	if rec != nil {
		if err := rec.Close(); err != nil {
			return s, err
		}
	}

	log.Info("simulation finished",
		zap.Int("ticks", s.Ticks),
		zap.Float64("motion_mm", s.MotionMM),
		zap.Float64("rd_final", s.FinalRD),
		zap.Float64("rd_tuned", s.RDTuned),
		zap.Int("triggers", s.Triggers),
	)
	return s, nil
}
