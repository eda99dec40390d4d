package benchmark

import (
	"log"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"example.com/filament-sync/base/zaplog"
	"example.com/filament-sync/core/config"
	"example.com/filament-sync/core/control"
	"example.com/filament-sync/sim"
)

// RunControllerBenchmark measures the per-tick latency of the controller
// closed loop against the modeled plant and prints a latency percentile
// table in microseconds.
func RunControllerBenchmark(sensorType string, numTicks int) {
	p := config.Default()
	p.SensorType = sensorType
	cfg, err := p.Validate()
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return
	}

	hg := hdrhistogram.New(1, 50_000_000, 5)

	plant := sim.NewPlant(cfg, cfg.RDStart*1.02, 0.0, 0.0, 0.0, 1)
	ctrl := control.New(zaplog.Default(), cfg)
	ctrl.Reset(0.0, cfg.RDStart, plant.Measure())

	timeS := 0.0
	t0 := time.Now()
	for i := 0; i < numTicks; i++ {
		plant.ApplyMotion(2.0, ctrl.RDCurrent())
		timeS += 0.1
		reading := plant.Measure()

		t := time.Now()
		ctrl.Update(timeS, 2.0, reading)
		err = hg.RecordValue(time.Since(t).Nanoseconds())
		if err != nil {
			log.Printf("Failed to record histogram value: %v", err)
			return
		}
	}
	log.Print(time.Since(t0))
	hg.PercentilesPrint(os.Stdout, 1, 1000.0)
}
