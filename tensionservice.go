// Filament tension service

package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/filament-sync/base/zaplog"

	"example.com/filament-sync/benchmark"

	"example.com/filament-sync/core/config"

	"example.com/filament-sync/sim"
)

var log *zap.Logger

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		// See https://github.com/scionproto/scion/blob/master/pkg/log/log.go
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

func runMonitor(log *zap.Logger) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe("127.0.0.1:8080", nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) config.Config {
	p := config.Default()
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			log.Fatal("failed to load configuration", zap.Error(err))
		}
		err = toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&p)
		if err != nil {
			log.Fatal("failed to decode configuration", zap.Error(err))
		}
	}
	cfg, err := p.Validate()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	return cfg
}

func runSim(configFile string, opts sim.Options, monitor bool) {
	opts.Cfg = loadConfig(configFile)
	if !monitor {
		_, err := sim.Run(log, opts)
		if err != nil {
			log.Fatal("simulation failed", zap.Error(err))
		}
		return
	}
	opts.Metrics = sim.NewMetrics()
	go func() {
		_, err := sim.Run(log, opts)
		if err != nil {
			log.Fatal("simulation failed", zap.Error(err))
		}
	}()
	runMonitor(log)
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		monitor    bool
		sensorType string
		numTicks   int
		opts       sim.Options
	)

	simFlags := flag.NewFlagSet("sim", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	simFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	simFlags.StringVar(&configFile, "config", "", "Config file")
	simFlags.BoolVar(&monitor, "monitor", false, "Serve Prometheus metrics")
	simFlags.Float64Var(&opts.TrueRD, "true-rd", 21.0, "Hardware rotation distance (mm)")
	simFlags.IntVar(&opts.RDChangeAtTick, "rd-change-at", 0, "Tick at which the hardware rotation distance changes")
	simFlags.Float64Var(&opts.RDChangeTo, "rd-change-to", 0.0, "Hardware rotation distance after the change (mm)")
	simFlags.Float64Var(&opts.InitialSpringMM, "spring", 0.0, "Initial spring displacement (mm)")
	simFlags.Float64Var(&opts.Chaos, "chaos", 0.0, "Stick-slip chaos level [0..1]")
	simFlags.Float64Var(&opts.SwitchHysteresis, "switch-hysteresis", 0.0, "Switch hysteresis fraction")
	simFlags.Int64Var(&opts.Seed, "seed", 1, "Random seed")
	simFlags.IntVar(&opts.Ticks, "ticks", 2000, "Number of ticks")
	simFlags.Float64Var(&opts.DtS, "dt", 0.25, "Tick period (s)")
	simFlags.Float64Var(&opts.StrideMM, "stride", 5.0, "Extruder travel per tick (mm)")
	simFlags.IntVar(&opts.RetractEvery, "retract-every", 0, "Insert a retract every N ticks, 0 disables")
	simFlags.Float64Var(&opts.RetractMM, "retract", 1.0, "Retract length (mm)")
	simFlags.StringVar(&opts.LogPath, "log", "", "JSONL tick log path")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&sensorType, "sensor", "D", "Sensor type (P, D, CO, TO)")
	benchmarkFlags.IntVar(&numTicks, "ticks", 100000, "Number of ticks")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case simFlags.Name():
		err := simFlags.Parse(os.Args[2:])
		if err != nil || simFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runSim(configFile, opts, monitor)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		benchmark.RunControllerBenchmark(sensorType, numTicks)
	default:
		exitWithUsage()
	}
}
