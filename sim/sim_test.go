package sim

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"example.com/filament-sync/core/config"
)

func testConfig(t *testing.T, mutate func(*config.Params)) config.Config {
	t.Helper()
	p := config.Default()
	if mutate != nil {
		mutate(&p)
	}
	cfg, err := p.Validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func TestPlantPhysics(t *testing.T) {
	cfg := testConfig(t, nil)
	p := NewPlant(cfg, 22.0, 0.0, 0.0, 0.0, 1)

	// Faster gear than true rd compresses; match holds flat.
	d := p.ApplyMotion(4.0, 20.0)
	if d <= 0 || p.XTrue() <= 0 {
		t.Errorf("rd below true should compress: deltaRel %v x %v", d, p.XTrue())
	}
	x := p.XTrue()
	p.ApplyMotion(4.0, 22.0)
	if p.XTrue() != x {
		t.Errorf("matched rd should hold the spring flat")
	}

	// Saturation at the physical end stop.
	for i := 0; i < 100; i++ {
		p.ApplyMotion(10.0, 10.0)
	}
	lim := cfg.BufferMaxRangeMM / cfg.BufferRangeMM
	if p.XTrue() != lim {
		t.Errorf("x = %v, want clipped at %v", p.XTrue(), lim)
	}

	if got := p.SpringMM(); !nearf(got, p.XTrue()*cfg.BufferRangeMM/2.0, 1e-12) {
		t.Errorf("spring_mm = %v", got)
	}
}

func nearf(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSwitchHysteresis(t *testing.T) {
	cfg := testConfig(t, nil) // D sensor, threshold 0.9
	p := NewPlant(cfg, 20.0, 0.0, 0.0, 0.2, 1)

	on, off := p.switchThresholds()
	if !nearf(on, 0.9*1.2, 1e-12) || !nearf(off, 0.9*0.8, 1e-12) {
		t.Fatalf("thresholds = (%v %v)", on, off)
	}

	set := func(x float64) float64 {
		p.xTrue = x
		return p.Measure()
	}

	if got := set(1.0); got != 0 {
		t.Errorf("below trigger threshold should stay open, got %v", got)
	}
	if got := set(1.1); got != 1 {
		t.Errorf("above trigger threshold should close, got %v", got)
	}
	// Between off and on: stays closed.
	if got := set(0.8); got != 1 {
		t.Errorf("hysteresis band should hold the switch, got %v", got)
	}
	if got := set(0.7); got != 0 {
		t.Errorf("below release threshold should open, got %v", got)
	}
	if got := set(-1.1); got != -1 {
		t.Errorf("tension trigger, got %v", got)
	}
}

func TestProportionalMeasureClamped(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) { p.SensorType = "P" })
	p := NewPlant(cfg, 20.0, 0.0, 0.0, 0.0, 1)
	p.xTrue = 1.6
	if got := p.Measure(); got != 1.0 {
		t.Errorf("proportional reading = %v, want clamped to 1", got)
	}
}

func TestChaosLagsThenCatchesUp(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) { p.SensorType = "P" })
	p := NewPlant(cfg, 20.0, 0.0, 0.5, 0.0, 7)
	p.xTrue = 1.0

	first := p.Measure()
	if first >= 1.0 {
		t.Skip("random jerk caught up immediately") // unlikely with this seed
	}
	for i := 0; i < 1000; i++ {
		p.Measure()
	}
	if got := p.Measure(); !nearf(got, 1.0, 1e-9) {
		t.Errorf("measured position never caught up: %v", got)
	}
}

func TestRecorderCloseSurfacesFlushError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := rec.WriteHeader(logHeader{RDStart: 20.0}); err != nil {
		t.Fatalf("write header: %v", err)
	}

	// Yank the file out from under the buffered writer so the flush in
	// Close has to fail.
	rec.f.Close()
	if err := rec.Close(); err == nil {
		t.Fatalf("flush error swallowed")
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second close not a no-op: %v", err)
	}
}

func TestRunProducesLog(t *testing.T) {
	cfg := testConfig(t, nil)
	path := filepath.Join(t.TempDir(), "sim.jsonl")

	s, err := Run(zap.NewNop(), Options{
		Cfg:      cfg,
		TrueRD:   20.3,
		Ticks:    50,
		DtS:      0.25,
		StrideMM: 2.0,
		LogPath:  path,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if s.Ticks != 50 || s.MotionMM != 100.0 {
		t.Errorf("summary = %+v", s)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("missing log: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatalf("empty log")
	}
	var header logRecord
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		t.Fatalf("header not json: %v", err)
	}
	if header.Header == nil || header.Header.SensorType != "D" {
		t.Errorf("header = %+v", header.Header)
	}

	lines := 0
	for sc.Scan() {
		var rec logRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not json: %v", lines+2, err)
		}
		if rec.Input == nil || rec.Output == nil {
			t.Fatalf("line %d missing sections", lines+2)
		}
		lines++
	}
	if lines != 50 {
		t.Errorf("log lines = %d, want 50", lines)
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	cfg := testConfig(t, nil)
	if _, err := Run(zap.NewNop(), Options{Cfg: cfg, TrueRD: 20}); err == nil {
		t.Errorf("expected error for zero ticks")
	}
}

func TestRunRetractsPauseTuning(t *testing.T) {
	cfg := testConfig(t, nil)
	s, err := Run(zap.NewNop(), Options{
		Cfg:          cfg,
		TrueRD:       20.0,
		Ticks:        100,
		DtS:          0.25,
		StrideMM:     3.0,
		RetractEvery: 5,
		RetractMM:    1.0,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if s.Triggers != 0 {
		t.Errorf("well-matched rd should never trigger flowguard: %q", s.TriggerReason)
	}
}
