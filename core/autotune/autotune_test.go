package autotune

import (
	"math"
	"strings"
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

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestCertaintyScore(t *testing.T) {
	tests := []struct {
		name     string
		vals     []float64
		score    float64
		mean     float64
		se       float64
		n        int
	}{
		{"Empty", nil, 0, 0, 0, 0},
		{"Single", []float64{20}, 0, 20, 0, 1},
		{"Pair", []float64{20, 20.1}, 0.3201596806394782, 20.05, 0.05, 2},
		{"Four", []float64{20, 20.05, 20.1, 19.95},
			0.4921132769580408, 20.025, 0.03227486121874739, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, mean, se, n := certaintyScore(tt.vals, 0.01, 3.0)
			if !near(score, tt.score, 1e-12) || !near(mean, tt.mean, 1e-12) ||
				!near(se, tt.se, 1e-12) || n != tt.n {
				t.Errorf("got (%v %v %v %v), want (%v %v %v %v)",
					score, mean, se, n, tt.score, tt.mean, tt.se, tt.n)
			}
		})
	}
}

func TestFracSpeedDelta(t *testing.T) {
	if !near(fracSpeedDelta(20.0, 20.0), 0.0, 1e-15) {
		t.Errorf("identical rd should have zero speed delta")
	}
	if !near(fracSpeedDelta(10.0, 20.0), 1.0, 1e-15) {
		t.Errorf("halving rd doubles speed: want delta 1")
	}
}

func TestMinCyclesPerSensor(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	if e.minCycles != 2 {
		t.Errorf("dual switch minCycles = %v, want 2", e.minCycles)
	}
	e = New(zap.NewNop(), testConfig(t, func(p *config.Params) { p.SensorType = "CO" }), 20.0)
	if e.minCycles != 4 {
		t.Errorf("one-sided minCycles = %v, want 4", e.minCycles)
	}
}

func TestTwoLevelDutyEstimate(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	e.samplesLow = []float64{10, 9, 10.5, 10}
	e.samplesHigh = []float64{10, 11, 9.5, 10}
	e.cycles = []cycle{{10, 10}, {9, 11}, {10.5, 9.5}, {10, 10}}
	e.updatesSinceFlip = 0

	rd, ok, note := e.recommendFromTwoLevel(Input{RDLow: 19.0, RDHigh: 21.0})
	if !ok {
		t.Fatalf("expected a recommendation, got note %q", note)
	}
	if !near(rd, 19.962476547842403, 1e-12) {
		t.Errorf("rd = %v, want 19.962476547842403", rd)
	}
	if !strings.Contains(note, "z-score=1.19") {
		t.Errorf("note = %q, want z-score 1.19", note)
	}
}

func TestTwoLevelRequiresFlipTick(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	e.samplesLow = []float64{10, 10}
	e.samplesHigh = []float64{10, 10}
	e.cycles = []cycle{{10, 10}, {10, 10}}
	e.updatesSinceFlip = 3
	if _, ok, _ := e.recommendFromTwoLevel(Input{RDLow: 19, RDHigh: 21}); ok {
		t.Errorf("recommendation between flips")
	}
}

func TestTwoLevelInsignificantRejected(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	// Noisy duty straddling 0.5: the estimate lands near the working value
	// with a wide error bar.
	e.samplesLow = []float64{10, 14, 6, 10}
	e.samplesHigh = []float64{10, 6, 14, 10}
	e.cycles = []cycle{{10, 10}, {14, 6}, {6, 14}, {10, 10}}
	e.updatesSinceFlip = 0

	_, ok, note := e.recommendFromTwoLevel(Input{RDLow: 19, RDHigh: 21})
	if ok {
		t.Fatalf("expected rejection")
	}
	if !strings.Contains(note, "not significant") {
		t.Errorf("note = %q, want z-score rejection", note)
	}
}

func TestSegmentPairing(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)

	// First flip sheds startup state, no sample recorded.
	e.NoteTwoLevelTick(LevelLow, true, 1.0, false)
	if len(e.samplesLow)+len(e.samplesHigh) != 0 {
		t.Fatalf("startup flip recorded a sample")
	}

	// 5mm low segment, closed by a flip to high.
	for i := 0; i < 4; i++ {
		e.NoteTwoLevelTick(LevelLow, false, 1.0, false)
	}
	e.NoteTwoLevelTick(LevelHigh, true, 1.0, false)
	if len(e.samplesLow) != 1 || e.samplesLow[0] != 5.0 {
		t.Fatalf("low samples = %v, want [5]", e.samplesLow)
	}
	if len(e.cycles) != 0 {
		t.Fatalf("unpaired segment produced a cycle")
	}

	// 3mm high segment pairs with the pending low.
	for i := 0; i < 2; i++ {
		e.NoteTwoLevelTick(LevelHigh, false, 1.0, false)
	}
	e.NoteTwoLevelTick(LevelLow, true, 1.0, false)
	if len(e.samplesHigh) != 1 || e.samplesHigh[0] != 3.0 {
		t.Fatalf("high samples = %v, want [3]", e.samplesHigh)
	}
	if len(e.cycles) != 1 || e.cycles[0] != (cycle{lowMM: 5, highMM: 3}) {
		t.Fatalf("cycles = %v, want [{5 3}]", e.cycles)
	}
}

func TestSegmentWindowBounded(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	e.NoteTwoLevelTick(LevelLow, true, 1.0, false)
	level := LevelHigh
	for i := 0; i < 40; i++ {
		e.NoteTwoLevelTick(level, true, 1.0, false)
		if level == LevelHigh {
			level = LevelLow
		} else {
			level = LevelHigh
		}
	}
	if len(e.samplesLow) > segWindow || len(e.samplesHigh) > segWindow {
		t.Errorf("segment windows unbounded: %d/%d", len(e.samplesLow), len(e.samplesHigh))
	}
	if len(e.cycles) > cycleWindow {
		t.Errorf("cycle window unbounded: %d", len(e.cycles))
	}
}

func TestCooldownGate(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	e.samplesLow = []float64{10, 10}
	e.samplesHigh = []float64{10, 10}
	e.cycles = []cycle{{10, 10}, {10, 10}}

	// Default cooldown is 10s / 100mm; neither satisfied yet.
	st := e.Update(Input{DExt: 1.0, Dt: 1.0, TwoLevel: true, RDLow: 19, RDHigh: 21})
	if st.Recommended || st.Note != "" {
		t.Errorf("release during cooldown: %+v", st)
	}
}

func TestCooldownReanchorsOnAcceptance(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) {
		p.AutotuneCooldownS = 5
		p.AutotuneCooldownMM = 50
	})
	e := New(zap.NewNop(), cfg, 20.0)

	prime := func(lo, hi float64) {
		e.samplesLow = []float64{lo, lo}
		e.samplesHigh = []float64{hi, hi}
		e.cycles = []cycle{{lo, hi}, {lo, hi}}
		e.updatesSinceFlip = 0
	}
	in := Input{DExt: 60, Dt: 6, TwoLevel: true, RDLow: 19, RDHigh: 21}

	// Build confidence: the first candidate only sets the floor, the
	// repeat lands.
	prime(10, 10)
	if st := e.Update(in); st.Recommended {
		t.Fatalf("single candidate accepted: %+v", st)
	}
	prime(10, 10)
	st := e.Update(in)
	if !st.Recommended || !near(st.RD, 19.95, 1e-9) {
		t.Fatalf("want acceptance at 19.95, got %+v", st)
	}

	// The accept moved the cooldown origin: with fresh evidence and
	// plenty of motion, too little elapsed time keeps the gate shut.
	prime(12, 8)
	st = e.Update(Input{DExt: 60, Dt: 1, TwoLevel: true, RDLow: 19, RDHigh: 21})
	if st.Recommended || st.Note != "" {
		t.Fatalf("release within cooldown time of an accept: %+v", st)
	}

	// Waiting out the clock releases again.
	st = e.Update(Input{DExt: 0, Dt: 100, TwoLevel: true, RDLow: 19, RDHigh: 21})
	if !st.Recommended {
		t.Fatalf("no release after cooldown elapsed: %+v", st)
	}
	if st.RD >= 19.95 {
		t.Errorf("rd = %v, want below 19.95", st.RD)
	}

	// That accept re-anchored both arms: under cooldown_mm of motion
	// stays gated no matter how much time passes.
	prime(12, 8)
	st = e.Update(Input{DExt: 10, Dt: 100, TwoLevel: true, RDLow: 19, RDHigh: 21})
	if st.Recommended || st.Note != "" {
		t.Fatalf("release within cooldown motion of an accept: %+v", st)
	}
}

func TestAcceptanceNeedsRepeatedEvidence(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) {
		p.AutotuneCooldownS = 0
		p.AutotuneCooldownMM = 0
	})
	e := New(zap.NewNop(), cfg, 20.0)

	prime := func() {
		e.samplesLow = []float64{10, 10}
		e.samplesHigh = []float64{10, 10}
		e.cycles = []cycle{{10, 10}, {10, 10}}
		e.updatesSinceFlip = 0
	}
	in := Input{DExt: 1.0, Dt: 1.0, TwoLevel: true, RDLow: 19, RDHigh: 21}

	// A lone candidate has no certainty; the score floor moves to zero.
	prime()
	st := e.Update(in)
	if st.Recommended {
		t.Fatalf("single candidate accepted: %+v", st)
	}
	if !strings.Contains(st.Note, "certainty score of zero") {
		t.Errorf("note = %q", st.Note)
	}

	// The identical candidate again scores above the floor and releases
	// the window mean.
	prime()
	st = e.Update(in)
	if !st.Recommended {
		t.Fatalf("repeat candidate not accepted: %+v", st)
	}
	if !near(st.RD, 19.95, 1e-12) {
		t.Errorf("rd = %v, want 19.95", st.RD)
	}
	if st.Save {
		t.Errorf("save recommended below certainty floor")
	}
	if e.RecommendedRD() != st.RD {
		t.Errorf("working recommendation not updated")
	}
	if e.TunedRD() != 20.0 {
		t.Errorf("baseline moved without save")
	}
}

func TestOutOfBoundsRejected(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) {
		p.AutotuneCooldownS = 0
		p.AutotuneCooldownMM = 0
	})
	e := New(zap.NewNop(), cfg, 20.0)
	e.samplesLow = []float64{10, 10}
	e.samplesHigh = []float64{10, 10}
	e.cycles = []cycle{{10, 10}, {10, 10}}
	e.updatesSinceFlip = 0

	// Estimate is 19.95 but the allowed band excludes it.
	st := e.Update(Input{DExt: 1, Dt: 1, TwoLevel: true, RDLow: 19.99, RDHigh: 21})
	if st.Recommended || !strings.Contains(st.Note, "out of bounds") {
		t.Errorf("want bounds rejection, got %+v", st)
	}
}

func TestPauseAndResume(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)

	e.Pause()
	st := e.Update(Input{DExt: 1, Dt: 1, TwoLevel: true})
	if st.Note != "Autotune: Paused" {
		t.Errorf("note = %q", st.Note)
	}

	// Evidence collected while paused is discarded.
	e.NoteTwoLevelTick(LevelLow, true, 1.0, false)
	if e.flips != 0 {
		t.Errorf("flip recorded while paused")
	}

	before := e.totalMotionMM
	e.Resume()
	if e.paused {
		t.Errorf("resume left engine paused")
	}
	if e.totalMotionMM != before {
		t.Errorf("resume reset totals")
	}
}

func TestRestartClearsEvidence(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)
	e.samplesLow = []float64{10}
	e.cycles = []cycle{{10, 10}}
	e.certFIFO = []float64{20, 20}
	e.certLastScore = 0.4
	e.totalMotionMM = 500

	e.Restart(21.0)
	if e.RecommendedRD() != 21.0 {
		t.Errorf("recommendation not rebased")
	}
	if len(e.samplesLow) != 0 || len(e.cycles) != 0 || len(e.certFIFO) != 0 {
		t.Errorf("restart left evidence behind")
	}
	if e.certLastScore != -1.0 {
		t.Errorf("certainty history survived restart")
	}
	if e.totalMotionMM != 0 {
		t.Errorf("totals survived restart")
	}
}

func TestNeutralWindowAccrual(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) {
		p.SensorType = "P"
		p.AutotuneCooldownS = 0
		p.AutotuneCooldownMM = 0
		p.AutotuneBasis = "either"
		p.AutotuneStableTimeS = 1.0
	})
	e := New(zap.NewNop(), cfg, 20.0)

	// Steady rd near neutral: the EWMA converges with zero variance and
	// recommends the applied value.
	var rd float64
	var ok bool
	for i := 0; i < 40; i++ {
		rd, ok, _ = e.recommendFromNeutralWindow(Input{
			DExt: 5.0, Dt: 0.25, X: 0.01, RDCurrent: 20.5,
		})
		if ok {
			break
		}
	}
	if !ok {
		t.Fatalf("steady window never became ready")
	}
	if !near(rd, 20.5, 1e-9) {
		t.Errorf("rd = %v, want 20.5", rd)
	}
}

func TestNeutralWindowDropsOnInstability(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) { p.SensorType = "P" })
	e := New(zap.NewNop(), cfg, 20.0)

	e.recommendFromNeutralWindow(Input{DExt: 5, Dt: 0.25, X: 0.01, RDCurrent: 20.5})
	if !e.emaSeeded {
		t.Fatalf("stable tick did not seed the window")
	}
	e.recommendFromNeutralWindow(Input{DExt: 5, Dt: 0.25, X: 0.5, RDCurrent: 20.5})
	if e.emaSeeded || e.stableTimeS != 0 || e.stableMotionMM != 0 {
		t.Errorf("leaving the neutral band did not drop the window")
	}
}

func TestTwoLevelPhase(t *testing.T) {
	e := New(zap.NewNop(), testConfig(t, nil), 20.0)

	if _, _, _, ok := e.TwoLevelPhase(false); ok {
		t.Errorf("phase reported without evidence")
	}

	e.segLevel = LevelLow
	e.samplesLow = []float64{10, 10}
	e.segMM = 5.0
	phase, level, extruding, ok := e.TwoLevelPhase(false)
	if !ok || level != LevelLow || !extruding {
		t.Fatalf("phase = (%v %v %v %v)", phase, level, extruding, ok)
	}
	if !near(phase, 0.5, 1e-12) {
		t.Errorf("phase = %v, want 0.5", phase)
	}

	// Extreme travel excluded from both numerator and mean.
	e.segExtremeMM = 2.0
	phase, _, _, _ = e.TwoLevelPhase(true)
	if !near(phase, 3.0/8.0, 1e-12) {
		t.Errorf("phase = %v, want 0.375", phase)
	}

	// Past the mean length the phase saturates.
	e.segMM = 50.0
	e.segExtremeMM = 0.0
	phase, _, _, _ = e.TwoLevelPhase(false)
	if phase != 1.0 {
		t.Errorf("phase = %v, want 1", phase)
	}
}
