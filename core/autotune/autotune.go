// Autotune owns the bookkeeping and decisions for learning the baseline
// rotation distance. Two evidence paths feed it: an EWMA of the applied
// rotation distance gathered near neutral while the Kalman branch runs, and
// a duty-cycle estimator over low/high segments in two-level mode. Both
// paths share the statistical gates (cooldown, bounds, certainty scoring,
// trivial-delta rejection) before a recommendation is released.
package autotune

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"example.com/filament-sync/base/floats"
	"example.com/filament-sync/core/config"
)

// Level names the two-level segment currently in effect.
type Level uint8

const (
	LevelNone Level = iota
	LevelLow
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	}
	return "UNSUPPORTED"
}

const (
	// Moving windows for the two-level duty estimator.
	segWindow   = 6
	cycleWindow = 4

	// Certainty score required before a recommendation is worth persisting.
	minCertScore = 0.5

	// Deltas below this are not worth acting on.
	trivialDeltaAbs = 1e-3
)

// Input carries the per-tick evidence the estimator needs from the
// controller. RDLow and RDHigh bound acceptable recommendations and feed
// the duty-weighted speed estimate; X and RDCurrent feed the near-neutral
// path.
type Input struct {
	DExt          float64
	Dt            float64
	TwoLevel      bool
	X             float64
	RDCurrent     float64
	RDLow         float64
	RDHigh        float64
	ReportTrivial bool
}

// Status reports one Update outcome. RD is only meaningful when Recommended
// is set. Save indicates the recommendation is certain enough to persist as
// the new default.
type Status struct {
	RD          float64
	Recommended bool
	Note        string
	Save        bool
}

type cycle struct {
	lowMM  float64
	highMM float64
}

type Engine struct {
	log *zap.Logger
	cfg config.Config

	totalMotionMM float64
	totalTimeS    float64
	paused        bool

	// Near-neutral window stats, in speed space (v = 1/rd).
	stableTimeS    float64
	stableMotionMM float64
	emaSeeded      bool
	emaMean        float64
	emaVar         float64

	// Cooldown anchors and the current/persisted recommendations.
	lastTimeS    float64
	lastMotionMM float64
	baseline     float64
	current      float64

	// Certainty window over released candidates.
	certFIFO      []float64
	certLastScore float64

	// Two-level flip evidence.
	flips            int
	updatesSinceFlip int

	// Segment and cycle tracking for the duty estimator.
	segLevel      Level
	segMM         float64
	segExtremeMM  float64
	samplesLow    []float64
	samplesHigh   []float64
	unpairedLow   float64
	unpairedHigh  float64
	haveUnpairedL bool
	haveUnpairedH bool
	cycles        []cycle
	minCycles     int
}

func New(log *zap.Logger, cfg config.Config, rdRef float64) *Engine {
	e := &Engine{
		log:       log,
		cfg:       cfg,
		baseline:  rdRef,
		minCycles: 2,
	}
	if cfg.Sensor.OneSided() {
		// One-sided switches see only half the buffer per cycle, so
		// demand more evidence.
		e.minCycles = 4
	}
	e.Restart(rdRef)
	return e
}

// Restart rebases all anchors and windows on a fresh baseline, as after a
// cold start or a FlowGuard trip. Totals, cooldown, and the certainty
// window all start over.
func (e *Engine) Restart(rdInit float64) {
	e.totalMotionMM = 0.0
	e.totalTimeS = 0.0
	e.certFIFO = e.certFIFO[:0]
	e.certLastScore = -1.0
	e.restart(rdInit, true)
}

// restart rebases the evidence windows on rdInit. When anchorCooldown is
// set, the cooldown origin moves to the present so the next release has to
// wait out a full cooldown again.
func (e *Engine) restart(rdInit float64, anchorCooldown bool) {
	e.current = rdInit
	e.paused = false

	if anchorCooldown {
		e.lastTimeS = e.totalTimeS
		e.lastMotionMM = e.totalMotionMM
	}

	e.stableTimeS = 0.0
	e.stableMotionMM = 0.0
	e.emaSeeded = false
	e.emaMean = 0.0
	e.emaVar = 0.0

	e.flips = 0
	e.updatesSinceFlip = 0

	e.segLevel = LevelNone
	e.segMM = 0.0
	e.segExtremeMM = 0.0
	e.samplesLow = e.samplesLow[:0]
	e.samplesHigh = e.samplesHigh[:0]
	e.haveUnpairedL = false
	e.haveUnpairedH = false
	e.cycles = e.cycles[:0]
}

// Pause suspends evidence collection, typically around a long retract:
// tuning is only reliable while extruding forward.
func (e *Engine) Pause() {
	e.paused = true
}

// Resume restarts evidence collection after a pause. The windows are
// rebuilt from scratch but totals, cooldown anchors, and the certainty
// history all survive.
func (e *Engine) Resume() {
	if e.paused {
		e.restart(e.current, false)
	}
}

// NoteTwoLevelTick records one tick of two-level evidence: which level is
// in effect, whether the level flipped this tick, the extruder travel, and
// whether the sensor was pegged.
func (e *Engine) NoteTwoLevelTick(level Level, flipped bool, dExt float64, extreme bool) {
	if e.paused {
		return
	}

	if flipped {
		e.updatesSinceFlip = 0
		e.flips++
	} else {
		e.updatesSinceFlip++
	}

	// Segments only count after the first flip, to shed startup state.
	if e.flips < 1 {
		return
	}

	e.segMM += dExt
	if extreme {
		e.segExtremeMM += dExt
	}

	if flipped {
		segMM := math.Abs(e.segMM)

		switch e.segLevel {
		case LevelLow:
			e.samplesLow = appendWindow(e.samplesLow, segMM, segWindow)
			if e.haveUnpairedH {
				e.cycles = appendCycles(e.cycles, cycle{lowMM: segMM, highMM: e.unpairedHigh})
				e.haveUnpairedH = false
			} else {
				e.unpairedLow = segMM
				e.haveUnpairedL = true
			}
		case LevelHigh:
			e.samplesHigh = appendWindow(e.samplesHigh, segMM, segWindow)
			if e.haveUnpairedL {
				e.cycles = appendCycles(e.cycles, cycle{lowMM: e.unpairedLow, highMM: segMM})
				e.haveUnpairedL = false
			} else {
				e.unpairedHigh = segMM
				e.haveUnpairedH = true
			}
		}

		e.segLevel = level
		e.segMM = 0.0
		e.segExtremeMM = 0.0
	}
}

// Update runs one estimator step and applies the shared gates. In two-level
// mode only the duty estimator is queried, otherwise only the near-neutral
// window.
func (e *Engine) Update(in Input) Status {
	if e.paused {
		return Status{Note: "Autotune: Paused"}
	}

	e.totalTimeS += math.Max(0.0, in.Dt)
	e.totalMotionMM += math.Abs(in.DExt)
	travel := fmt.Sprintf("@%.0fs/%.0fmm", e.totalTimeS, e.totalMotionMM)

	// Cooldown: require enough motion and time since the last release.
	if e.totalMotionMM-e.lastMotionMM < e.cfg.AutotuneCooldownMM ||
		e.totalTimeS-e.lastTimeS < e.cfg.AutotuneCooldownS {
		return Status{}
	}

	var recRD float64
	var recOK bool
	var note string
	if in.TwoLevel {
		recRD, recOK, note = e.recommendFromTwoLevel(in)
	} else {
		recRD, recOK, note = e.recommendFromNeutralWindow(in)
	}
	if !recOK {
		if note != "" {
			return Status{Note: fmt.Sprintf("Autotune: %s %s", travel, note)}
		}
		return Status{}
	}

	if recRD < in.RDLow || recRD > in.RDHigh {
		return Status{Note: fmt.Sprintf(
			"Autotune: %s Rejected rd %.4f because out of bounds!", travel, recRD)}
	}

	// Certainty gate: acceptance gets progressively harder.
	accepted, ok, certNote := e.confident(recRD)
	if !ok {
		if certNote != "" {
			return Status{Note: fmt.Sprintf("Autotune: %s %s", travel, certNote)}
		}
		return Status{}
	}

	if !in.ReportTrivial && math.Abs(accepted-e.current) <= trivialDeltaAbs {
		return Status{Note: fmt.Sprintf(
			"Autotune: %s Rejected rd %.4f because too trivial a delta", travel, accepted)}
	}

	e.current = accepted
	st := Status{
		RD:          accepted,
		Recommended: true,
		Note:        fmt.Sprintf("Autotune: %s %s and %s", travel, note, certNote),
	}

	if e.certLastScore >= minCertScore {
		frac := fracSpeedDelta(accepted, e.baseline)
		if frac >= e.cfg.AutotuneMinSaveFrac {
			e.baseline = accepted
			st.Save = true
		}
	}
	e.log.Debug("autotune accepted",
		zap.Float64("rd", accepted),
		zap.Float64("cert_score", e.certLastScore),
		zap.Bool("save", st.Save),
	)

	// Rebuild the windows around the accepted value and make the next
	// release wait out a full cooldown.
	e.restart(accepted, true)
	return st
}

// TwoLevelPhase reports progress through the current two-level segment as a
// fraction of the mean segment length for that level. excludeExtreme drops
// travel spent pegged against a switch. The third result reports whether
// the prevailing motion is forward. ok is false until enough segments have
// been seen.
func (e *Engine) TwoLevelPhase(excludeExtreme bool) (phase float64, level Level, extruding, ok bool) {
	if e.segLevel == LevelNone {
		return 0, LevelNone, false, false
	}
	samples := e.samplesLow
	if e.segLevel == LevelHigh {
		samples = e.samplesHigh
	}
	if len(samples) == 0 {
		return 0, LevelNone, false, false
	}

	meanLen := floats.Mean(samples)
	travel := math.Abs(e.segMM)
	if excludeExtreme {
		travel -= math.Abs(e.segExtremeMM)
		meanLen -= math.Abs(e.segExtremeMM)
	}
	phase = floats.Clamp(travel/math.Max(1e-6, meanLen), 0.0, 1.0)
	return phase, e.segLevel, e.segMM > 0, true
}

// RecommendedRD returns the current working recommendation. FlowGuard uses
// it as the relief-effort baseline.
func (e *Engine) RecommendedRD() float64 {
	return e.current
}

// TunedRD returns the last recommendation certain enough to persist.
// Initially this is the starting value.
func (e *Engine) TunedRD() float64 {
	return e.baseline
}

func (e *Engine) recommendFromNeutralWindow(in Input) (float64, bool, string) {
	cfg := e.cfg

	stable := math.Abs(in.X) < cfg.AutotuneStableXThresh
	move := math.Abs(in.DExt)
	if stable {
		e.stableTimeS += in.Dt
		e.stableMotionMM += move

		if move > 0.0 {
			l := math.Max(1e-9, cfg.AutotuneVarLenMM)
			alpha := 1.0 - math.Exp(-move/l)

			// EWMA in speed space: v = 1/rd.
			v := 1.0 / math.Max(1e-9, in.RDCurrent)
			if !e.emaSeeded {
				e.emaSeeded = true
				e.emaMean = v
				e.emaVar = 0.0
			} else {
				// EWMA mean plus West's exponentially weighted variance.
				d := v - e.emaMean
				e.emaMean += alpha * d
				e.emaVar = math.Max(0.0, (1.0-alpha)*(e.emaVar+alpha*d*d))
			}
		}
	} else {
		// Left the neutral band; the accrued stats are junk now.
		e.stableTimeS = 0.0
		e.stableMotionMM = 0.0
		e.emaSeeded = false
		e.emaMean = 0.0
		e.emaVar = 0.0
	}

	if !e.emaSeeded {
		return 0, false, ""
	}

	timeOK := e.stableTimeS >= cfg.AutotuneStableTimeS
	motionOK := e.stableMotionMM >= cfg.AutotuneMotionMM
	var ready bool
	switch cfg.AutotuneBasis {
	case config.BasisTime:
		ready = timeOK
	case config.BasisMotion:
		ready = motionOK
	case config.BasisEither:
		ready = timeOK || motionOK
	default:
		ready = timeOK && motionOK
	}
	if !ready {
		return 0, false, ""
	}

	meanV := math.Max(e.emaMean, 1e-12)
	stdV := math.Sqrt(math.Max(0.0, e.emaVar))
	relStdV := stdV / meanV
	if relStdV > cfg.AutotuneVarRelFrac {
		return 0, false, fmt.Sprintf(
			"Rejected rd %.4f due to speed-relative variance %.4f > %.4f",
			1.0/meanV, relStdV, cfg.AutotuneVarRelFrac)
	}

	meanRD := 1.0 / meanV
	return meanRD, true, fmt.Sprintf(
		"Kalman logic suggests rd~%.4f after %.1fs/%.1fmm near neutral",
		meanRD, e.stableTimeS, e.stableMotionMM)
}

func (e *Engine) recommendFromTwoLevel(in Input) (float64, bool, string) {
	cfg := e.cfg

	// Only evaluate on flips.
	if e.updatesSinceFlip != 0 {
		return 0, false, ""
	}
	if len(e.samplesLow) < e.minCycles || len(e.samplesHigh) < e.minCycles ||
		len(e.cycles) < e.minCycles {
		return 0, false, ""
	}

	// Per-cycle fractions carry the variance; the mean duty comes from the
	// ratio of sums so long cycles weigh in proportionally.
	var fhList []float64
	var dlSum, dhSum float64
	for _, c := range e.cycles {
		tot := math.Max(1e-12, c.lowMM+c.highMM)
		fhList = append(fhList, c.highMM/tot)
		dlSum += c.lowMM
		dhSum += c.highMM
	}
	fhMean := dhSum / math.Max(1e-12, dlSum+dhSum)

	// Duty-weighted speed estimate, mapped back to rd to avoid rd-space bias.
	vLow := 1.0 / math.Max(1e-9, in.RDLow)
	vHigh := 1.0 / math.Max(1e-9, in.RDHigh)
	vEst := (1.0-fhMean)*vLow + fhMean*vHigh
	rdEst := 1.0 / math.Max(1e-9, vEst)

	// Significance test: is rdEst statistically distinguishable from the
	// working value given the duty variability across cycles?
	zNote := "perfect"
	if cfg.AutotuneSignificanceZ > 0.0 && len(fhList) >= 2 {
		seF := floats.StdErr(fhList)

		// d(rd)/d(f) = rd^2 * (vLow - vHigh)
		seRD := rdEst * rdEst * math.Abs(vLow-vHigh) * seF
		if seRD >= 1e-9 {
			z := math.Abs(rdEst-e.current) / seRD
			if z < cfg.AutotuneSignificanceZ {
				return 0, false, fmt.Sprintf(
					"Rejected rd %.4f because z-score %.2f not significant (<%.2f)",
					rdEst, z, cfg.AutotuneSignificanceZ)
			}
			zNote = fmt.Sprintf("%.2f", z)
		}
	}

	return rdEst, true, fmt.Sprintf(
		"Two-level logic suggests rd~%.4f (duty %.2f over %d cycles, z-score=%s)",
		rdEst, fhMean, len(fhList), zNote)
}

// confident pushes a candidate into the certainty window and releases the
// window mean only if the score improved over the previous release.
func (e *Engine) confident(recRD float64) (float64, bool, string) {
	e.certFIFO = appendWindow(e.certFIFO, recRD, e.cfg.CertWindow)
	score, mean, se, n := certaintyScore(e.certFIFO, e.cfg.CertTauRel, e.cfg.CertN0)

	prev := e.certLastScore
	threshold := 0.0
	if prev != 0 {
		threshold = math.Max(prev+e.cfg.CertHysteresis, 0)
	}
	if score <= threshold {
		if prev < 0 {
			e.certLastScore = 0.0
			return 0, false, fmt.Sprintf(
				"Rejected new rd %.4f due to certainty score of zero (n=%d)", recRD, n)
		}
		return 0, false, fmt.Sprintf(
			"Rejected new rd %.4f due to certainty score %.3f <= prev %.3f (n=%d)",
			recRD, score, prev, n)
	}

	e.certLastScore = score
	return mean, true, fmt.Sprintf(
		"with certainty score of %.3f (prev %.3f), n=%d, mean %.4f, SE %.4f",
		score, prev, n, mean, se)
}

// certaintyScore scores a candidate window in [0, 1]; higher is more
// certain. tauRel is the target relative standard error (smaller is
// stricter) and n0 a sample-size skepticism prior. A window of fewer than
// two samples has no certainty at all.
func certaintyScore(vals []float64, tauRel, n0 float64) (score, mean, se float64, n int) {
	n = len(vals)
	if n == 0 {
		return 0, 0, 0, 0
	}
	mean = floats.Mean(vals)
	se = floats.StdErr(vals)

	const eps = 1e-12
	relSE := math.Inf(1)
	if mean != 0.0 {
		relSE = se / math.Max(math.Abs(mean), eps)
	}

	prec := 1.0 / (1.0 + relSE/math.Max(tauRel, eps))
	if n < 2 {
		prec = 0.0
	}
	size := float64(n) / (float64(n) + n0)
	return prec * size, mean, se, n
}

// fracSpeedDelta is the fractional speed change between two rotation
// distances, |v(new)/v(ref) - 1| with v = 1/rd.
func fracSpeedDelta(rdNew, rdRef float64) float64 {
	return math.Abs(rdRef/math.Max(1e-9, rdNew) - 1.0)
}

func appendWindow(w []float64, v float64, maxLen int) []float64 {
	w = append(w, v)
	if len(w) > maxLen {
		w = w[1:]
	}
	return w
}

func appendCycles(cs []cycle, c cycle) []cycle {
	cs = append(cs, c)
	if len(cs) > cycleWindow {
		cs = cs[1:]
	}
	return cs
}
