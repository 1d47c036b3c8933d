package pll

import (
	"math"

	"github.com/sergev/fluxdecode/weak"
)

// Mode selects how the loop gain is chosen.
type Mode int

const (
	// ModeSync uses the high gain for fast acquisition.
	ModeSync Mode = iota
	// ModeData uses the low gain for stable tracking.
	ModeData
	// ModeAdaptive interpolates the gain from recent jitter.
	ModeAdaptive
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeData:
		return "data"
	case ModeAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration name to a Mode.
func ParseMode(name string) (Mode, bool) {
	switch name {
	case "sync":
		return ModeSync, true
	case "data":
		return ModeData, true
	case "adaptive":
		return ModeAdaptive, true
	}
	return ModeSync, false
}

// Capacities of the history rings.
const (
	JitterHistory = 8
	PhaseHistory  = 16
)

// lockWindow is the fraction of a cell within which a pulse counts as
// on-center for lock detection.
const lockWindow = 0.25

// Config holds the tunable loop parameters.
type Config struct {
	Tolerance       float64 // allowed cell deviation from reference, fraction
	SyncGain        float64 // loop gain in sync mode
	DataGain        float64 // loop gain in data mode
	Kp              float64 // proportional coefficient
	Ki              float64 // integral coefficient
	Kd              float64 // derivative coefficient
	IntegralLimit   float64 // anti-windup clamp, in reference cells
	JitterThreshold float64 // average jitter (fraction of cell) that selects full sync gain
	MaxGainSlew     float64 // max gain change per pulse in adaptive mode
	LockThreshold   int     // counter value that declares lock
	UnlockThreshold int     // counter value that drops lock
	Mode            Mode
}

// DefaultConfig returns the tuning used for typical 3.5"/5.25" media.
func DefaultConfig() Config {
	return Config{
		Tolerance:       0.10,
		SyncGain:        1.0,
		DataGain:        0.3,
		Kp:              0.10,
		Ki:              0.01,
		Kd:              0.02,
		IntegralLimit:   0.5,
		JitterThreshold: 0.20,
		MaxGainSlew:     0.05,
		LockThreshold:   16,
		UnlockThreshold: 4,
		Mode:            ModeAdaptive,
	}
}

// Result describes the cells produced by one flux pulse: Cells-1 zero
// bits followed by a one bit.
type Result struct {
	Cells      int
	Confidence uint8
	Weak       bool
	Locked     bool
	PhaseError float64 // in samples, positive when the pulse came early
}

// Bit returns the confidence-annotated one bit that ends the run.
func (r Result) Bit() weak.Bit {
	return weak.Bit{Value: 1, Confidence: r.Confidence, Weak: r.Weak}
}

// Stats are cumulative loop statistics.
type Stats struct {
	Pulses      int     `json:"pulses" yaml:"pulses"`
	Cells       int     `json:"cells" yaml:"cells"`
	Clamps      int     `json:"clamps" yaml:"clamps"`
	Locks       int     `json:"locks" yaml:"locks"`
	Unlocks     int     `json:"unlocks" yaml:"unlocks"`
	LockedRatio float64 `json:"locked_ratio" yaml:"locked_ratio"`
	Jitter      float64 `json:"jitter" yaml:"jitter"` // RMS phase error over the phase history, fraction of cell
	CellSize    float64 `json:"cell_size" yaml:"cell_size"`
}

// PLL recovers the bit-cell clock from flux intervals.
// A PLL is not safe for concurrent use; give each goroutine its own.
type PLL struct {
	cfg Config

	sampleRate float64
	bitRate    float64
	cellRef    float64 // reference cell size in samples
	cellMin    float64
	cellMax    float64

	cellSize    float64
	integral    float64
	prevError   float64
	gainCurrent float64

	lockCount int
	locked    bool

	jitter      [JitterHistory]float64
	jitterIdx   int
	jitterCount int

	phase      [PhaseHistory]float64
	phaseIdx   int
	phaseCount int

	pulses       int
	cells        int
	clamps       int
	locks        int
	unlocks      int
	lockedPulses int
}

// New creates a PLL with the given configuration. Call Configure before
// feeding pulses.
func New(cfg Config) *PLL {
	p := &PLL{cfg: cfg}
	p.Reset()
	return p
}

// Configure sets the reference cell size to sampleRate/bitRate and
// derives the tolerance window. Non-positive rates are ignored.
func (p *PLL) Configure(sampleRate, bitRate float64) {
	if sampleRate <= 0 || bitRate <= 0 {
		return
	}
	p.sampleRate = sampleRate
	p.bitRate = bitRate
	p.cellRef = sampleRate / bitRate
	tol := p.cfg.Tolerance
	if tol < 0 {
		tol = 0
	}
	p.cellMin = p.cellRef / (1 + tol)
	p.cellMax = p.cellRef * (1 + tol)
	p.Reset()
}

// Configured reports whether Configure has been called successfully.
func (p *PLL) Configured() bool {
	return p.cellRef > 0
}

// Reset clears the dynamic state and keeps the configuration.
func (p *PLL) Reset() {
	p.cellSize = p.cellRef
	p.integral = 0
	p.prevError = 0
	p.gainCurrent = p.modeGain()
	p.lockCount = 0
	p.locked = false
	p.jitter = [JitterHistory]float64{}
	p.jitterIdx = 0
	p.jitterCount = 0
	p.phase = [PhaseHistory]float64{}
	p.phaseIdx = 0
	p.phaseCount = 0
	p.pulses = 0
	p.cells = 0
	p.clamps = 0
	p.locks = 0
	p.unlocks = 0
	p.lockedPulses = 0
}

// HardReset restores the loop configuration to cfg and resets.
// The reference cell size set by Configure is kept, with its window
// recomputed from the new tolerance.
func (p *PLL) HardReset(cfg Config) {
	p.cfg = cfg
	if p.cellRef > 0 {
		p.Configure(p.sampleRate, p.bitRate)
		return
	}
	p.Reset()
}

// SetMode switches the gain mode without disturbing lock state.
func (p *PLL) SetMode(m Mode) {
	p.cfg.Mode = m
	if m != ModeAdaptive {
		p.gainCurrent = p.modeGain()
	}
}

// Config returns the active configuration.
func (p *PLL) Config() Config {
	return p.cfg
}

// CellSize returns the current cell size in samples.
func (p *PLL) CellSize() float64 {
	return p.cellSize
}

// CellRef returns the reference cell size in samples.
func (p *PLL) CellRef() float64 {
	return p.cellRef
}

// Bounds returns the allowed cell size range.
func (p *PLL) Bounds() (float64, float64) {
	return p.cellMin, p.cellMax
}

// Gain returns the current loop gain.
func (p *PLL) Gain() float64 {
	return p.gainCurrent
}

// Locked reports the lock state.
func (p *PLL) Locked() bool {
	return p.locked
}

func (p *PLL) modeGain() float64 {
	if p.cfg.Mode == ModeData {
		return p.cfg.DataGain
	}
	return p.cfg.SyncGain
}

// ProcessPulse consumes the time since the previous flux transition, in
// samples, and returns the number of cells it spans with a confidence
// for the transition. An unconfigured PLL, or a pulse that is not a
// positive finite length, returns a zero Result.
func (p *PLL) ProcessPulse(pos float64) Result {
	if p.cellRef <= 0 || pos <= 0 || math.IsNaN(pos) || math.IsInf(pos, 0) {
		return Result{}
	}

	cells := int(math.Round(pos / p.cellSize))
	if cells < 1 {
		cells = 1
	}
	center := float64(cells) * p.cellSize
	phaseErr := center - pos
	cellErr := phaseErr / float64(cells)

	// Confidence and lock use the error relative to one cell window.
	dist := math.Abs(phaseErr)
	bit := weak.Classify(1, phaseErr, p.cellSize/2)

	p.updateLock(dist < lockWindow*p.cellSize)
	p.updateGain(math.Abs(cellErr) / p.cellSize)

	// PID on the per-cell error.
	limit := p.cfg.IntegralLimit * p.cellRef
	p.integral += cellErr
	if p.integral > limit {
		p.integral = limit
	} else if p.integral < -limit {
		p.integral = -limit
	}
	deriv := cellErr - p.prevError
	p.prevError = cellErr
	correction := p.cfg.Kp*cellErr + p.cfg.Ki*p.integral + p.cfg.Kd*deriv

	p.cellSize -= p.gainCurrent * correction
	if p.cellSize < p.cellMin {
		p.cellSize = p.cellMin
		p.clamps++
	} else if p.cellSize > p.cellMax {
		p.cellSize = p.cellMax
		p.clamps++
	}

	p.phase[p.phaseIdx] = phaseErr / p.cellRef
	p.phaseIdx = (p.phaseIdx + 1) % PhaseHistory
	if p.phaseCount < PhaseHistory {
		p.phaseCount++
	}

	p.pulses++
	p.cells += cells
	if p.locked {
		p.lockedPulses++
	}

	return Result{
		Cells:      cells,
		Confidence: bit.Confidence,
		Weak:       bit.Weak,
		Locked:     p.locked,
		PhaseError: phaseErr,
	}
}

// updateLock runs the lock counter with hysteresis between the lock and
// unlock thresholds.
func (p *PLL) updateLock(onCenter bool) {
	maxCount := 2 * p.cfg.LockThreshold
	if onCenter {
		if p.lockCount < maxCount {
			p.lockCount++
		}
	} else if p.lockCount > 0 {
		p.lockCount--
	}

	if !p.locked && p.lockCount >= p.cfg.LockThreshold {
		p.locked = true
		p.locks++
	} else if p.locked && p.lockCount <= p.cfg.UnlockThreshold {
		p.locked = false
		p.unlocks++
	}
}

// updateGain records jitter and, in adaptive mode, moves the gain
// towards the target by at most MaxGainSlew.
func (p *PLL) updateGain(jitter float64) {
	p.jitter[p.jitterIdx] = jitter
	p.jitterIdx = (p.jitterIdx + 1) % JitterHistory
	if p.jitterCount < JitterHistory {
		p.jitterCount++
	}

	if p.cfg.Mode != ModeAdaptive {
		p.gainCurrent = p.modeGain()
		return
	}

	var sum float64
	for _, j := range p.jitter[:p.jitterCount] {
		sum += j
	}
	avg := sum / float64(p.jitterCount)

	target := p.cfg.SyncGain
	if p.cfg.JitterThreshold > 0 && avg < p.cfg.JitterThreshold {
		t := avg / p.cfg.JitterThreshold
		target = p.cfg.DataGain + (p.cfg.SyncGain-p.cfg.DataGain)*t
	}

	delta := target - p.gainCurrent
	if p.cfg.MaxGainSlew > 0 {
		if delta > p.cfg.MaxGainSlew {
			delta = p.cfg.MaxGainSlew
		} else if delta < -p.cfg.MaxGainSlew {
			delta = -p.cfg.MaxGainSlew
		}
	}
	p.gainCurrent += delta
}

// Stats returns cumulative statistics.
func (p *PLL) Stats() Stats {
	s := Stats{
		Pulses:   p.pulses,
		Cells:    p.cells,
		Clamps:   p.clamps,
		Locks:    p.locks,
		Unlocks:  p.unlocks,
		CellSize: p.cellSize,
	}
	if p.pulses > 0 {
		s.LockedRatio = float64(p.lockedPulses) / float64(p.pulses)
	}
	if p.phaseCount > 0 {
		var sum float64
		for _, e := range p.phase[:p.phaseCount] {
			sum += e * e
		}
		s.Jitter = math.Sqrt(sum / float64(p.phaseCount))
	}
	return s
}
