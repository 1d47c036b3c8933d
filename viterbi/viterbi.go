// Package viterbi recovers Commodore GCR data from noisy bit streams by
// maximum-likelihood sequence decoding over the 5-bit code space.
package viterbi

import (
	"encoding/json"
	"fmt"
	"math/bits"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/gcr"
	"github.com/sergev/fluxdecode/sector"
)

// Trellis shape.
const (
	States     = 32
	CodeBits   = 5
	SymbolBits = 2 * CodeBits // one byte
	MaxConf    = 255
)

// encodeTable maps trellis states to expected 5-bit codes. The upper
// sixteen states are padding and expect an all-zero code.
var encodeTable = func() [States]byte {
	var t [States]byte
	copy(t[:], gcr.CBMCode[:])
	return t
}()

// Config tunes a decoder.
type Config struct {
	// TracebackDepth is the number of 5-bit steps kept before the
	// oldest half is decided. Must be even.
	TracebackDepth int `toml:"traceback_depth" yaml:"traceback_depth"`
	// SoftDecision weighs bit mismatches by their confidence.
	SoftDecision bool `toml:"soft_decision" yaml:"soft_decision"`
	// Penalty is the cost of a code pair with more than two zeros in a
	// row. Soft decisions scale it by MaxConf.
	Penalty           int `toml:"penalty" yaml:"penalty"`
	NormalizeInterval int `toml:"normalize_interval" yaml:"normalize_interval"`

	// Early stop ends symbol intake once at least MinSymbols symbols have
	// been seen and the best path metric is at or below the threshold.
	EarlyStop          bool `toml:"early_stop" yaml:"early_stop"`
	EarlyStopThreshold int  `toml:"early_stop_threshold" yaml:"early_stop_threshold"`
	MinSymbols         int  `toml:"min_symbols" yaml:"min_symbols"`
}

// DefaultConfig returns the settings used for 1541 data blocks.
func DefaultConfig() Config {
	return Config{
		TracebackDepth:    32,
		Penalty:           2,
		NormalizeInterval: 64,
		MinSymbols:        64,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.TracebackDepth < 2 || c.TracebackDepth%2 != 0:
		return fmt.Errorf("traceback depth %d must be even and at least 2: %w", c.TracebackDepth, sector.ErrInvalidArgument)
	case c.Penalty < 0:
		return fmt.Errorf("negative penalty %d: %w", c.Penalty, sector.ErrInvalidArgument)
	case c.NormalizeInterval <= 0:
		return fmt.Errorf("normalize interval %d: %w", c.NormalizeInterval, sector.ErrInvalidArgument)
	case c.MinSymbols < 0 || c.EarlyStopThreshold < 0:
		return fmt.Errorf("negative early stop setting: %w", sector.ErrInvalidArgument)
	}
	return nil
}

// Report summarizes a decode session.
type Report struct {
	Symbols        int  `json:"symbols"`
	Bytes          int  `json:"bytes"`
	CorrectedBits  int  `json:"corrected_bits"`
	Normalizations int  `json:"normalizations"`
	EarlyStopped   bool `json:"early_stopped"`
	PathMetric     int  `json:"path_metric"`
}

// JSON encodes the report.
func (r Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// step is one trellis column kept for traceback.
type step struct {
	from     [States]uint8 // best predecessor of each state
	observed byte          // received code
}

// Decoder is a 32-state Viterbi decoder. It is not safe for concurrent
// use; give each goroutine its own.
type Decoder struct {
	cfg     Config
	penalty int

	metric [States]int
	base   int // total subtracted by normalization
	ring   []step
	head   int // index of the oldest column
	count  int // columns in the ring
	steps  int
	first  bool

	nibbles []byte
	stopped bool
	report  Report
}

// New creates a decoder.
func New(cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{cfg: cfg, ring: make([]step, cfg.TracebackDepth)}
	d.penalty = cfg.Penalty
	if cfg.SoftDecision {
		d.penalty *= MaxConf
	}
	d.Reset()
	return d, nil
}

// Reset clears all decode state and the report.
func (d *Decoder) Reset() {
	d.metric = [States]int{}
	d.base = 0
	d.head = 0
	d.count = 0
	d.steps = 0
	d.first = true
	d.nibbles = nil
	d.stopped = false
	d.report = Report{}
}

// Config returns the decoder settings.
func (d *Decoder) Config() Config {
	return d.cfg
}

func leadingZeros5(c byte) int {
	return bits.LeadingZeros8((c&0x1F)<<3 | 0x04)
}

func trailingZeros5(c byte) int {
	if c&0x1F == 0 {
		return CodeBits
	}
	return bits.TrailingZeros8(c & 0x1F)
}

// transitionCost penalizes code pairs that put more than two zeros in a
// row on the disk.
func (d *Decoder) transitionCost(from, to int) int {
	if trailingZeros5(encodeTable[from])+leadingZeros5(encodeTable[to]) > 2 {
		return d.penalty
	}
	return 0
}

// branchCost is the distance between a received code and the code of a
// state. conf holds per-bit confidences, MSB first, for soft decisions.
func (d *Decoder) branchCost(observed byte, conf []uint8, state int) int {
	diff := (observed ^ encodeTable[state]) & 0x1F
	if !d.cfg.SoftDecision || conf == nil {
		return bits.OnesCount8(diff)
	}
	cost := 0
	for i := 0; i < CodeBits; i++ {
		if diff>>uint(CodeBits-1-i)&1 != 0 {
			cost += int(conf[i])
		}
	}
	return cost
}

// pushCode runs one 5-bit trellis step.
func (d *Decoder) pushCode(observed byte, conf []uint8) {
	var col step
	col.observed = observed & 0x1F

	var next [States]int
	for s := 0; s < States; s++ {
		best, from := 0, 0
		if !d.first {
			best = d.metric[0] + d.transitionCost(0, s)
			for p := 1; p < States; p++ {
				if m := d.metric[p] + d.transitionCost(p, s); m < best {
					best, from = m, p
				}
			}
		}
		next[s] = best + d.branchCost(observed, conf, s)
		col.from[s] = uint8(from)
	}
	d.metric = next
	d.first = false
	d.steps++

	if d.steps%d.cfg.NormalizeInterval == 0 {
		d.normalize()
	}

	d.ring[(d.head+d.count)%len(d.ring)] = col
	d.count++
	if d.count == len(d.ring) {
		d.emit(len(d.ring) / 2)
	}
}

func (d *Decoder) normalize() {
	low := d.metric[d.bestState()]
	for s := range d.metric {
		d.metric[s] -= low
	}
	d.base += low
	d.report.Normalizations++
}

// bestState returns the state with the lowest metric, the lowest index
// on ties.
func (d *Decoder) bestState() int {
	best := 0
	for s := 1; s < States; s++ {
		if d.metric[s] < d.metric[best] {
			best = s
		}
	}
	return best
}

// traceback walks the ring from the best state and returns the state of
// every column, oldest first.
func (d *Decoder) traceback() []int {
	states := make([]int, d.count)
	s := d.bestState()
	for i := d.count - 1; i >= 0; i-- {
		states[i] = s
		s = int(d.ring[(d.head+i)%len(d.ring)].from[s])
	}
	return states
}

// emit decides the n oldest columns and drops them from the ring.
func (d *Decoder) emit(n int) {
	if n > d.count {
		n = d.count
	}
	states := d.traceback()
	for i := 0; i < n; i++ {
		col := d.ring[(d.head+i)%len(d.ring)]
		code := encodeTable[states[i]]
		d.report.CorrectedBits += bits.OnesCount8((col.observed ^ code) & 0x1F)
		d.nibbles = append(d.nibbles, byte(states[i])&0x0F)
	}
	d.head = (d.head + n) % len(d.ring)
	d.count -= n
}

// PushSymbol feeds one received 10-bit symbol. conf holds ten per-bit
// confidences for soft decisions and may be nil. It reports false once
// early stop has ended intake.
func (d *Decoder) PushSymbol(symbol uint16, conf []uint8) bool {
	if d.stopped {
		return false
	}
	var hi, lo []uint8
	if len(conf) >= SymbolBits {
		hi, lo = conf[:CodeBits], conf[CodeBits:SymbolBits]
	}
	d.pushCode(byte(symbol>>CodeBits), hi)
	d.pushCode(byte(symbol), lo)
	d.report.Symbols++

	if d.cfg.EarlyStop && d.report.Symbols >= d.cfg.MinSymbols &&
		d.base+d.metric[d.bestState()] <= d.cfg.EarlyStopThreshold {
		d.stopped = true
		d.report.EarlyStopped = true
	}
	return !d.stopped
}

// Flush decides every remaining column and returns all bytes decoded
// since the last Reset, two nibbles per byte, high nibble first.
func (d *Decoder) Flush() []byte {
	d.report.PathMetric = d.base + d.metric[d.bestState()]
	if d.count > 0 {
		d.emit(d.count)
	}
	out := make([]byte, len(d.nibbles)/2)
	for i := range out {
		out[i] = d.nibbles[2*i]<<4 | d.nibbles[2*i+1]
	}
	d.report.Bytes = len(out)
	return out
}

// Decode runs a sequence of 10-bit symbols through a fresh session.
func (d *Decoder) Decode(symbols []uint16) []byte {
	d.Reset()
	for _, s := range symbols {
		if !d.PushSymbol(s, nil) {
			break
		}
	}
	return d.Flush()
}

// DecodeSoft decodes a bit stream with per-bit confidences.
func (d *Decoder) DecodeSoft(src bitstream.Bits, conf []uint8) ([]byte, error) {
	if src == nil {
		return nil, sector.ErrNilBuffer
	}
	if conf != nil && len(conf) < src.Len() {
		return nil, fmt.Errorf("%d confidences for %d bits: %w", len(conf), src.Len(), sector.ErrInvalidArgument)
	}
	d.Reset()
	n := src.Len() / SymbolBits
	for i := 0; i < n; i++ {
		var sym uint16
		for j := 0; j < SymbolBits; j++ {
			sym = sym<<1 | uint16(src.Bit(i*SymbolBits+j))
		}
		var c []uint8
		if conf != nil {
			c = conf[i*SymbolBits : (i+1)*SymbolBits]
		}
		if !d.PushSymbol(sym, c) {
			break
		}
	}
	return d.Flush(), nil
}

var _ gcr.Recovery = (*Decoder)(nil)

// DecodeBits decodes a hard-decision bit stream. It satisfies
// gcr.Recovery.
func (d *Decoder) DecodeBits(src bitstream.Bits) ([]byte, error) {
	return d.DecodeSoft(src, nil)
}

// Report returns the statistics of the current session.
func (d *Decoder) Report() Report {
	return d.report
}
