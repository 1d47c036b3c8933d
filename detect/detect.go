// Package detect decides which encoding a track uses by arbitrating
// between the sync marks reported by competing decoders.
package detect

import (
	"errors"
	"fmt"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
)

// Default hysteresis thresholds.
const (
	DefaultLockThreshold   = 3
	DefaultUnlockThreshold = 10
)

// Config holds the lock and unlock thresholds.
type Config struct {
	LockThreshold   int `toml:"lock_threshold" yaml:"lock_threshold"`
	UnlockThreshold int `toml:"unlock_threshold" yaml:"unlock_threshold"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{LockThreshold: DefaultLockThreshold, UnlockThreshold: DefaultUnlockThreshold}
}

// Validate reports non-positive thresholds.
func (c Config) Validate() error {
	if c.LockThreshold <= 0 || c.UnlockThreshold <= 0 {
		return fmt.Errorf("detector thresholds %d/%d: %w", c.LockThreshold, c.UnlockThreshold, sector.ErrInvalidArgument)
	}
	return nil
}

// Flags is a set of encodings that saw a sync mark on the same bit.
type Flags uint16

// With returns f with e added.
func (f Flags) With(e sector.Encoding) Flags {
	return f | 1<<uint(e)
}

// Has reports whether e is in the set.
func (f Flags) Has(e sector.Encoding) bool {
	return f&(1<<uint(e)) != 0
}

// Highest returns the highest-priority encoding in the set.
func (f Flags) Highest() (sector.Encoding, bool) {
	for _, e := range sector.Priority {
		if f.Has(e) {
			return e, true
		}
	}
	return sector.EncodingUnknown, false
}

// Stats counts detector activity.
type Stats struct {
	Updates  int `json:"updates" yaml:"updates"`
	Switches int `json:"switches" yaml:"switches"`
	Locks    int `json:"locks" yaml:"locks"`
}

// Detector is a priority arbiter with lock hysteresis.
type Detector struct {
	cfg        Config
	current    sector.Encoding
	locked     bool
	matches    int
	mismatches int
	stats      Stats
}

// New creates a detector. Non-positive thresholds fall back to defaults.
func New(cfg Config) *Detector {
	if cfg.LockThreshold <= 0 {
		cfg.LockThreshold = DefaultLockThreshold
	}
	if cfg.UnlockThreshold <= 0 {
		cfg.UnlockThreshold = DefaultUnlockThreshold
	}
	return &Detector{cfg: cfg}
}

// Update takes the sync flags of one bit position and returns the
// current encoding.
func (d *Detector) Update(flags Flags) sector.Encoding {
	e, ok := flags.Highest()
	if !ok {
		return d.current
	}
	d.stats.Updates++

	switch {
	case e == d.current:
		d.matches++
		d.mismatches = 0
		if !d.locked && d.matches >= d.cfg.LockThreshold {
			d.locked = true
			d.stats.Locks++
		}
	case d.locked:
		d.mismatches++
		if d.mismatches >= d.cfg.UnlockThreshold {
			d.switchTo(e)
		}
	default:
		d.switchTo(e)
	}
	return d.current
}

func (d *Detector) switchTo(e sector.Encoding) {
	d.current = e
	d.locked = false
	d.matches = 1
	d.mismatches = 0
	d.stats.Switches++
}

// Current returns the detected encoding, EncodingUnknown before any
// sync mark was seen.
func (d *Detector) Current() sector.Encoding {
	return d.current
}

// Locked reports whether the current encoding has been confirmed.
func (d *Detector) Locked() bool {
	return d.locked
}

// Stats returns the activity counters.
func (d *Detector) Stats() Stats {
	return d.stats
}

// Reset forgets the detected encoding.
func (d *Detector) Reset() {
	*d = Detector{cfg: d.cfg}
}

// Runner feeds one bit stream to several decoders and arbitrates their
// sync marks. It implements pll.BitSink.
type Runner struct {
	decoders []sector.BitDecoder
	detector *Detector
	external Flags
}

// NewRunner creates a runner over the given decoders.
func NewRunner(det *Detector, decoders ...sector.BitDecoder) *Runner {
	return &Runner{decoders: decoders, detector: det}
}

// SetExternalFlags adds flags supplied by sources other than the
// runner's decoders to the next bit.
func (r *Runner) SetExternalFlags(f Flags) {
	r.external = f
}

// PushBit feeds one bit to every decoder. It returns the field errors of
// all decoders joined together.
func (r *Runner) PushBit(bit uint8) error {
	flags := r.external
	r.external = 0
	var errs []error
	for _, dec := range r.decoders {
		if err := dec.PushBit(bit); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dec.Encoding(), err))
		}
		if dec.SyncDetected() {
			flags = flags.With(dec.Encoding())
		}
	}
	r.detector.Update(flags)
	return errors.Join(errs...)
}

// Decode runs a whole bit stream through the runner. Field errors only
// show up in the decoder statistics.
func (r *Runner) Decode(bits bitstream.Bits) error {
	if bits == nil {
		return sector.ErrNilBuffer
	}
	n := bits.Len()
	for i := 0; i < n; i++ {
		_ = r.PushBit(bits.Bit(i))
	}
	return nil
}

// Detector returns the arbiter.
func (r *Runner) Detector() *Detector {
	return r.detector
}

// Stats returns the statistics of every decoder.
func (r *Runner) Stats() map[sector.Encoding]sector.Stats {
	out := make(map[sector.Encoding]sector.Stats, len(r.decoders))
	for _, dec := range r.decoders {
		s := out[dec.Encoding()]
		s.Add(dec.Stats())
		out[dec.Encoding()] = s
	}
	return out
}

// Reset resets every decoder and the detector.
func (r *Runner) Reset() {
	for _, dec := range r.decoders {
		dec.Reset()
	}
	r.detector.Reset()
	r.external = 0
}
