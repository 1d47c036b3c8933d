// Package track runs the whole recovery chain for one physical track:
// flux intervals through the PLL into every enabled decoder and the
// encoding detector, then fusion of the revolutions.
package track

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sergev/fluxdecode/detect"
	"github.com/sergev/fluxdecode/gcr"
	"github.com/sergev/fluxdecode/mfm"
	"github.com/sergev/fluxdecode/pll"
	"github.com/sergev/fluxdecode/sector"
	"github.com/sergev/fluxdecode/viterbi"
	"github.com/sergev/fluxdecode/weak"
)

var logger = logrus.WithField("component", "track")

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Entry) {
	if l != nil {
		logger = l
	}
}

// Options configure a decode.
type Options struct {
	SampleRate float64 // capture clock, Hz
	BitRate    float64 // raw cell rate, cells per second
	PLL        pll.Config
	Detector   detect.Config

	// Encodings lists the decoders to run. Empty means all.
	Encodings []sector.Encoding
	// Window is the address-to-data search window in bytes, 0 for the
	// decoder defaults.
	Window int
	// MinRegion is the shortest run of weak bits reported as a region.
	MinRegion int
	// Recovery enables Viterbi recovery of damaged CBM data blocks.
	Recovery *viterbi.Config
	// Concurrency bounds the revolutions decoded at once, 0 for no limit.
	Concurrency int
}

// DefaultEncodings are the encodings with a field decoder.
var DefaultEncodings = []sector.Encoding{
	sector.EncodingAppleGCR,
	sector.EncodingCBMGCR,
	sector.EncodingMFM,
	sector.EncodingFM,
}

// DefaultOptions returns options for a 72 MHz capture of a 250 kbps
// MFM disk.
func DefaultOptions() Options {
	return Options{
		SampleRate: 72e6,
		BitRate:    500e3,
		PLL:        pll.DefaultConfig(),
		Detector:   detect.DefaultConfig(),
		MinRegion:  8,
	}
}

// EncodingStats pairs an encoding with its decoder statistics.
type EncodingStats struct {
	Encoding sector.Encoding `json:"encoding" yaml:"encoding"`
	Stats    sector.Stats    `json:"stats" yaml:"stats"`
}

// Revolution is the decode of one rotation.
type Revolution struct {
	Index       int              `json:"index" yaml:"index"`
	Encoding    sector.Encoding  `json:"encoding" yaml:"encoding"`
	Locked      bool             `json:"locked" yaml:"locked"`
	Records     []*sector.Record `json:"records" yaml:"records"`
	Decoders    []EncodingStats  `json:"decoders" yaml:"decoders"`
	PLL         pll.Stats        `json:"pll" yaml:"pll"`
	FieldErrors int              `json:"field_errors" yaml:"field_errors"`
	Bits        *weak.Track      `json:"-" yaml:"-"`
}

// Stats sums the statistics of every decoder.
func (r *Revolution) Stats() sector.Stats {
	var s sector.Stats
	for _, es := range r.Decoders {
		s.Add(es.Stats)
	}
	return s
}

func newDecoder(enc sector.Encoding, l sector.Listener, opts Options) (sector.BitDecoder, error) {
	switch enc {
	case sector.EncodingMFM:
		d := mfm.NewDecoder(l)
		d.SetWindow(opts.Window)
		return d, nil
	case sector.EncodingFM:
		d := mfm.NewFMDecoder(l)
		d.SetWindow(opts.Window)
		return d, nil
	case sector.EncodingAppleGCR:
		d := gcr.NewAppleDecoder(l)
		d.SetWindow(opts.Window)
		return d, nil
	case sector.EncodingCBMGCR:
		d := gcr.NewCBMDecoder(l)
		d.SetWindow(opts.Window)
		if opts.Recovery != nil {
			v, err := viterbi.New(*opts.Recovery)
			if err != nil {
				return nil, err
			}
			d.SetRecovery(v)
		}
		return d, nil
	}
	return nil, fmt.Errorf("no decoder for %s: %w", enc, sector.ErrInvalidArgument)
}

func (opts Options) validate() error {
	if opts.SampleRate <= 0 || opts.BitRate <= 0 {
		return fmt.Errorf("sample rate %g, bit rate %g: %w", opts.SampleRate, opts.BitRate, sector.ErrInvalidArgument)
	}
	return nil
}

// DecodeRevolution recovers and decodes one revolution of flux
// intervals, given in sample clock ticks.
func DecodeRevolution(index int, intervals []uint32, opts Options) (*Revolution, error) {
	if intervals == nil {
		return nil, sector.ErrNilBuffer
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	encodings := opts.Encodings
	if len(encodings) == 0 {
		encodings = DefaultEncodings
	}

	var found sector.Collector
	decoders := make([]sector.BitDecoder, 0, len(encodings))
	for _, enc := range encodings {
		d, err := newDecoder(enc, &found, opts)
		if err != nil {
			return nil, err
		}
		decoders = append(decoders, d)
	}
	runner := detect.NewRunner(detect.New(opts.Detector), decoders...)

	p := pll.New(opts.PLL)
	p.Configure(opts.SampleRate, opts.BitRate)
	bits, errs := p.Recover(pll.NewIntervalSource(intervals), runner)
	bits.DetectRegions(opts.MinRegion)

	det := runner.Detector()
	rev := &Revolution{
		Index:       index,
		Encoding:    det.Current(),
		Locked:      det.Locked(),
		PLL:         p.Stats(),
		FieldErrors: len(errs),
		Bits:        bits,
	}
	for _, rec := range found.Records {
		if rec.Encoding == rev.Encoding || rec.CRCOK {
			rev.Records = append(rev.Records, rec)
		}
	}
	stats := runner.Stats()
	for _, enc := range sector.Priority {
		if s, ok := stats[enc]; ok {
			rev.Decoders = append(rev.Decoders, EncodingStats{Encoding: enc, Stats: s})
		}
	}

	s := rev.Stats()
	logger.WithFields(logrus.Fields{
		"revolution":  index,
		"encoding":    rev.Encoding,
		"sectors":     len(rev.Records),
		"good":        s.Good,
		"bad":         s.Bad,
		"sync_losses": s.SyncLosses,
		"weak_bits":   bits.WeakCount(),
	}).Debug("revolution decoded")
	return rev, nil
}

// Sector is a logical sector merged across revolutions.
type Sector struct {
	Record     *sector.Record `json:"record" yaml:"record"`
	Revolution int            `json:"revolution" yaml:"revolution"` // revolution that supplied Record
	Copies     int            `json:"copies" yaml:"copies"`
	GoodCopies int            `json:"good_copies" yaml:"good_copies"`
}

// Result is the decode of a whole track.
type Result struct {
	Encoding    sector.Encoding `json:"encoding" yaml:"encoding"`
	Revolutions []*Revolution   `json:"revolutions" yaml:"revolutions"`
	Sectors     []*Sector       `json:"sectors" yaml:"sectors"`
	Stats       sector.Stats    `json:"stats" yaml:"stats"`
	Weak        weak.Report     `json:"weak" yaml:"weak"`
	Fused       *weak.Track     `json:"-" yaml:"-"`
}

// GoodSectors counts merged sectors with a verified copy.
func (r *Result) GoodSectors() int {
	n := 0
	for _, s := range r.Sectors {
		if s.Record.CRCOK {
			n++
		}
	}
	return n
}

// DecodeTrack decodes every revolution concurrently, fuses their bits
// and merges their sectors. The first verified copy of a sector wins;
// without one the last copy seen is kept.
func DecodeTrack(ctx context.Context, revolutions [][]uint32, opts Options) (*Result, error) {
	if len(revolutions) == 0 {
		return nil, fmt.Errorf("no revolutions: %w", sector.ErrInvalidArgument)
	}
	if len(revolutions) > weak.MaxRevolutions {
		return nil, fmt.Errorf("%d revolutions, at most %d: %w", len(revolutions), weak.MaxRevolutions, sector.ErrOverflow)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	revs := make([]*Revolution, len(revolutions))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, intervals := range revolutions {
		i, intervals := i, intervals
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rev, err := DecodeRevolution(i, intervals, opts)
			if err != nil {
				return fmt.Errorf("revolution %d: %w", i, err)
			}
			revs[i] = rev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tracks := make([]*weak.Track, len(revs))
	for i, rev := range revs {
		tracks[i] = rev.Bits
	}
	fused, err := weak.Merge(tracks, opts.MinRegion)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Encoding:    majorityEncoding(revs),
		Revolutions: revs,
		Sectors:     mergeSectors(revs),
		Weak:        fused.Report(),
		Fused:       fused,
	}
	for _, rev := range revs {
		res.Stats.Add(rev.Stats())
	}

	logger.WithFields(logrus.Fields{
		"revolutions": len(revs),
		"encoding":    res.Encoding,
		"sectors":     len(res.Sectors),
		"good":        res.GoodSectors(),
		"bad":         len(res.Sectors) - res.GoodSectors(),
		"sync_losses": res.Stats.SyncLosses,
		"weak_bits":   res.Weak.WeakBits,
	}).Info("track decoded")
	return res, nil
}

// majorityEncoding picks the encoding detected on most revolutions,
// preferring higher priority on ties.
func majorityEncoding(revs []*Revolution) sector.Encoding {
	votes := make(map[sector.Encoding]int)
	for _, rev := range revs {
		if rev.Encoding != sector.EncodingUnknown {
			votes[rev.Encoding]++
		}
	}
	best, bestVotes := sector.EncodingUnknown, 0
	for _, enc := range sector.Priority {
		if votes[enc] > bestVotes {
			best, bestVotes = enc, votes[enc]
		}
	}
	return best
}

func mergeSectors(revs []*Revolution) []*Sector {
	byKey := make(map[sector.Key]*Sector)
	var order []sector.Key
	for _, rev := range revs {
		for _, rec := range rev.Records {
			key := rec.Key()
			s, ok := byKey[key]
			if !ok {
				s = &Sector{}
				byKey[key] = s
				order = append(order, key)
			}
			s.Copies++
			if rec.CRCOK {
				s.GoodCopies++
			}
			if s.Record == nil || !s.Record.CRCOK {
				s.Record = rec
				s.Revolution = rev.Index
			}
		}
	}

	out := make([]*Sector, len(order))
	for i, key := range order {
		out[i] = byKey[key]
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Record.Key(), out[j].Record.Key()
		if a.Cylinder != b.Cylinder {
			return a.Cylinder < b.Cylinder
		}
		if a.Head != b.Head {
			return a.Head < b.Head
		}
		return a.Sector < b.Sector
	})
	return out
}
