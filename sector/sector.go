// Package sector holds the records, statistics and error codes shared by
// all field decoders.
package sector

import (
	"errors"
	"fmt"
)

// Decoder error taxonomy. Field-level failures wrap one of these with the
// bit position where the field started.
var (
	ErrNilDecoder      = errors.New("nil decoder context")
	ErrNilBuffer       = errors.New("nil buffer")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOverflow        = errors.New("buffer overflow")
	ErrSyncLost        = errors.New("sync lost")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrInvalidState    = errors.New("invalid state")
)

// FieldError wraps a field-level failure with its location.
func FieldError(err error, field string, bitPos int) error {
	return fmt.Errorf("%s at bit %d: %w", field, bitPos, err)
}

// Encoding identifies a track encoding family.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingFM
	EncodingMFM
	EncodingTandyFM
	EncodingM2FM
	EncodingCBMGCR
	EncodingAppleGCR
)

// Priority lists encodings from highest to lowest arbitration priority.
var Priority = [...]Encoding{
	EncodingAppleGCR,
	EncodingCBMGCR,
	EncodingM2FM,
	EncodingTandyFM,
	EncodingMFM,
	EncodingFM,
}

// String returns the short name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingFM:
		return "FM"
	case EncodingMFM:
		return "MFM"
	case EncodingTandyFM:
		return "Tandy-FM"
	case EncodingM2FM:
		return "M2FM"
	case EncodingCBMGCR:
		return "CBM-GCR"
	case EncodingAppleGCR:
		return "Apple-GCR"
	default:
		return "Unknown"
	}
}

// ParseEncoding converts a name produced by String back to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	for _, e := range Priority {
		if e.String() == name {
			return e, nil
		}
	}
	return EncodingUnknown, fmt.Errorf("unknown encoding %q: %w", name, ErrInvalidArgument)
}

// MarshalText encodes the encoding by name.
func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (e *Encoding) UnmarshalText(text []byte) error {
	if string(text) == EncodingUnknown.String() {
		*e = EncodingUnknown
		return nil
	}
	parsed, err := ParseEncoding(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Address is the logical location carried by an address field
// (IBM IDAM, Apple address field, CBM header block).
type Address struct {
	Cylinder int    `json:"cylinder" yaml:"cylinder"`
	Head     int    `json:"head" yaml:"head"`
	Sector   int    `json:"sector" yaml:"sector"`
	SizeCode int    `json:"size_code" yaml:"size_code"`
	Volume   int    `json:"volume,omitempty" yaml:"volume,omitempty"`   // Apple volume number
	DiskID   uint16 `json:"disk_id,omitempty" yaml:"disk_id,omitempty"` // CBM id1<<8 | id2
	CRC      uint16 `json:"crc" yaml:"crc"`                             // checksum as stored on disk
	Valid    bool   `json:"valid" yaml:"valid"`                         // checksum verified
	BitPos   int    `json:"bit_pos" yaml:"bit_pos"`
}

// Record is a completed sector: the address it belongs to and its payload.
// Records handed to a Listener are owned by the listener.
type Record struct {
	Encoding Encoding `json:"encoding" yaml:"encoding"`
	Address  Address  `json:"address" yaml:"address"`
	Mark     byte     `json:"mark" yaml:"mark"` // data mark byte (FB, F8, AD, 07...)
	Data     []byte   `json:"-" yaml:"-"`
	CRC      uint16   `json:"crc" yaml:"crc"` // data checksum as stored on disk
	CRCOK    bool     `json:"crc_ok" yaml:"crc_ok"`
	BitPos   int      `json:"bit_pos" yaml:"bit_pos"` // position of the data mark
}

// Key identifies a logical sector independent of revolution.
type Key struct {
	Cylinder int
	Head     int
	Sector   int
}

// Key returns the logical sector key of the record.
func (r *Record) Key() Key {
	return Key{Cylinder: r.Address.Cylinder, Head: r.Address.Head, Sector: r.Address.Sector}
}

// Listener receives completed records from a decoder.
type Listener interface {
	OnSector(rec *Record)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(rec *Record)

// OnSector calls f(rec).
func (f ListenerFunc) OnSector(rec *Record) {
	f(rec)
}

// Collector is a Listener that keeps every record it receives.
type Collector struct {
	Records []*Record
}

// OnSector appends rec.
func (c *Collector) OnSector(rec *Record) {
	c.Records = append(c.Records, rec)
}

// Stats are cumulative decoder statistics.
type Stats struct {
	Found          int `json:"found" yaml:"found"`
	Good           int `json:"good" yaml:"good"`
	Bad            int `json:"bad" yaml:"bad"`
	SyncLosses     int `json:"sync_losses" yaml:"sync_losses"`
	InvalidSymbols int `json:"invalid_symbols,omitempty" yaml:"invalid_symbols,omitempty"`
	BadAddresses   int `json:"bad_addresses,omitempty" yaml:"bad_addresses,omitempty"`
	IndexMarks     int `json:"index_marks,omitempty" yaml:"index_marks,omitempty"`
	BadEpilogues   int `json:"bad_epilogues,omitempty" yaml:"bad_epilogues,omitempty"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Found += other.Found
	s.Good += other.Good
	s.Bad += other.Bad
	s.SyncLosses += other.SyncLosses
	s.InvalidSymbols += other.InvalidSymbols
	s.BadAddresses += other.BadAddresses
	s.IndexMarks += other.IndexMarks
	s.BadEpilogues += other.BadEpilogues
}

// ErrorRate returns the fraction of found sectors that failed.
func (s Stats) ErrorRate() float64 {
	if s.Found == 0 {
		return 0
	}
	return float64(s.Bad) / float64(s.Found)
}

// BitDecoder is implemented by every field decoder.
type BitDecoder interface {
	// PushBit feeds one raw bit. It returns the error of a field that
	// completed on this bit, if any; the decoder is already idle again.
	PushBit(bit uint8) error
	// SyncDetected reports whether the last bit completed a sync mark.
	SyncDetected() bool
	// Stats returns cumulative statistics.
	Stats() Stats
	// Encoding returns the encoding handled by the decoder.
	Encoding() Encoding
	// Reset returns the decoder to idle and clears statistics.
	Reset()
}
