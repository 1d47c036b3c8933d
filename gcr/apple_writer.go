package gcr

import (
	"github.com/sergev/fluxdecode/bitstream"
)

// Apple track layout, in disk bytes.
const (
	AppleSectorsPerTrack = 16
	appleGap1            = 48
	appleGap2            = 6
	appleGap3            = 27
)

// AppleSector describes one sector of a synthetic Apple II track.
type AppleSector struct {
	Volume int
	Track  int
	Sector int
	Data   []byte

	// Corruption knobs for building damaged tracks.
	BadAddressChecksum bool
	BadDataChecksum    bool
	BadEpilogue        bool
	InvalidByteAt      int // 1-based position in the data field, 0 for none
	OmitData           bool
}

// AppleWriter builds raw Apple II bit cells.
type AppleWriter struct {
	bits *bitstream.Stream
}

// NewAppleWriter creates an empty writer.
func NewAppleWriter() *AppleWriter {
	return &AppleWriter{bits: bitstream.New(0)}
}

func (w *AppleWriter) writeByte(b byte) {
	w.bits.AppendBits(uint64(b), 8)
}

func (w *AppleWriter) writeBytes(data []byte) {
	for _, b := range data {
		w.writeByte(b)
	}
}

// WriteSync writes n self-sync bytes: FF followed by two zero bits.
func (w *AppleWriter) WriteSync(n int) {
	for i := 0; i < n; i++ {
		w.bits.AppendBits(0xFF<<2, 10)
	}
}

func (w *AppleWriter) writeEpilogue(bad bool) {
	if bad {
		w.writeBytes([]byte{0xDE, 0xAB, 0xEB})
		return
	}
	w.writeBytes([]byte{0xDE, 0xAA, 0xEB})
}

// WriteAddress writes an address field: prologue, volume, track, sector
// and checksum in 4-and-4, and the epilogue.
func (w *AppleWriter) WriteAddress(s AppleSector) {
	w.writeBytes([]byte{0xD5, 0xAA, 0x96})
	vol, trk, sec := byte(s.Volume), byte(s.Track), byte(s.Sector)
	chk := vol ^ trk ^ sec
	if s.BadAddressChecksum {
		chk ^= 0x01
	}
	for _, v := range []byte{vol, trk, sec, chk} {
		odd, even := Encode44(v)
		w.writeByte(odd)
		w.writeByte(even)
	}
	w.writeEpilogue(s.BadEpilogue)
}

// WriteData writes a 6-and-2 data field with its prologue and epilogue.
func (w *AppleWriter) WriteData(s AppleSector) error {
	field, err := Encode62(s.Data)
	if err != nil {
		return err
	}
	if s.BadDataChecksum {
		v, _ := Denibble62(field[AppleDataBytes])
		field[AppleDataBytes] = Nibble62[v^0x01]
	}
	if s.InvalidByteAt > 0 && s.InvalidByteAt <= AppleFieldBytes {
		field[s.InvalidByteAt-1] = 0xAA // reserved, never a data nibble
	}
	w.writeBytes([]byte{0xD5, 0xAA, 0xAD})
	w.writeBytes(field)
	w.writeEpilogue(s.BadEpilogue)
	return nil
}

// EncodeTrack writes a DOS 3.3 style track and returns the bits.
func (w *AppleWriter) EncodeTrack(sectors []AppleSector) (*bitstream.Stream, error) {
	w.WriteSync(appleGap1)
	for _, s := range sectors {
		w.WriteAddress(s)
		w.WriteSync(appleGap2)
		if !s.OmitData {
			if err := w.WriteData(s); err != nil {
				return nil, err
			}
		}
		w.WriteSync(appleGap3)
	}
	return w.bits, nil
}

// Bits returns the bits written so far.
func (w *AppleWriter) Bits() *bitstream.Stream {
	return w.bits
}
