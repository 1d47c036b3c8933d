// Package gcr decodes and encodes group-coded recording tracks: Apple II
// 6-and-2 with 4-and-4 address fields, and Commodore 4-to-5 GCR.
package gcr

import (
	"fmt"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
)

// Apple field layout.
const (
	AppleSectorSize = 256
	AppleAuxSize    = 86 // two-bit groups
	AppleDataBytes  = AppleSectorSize + AppleAuxSize
	AppleFieldBytes = AppleDataBytes + 1 // plus checksum

	appleAddrBytes  = 8 // volume, track, sector, checksum in 4-and-4
	appleEpilogLen  = 2 // DE AA; the trailing EB is often not written
	appleMarkData   = 0xAD
	appleDefaultWin = 48 // disk bytes from address to data prologue

	appleEpilogue   = 0xDEAA
	appleAddrProlog = 0xD5AA96
	appleDataProlog = 0xD5AAAD
)

// Encode44 splits a byte into the two 4-and-4 disk bytes.
func Encode44(v byte) (byte, byte) {
	return v>>1 | 0xAA, v | 0xAA
}

// Decode44 joins two 4-and-4 disk bytes.
func Decode44(odd, even byte) byte {
	return (odd<<1 | 1) & even
}

// Encode62 converts a 256-byte sector to 343 disk bytes: 86 bytes of
// low-bit groups, 256 bytes of high six bits, each XORed with the
// previous value, then the checksum.
func Encode62(data []byte) ([]byte, error) {
	if len(data) != AppleSectorSize {
		return nil, fmt.Errorf("sector of %d bytes: %w", len(data), sector.ErrInvalidArgument)
	}
	values := make([]byte, AppleDataBytes)
	for k := 0; k < AppleAuxSize; k++ {
		var v byte
		for g, i := 0, k; g < 3 && i < AppleSectorSize; g, i = g+1, i+AppleAuxSize {
			// Low two bits, swapped.
			v |= (data[i]&1<<1 | data[i]>>1&1) << uint(2*g)
		}
		values[k] = v
	}
	for i, b := range data {
		values[AppleAuxSize+i] = b >> 2
	}

	out := make([]byte, AppleFieldBytes)
	var prev byte
	for i, v := range values {
		out[i] = Nibble62[v^prev]
		prev = v
	}
	out[AppleDataBytes] = Nibble62[prev]
	return out, nil
}

// Decode62 reverses Encode62. It returns the sector, whether the
// checksum matched, and ErrInvalidSymbol for bytes outside the table.
func Decode62(disk []byte) ([]byte, bool, error) {
	if len(disk) < AppleFieldBytes {
		return nil, false, fmt.Errorf("field of %d bytes: %w", len(disk), sector.ErrInvalidArgument)
	}
	values := make([]byte, AppleDataBytes)
	var prev byte
	for i := 0; i < AppleDataBytes; i++ {
		x, ok := Denibble62(disk[i])
		if !ok {
			return nil, false, fmt.Errorf("disk byte %02X at %d: %w", disk[i], i, sector.ErrInvalidSymbol)
		}
		prev ^= x
		values[i] = prev
	}
	chk, ok := Denibble62(disk[AppleDataBytes])
	if !ok {
		return nil, false, fmt.Errorf("checksum byte %02X: %w", disk[AppleDataBytes], sector.ErrInvalidSymbol)
	}

	data := make([]byte, AppleSectorSize)
	for i := range data {
		aux := values[i%AppleAuxSize] >> uint(2*(i/AppleAuxSize))
		data[i] = values[AppleAuxSize+i]<<2 | (aux&1)<<1 | aux>>1&1
	}
	return data, chk == prev, nil
}

// AppleDecoder is a bit-level Apple II field decoder. Bits are latched
// into disk bytes the way the Disk II controller does: shifting until
// the high bit is set, so self-sync zero bits drop out.
type AppleDecoder struct {
	listener sector.Listener
	window   int // disk bytes allowed between address and data fields

	latch byte
	pos   int    // bits consumed
	last3 uint32 // last three disk bytes

	state    appleState
	field    []byte
	need     int
	markPos  int
	epilogue uint16
	epiCount int

	pending    *sector.Address
	pendingAge int
	addr       *sector.Address

	synced bool
	stats  sector.Stats
}

type appleState int

const (
	appleIdle appleState = iota
	appleAddress
	appleData
	appleEpilog
)

// NewAppleDecoder creates an Apple II decoder reporting sectors to l.
func NewAppleDecoder(l sector.Listener) *AppleDecoder {
	return &AppleDecoder{listener: l, window: appleDefaultWin}
}

// SetListener replaces the sector listener.
func (d *AppleDecoder) SetListener(l sector.Listener) {
	d.listener = l
}

// SetWindow sets how many disk bytes may pass between an address field
// and its data prologue. Non-positive values restore the default.
func (d *AppleDecoder) SetWindow(bytes int) {
	if bytes <= 0 {
		bytes = appleDefaultWin
	}
	d.window = bytes
}

// Encoding implements sector.BitDecoder.
func (d *AppleDecoder) Encoding() sector.Encoding {
	return sector.EncodingAppleGCR
}

// Stats implements sector.BitDecoder.
func (d *AppleDecoder) Stats() sector.Stats {
	return d.stats
}

// SyncDetected implements sector.BitDecoder. It is true on the bit that
// completes an address or data prologue.
func (d *AppleDecoder) SyncDetected() bool {
	return d.synced
}

// Reset implements sector.BitDecoder.
func (d *AppleDecoder) Reset() {
	d.latch = 0
	d.pos = 0
	d.last3 = 0
	d.synced = false
	d.pending = nil
	d.pendingAge = 0
	d.stats = sector.Stats{}
	d.idle()
}

func (d *AppleDecoder) idle() {
	d.state = appleIdle
	d.field = nil
	d.need = 0
	d.addr = nil
}

// PushBit implements sector.BitDecoder.
func (d *AppleDecoder) PushBit(bit uint8) error {
	if d == nil {
		return sector.ErrNilDecoder
	}
	d.pos++
	d.synced = false
	if d.latch == 0 && bit&1 == 0 {
		return nil
	}
	d.latch = d.latch<<1 | bit&1
	if d.latch&0x80 == 0 {
		return nil
	}
	b := d.latch
	d.latch = 0
	return d.pushByte(b)
}

// pushByte runs one disk byte through the field machine.
func (d *AppleDecoder) pushByte(b byte) error {
	d.last3 = (d.last3<<8 | uint32(b)) & 0xFFFFFF

	var lost error
	switch d.state {
	case appleAddress, appleData:
		if d.last3 != appleAddrProlog && d.last3 != appleDataProlog {
			d.field = append(d.field, b)
			if len(d.field) < d.need {
				return nil
			}
			if d.state == appleAddress {
				return d.finishAddress()
			}
			return d.finishData()
		}
		// A new prologue cuts the current field short.
		field := "address field"
		if d.state == appleData {
			field = "data field"
		}
		d.stats.SyncLosses++
		lost = sector.FieldError(sector.ErrSyncLost, field, d.markPos)
		d.idle()

	case appleEpilog:
		d.epilogue = d.epilogue<<8 | uint16(b)
		d.epiCount++
		if d.epiCount < appleEpilogLen {
			return nil
		}
		d.state = appleIdle
		if d.epilogue != appleEpilogue {
			d.stats.BadEpilogues++
		}
		return nil
	}

	var err error
	if d.pending != nil {
		d.pendingAge++
		if d.pendingAge > d.window {
			d.stats.SyncLosses++
			err = sector.FieldError(sector.ErrSyncLost, "data prologue", d.pending.BitPos)
			d.pending = nil
		}
	}

	switch d.last3 {
	case appleAddrProlog:
		d.synced = true
		if d.pending != nil {
			d.stats.SyncLosses++
			err = sector.FieldError(sector.ErrSyncLost, "data prologue", d.pending.BitPos)
			d.pending = nil
		}
		d.begin(appleAddress, appleAddrBytes)
	case appleDataProlog:
		d.synced = true
		if d.pending == nil {
			d.stats.SyncLosses++
			return sector.FieldError(sector.ErrSyncLost, "address field", d.pos-24)
		}
		d.addr = d.pending
		d.pending = nil
		d.begin(appleData, AppleFieldBytes)
	}
	if lost != nil {
		return lost
	}
	return err
}

func (d *AppleDecoder) begin(s appleState, need int) {
	d.state = s
	d.need = need
	d.field = make([]byte, 0, need)
	d.markPos = d.pos - 24
	d.last3 = 0
}

func (d *AppleDecoder) startEpilogue() {
	d.field = nil
	d.addr = nil
	d.state = appleEpilog
	d.epilogue = 0
	d.epiCount = 0
}

func (d *AppleDecoder) finishAddress() error {
	f := d.field
	vol := Decode44(f[0], f[1])
	trk := Decode44(f[2], f[3])
	sec := Decode44(f[4], f[5])
	chk := Decode44(f[6], f[7])
	addr := &sector.Address{
		Cylinder: int(trk),
		Sector:   int(sec),
		SizeCode: 1,
		Volume:   int(vol),
		CRC:      uint16(chk),
		Valid:    vol^trk^sec == chk,
		BitPos:   d.markPos,
	}
	d.pending = addr
	d.pendingAge = 0
	d.startEpilogue()
	if !addr.Valid {
		d.stats.BadAddresses++
		return sector.FieldError(sector.ErrChecksum, "address field", addr.BitPos)
	}
	return nil
}

func (d *AppleDecoder) finishData() error {
	addr := d.addr
	if addr == nil {
		pos := d.markPos
		d.idle()
		return sector.FieldError(sector.ErrInvalidState, "data field", pos)
	}
	data, ok, err := Decode62(d.field)
	rec := &sector.Record{
		Encoding: sector.EncodingAppleGCR,
		Address:  *addr,
		Mark:     appleMarkData,
		Data:     data,
		CRC:      uint16(d.field[AppleDataBytes]),
		CRCOK:    err == nil && ok && addr.Valid,
		BitPos:   d.markPos,
	}
	if err != nil {
		d.stats.InvalidSymbols++
		rec.Data = make([]byte, AppleSectorSize)
	}
	d.startEpilogue()

	d.stats.Found++
	if rec.CRCOK {
		d.stats.Good++
	} else {
		d.stats.Bad++
	}
	if d.listener != nil {
		d.listener.OnSector(rec)
	}
	switch {
	case err != nil:
		return sector.FieldError(err, "data field", rec.BitPos)
	case !ok:
		return sector.FieldError(sector.ErrChecksum, "data field", rec.BitPos)
	}
	return nil
}

// Decode runs every bit through the decoder. Field errors are reflected
// in Stats and do not stop decoding.
func (d *AppleDecoder) Decode(bits bitstream.Bits) error {
	if d == nil {
		return sector.ErrNilDecoder
	}
	if bits == nil {
		return sector.ErrNilBuffer
	}
	n := bits.Len()
	for i := 0; i < n; i++ {
		_ = d.PushBit(bits.Bit(i))
	}
	return nil
}
