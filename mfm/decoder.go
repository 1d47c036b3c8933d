// Package mfm decodes and encodes IBM-style MFM and FM tracks at the
// raw-cell level.
package mfm

import (
	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/crc"
	"github.com/sergev/fluxdecode/sector"
)

// Raw-cell patterns recognized by the decoders.
const (
	syncA1x3 = 0x448944894489 // MFM A1 A1 A1
	syncC2x3 = 0x522452245224 // MFM C2 C2 C2
	mask48   = 0xFFFFFFFFFFFF

	fmIndex       = 0xF77A // FC with clock D7
	fmAddress     = 0xF57E // FE with clock C7
	fmData        = 0xF56F // FB with clock C7
	fmDataF9      = 0xF56B // F9 with clock C7
	fmDataFA      = 0xF56E // FA with clock C7
	fmDeletedData = 0xF56A // F8 with clock C7
)

// Default number of bytes allowed between the end of an address field
// and the following data mark.
const (
	DefaultWindowMFM = 64
	DefaultWindowFM  = 48
)

type state int

const (
	stateIdle    state = iota
	stateMark          // MFM: sync seen, reading the mark byte
	stateAddress       // collecting C H R N and CRC
	stateData          // collecting payload and CRC
)

// Decoder is a bit-level IBM field decoder for MFM or FM cells.
// Each decoder owns its state; use one per goroutine.
type Decoder struct {
	fm       bool
	listener sector.Listener
	window   int // data mark window in bytes

	shift uint64 // last 64 raw cells
	pos   int    // raw cells consumed

	state   state
	cells   int    // cells collected for the current byte
	current uint16 // those cells
	field   []byte
	need    int
	sum     uint16
	mark    byte
	markPos int

	pending    *sector.Address // address waiting for its data mark
	pendingAge int             // cells since the pending address field ended
	addr       *sector.Address // address of the data field being collected

	synced bool
	stats  sector.Stats
}

// NewDecoder creates an MFM decoder reporting sectors to l.
func NewDecoder(l sector.Listener) *Decoder {
	return &Decoder{listener: l, window: DefaultWindowMFM}
}

// NewFMDecoder creates an FM decoder reporting sectors to l.
func NewFMDecoder(l sector.Listener) *Decoder {
	return &Decoder{fm: true, listener: l, window: DefaultWindowFM}
}

// SetListener replaces the sector listener.
func (d *Decoder) SetListener(l sector.Listener) {
	d.listener = l
}

// SetWindow sets how many bytes may pass between an address field and
// its data mark. Non-positive values restore the default.
func (d *Decoder) SetWindow(bytes int) {
	switch {
	case bytes > 0:
		d.window = bytes
	case d.fm:
		d.window = DefaultWindowFM
	default:
		d.window = DefaultWindowMFM
	}
}

// Encoding implements sector.BitDecoder.
func (d *Decoder) Encoding() sector.Encoding {
	if d.fm {
		return sector.EncodingFM
	}
	return sector.EncodingMFM
}

// Stats implements sector.BitDecoder.
func (d *Decoder) Stats() sector.Stats {
	return d.stats
}

// SyncDetected implements sector.BitDecoder.
func (d *Decoder) SyncDetected() bool {
	return d.synced
}

// Reset implements sector.BitDecoder.
func (d *Decoder) Reset() {
	d.shift = 0
	d.pos = 0
	d.synced = false
	d.pending = nil
	d.pendingAge = 0
	d.stats = sector.Stats{}
	d.idle()
}

func (d *Decoder) idle() {
	d.state = stateIdle
	d.cells = 0
	d.current = 0
	d.field = nil
	d.need = 0
	d.addr = nil
}

// Pos returns the number of cells consumed.
func (d *Decoder) Pos() int {
	return d.pos
}

// dataByte extracts the data cells, the second of each pair.
func dataByte(cells uint16) byte {
	var b byte
	for i := 0; i < 8; i++ {
		b = b<<1 | byte(cells>>uint(14-2*i))&1
	}
	return b
}

// PushBit implements sector.BitDecoder. It consumes one raw cell.
func (d *Decoder) PushBit(bit uint8) error {
	if d == nil {
		return sector.ErrNilDecoder
	}
	d.shift = d.shift<<1 | uint64(bit&1)
	d.pos++
	d.synced = false

	if d.fm {
		mark, ok := fmMark(uint16(d.shift))
		if d.state == stateIdle {
			if err := d.expirePending(); err != nil {
				return err
			}
			if ok {
				d.synced = true
				return d.beginField(mark, crc.Update(crc.Seed, mark), d.pos-16)
			}
			return nil
		}
		if !ok {
			return d.collect()
		}
		// A new mark cuts the current field short.
		d.stats.SyncLosses++
		err := sector.FieldError(sector.ErrSyncLost, d.fieldName(), d.markPos)
		d.synced = true
		if ferr := d.beginField(mark, crc.Update(crc.Seed, mark), d.pos-16); ferr != nil {
			return ferr
		}
		return err
	}

	switch d.shift & mask48 {
	case syncA1x3, syncC2x3:
		var err error
		if d.state == stateAddress || d.state == stateData {
			d.stats.SyncLosses++
			err = sector.FieldError(sector.ErrSyncLost, d.fieldName(), d.markPos)
		}
		d.synced = true
		d.idle()
		d.state = stateMark
		d.markPos = d.pos - 48
		d.sum = crc.AfterSync
		if d.shift&mask48 == syncC2x3 {
			d.mark = MarkIndex
		} else {
			d.mark = 0
		}
		return err
	}

	switch d.state {
	case stateIdle:
		return d.expirePending()
	case stateMark:
		d.current = d.current<<1 | uint16(bit&1)
		d.cells++
		if d.cells < 16 {
			return nil
		}
		mark := dataByte(d.current)
		index := d.mark == MarkIndex
		d.cells = 0
		d.current = 0
		if index {
			if mark == MarkIndex {
				d.stats.IndexMarks++
				d.idle()
				return nil
			}
			d.stats.SyncLosses++
			d.idle()
			return sector.FieldError(sector.ErrSyncLost, "index mark", d.markPos)
		}
		return d.beginField(mark, crc.Update(d.sum, mark), d.markPos)
	default:
		return d.collect()
	}
}

// fmMark recognizes an FM mark with missing clocks.
func fmMark(cells uint16) (byte, bool) {
	switch cells {
	case fmIndex:
		return MarkIndex, true
	case fmAddress:
		return MarkAddress, true
	case fmData:
		return MarkData, true
	case fmDataF9:
		return 0xF9, true
	case fmDataFA:
		return 0xFA, true
	case fmDeletedData:
		return MarkDeletedData, true
	}
	return 0, false
}

// expirePending drops a pending address whose data mark did not arrive
// within the window.
func (d *Decoder) expirePending() error {
	if d.pending == nil {
		return nil
	}
	d.pendingAge++
	if d.pendingAge <= d.window*16 {
		return nil
	}
	pos := d.pending.BitPos
	d.pending = nil
	d.stats.SyncLosses++
	return sector.FieldError(sector.ErrSyncLost, "data mark", pos)
}

// beginField dispatches on the mark byte.
func (d *Decoder) beginField(mark byte, sum uint16, markPos int) error {
	d.idle()
	d.mark = mark
	d.sum = sum
	d.markPos = markPos

	switch {
	case mark == MarkIndex:
		d.stats.IndexMarks++
		return nil

	case mark == MarkAddress:
		var err error
		if d.pending != nil {
			// Previous address never got its data field.
			d.stats.SyncLosses++
			err = sector.FieldError(sector.ErrSyncLost, "data mark", d.pending.BitPos)
			d.pending = nil
		}
		d.state = stateAddress
		d.need = 6
		d.field = make([]byte, 0, d.need)
		return err

	case mark >= MarkDeletedData && mark <= MarkData:
		if d.pending == nil {
			d.stats.SyncLosses++
			return sector.FieldError(sector.ErrSyncLost, "address field", markPos)
		}
		d.addr = d.pending
		d.pending = nil
		d.state = stateData
		d.need = SizeCodeBytes(d.addr.SizeCode) + 2
		d.field = make([]byte, 0, d.need)
		return nil

	default:
		d.stats.SyncLosses++
		return sector.FieldError(sector.ErrSyncLost, "mark", markPos)
	}
}

func (d *Decoder) fieldName() string {
	if d.state == stateData {
		return "data field"
	}
	return "address field"
}

// collect accumulates one cell of the current field.
func (d *Decoder) collect() error {
	d.current = d.current<<1 | uint16(d.shift&1)
	d.cells++
	if d.cells < 16 {
		return nil
	}
	d.field = append(d.field, dataByte(d.current))
	d.cells = 0
	d.current = 0
	if len(d.field) < d.need {
		return nil
	}
	if d.state == stateAddress {
		return d.finishAddress()
	}
	return d.finishData()
}

func (d *Decoder) finishAddress() error {
	f := d.field
	stored := uint16(f[4])<<8 | uint16(f[5])
	addr := &sector.Address{
		Cylinder: int(f[0]),
		Head:     int(f[1]),
		Sector:   int(f[2]),
		SizeCode: int(f[3]),
		CRC:      stored,
		Valid:    crc.UpdateBytes(d.sum, f[:4]) == stored,
		BitPos:   d.markPos,
	}
	d.pending = addr
	d.pendingAge = 0
	d.idle()
	if !addr.Valid {
		d.stats.BadAddresses++
		return sector.FieldError(sector.ErrChecksum, "address field", addr.BitPos)
	}
	return nil
}

func (d *Decoder) finishData() error {
	if d.addr == nil || len(d.field) < 2 {
		pos := d.markPos
		d.idle()
		return sector.FieldError(sector.ErrInvalidState, "data field", pos)
	}
	n := len(d.field) - 2
	stored := uint16(d.field[n])<<8 | uint16(d.field[n+1])
	dataOK := crc.UpdateBytes(d.sum, d.field[:n]) == stored

	rec := &sector.Record{
		Encoding: d.Encoding(),
		Address:  *d.addr,
		Mark:     d.mark,
		Data:     d.field[:n:n],
		CRC:      stored,
		CRCOK:    dataOK && d.addr.Valid,
		BitPos:   d.markPos,
	}
	d.idle()

	d.stats.Found++
	if rec.CRCOK {
		d.stats.Good++
	} else {
		d.stats.Bad++
	}
	if d.listener != nil {
		d.listener.OnSector(rec)
	}
	if !dataOK {
		return sector.FieldError(sector.ErrChecksum, "data field", rec.BitPos)
	}
	return nil
}

// Decode runs every cell of bits through the decoder. Field errors are
// reflected in Stats and do not stop decoding.
func (d *Decoder) Decode(bits bitstream.Bits) error {
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
