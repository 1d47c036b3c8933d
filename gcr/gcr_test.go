package gcr

import (
	"math/rand"
	"testing"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectorData(seed int64) []byte {
	data := make([]byte, 256)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestTables(t *testing.T) {
	for n, code := range CBMCode {
		got, ok := CBMNibble(code)
		require.True(t, ok)
		assert.Equal(t, byte(n), got)
		for s := 0; s <= 2; s++ {
			assert.NotZero(t, code>>uint(s)&7, "code %05b has three zeros in a row", code)
		}
	}
	valid := 0
	for c := byte(0); c < 32; c++ {
		if _, ok := CBMNibble(c); ok {
			valid++
		}
	}
	assert.Equal(t, 16, valid)

	for v, b := range Nibble62 {
		assert.NotZero(t, b&0x80)
		got, ok := Denibble62(b)
		require.True(t, ok)
		assert.Equal(t, byte(v), got)
	}
	_, ok := Denibble62(0xD5)
	assert.False(t, ok)
	_, ok = Denibble62(0xAA)
	assert.False(t, ok)
}

func TestEncode44(t *testing.T) {
	for v := 0; v < 256; v++ {
		odd, even := Encode44(byte(v))
		assert.Equal(t, byte(0xAA), odd&0xAA)
		assert.Equal(t, byte(0xAA), even&0xAA)
		assert.Equal(t, byte(v), Decode44(odd, even))
	}
}

func TestEncode62RoundTrip(t *testing.T) {
	for _, data := range [][]byte{sectorData(1), make([]byte, 256), sectorData(2)} {
		disk, err := Encode62(data)
		require.NoError(t, err)
		require.Len(t, disk, AppleFieldBytes)
		for _, b := range disk {
			_, ok := Denibble62(b)
			require.True(t, ok)
		}
		got, ok, err := Decode62(disk)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, data, got)
	}

	_, err := Encode62(make([]byte, 255))
	assert.ErrorIs(t, err, sector.ErrInvalidArgument)
	_, _, err = Decode62(make([]byte, 10))
	assert.ErrorIs(t, err, sector.ErrInvalidArgument)
}

func TestEncode62Layout(t *testing.T) {
	data := make([]byte, 256)
	data[0] = 0x01   // low bits 01, stored swapped in aux[0] bits 0-1
	data[86] = 0x02  // aux[0] bits 2-3
	data[172] = 0x03 // aux[0] bits 4-5
	disk, err := Encode62(data)
	require.NoError(t, err)
	v, ok := Denibble62(disk[0])
	require.True(t, ok)
	assert.Equal(t, byte(0x02|0x01<<2|0x03<<4), v)
}

func TestDecode62Errors(t *testing.T) {
	disk, err := Encode62(sectorData(3))
	require.NoError(t, err)

	bad := append([]byte(nil), disk...)
	v, _ := Denibble62(bad[100])
	bad[100] = Nibble62[v^0x04]
	_, ok, err := Decode62(bad)
	require.NoError(t, err)
	assert.False(t, ok)

	bad = append([]byte(nil), disk...)
	bad[5] = 0xD5
	_, _, err = Decode62(bad)
	assert.ErrorIs(t, err, sector.ErrInvalidSymbol)
}

func appleSectors(n int) []AppleSector {
	list := make([]AppleSector, n)
	for i := range list {
		list[i] = AppleSector{Volume: 254, Track: 17, Sector: i, Data: sectorData(int64(i))}
	}
	return list
}

func TestDecodeAppleTrack(t *testing.T) {
	list := appleSectors(AppleSectorsPerTrack)
	bits, err := NewAppleWriter().EncodeTrack(list)
	require.NoError(t, err)

	var c sector.Collector
	d := NewAppleDecoder(&c)
	require.NoError(t, d.Decode(bits))
	require.Len(t, c.Records, AppleSectorsPerTrack)
	for i, rec := range c.Records {
		assert.True(t, rec.CRCOK, "sector %d", i)
		assert.Equal(t, sector.EncodingAppleGCR, rec.Encoding)
		assert.Equal(t, 17, rec.Address.Cylinder)
		assert.Equal(t, i, rec.Address.Sector)
		assert.Equal(t, 254, rec.Address.Volume)
		assert.True(t, rec.Address.Valid)
		assert.Equal(t, byte(0xAD), rec.Mark)
		assert.Equal(t, list[i].Data, rec.Data)
	}
	assert.Equal(t, sector.Stats{Found: 16, Good: 16}, d.Stats())
}

func TestDecodeDamagedAppleTrack(t *testing.T) {
	list := appleSectors(7)
	list[1].BadAddressChecksum = true
	list[2].BadDataChecksum = true
	list[3].InvalidByteAt = 10
	list[4].OmitData = true
	list[5].BadEpilogue = true
	bits, err := NewAppleWriter().EncodeTrack(list)
	require.NoError(t, err)

	var c sector.Collector
	d := NewAppleDecoder(&c)
	var errs []error
	for i := 0; i < bits.Len(); i++ {
		if err := d.PushBit(bits.Bit(i)); err != nil {
			errs = append(errs, err)
		}
	}

	require.Len(t, c.Records, 6)
	assert.True(t, c.Records[0].CRCOK)
	assert.False(t, c.Records[1].CRCOK)
	assert.False(t, c.Records[1].Address.Valid)
	assert.Equal(t, list[1].Data, c.Records[1].Data)
	assert.False(t, c.Records[2].CRCOK)
	assert.False(t, c.Records[3].CRCOK)
	assert.Equal(t, make([]byte, 256), c.Records[3].Data)
	assert.True(t, c.Records[4].CRCOK)
	assert.Equal(t, 5, c.Records[4].Address.Sector)

	assert.Equal(t, sector.Stats{
		Found:          6,
		Good:           3,
		Bad:            3,
		SyncLosses:     1,
		InvalidSymbols: 1,
		BadAddresses:   1,
		BadEpilogues:   2,
	}, d.Stats())

	require.Len(t, errs, 4)
	assert.ErrorIs(t, errs[0], sector.ErrChecksum)
	assert.ErrorIs(t, errs[1], sector.ErrChecksum)
	assert.ErrorIs(t, errs[2], sector.ErrInvalidSymbol)
	assert.ErrorIs(t, errs[3], sector.ErrSyncLost)
}

func TestAppleSyncDetected(t *testing.T) {
	w := NewAppleWriter()
	w.WriteSync(4)
	w.WriteAddress(AppleSector{Volume: 1, Track: 2, Sector: 3})
	bits := w.Bits()

	d := NewAppleDecoder(nil)
	var at []int
	for i := 0; i < bits.Len(); i++ {
		require.NoError(t, d.PushBit(bits.Bit(i)))
		if d.SyncDetected() {
			at = append(at, i)
		}
	}
	assert.Equal(t, []int{4*10 + 24 - 1}, at)

	d.Reset()
	assert.Equal(t, sector.Stats{}, d.Stats())
	assert.Equal(t, sector.EncodingAppleGCR, d.Encoding())
}

func TestAppleDataWindow(t *testing.T) {
	s := AppleSector{Volume: 1, Track: 0, Sector: 0, Data: sectorData(5)}
	w := NewAppleWriter()
	w.WriteSync(8)
	w.WriteAddress(s)
	w.WriteSync(30)
	require.NoError(t, w.WriteData(s))

	var c sector.Collector
	d := NewAppleDecoder(&c)
	d.SetWindow(20)
	require.NoError(t, d.Decode(w.Bits()))
	assert.Empty(t, c.Records)
	assert.Equal(t, 2, d.Stats().SyncLosses)

	d = NewAppleDecoder(&c)
	require.NoError(t, d.Decode(w.Bits()))
	assert.Len(t, c.Records, 1)
}

func TestAppleResyncAbandonsField(t *testing.T) {
	first := AppleSector{Volume: 254, Track: 5, Sector: 0, Data: sectorData(11)}
	second := AppleSector{Volume: 254, Track: 5, Sector: 1, Data: sectorData(12)}
	field, err := Encode62(first.Data)
	require.NoError(t, err)

	w := NewAppleWriter()
	w.WriteSync(8)
	w.WriteAddress(first)
	w.WriteSync(6)
	w.writeBytes([]byte{0xD5, 0xAA, 0xAD})
	w.writeBytes(field[:100]) // truncated by a rewrite
	w.WriteSync(6)
	w.WriteAddress(second)
	w.WriteSync(6)
	require.NoError(t, w.WriteData(second))
	w.WriteSync(8)
	bits := w.Bits()

	var c sector.Collector
	d := NewAppleDecoder(&c)
	var errs []error
	for i := 0; i < bits.Len(); i++ {
		if err := d.PushBit(bits.Bit(i)); err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, c.Records, 1)
	assert.Equal(t, 1, c.Records[0].Address.Sector)
	assert.True(t, c.Records[0].CRCOK)
	assert.Equal(t, second.Data, c.Records[0].Data)
	assert.Equal(t, sector.Stats{Found: 1, Good: 1, SyncLosses: 1}, d.Stats())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], sector.ErrSyncLost)
}

func TestAppleDataFieldWithoutAddress(t *testing.T) {
	d := NewAppleDecoder(nil)
	d.begin(appleData, 3)
	require.NoError(t, d.pushByte(0x96))
	require.NoError(t, d.pushByte(0x96))
	assert.ErrorIs(t, d.pushByte(0x96), sector.ErrInvalidState)
	assert.Equal(t, sector.Stats{}, d.Stats())
}

const testDiskID = 0x4131

func cbmSectors(track, n int) []CBMSector {
	list := make([]CBMSector, n)
	for i := range list {
		list[i] = CBMSector{Track: track, Sector: i, DiskID: testDiskID, Data: sectorData(int64(100 + i))}
	}
	return list
}

func TestDecodeCBMTrack(t *testing.T) {
	list := cbmSectors(18, CBMSectorsPerTrack(18))
	require.Len(t, list, 19)
	bits, err := NewCBMWriter().EncodeTrack(list)
	require.NoError(t, err)

	var c sector.Collector
	d := NewCBMDecoder(&c)
	require.NoError(t, d.Decode(bits))
	require.Len(t, c.Records, 19)
	for i, rec := range c.Records {
		assert.True(t, rec.CRCOK, "sector %d", i)
		assert.Equal(t, sector.EncodingCBMGCR, rec.Encoding)
		assert.Equal(t, 18, rec.Address.Cylinder)
		assert.Equal(t, i, rec.Address.Sector)
		assert.Equal(t, uint16(testDiskID), rec.Address.DiskID)
		assert.Equal(t, byte(CBMDataID), rec.Mark)
		assert.Equal(t, list[i].Data, rec.Data)
	}
	assert.Equal(t, sector.Stats{Found: 19, Good: 19}, d.Stats())
}

func damagedCBMTrack(t *testing.T) ([]CBMSector, *bitstream.Stream) {
	list := cbmSectors(1, 6)
	list[1].BadHeaderChecksum = true
	list[2].BadDataChecksum = true
	list[3].Data[0] = 0x00
	list[3].FlipBits = []int{11} // 01010 becomes 00010
	list[4].OmitData = true
	bits, err := NewCBMWriter().EncodeTrack(list)
	require.NoError(t, err)
	return list, bits
}

func TestDecodeDamagedCBMTrack(t *testing.T) {
	list, bits := damagedCBMTrack(t)

	var c sector.Collector
	d := NewCBMDecoder(&c)
	var errs []error
	for i := 0; i < bits.Len(); i++ {
		if err := d.PushBit(bits.Bit(i)); err != nil {
			errs = append(errs, err)
		}
	}

	require.Len(t, c.Records, 5)
	assert.True(t, c.Records[0].CRCOK)
	assert.False(t, c.Records[1].CRCOK)
	assert.False(t, c.Records[1].Address.Valid)
	assert.Equal(t, list[1].Data, c.Records[1].Data)
	assert.False(t, c.Records[2].CRCOK)
	assert.False(t, c.Records[3].CRCOK)
	assert.True(t, c.Records[4].CRCOK)
	assert.Equal(t, 5, c.Records[4].Address.Sector)

	assert.Equal(t, sector.Stats{
		Found:          5,
		Good:           2,
		Bad:            3,
		SyncLosses:     1,
		InvalidSymbols: 1,
		BadAddresses:   1,
	}, d.Stats())

	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], sector.ErrChecksum)
	assert.ErrorIs(t, errs[1], sector.ErrChecksum)
	assert.ErrorIs(t, errs[2], sector.ErrInvalidSymbol)
}

type recoveryFunc func(bits bitstream.Bits) ([]byte, error)

func (f recoveryFunc) DecodeBits(bits bitstream.Bits) ([]byte, error) {
	return f(bits)
}

func TestCBMRecovery(t *testing.T) {
	list, bits := damagedCBMTrack(t)

	calls := 0
	var c sector.Collector
	d := NewCBMDecoder(&c)
	d.SetRecovery(recoveryFunc(func(raw bitstream.Bits) ([]byte, error) {
		calls++
		assert.Equal(t, 2600, raw.Len())
		var chk byte
		for _, b := range list[3].Data {
			chk ^= b
		}
		block := append([]byte{CBMDataID}, list[3].Data...)
		return append(block, chk, 0, 0), nil
	}))
	require.NoError(t, d.Decode(bits))

	assert.Equal(t, 1, calls)
	require.Len(t, c.Records, 5)
	assert.True(t, c.Records[3].CRCOK)
	assert.Equal(t, list[3].Data, c.Records[3].Data)
	assert.Equal(t, 3, d.Stats().Good)
	assert.Equal(t, 1, d.Stats().InvalidSymbols)
}

func TestCBMSyncInsideBlock(t *testing.T) {
	first := CBMSector{Track: 3, Sector: 0, DiskID: testDiskID, Data: sectorData(7)}
	second := CBMSector{Track: 3, Sector: 1, DiskID: testDiskID, Data: sectorData(8)}

	w := NewCBMWriter()
	w.WriteHeader(first)
	w.WriteGap(9)
	w.WriteSync(40)
	w.writeBlock(append([]byte{CBMDataID}, first.Data[:20]...), nil)
	w.WriteHeader(second)
	w.WriteGap(9)
	require.NoError(t, w.WriteData(second))
	w.WriteGap(8)

	var c sector.Collector
	d := NewCBMDecoder(&c)
	require.NoError(t, d.Decode(w.Bits()))
	require.Len(t, c.Records, 1)
	assert.Equal(t, 1, c.Records[0].Address.Sector)
	assert.True(t, c.Records[0].CRCOK)
	assert.Equal(t, 1, d.Stats().SyncLosses)
}

func TestCBMSyncDetected(t *testing.T) {
	w := NewCBMWriter()
	w.WriteGap(2)
	w.WriteHeader(CBMSector{Track: 1})
	bits := w.Bits()

	d := NewCBMDecoder(nil)
	var at []int
	for i := 0; i < bits.Len(); i++ {
		_ = d.PushBit(bits.Bit(i))
		if d.SyncDetected() {
			at = append(at, i)
		}
	}
	// The gap ends with a one bit, so the run starts one bit early.
	assert.Equal(t, []int{16 + 8}, at)
	assert.Equal(t, sector.EncodingCBMGCR, d.Encoding())
}

func TestEncodeCBM(t *testing.T) {
	bits := EncodeCBM([]byte{0x08, 0x07})
	require.Equal(t, 20, bits.Len())
	r := bitstream.NewReader(bits)
	v, err := r.ReadBits(20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0A<<15|0x09<<10|0x0A<<5|0x17), v)
}

func TestCBMWriterRejectsShortSector(t *testing.T) {
	err := NewCBMWriter().WriteData(CBMSector{Data: make([]byte, 10)})
	assert.ErrorIs(t, err, sector.ErrInvalidArgument)
	_, err = NewAppleWriter().EncodeTrack([]AppleSector{{Data: make([]byte, 10)}})
	assert.ErrorIs(t, err, sector.ErrInvalidArgument)
}

func TestNilArguments(t *testing.T) {
	var a *AppleDecoder
	assert.ErrorIs(t, a.PushBit(1), sector.ErrNilDecoder)
	assert.ErrorIs(t, a.Decode(bitstream.New(0)), sector.ErrNilDecoder)
	assert.ErrorIs(t, NewAppleDecoder(nil).Decode(nil), sector.ErrNilBuffer)

	var c *CBMDecoder
	assert.ErrorIs(t, c.PushBit(1), sector.ErrNilDecoder)
	assert.ErrorIs(t, c.Decode(bitstream.New(0)), sector.ErrNilDecoder)
	assert.ErrorIs(t, NewCBMDecoder(nil).Decode(nil), sector.ErrNilBuffer)
}
