// Package crc implements the CRC-16/CCITT checksum used by IBM-style
// MFM and FM address and data fields.
package crc

import "sync"

const (
	// Poly is the CCITT generator polynomial x^16 + x^12 + x^5 + 1.
	Poly = 0x1021

	// Seed is the initial register value used by floppy controllers.
	Seed = 0xFFFF

	// AfterSync is the CRC register after the three A1 sync bytes of an
	// MFM address mark.
	AfterSync = 0xCDB4

	// AfterIDAM is the CRC register after A1 A1 A1 FE.
	AfterIDAM = 0xB230
)

var table = sync.OnceValue(func() *[256]uint16 {
	var t [256]uint16
	for i := 0; i < 256; i++ {
		c := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ Poly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return &t
})

// Update adds one byte to the running CRC.
func Update(crc uint16, b byte) uint16 {
	return crc<<8 ^ table()[byte(crc>>8)^b]
}

// UpdateBytes adds a block of bytes to the running CRC.
func UpdateBytes(crc uint16, data []byte) uint16 {
	t := table()
	for _, b := range data {
		crc = crc<<8 ^ t[byte(crc>>8)^b]
	}
	return crc
}

// Checksum computes the CRC of data starting from Seed.
func Checksum(data []byte) uint16 {
	return UpdateBytes(Seed, data)
}
