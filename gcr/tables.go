package gcr

// invalid marks a disk byte or code with no decoded value.
const invalid = 0xFF

// Nibble62 translates 6-bit values to Apple disk bytes for 6-and-2
// encoding.
var Nibble62 = [64]byte{
	0x96, 0x97, 0x9a, 0x9b, 0x9d, 0x9e, 0x9f, 0xa6,
	0xa7, 0xab, 0xac, 0xad, 0xae, 0xaf, 0xb2, 0xb3,
	0xb4, 0xb5, 0xb6, 0xb7, 0xb9, 0xba, 0xbb, 0xbc,
	0xbd, 0xbe, 0xbf, 0xcb, 0xcd, 0xce, 0xcf, 0xd3,
	0xd6, 0xd7, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde,
	0xdf, 0xe5, 0xe6, 0xe7, 0xe9, 0xea, 0xeb, 0xec,
	0xed, 0xee, 0xef, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6,
	0xf7, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff,
}

// denibble62 is the inverse of Nibble62; invalid for other bytes.
var denibble62 = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = invalid
	}
	for v, b := range Nibble62 {
		t[b] = byte(v)
	}
	return t
}()

// CBMCode translates a nibble to its 5-bit Commodore GCR code.
var CBMCode = [16]byte{
	0x0A, 0x0B, 0x12, 0x13, 0x0E, 0x0F, 0x16, 0x17,
	0x09, 0x19, 0x1A, 0x1B, 0x0D, 0x1D, 0x1E, 0x15,
}

// cbmNibble is the inverse of CBMCode; invalid for the other 16 codes.
var cbmNibble = func() [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = invalid
	}
	for n, c := range CBMCode {
		t[c] = byte(n)
	}
	return t
}()

// CBMNibble decodes a 5-bit code. It reports false for codes outside
// the table.
func CBMNibble(code byte) (byte, bool) {
	n := cbmNibble[code&0x1F]
	return n, n != invalid
}

// Denibble62 decodes an Apple 6-and-2 disk byte.
func Denibble62(b byte) (byte, bool) {
	v := denibble62[b]
	return v, v != invalid
}
