package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnownVectors(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{"check string", []byte("123456789"), 0x29B1},
		{"sync bytes", []byte{0xA1, 0xA1, 0xA1}, AfterSync},
		{"address mark", []byte{0xA1, 0xA1, 0xA1, 0xFE}, AfterIDAM},
		{"IDAM track 0 head 0 sector 1 size 2", []byte{0xA1, 0xA1, 0xA1, 0xFE, 0x00, 0x00, 0x01, 0x02}, 0xCA6F},
		{"empty", nil, Seed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Checksum(tt.data), "Checksum(%X)", tt.data)
		})
	}
}

func TestIncrementalMatchesBlock(t *testing.T) {
	data := []byte{0xA1, 0xA1, 0xA1, 0xFB, 0xE5, 0xE5, 0x00, 0x42}
	sum := uint16(Seed)
	for _, b := range data {
		sum = Update(sum, b)
	}
	assert.Equal(t, Checksum(data), sum)

	// Continuing from an intermediate value gives the same result.
	assert.Equal(t, Checksum(data), UpdateBytes(AfterSync, data[3:]))
}

func TestTrailingChecksumGivesZero(t *testing.T) {
	msg := []byte{0xA1, 0xA1, 0xA1, 0xFE, 0x05, 0x00, 0x03, 0x02}
	sum := Checksum(msg)
	framed := append(msg, byte(sum>>8), byte(sum))
	assert.Equal(t, uint16(0), Checksum(framed))
}
