// Package codec implements the TKLan header bit-packing and checksum rules.
//
// A frame's first two bytes each pack two small fields: the header byte
// packs a 4-bit sender and a 4-bit destination, the control byte packs a
// 3-bit function and a 5-bit length. Multi-byte numeric fields in frame
// payloads (the f=5 and f=6 start word) are little-endian. The AppLine
// text address is the exception: it is read as a plain big-endian hex
// number (see package appline).
package codec

import (
	"fmt"

	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// EncodeAddr packs a sender/destination pair (each 0..15) into one header byte.
func EncodeAddr(sender, destination byte) (byte, error) {
	if sender > 15 || destination > 15 {
		return 0, fmt.Errorf("%w: sender=%d destination=%d out of range 0..15", tklanerr.ErrEncode, sender, destination)
	}
	return sender<<4 | destination, nil
}

// DecodeAddr unpacks a header byte into (sender, destination).
func DecodeAddr(b []byte) (sender, destination byte, err error) {
	if len(b) != 1 {
		return 0, 0, fmt.Errorf("%w: decode_addr wants exactly 1 byte, got %d", tklanerr.ErrDecode, len(b))
	}
	return b[0] >> 4, b[0] & 0x0F, nil
}

// EncodeCtrl packs a function/length pair into one control byte.
// function must be 0..7, length must be 0..31.
func EncodeCtrl(function, length byte) (byte, error) {
	if function > 7 || length > 31 {
		return 0, fmt.Errorf("%w: function=%d length=%d out of range", tklanerr.ErrEncode, function, length)
	}
	return function<<5 | length, nil
}

// DecodeCtrl unpacks a control byte into (function, length).
func DecodeCtrl(b []byte) (function, length byte, err error) {
	if len(b) != 1 {
		return 0, 0, fmt.Errorf("%w: decode_ctrl wants exactly 1 byte, got %d", tklanerr.ErrDecode, len(b))
	}
	return b[0] >> 5, b[0] & 0x1F, nil
}

// Checksum computes the TKLan checksum: (0 - sum(bytes)) mod 256.
// The accumulation is over the unsigned byte values; a uint8 running sum
// wraps modulo 256 on its own, which is exactly the rule the protocol wants.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// ValidateChecksum reports whether frameBytes is at least 3 bytes long and
// sums to zero mod 256 (header + control + data + checksum).
func ValidateChecksum(frameBytes []byte) bool {
	if len(frameBytes) < 3 {
		return false
	}
	var sum byte
	for _, b := range frameBytes {
		sum += b
	}
	return sum == 0
}
