package codec

import (
	"errors"
	"testing"

	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

func TestEncodeDecodeAddrRoundTrip(t *testing.T) {
	for sender := byte(0); sender <= 15; sender++ {
		for destination := byte(0); destination <= 15; destination++ {
			b, err := EncodeAddr(sender, destination)
			if err != nil {
				t.Fatalf("EncodeAddr(%d, %d): %v", sender, destination, err)
			}
			gotSender, gotDestination, err := DecodeAddr([]byte{b})
			if err != nil {
				t.Fatalf("DecodeAddr: %v", err)
			}
			if gotSender != sender || gotDestination != destination {
				t.Errorf("round trip (%d,%d) -> %#x -> (%d,%d)", sender, destination, b, gotSender, gotDestination)
			}
		}
	}
}

func TestEncodeAddrOutOfRange(t *testing.T) {
	if _, err := EncodeAddr(16, 0); !errors.Is(err, tklanerr.ErrEncode) {
		t.Errorf("sender=16: got %v, want ErrEncode", err)
	}
	if _, err := EncodeAddr(0, 16); !errors.Is(err, tklanerr.ErrEncode) {
		t.Errorf("destination=16: got %v, want ErrEncode", err)
	}
}

func TestEncodeDecodeCtrlRoundTrip(t *testing.T) {
	for function := byte(0); function <= 7; function++ {
		for length := byte(0); length <= 31; length++ {
			b, err := EncodeCtrl(function, length)
			if err != nil {
				t.Fatalf("EncodeCtrl(%d, %d): %v", function, length, err)
			}
			gotFunction, gotLength, err := DecodeCtrl([]byte{b})
			if err != nil {
				t.Fatalf("DecodeCtrl: %v", err)
			}
			if gotFunction != function || gotLength != length {
				t.Errorf("round trip (%d,%d) -> %#x -> (%d,%d)", function, length, b, gotFunction, gotLength)
			}
		}
	}
}

func TestEncodeCtrlOutOfRange(t *testing.T) {
	if _, err := EncodeCtrl(8, 0); !errors.Is(err, tklanerr.ErrEncode) {
		t.Errorf("function=8: got %v, want ErrEncode", err)
	}
	if _, err := EncodeCtrl(0, 32); !errors.Is(err, tklanerr.ErrEncode) {
		t.Errorf("length=32: got %v, want ErrEncode", err)
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{"empty", nil, 0},
		{"single byte", []byte{0x01}, 0xFF},
		{"readRAMRequest", []byte{0x01, 0x22, 0x00, 0x05}, 0xD8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum(%x) = %#02x, want %#02x", tt.data, got, tt.want)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	good := []byte{0x01, 0x22, 0x00, 0x05, Checksum([]byte{0x01, 0x22, 0x00, 0x05})}
	if !ValidateChecksum(good) {
		t.Errorf("ValidateChecksum(%x) = false, want true", good)
	}

	bad := []byte{0x01, 0x22, 0x00, 0x05, 0x00}
	if ValidateChecksum(bad) {
		t.Errorf("ValidateChecksum(%x) = true, want false", bad)
	}

	if ValidateChecksum([]byte{0x01, 0x02}) {
		t.Error("ValidateChecksum on a 2-byte buffer = true, want false")
	}
}
