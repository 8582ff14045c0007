package appline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

func TestParseLineEndOfFile(t *testing.T) {
	l, err := ParseLine(EndOfFileLine)
	if err != nil {
		t.Fatalf("ParseLine(%q): %v", EndOfFileLine, err)
	}
	if l.Length != 0 || l.Start != 0 || l.Command != "01" || len(l.Data) != 0 {
		t.Errorf("got %+v", l)
	}
}

func TestEmitParseRoundTrip(t *testing.T) {
	tests := []Line{
		{Length: 4, Start: 0x4000, Command: "00", Data: []byte{0x00, 0xF0, 0x85, 0xFF}},
		{Length: 1, Start: 0x0000, Command: "00", Data: []byte{0x42}},
		{Length: 0, Start: 0x1234, Command: "00", Data: nil},
	}
	for _, want := range tests {
		text := want.Emit()
		got, err := ParseLine(text)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", text, err)
		}
		if got.Start != want.Start || got.Command != want.Command || !bytes.Equal(got.Data, want.Data) {
			t.Errorf("round trip %+v -> %q -> %+v", want, text, got)
		}
		if got.Emit() != text {
			t.Errorf("Emit() not stable: %q -> %q", text, got.Emit())
		}
	}
}

func TestParseLineRejectsMalformedGrammar(t *testing.T) {
	_, err := ParseLine("not a line")
	if !errors.Is(err, tklanerr.ErrBadLine) {
		t.Errorf("got %v, want ErrBadLine", err)
	}
}

func TestParseLineRejectsBadChecksum(t *testing.T) {
	_, err := ParseLine(":0100000042FF")
	if !errors.Is(err, tklanerr.ErrBadLine) {
		t.Errorf("got %v, want ErrBadLine", err)
	}
}

func TestLineFromReply(t *testing.T) {
	reply, err := frame.FrameFromWire([]byte{0x10, 0x25, 0x01, 0x02, 0x03, 0x04, 0x05, 0xBC})
	if err != nil {
		t.Fatalf("FrameFromWire: %v", err)
	}
	l := LineFromReply(reply, 0x40)
	if l.Start != 0x40 || l.Command != "00" {
		t.Errorf("got %+v", l)
	}
	if !bytes.Equal(l.Data, reply.Data) {
		t.Errorf("data = % x, want % x", l.Data, reply.Data)
	}
	if int(l.Length) != len(reply.Data)/2 {
		t.Errorf("length = %d, want %d", l.Length, len(reply.Data)/2)
	}
}
