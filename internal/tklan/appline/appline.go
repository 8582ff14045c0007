// Package appline implements the Intel-HEX-like ASCII line format used to
// transfer application memory (TKLan function 5/6 payloads) as text.
package appline

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/teknotrol/tklan-gateway/internal/tklan/codec"
	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// EndOfFileLine is the sentinel line marking the end of an application image.
const EndOfFileLine = ":00000001FF"

var lineRegex = regexp.MustCompile(`^:([0-9A-F]{2})([0-9A-F]{2})([0-9A-F]{2})([0-9A-F]{2})([0-9A-F]+)$`)

// Line is one record of the application-memory transfer format.
type Line struct {
	Length   byte
	Start    uint16 // word index
	Command  string // "00" (data record) or "01" (end of file)
	Data     []byte
	Checksum byte
}

// ParseLine parses one ":LL AAAA CC DD…DD ZZ" line. AAAA, read as a single
// 16-bit big-endian hex number, is the byte address; Start is that address
// divided by two (the word index).
func ParseLine(s string) (Line, error) {
	m := lineRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Line{}, fmt.Errorf("%w: %q does not match the app-line grammar", tklanerr.ErrBadLine, s)
	}
	lengthHex, addrHi, addrLo, command, rest := m[1], m[2], m[3], m[4], m[5]

	allBytes, err := hex.DecodeString(lengthHex + addrHi + addrLo + command + rest)
	if err != nil {
		return Line{}, fmt.Errorf("%w: %q contains invalid hex: %v", tklanerr.ErrBadLine, s, err)
	}
	if !codec.ValidateChecksum(allBytes) {
		return Line{}, fmt.Errorf("%w: %q fails checksum", tklanerr.ErrBadLine, s)
	}
	if len(rest)%2 != 0 || len(rest) < 2 {
		return Line{}, fmt.Errorf("%w: %q has a malformed data+checksum field", tklanerr.ErrBadLine, s)
	}

	length, err := strconv.ParseUint(lengthHex, 16, 8)
	if err != nil {
		return Line{}, fmt.Errorf("%w: %q has a malformed length field", tklanerr.ErrBadLine, s)
	}
	addr, err := strconv.ParseUint(addrHi+addrLo, 16, 16)
	if err != nil {
		return Line{}, fmt.Errorf("%w: %q has a malformed address field", tklanerr.ErrBadLine, s)
	}

	restBytes, err := hex.DecodeString(rest)
	if err != nil {
		return Line{}, fmt.Errorf("%w: %q has malformed data bytes", tklanerr.ErrBadLine, s)
	}

	return Line{
		Length:   byte(length),
		Start:    uint16(addr) / 2,
		Command:  command,
		Data:     restBytes[:len(restBytes)-1],
		Checksum: restBytes[len(restBytes)-1],
	}, nil
}

// Emit serializes line back to its upper-case ":..." text form.
func (l Line) Emit() string {
	body := fmt.Sprintf("%02X%04X%s%s", l.Length, l.Start*2, l.Command, strings.ToUpper(hex.EncodeToString(l.Data)))
	bodyBytes, _ := hex.DecodeString(body)
	cs := codec.Checksum(bodyBytes)
	return strings.ToUpper(fmt.Sprintf(":%s%02X", body, cs))
}

// LineFromReply builds a data-record Line from an f=5 reply frame and the
// word index that was requested, per §4.C's alternate construction path.
func LineFromReply(reply frame.Frame, start uint16) Line {
	data := make([]byte, len(reply.Data))
	copy(data, reply.Data)
	return Line{
		Length:  byte(len(reply.Data) / 2),
		Start:   start,
		Command: "00",
		Data:    data,
	}
}
