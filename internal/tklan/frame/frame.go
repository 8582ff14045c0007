// Package frame implements the TKLan Frame: an in-memory representation of
// a request or reply, its two construction paths, outgoing semantic
// validation, and the response-size oracle used by the link to know how
// many bytes a compliant peer's reply will occupy.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/teknotrol/tklan-gateway/internal/tklan/codec"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// Function identifies one of the eight TKLan operations.
type Function byte

const (
	FuncIdentify    Function = 0
	FuncReadRAM     Function = 1
	FuncWriteRAM    Function = 2
	FuncReadEEPROM  Function = 3
	FuncWriteEEPROM Function = 4
	FuncReadApp     Function = 5
	FuncWriteApp    Function = 6
	FuncToken       Function = 7
)

// Reserved f=6 payloads and their single-byte acknowledgement sentinels.
var (
	AppActivatePayload   = []byte{0x00, 0x00, 0xA5, 0x05}
	AppDeactivatePayload = []byte{0x00, 0x01, 0xFF, 0xFF}
	AppActivateAck       = byte(0x02)
	AppDeactivateAck     = byte(0x00)
)

// Frame is an immutable TKLan frame: header + control + data + checksum.
type Frame struct {
	Sender      byte
	Destination byte
	Function    Function
	Data        []byte
	Checksum    byte
	Bytes       []byte
}

type buildOptions struct {
	skipValidation bool
}

// FrameOption customizes FrameFromFields.
type FrameOption func(*buildOptions)

// WithoutValidation skips the outgoing semantic-shape check in §3. Used only
// by the gateway, which must be able to relay a frame whose function/data
// shape the client dictated directly.
func WithoutValidation() FrameOption {
	return func(o *buildOptions) { o.skipValidation = true }
}

// FrameFromFields builds an outgoing frame from its logical fields,
// computing the checksum and, unless WithoutValidation is given, checking
// the function's semantic shape (§3).
func FrameFromFields(sender, destination byte, function Function, data []byte, opts ...FrameOption) (Frame, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	header, err := codec.EncodeAddr(sender, destination)
	if err != nil {
		return Frame{}, err
	}
	if len(data) > 31 {
		return Frame{}, fmt.Errorf("%w: data length %d exceeds 31", tklanerr.ErrEncode, len(data))
	}
	ctrl, err := codec.EncodeCtrl(byte(function), byte(len(data)))
	if err != nil {
		return Frame{}, err
	}

	if !o.skipValidation {
		if err := validateOutgoing(function, data); err != nil {
			return Frame{}, err
		}
	}

	body := make([]byte, 0, 2+len(data))
	body = append(body, header, ctrl)
	body = append(body, data...)
	cs := codec.Checksum(body)

	bytesChain := make([]byte, 0, len(body)+1)
	bytesChain = append(bytesChain, body...)
	bytesChain = append(bytesChain, cs)

	return Frame{
		Sender:      sender,
		Destination: destination,
		Function:    function,
		Data:        data,
		Checksum:    cs,
		Bytes:       bytesChain,
	}, nil
}

// FrameFromWire parses a frame read off the bus. Only checksum-validity is
// enforced (per §3, a slave must be able to receive malformed master
// traffic without running full semantic validation on it).
func FrameFromWire(wire []byte) (Frame, error) {
	if len(wire) < 3 || !codec.ValidateChecksum(wire) {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes fails checksum", tklanerr.ErrBadChecksum, len(wire))
	}
	sender, destination, err := codec.DecodeAddr(wire[0:1])
	if err != nil {
		return Frame{}, err
	}
	function, _, err := codec.DecodeCtrl(wire[1:2])
	if err != nil {
		return Frame{}, err
	}
	// A reply's control byte carries the request's function and length, not
	// the reply's own payload size (spec §8 scenario 1: a read of 5 bytes
	// replies with control byte length=2 but 5 data bytes). The data bytes
	// are whatever sits between the control byte and the trailing checksum.
	data := make([]byte, len(wire)-3)
	copy(data, wire[2:len(wire)-1])

	bytesChain := make([]byte, len(wire))
	copy(bytesChain, wire)

	return Frame{
		Sender:      sender,
		Destination: destination,
		Function:    Function(function),
		Data:        data,
		Checksum:    wire[len(wire)-1],
		Bytes:       bytesChain,
	}, nil
}

// validateOutgoing enforces §3's per-function semantic shape.
func validateOutgoing(function Function, data []byte) error {
	switch function {
	case FuncIdentify:
		if len(data) != 0 {
			return fmt.Errorf("%w: function 0 (identify) must carry no data, got %d bytes", tklanerr.ErrInvalidFrame, len(data))
		}
	case FuncReadRAM, FuncReadEEPROM:
		if len(data) != 2 {
			return fmt.Errorf("%w: memory read must carry exactly 2 data bytes (start, count), got %d", tklanerr.ErrInvalidFrame, len(data))
		}
	case FuncWriteRAM, FuncWriteEEPROM:
		if len(data) < 2 {
			return fmt.Errorf("%w: memory write must carry at least 2 data bytes (start, payload...), got %d", tklanerr.ErrInvalidFrame, len(data))
		}
	case FuncReadApp:
		if len(data) != 3 {
			return fmt.Errorf("%w: application read must carry exactly 3 data bytes (start_lo, start_hi, count), got %d", tklanerr.ErrInvalidFrame, len(data))
		}
	case FuncWriteApp:
		if len(data) < 2 {
			return fmt.Errorf("%w: application write/control must carry at least 2 data bytes, got %d", tklanerr.ErrInvalidFrame, len(data))
		}
	case FuncToken:
		if len(data) != 0 {
			return fmt.Errorf("%w: function 7 (token) must carry no data, got %d bytes", tklanerr.ErrInvalidFrame, len(data))
		}
	default:
		return fmt.Errorf("%w: unrecognized function %d", tklanerr.ErrInvalidFrame, function)
	}
	return nil
}

// ResponseSize implements the response-size oracle: how many bytes a
// compliant peer's reply to this frame will occupy, including its own
// header/control/checksum overhead.
func (f Frame) ResponseSize() int {
	switch f.Function {
	case FuncIdentify:
		return 13
	case FuncReadRAM, FuncReadEEPROM:
		count := 0
		if len(f.Data) >= 2 {
			count = int(f.Data[1])
		}
		return 3 + count
	case FuncWriteRAM, FuncWriteEEPROM:
		return 3 + len(f.Data)
	case FuncReadApp:
		count := 0
		if len(f.Data) >= 3 {
			count = int(f.Data[2])
		}
		return 3 + 2*count
	case FuncWriteApp:
		if isReservedPayload(f.Data, AppActivatePayload) || isReservedPayload(f.Data, AppDeactivatePayload) {
			return 4
		}
		return 3 + appLineSize + 2
	case FuncToken:
		return 3
	default:
		return 3
	}
}

// appLineSize mirrors §3's APP_LINE_SIZE constant (8 bytes) used by the f=6
// write-application-memory response-size oracle.
const appLineSize = 8

func isReservedPayload(data, reserved []byte) bool {
	if len(data) != len(reserved) {
		return false
	}
	for i := range data {
		if data[i] != reserved[i] {
			return false
		}
	}
	return true
}

// AppStartWord decodes the little-endian 16-bit start word from an f=5
// request's payload (start_lo, start_hi, count).
func AppStartWord(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: app read payload too short for a start word", tklanerr.ErrDecode)
	}
	return binary.LittleEndian.Uint16(data[0:2]), nil
}
