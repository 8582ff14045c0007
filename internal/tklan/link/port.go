package link

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// portHandle is the subset of go.bug.st/serial's Port this package needs.
// Tests substitute a fake implementation backed by an in-memory pipe so the
// link's framing and retry logic runs without real hardware.
type portHandle interface {
	io.Reader
	io.Writer
	io.Closer
	ResetInputBuffer() error
}

// PortFactory opens the concrete serial port. cmd/tklan-gateway wires this
// to openRealPort; tests wire it to a fake.
type PortFactory func() (portHandle, error)

// openRealPort opens name at baud 8-N-1 and sets its read timeout, the
// configuration TKLan equipment has used since before 2018 per
// original_source/ClaptonBase/serial_interface.py's docstring.
func openRealPort(name string, baud int, timeout time.Duration) (portHandle, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", tklanerr.ErrSerialConfig, name, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: setting read timeout on %s: %v", tklanerr.ErrSerialConfig, name, err)
	}
	return port, nil
}
