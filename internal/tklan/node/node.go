// Package node implements per-address TKLan operations layered on a link:
// identify, RAM/EEPROM read-write, application-memory transfer, and the
// activate/deactivate control protocol (spec.md §4.E).
package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/teknotrol/tklan-gateway/internal/tklan/appline"
	"github.com/teknotrol/tklan-gateway/internal/tklan/config"
	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
	"github.com/teknotrol/tklan-gateway/internal/tklan/link"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// sender transacts a Frame and can offer the token to a node. *link.Link
// satisfies this; tests substitute a fake.
type sender interface {
	SendFrame(f frame.Frame) (frame.Frame, error)
	OfferToken(target byte) error
}

var _ sender = (*link.Link)(nil)

// Node is one remote address's view of the bus.
type Node struct {
	Address byte
	link    sender
	cfg     config.Config

	mu    sync.Mutex
	state State
}

// New builds a Node with the conservative default sizes from cfg, used
// until Identify completes.
func New(address byte, l sender, cfg config.Config) (*Node, error) {
	if address > 15 {
		return nil, fmt.Errorf("%w: node address %d out of range 0..15", tklanerr.ErrInvalidFrame, address)
	}
	return &Node{
		Address: address,
		link:    l,
		cfg:     cfg,
		state: State{
			Address:      address,
			Status:       StatusUnseen,
			BufferSize:   cfg.DefaultBufferSize,
			EEPROMSize:   cfg.DefaultEEPROMSize,
			RAMReadSize:  cfg.DefaultRAMReadSize,
			RAMWriteSize: cfg.DefaultRAMWriteSize,
		},
	}, nil
}

// State returns a copy of the node's current record.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Identify issues a function-0 request, or validates an externally
// supplied reply (e.g. one observed passively on the bus), and unpacks the
// node's sizes and capability bytes (spec.md §4.E).
func (n *Node) Identify(supplied *frame.Frame) error {
	var reply frame.Frame
	if supplied != nil {
		if supplied.Function != frame.FuncIdentify || supplied.Sender != n.Address {
			return fmt.Errorf("%w: node %d: supplied frame (function %d from node %d) is not this node's identify reply", tklanerr.ErrInvalidFrame, n.Address, supplied.Function, supplied.Sender)
		}
		reply = *supplied
	} else {
		req, err := frame.FrameFromFields(0, n.Address, frame.FuncIdentify, nil)
		if err != nil {
			return err
		}
		r, err := n.link.SendFrame(req)
		if err != nil {
			return n.promoteOnFailure(err)
		}
		reply = r
	}
	n.applyIdentify(reply.Data)
	return nil
}

// applyIdentify unpacks an f=0 reply's data bytes per spec.md §4.E and
// §8's worked example. Replies shorter than 8 bytes keep the defaults for
// the fields that would have come from bytes 0..7 but still count as a
// successful identify.
func (n *Node) applyIdentify(data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data) < 8 {
		log.Printf("tklan: node %d: identify reply carries only %d data bytes, keeping defaulted sizes", n.Address, len(data))
	} else {
		n.state.EEPROMSize = int(data[2]) * 64
		n.state.BufferSize = int(data[5])
		n.state.RAMWriteSize = int(data[6])
		n.state.RAMReadSize = int(data[7])
		n.state.Services = uint16(data[3]) | uint16(data[4])<<8
		n.state.AppEnd = uint16(data[0])*256 + 255
		n.state.AppStart = uint16(data[1]) * 256
	}
	n.state.Status = StatusOk
	n.state.LastSeen = time.Now()
}

// promoteOnFailure implements spec.md §4.E's identify failure rule: while
// this host is master, a send failure means the node is gone.
func (n *Node) promoteOnFailure(err error) error {
	if errors.Is(err, tklanerr.ErrNoMaster) {
		return err
	}
	n.mu.Lock()
	n.state.Status = StatusAbsent
	n.mu.Unlock()
	return fmt.Errorf("%w: node %d: %v", tklanerr.ErrNodeNotExists, n.Address, err)
}

// ReadRAM reads length bytes of RAM starting at start.
func (n *Node) ReadRAM(start, length int) (MemoryContainer, error) {
	return n.readMemory(KindRAM, frame.FuncReadRAM, start, length)
}

// ReadEEPROM reads length bytes of EEPROM starting at start.
func (n *Node) ReadEEPROM(start, length int) (MemoryContainer, error) {
	return n.readMemory(KindEEPROM, frame.FuncReadEEPROM, start, length)
}

func (n *Node) readMemory(kind MemoryKind, fn frame.Function, start, length int) (MemoryContainer, error) {
	n.mu.Lock()
	size := n.state.RAMReadSize
	if kind == KindEEPROM {
		size = n.state.EEPROMSize
	}
	buf := n.state.BufferSize
	n.mu.Unlock()

	if start < 0 || start >= size {
		return MemoryContainer{}, fmt.Errorf("%w: start %d out of range for node %d's %s (size %d)", tklanerr.ErrInvalidFrame, start, n.Address, kind, size)
	}
	if length <= 0 || length > buf {
		return MemoryContainer{}, fmt.Errorf("%w: length %d exceeds buffer size %d for node %d", tklanerr.ErrInvalidFrame, length, buf, n.Address)
	}

	req, err := frame.FrameFromFields(0, n.Address, fn, []byte{byte(start), byte(length)})
	if err != nil {
		return MemoryContainer{}, err
	}
	reply, err := n.link.SendFrame(req)
	if err != nil {
		return MemoryContainer{}, err
	}
	return MemoryContainer{
		Address:   n.Address,
		Kind:      kind,
		Start:     start,
		Data:      append([]byte(nil), reply.Data...),
		Timestamp: time.Now(),
	}, nil
}

// WriteRAM writes data starting at start.
func (n *Node) WriteRAM(start int, data []byte) (frame.Frame, error) {
	return n.writeMemory(frame.FuncWriteRAM, start, data)
}

// WriteEEPROM writes data starting at start.
func (n *Node) WriteEEPROM(start int, data []byte) (frame.Frame, error) {
	return n.writeMemory(frame.FuncWriteEEPROM, start, data)
}

func (n *Node) writeMemory(fn frame.Function, start int, data []byte) (frame.Frame, error) {
	n.mu.Lock()
	buf := n.state.BufferSize
	n.mu.Unlock()

	if start < 0 || start > 255 {
		return frame.Frame{}, fmt.Errorf("%w: start %d out of range for node %d", tklanerr.ErrInvalidFrame, start, n.Address)
	}
	if len(data) > buf-1 {
		return frame.Frame{}, fmt.Errorf("%w: write of %d bytes exceeds buffer size %d for node %d", tklanerr.ErrInvalidFrame, len(data), buf, n.Address)
	}

	payload := make([]byte, 0, 1+len(data))
	payload = append(payload, byte(start))
	payload = append(payload, data...)
	req, err := frame.FrameFromFields(0, n.Address, fn, payload)
	if err != nil {
		return frame.Frame{}, err
	}
	return n.link.SendFrame(req)
}

// ReadAppLine issues an f=5 request for count words starting at startWord
// and wraps the reply as an AppLine.
func (n *Node) ReadAppLine(startWord uint16, count byte) (appline.Line, error) {
	payload := make([]byte, 3)
	binary.LittleEndian.PutUint16(payload[0:2], startWord)
	payload[2] = count

	req, err := frame.FrameFromFields(0, n.Address, frame.FuncReadApp, payload)
	if err != nil {
		return appline.Line{}, err
	}
	reply, err := n.link.SendFrame(req)
	if err != nil {
		return appline.Line{}, err
	}
	return appline.LineFromReply(reply, startWord), nil
}

// WriteAppLine writes one AppLine, routing it to the flash region (chunked
// f=6 writes) or the EEPROM config region (a single f=4 write of the
// odd-indexed bytes), per spec.md §4.E.
func (n *Node) WriteAppLine(line appline.Line) ([]frame.Frame, error) {
	n.mu.Lock()
	appEnd := n.state.AppEnd
	n.mu.Unlock()

	switch {
	case line.Start < appEnd:
		return n.writeAppLineFlash(line)
	case int(line.Start) > config.AppInitE2:
		return n.writeAppLineEEPROM(line)
	default:
		return nil, fmt.Errorf("%w: app line start %d for node %d falls between app_end and the EEPROM config region", tklanerr.ErrInvalidFrame, line.Start, n.Address)
	}
}

func (n *Node) writeAppLineFlash(line appline.Line) ([]frame.Frame, error) {
	var replies []frame.Frame
	for off := 0; off < len(line.Data); off += config.GrabaMaxBytes {
		end := off + config.GrabaMaxBytes
		if end > len(line.Data) {
			end = len(line.Data)
		}
		chunk := line.Data[off:end]
		wordOffset := line.Start + uint16(off/2)

		payload := make([]byte, 2+len(chunk))
		binary.LittleEndian.PutUint16(payload[0:2], wordOffset)
		copy(payload[2:], chunk)

		req, err := frame.FrameFromFields(0, n.Address, frame.FuncWriteApp, payload)
		if err != nil {
			return replies, err
		}
		reply, err := n.link.SendFrame(req)
		if err != nil {
			return replies, err
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

func (n *Node) writeAppLineEEPROM(line appline.Line) ([]frame.Frame, error) {
	odd := make([]byte, 0, len(line.Data)/2)
	for i := 1; i < len(line.Data); i += 2 {
		odd = append(odd, line.Data[i])
	}

	start := int(line.Start) - config.AppInitConfig
	if start < 0 || start > 255 {
		return nil, fmt.Errorf("%w: eeprom-relative start %d out of range for node %d", tklanerr.ErrInvalidFrame, start, n.Address)
	}

	payload := append([]byte{byte(start)}, odd...)
	req, err := frame.FrameFromFields(0, n.Address, frame.FuncWriteEEPROM, payload)
	if err != nil {
		return nil, err
	}
	reply, err := n.link.SendFrame(req)
	if err != nil {
		return nil, err
	}
	return []frame.Frame{reply}, nil
}

// ActivateApp issues the reserved f=6 activation payload.
func (n *Node) ActivateApp() error {
	req, err := frame.FrameFromFields(0, n.Address, frame.FuncWriteApp, frame.AppActivatePayload)
	if err != nil {
		return err
	}
	reply, err := n.link.SendFrame(req)
	if err != nil {
		return err
	}
	if len(reply.Data) == 0 || reply.Data[0] != frame.AppActivateAck {
		return fmt.Errorf("%w: node %d did not acknowledge activation", tklanerr.ErrInactiveApp, n.Address)
	}
	n.mu.Lock()
	n.state.AppActive = true
	n.state.DeactivationRequested = false
	n.mu.Unlock()
	return nil
}

// DeactivateApp issues the reserved f=6 deactivation payload. If blocking,
// it then polls CheckAppState until the active flag clears, within
// MasterEventTimeout, else it fails with ErrActiveApp.
func (n *Node) DeactivateApp(blocking bool) error {
	req, err := frame.FrameFromFields(0, n.Address, frame.FuncWriteApp, frame.AppDeactivatePayload)
	if err != nil {
		return err
	}
	reply, err := n.link.SendFrame(req)
	if err != nil {
		return err
	}
	if len(reply.Data) == 0 || reply.Data[0] != frame.AppDeactivateAck {
		return fmt.Errorf("%w: node %d did not acknowledge deactivation", tklanerr.ErrActiveApp, n.Address)
	}

	n.mu.Lock()
	n.state.DeactivationRequested = true
	n.mu.Unlock()

	if !blocking {
		return nil
	}

	deadline := time.Now().Add(n.cfg.MasterEventTimeout)
	for time.Now().Before(deadline) {
		active, pending, err := n.CheckAppState()
		if err != nil {
			return err
		}
		if !active {
			n.mu.Lock()
			n.state.AppActive = false
			n.state.DeactivationRequested = false
			n.mu.Unlock()
			return nil
		}
		n.mu.Lock()
		n.state.DeactivationRequested = pending
		n.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: node %d still active %s after deactivation", tklanerr.ErrActiveApp, n.Address, n.cfg.MasterEventTimeout)
}

// CheckAppState reads RAM byte 0 and decodes the application's active and
// pending-deactivation flags. Bit numbering is MSB-first (bit 0 = 0x80),
// per spec.md §9's resolution of the source's ambiguous variants.
func (n *Node) CheckAppState() (active, deactivationRequested bool, err error) {
	mc, err := n.ReadRAM(0, 1)
	if err != nil {
		return false, false, err
	}
	b, ok := mc.Get(0)
	if !ok {
		return false, false, fmt.Errorf("%w: node %d returned no app-state byte", tklanerr.ErrDecode, n.Address)
	}
	return b&0x80 != 0, b&0x02 != 0, nil
}

// ReturnToken offers the token to this node via the link's offer
// sub-protocol.
func (n *Node) ReturnToken() error {
	return n.link.OfferToken(n.Address)
}
