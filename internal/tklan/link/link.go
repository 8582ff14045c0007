// Package link implements the TKLan serial link state machine: port
// lifecycle, echo-consuming transactions, the framing reader, master
// detection, and token accept/offer.
//
// Concurrency follows the shape librescoot-bluetooth-service/pkg/usock/usock.go
// uses for its own UART connection: one supervisor goroutine owns
// open/reopen/backoff, one sync.Mutex serializes every operation that
// touches the port, and a stopCh closed once by Stop() is observed by the
// supervisor loop and by FrameStream.Next. CheckMaster and SendFrame do not
// watch stopCh; they end at WaitMasterPeriod or at the port's read timeout.
package link

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/teknotrol/tklan-gateway/internal/tklan/config"
	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// State is the link's coarse lifecycle state (spec.md §4.D).
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Link owns the single serial file descriptor and the state needed to
// coordinate access to it (spec.md §4.D, §5).
type Link struct {
	cfg         config.Config
	openPort    PortFactory

	mu       sync.Mutex // guards everything below; the port's mutual-exclusion lock (spec.md §5)
	port     portHandle
	state    State
	imMaster bool

	wantMaster masterFlag
	giveMaster giveMasterFlag

	reconnectTries int

	stopCh  chan struct{}
	stopped chan struct{}
}

// New builds a Link that opens cfg.SerialPort via go.bug.st/serial.
func New(cfg config.Config) *Link {
	factory := func() (portHandle, error) {
		return openRealPort(cfg.SerialPort, cfg.BaudRate, cfg.PortTimeout)
	}
	return NewWithPortFactory(cfg, factory)
}

// NewWithPortFactory builds a Link using a caller-supplied port factory,
// letting tests substitute an in-memory port for go.bug.st/serial.
func NewWithPortFactory(cfg config.Config, factory PortFactory) *Link {
	return &Link{
		cfg:      cfg,
		openPort: factory,
		state:    StateClosed,
	}
}

// Start spawns the supervisor goroutine that owns the port's lifecycle.
func (l *Link) Start() error {
	l.mu.Lock()
	if l.state != StateClosed {
		l.mu.Unlock()
		return fmt.Errorf("tklan: link: Start called in state %s", l.state)
	}
	l.state = StateOpening
	l.mu.Unlock()

	l.stopCh = make(chan struct{})
	l.stopped = make(chan struct{})
	go l.supervise()
	return nil
}

// Stop signals the supervisor to exit, waits for it, and closes the port.
func (l *Link) Stop() {
	if l.stopCh != nil {
		close(l.stopCh)
		<-l.stopped
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.state = StateClosed
}

// IsMaster reports whether this host currently holds the token. Only
// meaningful while the link is Open (spec.md §4.D's invariant).
func (l *Link) IsMaster() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.imMaster
}

// State reports the link's current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RequestMaster arms want_master: the next function-7 offer addressed to
// this host will be accepted by ListenFrames, within MasterEventTimeout.
func (l *Link) RequestMaster() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wantMaster.Set(l.cfg.MasterEventTimeout)
}

// supervise is the supervisor goroutine: opens the port, checks for a
// master, then loops reopening on failure with jittered, then longer,
// backoff (spec.md §4.D's port lifecycle).
func (l *Link) supervise() {
	defer close(l.stopped)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.mu.Lock()
		needsOpen := l.port == nil
		l.mu.Unlock()

		if needsOpen {
			if err := l.tryOpen(); err != nil {
				log.Printf("tklan: link: %v", err)
				if !l.sleepBackoff() {
					return
				}
				continue
			}
			if err := l.CheckMaster(false); err != nil {
				log.Printf("tklan: link: check_master after open: %v", err)
			}
		}

		select {
		case <-l.stopCh:
			return
		case <-time.After(l.cfg.ConStatusPeriod):
		}
	}
}

func (l *Link) tryOpen() error {
	port, err := l.openPort()
	if err != nil {
		l.mu.Lock()
		l.reconnectTries++
		l.mu.Unlock()
		return fmt.Errorf("%w: %v", tklanerr.ErrSerialConfig, err)
	}
	l.mu.Lock()
	l.port = port
	l.state = StateOpen
	l.reconnectTries = 0
	l.mu.Unlock()
	return nil
}

// sleepBackoff waits between reconnect attempts: a short jittered interval
// for the first InstantReconnectTries, then LongReconnectPeriod. Returns
// false if stopCh fired while waiting.
func (l *Link) sleepBackoff() bool {
	l.mu.Lock()
	tries := l.reconnectTries
	l.mu.Unlock()

	var d time.Duration
	if tries < l.cfg.InstantReconnectTries {
		d = time.Duration(rand.Int63n(int64(time.Second)))
	} else {
		d = l.cfg.LongReconnectPeriod + time.Duration(rand.Int63n(int64(time.Second)))
	}
	select {
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// closePortLocked closes and forgets the port after an unrecoverable I/O
// error, so the supervisor reopens it. Caller must hold l.mu.
func (l *Link) closePortLocked() {
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.state = StateClosing
	l.imMaster = false
}

// readExact reads exactly n bytes, calling Read until they have all
// arrived. go.bug.st/serial (like the hardware it fronts) returns n==0,
// err==nil on a read timeout rather than io.EOF, so a plain io.ReadFull
// would spin; this treats a Read that returns no bytes as ErrRead instead
// of looping.
func (l *Link) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := l.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tklanerr.ErrRead, err)
		}
		if m == 0 {
			return nil, fmt.Errorf("%w: timed out after %d of %d bytes", tklanerr.ErrRead, total, n)
		}
		total += m
	}
	return buf, nil
}

// writeAndConsumeEcho writes f and reads back the half-duplex transceiver
// echo, validating it as a well-formed frame (spec.md §4.D step 1-3, §9's
// echo note). Caller must hold l.mu and have a non-nil port.
func (l *Link) writeAndConsumeEcho(f frame.Frame) error {
	if err := l.port.ResetInputBuffer(); err != nil {
		l.closePortLocked()
		return fmt.Errorf("%w: flushing input: %v", tklanerr.ErrWrite, err)
	}
	if _, err := l.port.Write(f.Bytes); err != nil {
		l.closePortLocked()
		return fmt.Errorf("%w: writing frame: %v", tklanerr.ErrWrite, err)
	}
	echo, err := l.readExact(len(f.Bytes))
	if err != nil {
		return err
	}
	if _, err := frame.FrameFromWire(echo); err != nil {
		return fmt.Errorf("%w: echo failed to validate: %v", tklanerr.ErrRead, err)
	}
	return nil
}

// sendFrameOnce performs one attempt of the send_frame transaction (spec.md
// §4.D). Caller must hold l.mu and have checked im_master/port-open.
func (l *Link) sendFrameOnce(f frame.Frame) (frame.Frame, error) {
	if err := l.writeAndConsumeEcho(f); err != nil {
		return frame.Frame{}, err
	}
	replyBytes, err := l.readExact(f.ResponseSize())
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", tklanerr.ErrWrite, err)
	}
	reply, err := frame.FrameFromWire(replyBytes)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: reply failed to validate: %v", tklanerr.ErrWrite, err)
	}
	return reply, nil
}

// SendFrame transacts f: flush, write, consume echo, read the reply sized
// by f.ResponseSize(), with a bounded retry budget on transient errors
// (spec.md §4.D, §7).
func (l *Link) SendFrame(f frame.Frame) (frame.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.imMaster {
		return frame.Frame{}, fmt.Errorf("%w: cannot send while not master", tklanerr.ErrNoMaster)
	}
	if l.port == nil {
		return frame.Frame{}, fmt.Errorf("%w: port is closed", tklanerr.ErrWrite)
	}

	var lastErr error
	for attempt := 0; attempt <= l.cfg.SendPackageTries; attempt++ {
		if l.port == nil {
			// A prior attempt hit an unrecoverable I/O error and closed the
			// port; surface that failure instead of retrying into a nil
			// portHandle. The supervisor goroutine owns reopening it.
			if lastErr != nil {
				return frame.Frame{}, lastErr
			}
			return frame.Frame{}, fmt.Errorf("%w: port is closed", tklanerr.ErrWrite)
		}
		reply, err := l.sendFrameOnce(f)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !tklanerr.Transient(err) {
			return frame.Frame{}, err
		}
	}
	return frame.Frame{}, lastErr
}

// CheckMaster flushes the input and reads until either one byte arrives or
// WaitMasterPeriod elapses; im_master becomes true iff nothing arrived
// (spec.md §4.D). locked indicates the caller already holds l.mu.
func (l *Link) CheckMaster(locked bool) error {
	if !locked {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	if l.port == nil {
		return fmt.Errorf("%w: port is closed", tklanerr.ErrRead)
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		l.closePortLocked()
		return fmt.Errorf("%w: flushing input: %v", tklanerr.ErrRead, err)
	}

	deadline := time.Now().Add(l.cfg.WaitMasterPeriod)
	buf := make([]byte, 1)
	gotByte := false
	for time.Now().Before(deadline) {
		n, err := l.port.Read(buf)
		if err != nil {
			l.closePortLocked()
			return fmt.Errorf("%w: %v", tklanerr.ErrRead, err)
		}
		if n > 0 {
			gotByte = true
			break
		}
	}
	l.imMaster = !gotByte
	return nil
}

// acceptTokenLocked answers a token offer from sender, per spec.md §4.D's
// accept sub-protocol. Caller must hold l.mu.
func (l *Link) acceptTokenLocked(sender byte) error {
	f, err := frame.FrameFromFields(0, sender, frame.FuncToken, nil)
	if err != nil {
		return err
	}
	if err := l.writeAndConsumeEcho(f); err != nil {
		return err
	}
	if _, err := l.readExact(f.ResponseSize()); err != nil {
		return fmt.Errorf("%w: %v", tklanerr.ErrWrite, err)
	}
	return nil
}

// OfferToken offers the token to target, per spec.md §4.D's offer
// sub-protocol: if the target still isn't master afterwards, ErrToken.
func (l *Link) OfferToken(target byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.imMaster {
		return fmt.Errorf("%w: cannot offer the token while not master", tklanerr.ErrNoMaster)
	}
	if l.port == nil {
		return fmt.Errorf("%w: port is closed", tklanerr.ErrWrite)
	}

	l.giveMaster.Set(target, l.cfg.MasterEventTimeout)
	defer l.giveMaster.Clear()

	f, err := frame.FrameFromFields(0, target, frame.FuncToken, nil)
	if err != nil {
		return err
	}
	if err := l.writeAndConsumeEcho(f); err != nil {
		return err
	}
	if _, err := l.readExact(f.ResponseSize()); err != nil {
		return fmt.Errorf("%w: %v", tklanerr.ErrWrite, err)
	}
	if err := l.CheckMaster(true); err != nil {
		return err
	}
	if l.imMaster {
		return fmt.Errorf("%w: node %d did not take the offered token", tklanerr.ErrToken, target)
	}
	return nil
}

// errPortClosed is a sentinel used internally by FrameStream to distinguish
// "link stopped mid-listen" from a protocol-level read failure.
var errPortClosed = errors.New("tklan: link: port closed during listen")
