package link

import (
	"fmt"

	"github.com/teknotrol/tklan-gateway/internal/tklan/codec"
	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

// FrameStream reads frames addressed to, or broadcast by, other nodes while
// this host is not master. It is the Go realization of spec.md §4.D's
// passive-listen mode: a slave node must keep reading traffic so it can
// notice a function-7 token offer addressed to it.
//
// A single FrameStream must not be shared across goroutines; it is only
// ever driven by the caller that created it. It keeps no bytes between Next
// calls: each frame is read from the port as a whole.
type FrameStream struct {
	link *Link
	err  error
}

// ListenFrames begins a passive read loop. Call Next in a loop until it
// returns false; Stop (or the link closing) ends the stream.
func (l *Link) ListenFrames() *FrameStream {
	return &FrameStream{link: l}
}

// Next blocks for the next well-formed frame observed on the wire. It
// returns false once the link is stopped or the port is unavailable; Err
// distinguishes a clean stop from an I/O failure.
//
// If the frame observed is a function-7 offer addressed to this host and
// want_master is armed, Next performs the accept sub-protocol before
// returning the frame — atomically with the read that observed the offer,
// per spec.md §9's requirement that accept never race a second offer.
func (s *FrameStream) Next() (frame.Frame, bool) {
	l := s.link
	for {
		select {
		case <-l.stopCh:
			s.err = errPortClosed
			return frame.Frame{}, false
		default:
		}

		l.mu.Lock()
		if l.port == nil || l.imMaster {
			l.mu.Unlock()
			s.err = fmt.Errorf("%w: not in a listening state", tklanerr.ErrNoSlave)
			return frame.Frame{}, false
		}

		f, err := s.readOneFrameLocked()
		if err != nil {
			l.mu.Unlock()
			if tklanerr.Transient(err) {
				continue
			}
			s.err = err
			return frame.Frame{}, false
		}

		if f.Function == frame.FuncToken && f.Destination == 0 && l.wantMaster.IsSet() {
			if acceptErr := l.acceptTokenLocked(f.Sender); acceptErr == nil {
				l.imMaster = true
				l.wantMaster.Clear()
			}
		}
		l.mu.Unlock()
		return f, true
	}
}

// Err returns the error that ended the stream: errPortClosed when the link
// was stopped, otherwise the failure that ended it.
func (s *FrameStream) Err() error {
	return s.err
}

// readOneFrameLocked reads a 2-byte header, decodes its declared length,
// reads the rest of the frame, and validates it. A malformed header or
// checksum is surfaced as a transient ErrRead and the caller's loop reads
// again. All bytes of the rejected frame have already been consumed, so the
// next read starts right after them; there is no byte-by-byte
// resynchronisation within a misaligned stream. Caller holds l.mu.
func (s *FrameStream) readOneFrameLocked() (frame.Frame, error) {
	l := s.link

	header, err := l.readExact(2)
	if err != nil {
		return frame.Frame{}, err
	}
	_, length, err := codec.DecodeCtrl(header[1:2])
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", tklanerr.ErrRead, err)
	}

	rest, err := l.readExact(int(length) + 1)
	if err != nil {
		return frame.Frame{}, err
	}

	full := make([]byte, 0, len(header)+len(rest))
	full = append(full, header...)
	full = append(full, rest...)

	f, err := frame.FrameFromWire(full)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", tklanerr.ErrRead, err)
	}
	return f, nil
}
