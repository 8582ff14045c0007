package node

import (
	"bytes"
	"errors"
	"testing"

	"github.com/teknotrol/tklan-gateway/internal/tklan/appline"
	"github.com/teknotrol/tklan-gateway/internal/tklan/config"
	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
	"github.com/teknotrol/tklan-gateway/internal/tklan/tklanerr"
)

type fakeResult struct {
	reply frame.Frame
	err   error
}

type fakeSender struct {
	queue       []fakeResult
	next        int
	calls       []frame.Frame
	offerTarget byte
	offerErr    error
}

func (f *fakeSender) SendFrame(req frame.Frame) (frame.Frame, error) {
	f.calls = append(f.calls, req)
	if f.next < len(f.queue) {
		r := f.queue[f.next]
		f.next++
		return r.reply, r.err
	}
	return frame.Frame{}, errors.New("fakeSender: no more queued replies")
}

func (f *fakeSender) OfferToken(target byte) error {
	f.offerTarget = target
	return f.offerErr
}

func replyWithData(data []byte) frame.Frame {
	return frame.Frame{Function: frame.FuncIdentify, Data: data}
}

func TestIdentifyFullReply(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{{reply: replyWithData([]byte{0xFA, 0x80, 0x02, 0xA0, 0x00, 0x03, 0x14, 0x14})}}}
	n, err := New(5, fs, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Identify(nil); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	st := n.State()
	if st.AppEnd != 0xFAFF || st.AppStart != 0x8000 {
		t.Errorf("app_end=%#04x app_start=%#04x", st.AppEnd, st.AppStart)
	}
	if st.EEPROMSize != 128 || st.BufferSize != 3 || st.RAMWriteSize != 20 || st.RAMReadSize != 20 {
		t.Errorf("got %+v", st)
	}
	if st.Status != StatusOk {
		t.Errorf("status = %s, want Ok", st.Status)
	}
}

func TestIdentifyShortReplyKeepsDefaults(t *testing.T) {
	cfg := config.Default()
	fs := &fakeSender{queue: []fakeResult{{reply: replyWithData([]byte{0x01, 0x02, 0x03})}}}
	n, err := New(5, fs, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Identify(nil); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	st := n.State()
	if st.BufferSize != cfg.DefaultBufferSize || st.EEPROMSize != cfg.DefaultEEPROMSize {
		t.Errorf("defaults not preserved: %+v", st)
	}
	if st.Status != StatusOk {
		t.Errorf("status = %s, want Ok (a short reply still succeeds)", st.Status)
	}
}

func TestIdentifyPromotesAbsentOnTransactionFailure(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{{err: tklanerr.ErrWrite}}}
	n, err := New(5, fs, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Identify(nil); !errors.Is(err, tklanerr.ErrNodeNotExists) {
		t.Errorf("got %v, want ErrNodeNotExists", err)
	}
	if n.State().Status != StatusAbsent {
		t.Errorf("status = %s, want Absent", n.State().Status)
	}
}

func TestIdentifyNoMasterLeavesStatusUnchanged(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{{err: tklanerr.ErrNoMaster}}}
	n, err := New(5, fs, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Identify(nil); !errors.Is(err, tklanerr.ErrNoMaster) {
		t.Errorf("got %v, want ErrNoMaster", err)
	}
	if n.State().Status != StatusUnseen {
		t.Errorf("status = %s, want Unseen (unchanged)", n.State().Status)
	}
}

func TestReadRAMRangeChecks(t *testing.T) {
	fs := &fakeSender{}
	n, _ := New(5, fs, config.Default())

	if _, err := n.ReadRAM(-1, 1); !errors.Is(err, tklanerr.ErrInvalidFrame) {
		t.Errorf("negative start: got %v", err)
	}
	if _, err := n.ReadRAM(0, 0); !errors.Is(err, tklanerr.ErrInvalidFrame) {
		t.Errorf("zero length: got %v", err)
	}
	cfg := n.State()
	if _, err := n.ReadRAM(0, cfg.BufferSize+1); !errors.Is(err, tklanerr.ErrInvalidFrame) {
		t.Errorf("length over buffer size: got %v", err)
	}
}

func TestReadRAMBuildsMemoryContainer(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{{reply: frame.Frame{Function: frame.FuncReadRAM, Data: []byte{1, 2, 3}}}}}
	n, _ := New(5, fs, config.Default())

	mc, err := n.ReadRAM(0, 3)
	if err != nil {
		t.Fatalf("ReadRAM: %v", err)
	}
	if mc.Start != 0 || mc.Kind != KindRAM {
		t.Errorf("got %+v", mc)
	}
	b, ok := mc.Get(1)
	if !ok || b != 2 {
		t.Errorf("Get(1) = %v, %v, want 2, true", b, ok)
	}
	if _, ok := mc.Get(99); ok {
		t.Error("Get(99) = true, want false (out of range)")
	}
}

func TestWriteRAMBufferSizeCheck(t *testing.T) {
	cfg := config.Default()
	fs := &fakeSender{queue: []fakeResult{{reply: frame.Frame{Function: frame.FuncWriteRAM}}}}
	n, _ := New(5, fs, cfg)

	tooBig := make([]byte, cfg.DefaultBufferSize)
	if _, err := n.WriteRAM(0, tooBig); !errors.Is(err, tklanerr.ErrInvalidFrame) {
		t.Errorf("got %v, want ErrInvalidFrame", err)
	}

	ok := make([]byte, cfg.DefaultBufferSize-1)
	if _, err := n.WriteRAM(0, ok); err != nil {
		t.Errorf("WriteRAM at the boundary: %v", err)
	}
}

func TestWriteAppLineFlashChunking(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{
		{reply: frame.Frame{Function: frame.FuncWriteApp, Data: []byte{0x00}}},
		{reply: frame.Frame{Function: frame.FuncWriteApp, Data: []byte{0x00}}},
	}}
	n, _ := New(5, fs, config.Default())
	n.applyIdentify([]byte{0xFA, 0x80, 0x02, 0xA0, 0x00, 0x03, 0x14, 0x14}) // app_end = 0xFAFF

	data := make([]byte, 12) // one GRABA_MAX_BYTES(8)-byte chunk plus a 4-byte remainder
	for i := range data {
		data[i] = byte(i)
	}
	line := appline.Line{Start: 0x1000, Data: data}

	replies, err := n.WriteAppLine(line)
	if err != nil {
		t.Fatalf("WriteAppLine: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2 chunks", len(replies))
	}
	if len(fs.calls) != 2 {
		t.Fatalf("got %d SendFrame calls, want 2", len(fs.calls))
	}
	// First chunk's word offset is the line's own start; second chunk is
	// offset by 8 bytes = 4 words.
	if fs.calls[0].Data[0] != byte(0x1000&0xFF) || fs.calls[0].Data[1] != byte(0x1000>>8) {
		t.Errorf("first chunk word offset wrong: % x", fs.calls[0].Data[:2])
	}
	wantSecondStart := line.Start + 4
	if fs.calls[1].Data[0] != byte(wantSecondStart&0xFF) || fs.calls[1].Data[1] != byte(wantSecondStart>>8) {
		t.Errorf("second chunk word offset wrong: % x", fs.calls[1].Data[:2])
	}
}

func TestCheckAppState(t *testing.T) {
	tests := []struct {
		name               string
		byte0              byte
		wantActive         bool
		wantDeactivationReq bool
	}{
		{"idle", 0x00, false, false},
		{"active", 0x80, true, false},
		{"active deactivating", 0x82, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSender{queue: []fakeResult{{reply: frame.Frame{Function: frame.FuncReadRAM, Data: []byte{tt.byte0}}}}}
			n, _ := New(5, fs, config.Default())

			active, pending, err := n.CheckAppState()
			if err != nil {
				t.Fatalf("CheckAppState: %v", err)
			}
			if active != tt.wantActive || pending != tt.wantDeactivationReq {
				t.Errorf("got active=%v pending=%v, want active=%v pending=%v", active, pending, tt.wantActive, tt.wantDeactivationReq)
			}
		})
	}
}

func TestActivateAppChecksAck(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{{reply: frame.Frame{Function: frame.FuncWriteApp, Data: []byte{0x02}}}}}
	n, _ := New(5, fs, config.Default())

	if err := n.ActivateApp(); err != nil {
		t.Fatalf("ActivateApp: %v", err)
	}
	if !n.State().AppActive {
		t.Error("AppActive = false after a successful activation")
	}
	if !bytes.Equal(fs.calls[0].Data, frame.AppActivatePayload) {
		t.Errorf("payload = % x, want % x", fs.calls[0].Data, frame.AppActivatePayload)
	}
}

func TestActivateAppRejectsWrongAck(t *testing.T) {
	fs := &fakeSender{queue: []fakeResult{{reply: frame.Frame{Function: frame.FuncWriteApp, Data: []byte{0xFF}}}}}
	n, _ := New(5, fs, config.Default())

	if err := n.ActivateApp(); !errors.Is(err, tklanerr.ErrInactiveApp) {
		t.Errorf("got %v, want ErrInactiveApp", err)
	}
}

func TestReturnTokenDelegatesToLink(t *testing.T) {
	fs := &fakeSender{}
	n, _ := New(7, fs, config.Default())

	if err := n.ReturnToken(); err != nil {
		t.Fatalf("ReturnToken: %v", err)
	}
	if fs.offerTarget != 7 {
		t.Errorf("offerTarget = %d, want 7", fs.offerTarget)
	}
}
