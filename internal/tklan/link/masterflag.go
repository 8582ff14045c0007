package link

import "time"

// masterFlag is a boolean carrying an absolute expiry, replacing the
// source's threading.Event-plus-timestamp pair (spec.md §9's redesign
// note). An expired flag reads as clear without needing an explicit clear
// call.
type masterFlag struct {
	set      bool
	deadline time.Time
}

func (f *masterFlag) Set(timeout time.Duration) {
	f.set = true
	f.deadline = time.Now().Add(timeout)
}

func (f *masterFlag) Clear() {
	f.set = false
}

func (f *masterFlag) IsSet() bool {
	return f.set && time.Now().Before(f.deadline)
}

// giveMasterFlag additionally remembers the node the token was offered to,
// per LinkState's give_master(target address, timeout) in spec.md §3.
type giveMasterFlag struct {
	masterFlag
	node byte
}

func (f *giveMasterFlag) Set(node byte, timeout time.Duration) {
	f.node = node
	f.masterFlag.Set(timeout)
}

func (f *giveMasterFlag) Clear() {
	f.node = 0
	f.masterFlag.Clear()
}
