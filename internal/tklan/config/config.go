// Package config holds the TKLan driver's immutable configuration record.
//
// Per spec.md §9's redesign note, there is no module-level mutable
// configuration: every tunable is a field on Config, built once (typically
// from flags, as cmd/tklan-gateway does) and passed by value into
// link.New / gateway.New.
package config

import (
	"time"

	"github.com/teknotrol/tklan-gateway/internal/tklan/frame"
)

// Config collects every tunable named in spec.md §6.
type Config struct {
	// Serial port.
	SerialPort string
	BaudRate   int
	PortTimeout time.Duration

	// Redis transport (realizes the commands/publisher sockets, §4.F).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Link timing.
	WaitMasterPeriod      time.Duration
	MasterEventTimeout    time.Duration
	InstantReconnectTries int
	LongReconnectPeriod   time.Duration
	ConStatusPeriod       time.Duration
	SendPackageTries      int

	// Node defaults, used until a node's identify() completes.
	DefaultBufferSize   int
	DefaultEEPROMSize   int
	DefaultRAMReadSize  int
	DefaultRAMWriteSize int

	// Optional gateway streaming schedule (§4.F); sent when no client
	// command is pending.
	StreamingSchedule []frame.Frame
}

// Default returns the configuration baseline documented in spec.md §6,
// mirroring original_source/ClaptonBase/cfg.py's module constants.
func Default() Config {
	return Config{
		SerialPort:  "/dev/ttyAMA0",
		BaudRate:    2400,
		PortTimeout: 250 * time.Millisecond,

		RedisAddr:     "localhost:6379",
		RedisPassword: "",
		RedisDB:       0,

		WaitMasterPeriod:      2 * time.Second,
		MasterEventTimeout:    20 * time.Second,
		InstantReconnectTries: 5,
		LongReconnectPeriod:   5 * time.Second,
		ConStatusPeriod:       1 * time.Second,
		SendPackageTries:      3,

		DefaultBufferSize:   3,
		DefaultEEPROMSize:   20,
		DefaultRAMReadSize:  20,
		DefaultRAMWriteSize: 20,
	}
}

// Application memory layout constants (spec.md §4.E), not per-deployment
// tunables, so they stay as named constants rather than Config fields.
const (
	GrabaMaxBytes  = 8
	AppLineSize    = 8
	AppInitConfig  = 8192
	AppInitE2      = 8448
)
