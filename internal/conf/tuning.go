package conf

import (
	"fmt"

	"utpgo/internal/engine"
)

// Tuning configures the embedded ARQ engine's congestion and window
// parameters. Field names and the "fast" defaults mirror kcp-go's own
// NoDelay/WndSize/SetMtu knobs.
type Tuning struct {
	MTU          int `yaml:"mtu"`
	SendWindow   int `yaml:"send_window"`
	RecvWindow   int `yaml:"recv_window"`
	NoDelay      int `yaml:"nodelay"`
	Interval     int `yaml:"interval"`
	Resend       int `yaml:"resend"`
	NoCongestion int `yaml:"nc"`
}

func (t *Tuning) setDefaults() {
	if t.MTU == 0 {
		t.MTU = 1400
	}
	if t.SendWindow == 0 {
		t.SendWindow = 256
	}
	if t.RecvWindow == 0 {
		t.RecvWindow = 256
	}
	if t.Interval == 0 {
		t.Interval = 20
	}
	if t.Resend == 0 {
		t.Resend = 2
	}
	if t.NoDelay == 0 {
		t.NoDelay = 1
	}
	if t.NoCongestion == 0 {
		t.NoCongestion = 1
	}
}

// ToEngine converts to the engine package's tuning knobs.
func (t Tuning) ToEngine() engine.Tuning {
	return engine.Tuning{
		MTU:          t.MTU,
		SendWindow:   t.SendWindow,
		RecvWindow:   t.RecvWindow,
		NoDelay:      t.NoDelay,
		Interval:     t.Interval,
		Resend:       t.Resend,
		NoCongestion: t.NoCongestion,
	}
}

func (t *Tuning) validate() []error {
	var errs []error
	if t.MTU < 256 || t.MTU > 65507 {
		errs = append(errs, fmt.Errorf("tuning mtu must be between 256 and 65507"))
	}
	if t.SendWindow < 1 {
		errs = append(errs, fmt.Errorf("tuning send_window must be >= 1"))
	}
	if t.RecvWindow < 1 {
		errs = append(errs, fmt.Errorf("tuning recv_window must be >= 1"))
	}
	return errs
}
