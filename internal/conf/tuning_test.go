package conf

import "testing"

func TestTuningSetDefaults(t *testing.T) {
	var tu Tuning
	tu.setDefaults()

	if tu.MTU != 1400 || tu.SendWindow != 256 || tu.RecvWindow != 256 {
		t.Errorf("unexpected defaults: %+v", tu)
	}
	if tu.NoDelay != 1 || tu.NoCongestion != 1 {
		t.Errorf("expected nodelay/nc defaults on, got %+v", tu)
	}
}

func TestTuningValidateRejectsBadMTU(t *testing.T) {
	tu := Tuning{MTU: 10, SendWindow: 1, RecvWindow: 1}
	if errs := tu.validate(); len(errs) == 0 {
		t.Fatal("expected validation error for too-small mtu")
	}
}

func TestTuningToEngine(t *testing.T) {
	tu := Tuning{MTU: 1200, SendWindow: 64, RecvWindow: 64, NoDelay: 1, Interval: 10, Resend: 2, NoCongestion: 1}
	e := tu.ToEngine()
	if e.MTU != 1200 || e.SendWindow != 64 {
		t.Errorf("ToEngine mismatch: %+v", e)
	}
}
