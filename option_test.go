package openpgm

import (
	"testing"
	"time"
)

func TestFunctionalOptionsMutateConfig(t *testing.T) {
	cfg := DefaultConfig()
	opts := []Option{
		WithCapability(CapabilitySendOnly),
		WithMTU(9000),
		WithTxWindow(8192),
		WithNakTimers(10*time.Millisecond, 100*time.Millisecond, time.Second),
	}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.Capability != CapabilitySendOnly {
		t.Errorf("Capability = %v, want SendOnly", cfg.Capability)
	}
	if cfg.MTU != 9000 {
		t.Errorf("MTU = %d, want 9000", cfg.MTU)
	}
	if cfg.TxWindowSqns != 8192 {
		t.Errorf("TxWindowSqns = %d, want 8192", cfg.TxWindowSqns)
	}
	if cfg.NakBackoffInterval != 10*time.Millisecond {
		t.Errorf("NakBackoffInterval = %v, want 10ms", cfg.NakBackoffInterval)
	}
}

func TestApplyRuntimeOptionRejectsInvalidRateWithoutMutating(t *testing.T) {
	cfg := DefaultConfig()
	before := cfg.TxWindowMaxRte
	err := applyRuntimeOption(&cfg, OptTxWindowMaxRte, -1.0)
	if err == nil {
		t.Fatal("expected error for negative rate")
	}
	if cfg.TxWindowMaxRte != before {
		t.Errorf("TxWindowMaxRte mutated despite rejected option: got %v, want unchanged %v", cfg.TxWindowMaxRte, before)
	}
}

func TestApplyRuntimeOptionRejectsWrongType(t *testing.T) {
	cfg := DefaultConfig()
	if err := applyRuntimeOption(&cfg, OptNakNCFRetries, "not-an-int"); err == nil {
		t.Fatal("expected error for wrong-typed value")
	}
}

func TestApplyRuntimeOptionAcceptsValidValue(t *testing.T) {
	cfg := DefaultConfig()
	if err := applyRuntimeOption(&cfg, OptPeerExpiry, 10*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PeerExpiry != 10*time.Minute {
		t.Errorf("PeerExpiry = %v, want 10m", cfg.PeerExpiry)
	}
}
