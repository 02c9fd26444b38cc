package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	os.Setenv("BALANCE_LINK_TRANSPORT", "serial")
	os.Setenv("BALANCE_LINK_BAUD", "230400")
	os.Setenv("BALANCE_LINK_READ_TIMEOUT", "250ms")
	os.Setenv("BALANCE_LINK_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("BALANCE_LINK_METRICS", ":9100")
	t.Cleanup(func() {
		os.Unsetenv("BALANCE_LINK_TRANSPORT")
		os.Unsetenv("BALANCE_LINK_BAUD")
		os.Unsetenv("BALANCE_LINK_READ_TIMEOUT")
		os.Unsetenv("BALANCE_LINK_LOG_METRICS_INTERVAL")
		os.Unsetenv("BALANCE_LINK_METRICS")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.transport != "serial" {
		t.Fatalf("expected transport override, got %s", base.transport)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if base.readTO != 250*time.Millisecond {
		t.Fatalf("expected readTO 250ms got %v", base.readTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.metricsAddr != ":9100" {
		t.Fatalf("expected metricsAddr override, got %q", base.metricsAddr)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	os.Setenv("BALANCE_LINK_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("BALANCE_LINK_BAUD") })
	// Simulate an explicit -baud flag; env must be ignored.
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	base := validConfig()
	os.Setenv("BALANCE_LINK_HUB_BUFFER", "notint")
	t.Cleanup(func() { os.Unsetenv("BALANCE_LINK_HUB_BUFFER") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for bad integer")
	}
	os.Unsetenv("BALANCE_LINK_HUB_BUFFER")
	base = validConfig()
	os.Setenv("BALANCE_LINK_CONNECT_TIMEOUT", "whenever")
	t.Cleanup(func() { os.Unsetenv("BALANCE_LINK_CONNECT_TIMEOUT") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
