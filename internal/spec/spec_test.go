package spec

import (
	"reflect"
	"testing"
)

func TestNormalizeAgents(t *testing.T) {
	got, err := NormalizeAgents([]Agent{Codex, OpenCode, Codex, ClaudeCode, OpenCode})
	if err != nil {
		t.Fatalf("NormalizeAgents failed: %v", err)
	}
	want := []Agent{OpenCode, ClaudeCode, Codex}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, but got %v", want, got)
	}

	if _, err := NormalizeAgents([]Agent{"vim"}); err == nil {
		t.Error("Expected an error for an unknown agent")
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusProvisioning, StatusInstalling, true},
		{StatusInstalling, StatusRunning, true},
		{StatusProvisioning, StatusError, true},
		{StatusInstalling, StatusError, true},
		{StatusRunning, StatusDeleting, true},
		{StatusError, StatusDeleting, true},
		{StatusDeleting, StatusRunning, false},
		{StatusDeleting, StatusError, false},
		{StatusError, StatusRunning, false},
		{StatusRunning, StatusInstalling, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestPortsWithOverrides(t *testing.T) {
	p, err := DefaultPorts().WithOverrides(map[Agent]int{OpenCode: 5000})
	if err != nil {
		t.Fatalf("WithOverrides failed: %v", err)
	}
	if p.Port(OpenCode) != 5000 {
		t.Errorf("Expected opencode on 5000, but got %d", p.Port(OpenCode))
	}
	if p.Port(Codex) != 4100 {
		t.Errorf("Expected codex on its default 4100, but got %d", p.Port(Codex))
	}

	bad := []map[Agent]int{
		{OpenCode: 80},
		{OpenCode: ManagementPort},
		{OpenCode: 4097},
		{"vim": 5000},
	}
	for _, o := range bad {
		if _, err := DefaultPorts().WithOverrides(o); err == nil {
			t.Errorf("Expected overrides %v to be rejected", o)
		}
	}
}

func TestParsePlacement(t *testing.T) {
	if _, err := ParseRegion("fsn1"); err != nil {
		t.Errorf("Expected fsn1 to be valid: %v", err)
	}
	if _, err := ParseRegion("mars"); err == nil {
		t.Error("Expected mars to be rejected")
	}
	if _, err := ParseServerType("cpx31"); err != nil {
		t.Errorf("Expected cpx31 to be valid: %v", err)
	}
	if _, err := ParseServerType("huge"); err == nil {
		t.Error("Expected huge to be rejected")
	}
}
