package fsm_test

import (
	"testing"

	"github.com/librescoot/doze-service/internal/fsm"
)

func TestDeepDefinitionCycle(t *testing.T) {
	def := fsm.NewDeepDefinition()

	path := []fsm.DeepState{
		fsm.DeepActive,
		fsm.DeepInactive,
		fsm.DeepIdlePending,
		fsm.DeepSensing,
		fsm.DeepLocating,
		fsm.DeepIdle,
		fsm.DeepIdleMaintenance,
		fsm.DeepIdle,
	}

	for i := 1; i < len(path); i++ {
		if !def.Allows(path[i-1], path[i]) {
			t.Errorf("Expected %s -> %s to be allowed", path[i-1], path[i])
		}
	}
}

func TestDeepDefinitionRejectsShortcuts(t *testing.T) {
	def := fsm.NewDeepDefinition()

	tests := []struct {
		from, to fsm.DeepState
	}{
		{fsm.DeepActive, fsm.DeepIdle},
		{fsm.DeepInactive, fsm.DeepSensing},
		{fsm.DeepIdlePending, fsm.DeepIdle},
		{fsm.DeepIdle, fsm.DeepSensing},
	}

	for _, tt := range tests {
		if def.Allows(tt.from, tt.to) {
			t.Errorf("Expected %s -> %s to be rejected", tt.from, tt.to)
		}
	}
}

func TestEveryDeepStateReturnsToActive(t *testing.T) {
	def := fsm.NewDeepDefinition()

	for s := fsm.DeepInactive; s <= fsm.DeepIdleMaintenance; s++ {
		if !def.Allows(s, fsm.DeepActive) {
			t.Errorf("Expected %s -> active to be allowed", s)
		}
	}
}

func TestLightOverrideFromAnyState(t *testing.T) {
	def := fsm.NewLightDefinition()

	for s := fsm.LightActive; s < fsm.LightOverride; s++ {
		if !def.Allows(s, fsm.LightOverride) {
			t.Errorf("Expected %s -> override to be allowed", s)
		}
	}

	targets := def.Targets(fsm.LightOverride)
	if len(targets) != 1 || targets[0] != fsm.LightActive {
		t.Errorf("Expected override to only lead to active, got %v", targets)
	}
}

func TestLightWaitingForNetwork(t *testing.T) {
	def := fsm.NewLightDefinition()

	if !def.Allows(fsm.LightIdle, fsm.LightWaitingForNetwork) {
		t.Errorf("Expected idle -> waiting-for-network to be allowed")
	}
	if !def.Allows(fsm.LightWaitingForNetwork, fsm.LightIdleMaintenance) {
		t.Errorf("Expected waiting-for-network -> idle-maintenance to be allowed")
	}
	if def.Allows(fsm.LightWaitingForNetwork, fsm.LightPreIdle) {
		t.Errorf("Expected waiting-for-network -> pre-idle to be rejected")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want fsm.Mode
		err  bool
	}{
		{"deep", fsm.ModeDeep, false},
		{"light", fsm.ModeLight, false},
		{"all", fsm.ModeAll, false},
		{"", fsm.ModeAll, false},
		{"medium", 0, true},
	}

	for _, tt := range tests {
		got, err := fsm.ParseMode(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if !fsm.ModeAll.Has(fsm.ModeDeep) || fsm.ModeLight.Has(fsm.ModeDeep) {
		t.Errorf("Mode.Has returned unexpected results")
	}
}

func TestStateStrings(t *testing.T) {
	if fsm.DeepIdleMaintenance.String() != "idle-maintenance" {
		t.Errorf("Unexpected deep state name: %s", fsm.DeepIdleMaintenance)
	}
	if fsm.LightWaitingForNetwork.String() != "waiting-for-network" {
		t.Errorf("Unexpected light state name: %s", fsm.LightWaitingForNetwork)
	}
	if fsm.DeepState(42).String() != "deep(42)" {
		t.Errorf("Unexpected unknown state name: %s", fsm.DeepState(42))
	}
}
