package fsm

import "fmt"

// DeepState is the position of the deep idle machine.
type DeepState int

const (
	DeepActive DeepState = iota
	DeepInactive
	DeepIdlePending
	DeepSensing
	DeepLocating
	DeepIdle
	DeepIdleMaintenance
)

func (s DeepState) String() string {
	switch s {
	case DeepActive:
		return "active"
	case DeepInactive:
		return "inactive"
	case DeepIdlePending:
		return "idle-pending"
	case DeepSensing:
		return "sensing"
	case DeepLocating:
		return "locating"
	case DeepIdle:
		return "idle"
	case DeepIdleMaintenance:
		return "idle-maintenance"
	default:
		return fmt.Sprintf("deep(%d)", int(s))
	}
}

// LightState is the position of the light idle machine.
type LightState int

const (
	LightActive LightState = iota
	LightInactive
	LightPreIdle
	LightIdle
	LightWaitingForNetwork
	LightIdleMaintenance
	// LightOverride is held while the deep machine is idling.
	LightOverride
)

func (s LightState) String() string {
	switch s {
	case LightActive:
		return "active"
	case LightInactive:
		return "inactive"
	case LightPreIdle:
		return "pre-idle"
	case LightIdle:
		return "idle"
	case LightWaitingForNetwork:
		return "waiting-for-network"
	case LightIdleMaintenance:
		return "idle-maintenance"
	case LightOverride:
		return "override"
	default:
		return fmt.Sprintf("light(%d)", int(s))
	}
}

// Mode selects which machine an operation applies to.
type Mode int

const (
	ModeDeep Mode = 1 << iota
	ModeLight

	ModeAll = ModeDeep | ModeLight
)

func (m Mode) String() string {
	switch m {
	case ModeDeep:
		return "deep"
	case ModeLight:
		return "light"
	case ModeAll:
		return "all"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Has reports whether m covers other.
func (m Mode) Has(other Mode) bool {
	return m&other == other
}

// ParseMode accepts "deep", "light", "all" and the empty string (all).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "deep":
		return ModeDeep, nil
	case "light":
		return ModeLight, nil
	case "all", "":
		return ModeAll, nil
	default:
		return 0, fmt.Errorf("unknown idle mode: %q", s)
	}
}
