package fsm

// Definition lists the edges a machine is allowed to take. The controller
// consults it whenever it moves a machine so that an unexpected edge shows up
// in the log instead of going unnoticed.
type Definition[S ~int] struct {
	name  string
	edges map[S]map[S]bool
}

func newDefinition[S ~int](name string) *Definition[S] {
	return &Definition[S]{name: name, edges: make(map[S]map[S]bool)}
}

func (d *Definition[S]) transition(from S, to ...S) *Definition[S] {
	if d.edges[from] == nil {
		d.edges[from] = make(map[S]bool)
	}
	for _, t := range to {
		d.edges[from][t] = true
	}
	return d
}

// Name returns the machine name used in log lines.
func (d *Definition[S]) Name() string {
	return d.name
}

// Allows reports whether the machine may move from one state to the other.
// Staying in the same state is always allowed.
func (d *Definition[S]) Allows(from, to S) bool {
	if from == to {
		return true
	}
	return d.edges[from][to]
}

// Targets returns the states reachable from the given one in a single step.
func (d *Definition[S]) Targets(from S) []S {
	out := make([]S, 0, len(d.edges[from]))
	for to := range d.edges[from] {
		out = append(out, to)
	}
	return out
}

// NewDeepDefinition describes the deep idle machine.
func NewDeepDefinition() *Definition[DeepState] {
	return newDefinition[DeepState]("deep").
		// Screen off, not charging
		transition(DeepActive, DeepInactive).

		// Every waiting state falls back to active on activity
		transition(DeepInactive, DeepIdlePending, DeepActive).
		transition(DeepIdlePending, DeepSensing, DeepActive).
		transition(DeepSensing, DeepLocating, DeepActive).

		// Locating is passed straight through when no provider exists
		transition(DeepLocating, DeepIdle, DeepActive).

		// Maintenance cycling
		transition(DeepIdle, DeepIdleMaintenance, DeepActive).
		transition(DeepIdleMaintenance, DeepIdle, DeepActive)
}

// NewLightDefinition describes the light idle machine.
func NewLightDefinition() *Definition[LightState] {
	d := newDefinition[LightState]("light").
		transition(LightActive, LightInactive).
		transition(LightInactive, LightPreIdle, LightIdle, LightActive).
		transition(LightPreIdle, LightIdle, LightActive).
		transition(LightIdle, LightIdleMaintenance, LightWaitingForNetwork, LightActive).
		transition(LightWaitingForNetwork, LightIdleMaintenance, LightActive).
		transition(LightIdleMaintenance, LightIdle, LightActive).
		transition(LightOverride, LightActive)

	// Deep idle may take over from any light state
	for s := LightActive; s < LightOverride; s++ {
		d.transition(s, LightOverride)
	}
	return d
}
