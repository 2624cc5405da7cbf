package drm

// State is the canonical job state reported to the scheduler.
type State string

const (
	Pending   State = "PENDING"
	Active    State = "ACTIVE"
	Suspended State = "SUSPENDED"
	Done      State = "DONE"
	Failed    State = "FAILED"
	Unknown   State = "UNKNOWN"
)

var allStates = []State{Pending, Active, Suspended, Done, Failed, Unknown}

// States returns every canonical state.
func States() []State {
	return append([]State(nil), allStates...)
}

// IsTerminal is true for DONE and FAILED.
func (s State) IsTerminal() bool {
	return s == Done || s == Failed
}

// Next returns the state a job moves to when a backend reports observed.
// Terminal states absorb every later observation.
func (s State) Next(observed State) State {
	if s.IsTerminal() {
		return s
	}
	return observed
}

func (s State) String() string {
	return string(s)
}

// StateTable maps a backend's native states onto canonical ones.
type StateTable map[string]State

// Map returns the canonical state for native, or UNKNOWN if unmapped.
func (t StateTable) Map(native string) State {
	if s, ok := t[native]; ok {
		return s
	}
	return Unknown
}
