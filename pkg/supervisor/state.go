package supervisor

// RunState is the supervisor state machine: Idle -> Running -> {Completed | Faulted}.
type RunState int

const (
	Idle RunState = iota
	Running
	Completed
	Faulted
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == Completed || s == Faulted
}

// MarshalText encodes the state by name.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
