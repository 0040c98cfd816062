package circuitbreaker

type State int

const (
	// StateClosed - store calls pass through
	StateClosed State = iota

	// StateOpen - store calls are rejected without a round-trip
	StateOpen

	// StateHalfOpen - a trial call decides whether to close again
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
