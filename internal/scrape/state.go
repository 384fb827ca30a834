package scrape

// State is a job's position in its lifecycle.
type State int

const (
	Resolving State = iota
	FanningOut
	Draining
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case FanningOut:
		return "fanning_out"
	case Draining:
		return "draining"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}
