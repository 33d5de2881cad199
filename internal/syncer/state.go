package syncer

// State is the sync engine's position in its cycle.
type State int32

const (
	Idle State = iota
	Requesting
	Applying
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Applying:
		return "applying"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
