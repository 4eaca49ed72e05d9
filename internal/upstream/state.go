package upstream

type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingChallenge
	Authenticating
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}
