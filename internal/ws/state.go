package ws

// State is the lifecycle position of one connection.
//
//	Connecting -> Authenticated -> Joined -> Closed
//
// Rejected is terminal and reachable from Connecting or Authenticated: the
// socket just closes, no chat-level error frame is sent, and the client
// infers failure from the closure.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateClosed || s == StateRejected
}
