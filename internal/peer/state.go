package peer

// ConnectionState is the finite state of one peer link.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateOffering   ConnectionState = "offering"
	StateAnswering  ConnectionState = "answering"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateFailed     ConnectionState = "failed"
	StateClosed     ConnectionState = "closed"
)

// legalEdges is the single source of truth for allowed transitions.
// StateFailed and StateClosed are reachable from anywhere and are not
// listed; StateClosed is terminal, StateFailed only leaves through an
// explicit reset back to idle (the redial path).
var legalEdges = map[ConnectionState][]ConnectionState{
	StateIdle:       {StateOffering, StateAnswering},
	StateOffering:   {StateConnecting},
	StateAnswering:  {StateConnecting},
	StateConnecting: {StateConnected},
}

// canTransition reports whether from→to is a defined edge.
func canTransition(from, to ConnectionState) bool {
	if to == StateFailed || to == StateClosed {
		return from != StateClosed
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
