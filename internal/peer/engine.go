package peer

import "github.com/peerdock/peerdock/internal/signal"

// ICEState is the engine's connectivity state, reduced to what the manager
// reacts to.
type ICEState string

const (
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// SessionCallbacks are wired before negotiation starts so no trickled
// candidate or state change is missed.
type SessionCallbacks struct {
	// OnCandidate delivers each local connectivity candidate, already
	// normalized to the wire shape.
	OnCandidate func(signal.ICEPayload)

	// OnICEStateChange delivers transport connectivity transitions.
	OnICEStateChange func(ICEState)
}

// DataChannel is the bidirectional ordered message channel of one session.
type DataChannel interface {
	Label() string
	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))
	Send(data []byte) error
	IsOpen() bool
	Close() error
}

// Session is one negotiation and transport session with a single remote
// participant.
type Session interface {
	// CreateDataChannel opens an outbound channel (offerer side).
	CreateDataChannel(label string) (DataChannel, error)

	// OnDataChannel observes the remotely created channel (answerer side).
	OnDataChannel(func(DataChannel))

	// CreateOffer produces and locally applies an offer, returning its SDP.
	CreateOffer() (string, error)

	// CreateAnswer applies the remote offer, produces and locally applies
	// an answer, returning its SDP.
	CreateAnswer(remoteOfferSDP string) (string, error)

	// ApplyAnswer applies the remote answer to a session that offered.
	ApplyAnswer(remoteAnswerSDP string) error

	// AddCandidate applies one remote connectivity candidate.
	AddCandidate(signal.ICEPayload) error

	Close() error
}

// Engine is the transport engine the manager negotiates through. The
// production engine wraps pion/webrtc; tests substitute a scripted fake.
type Engine interface {
	NewSession(callbacks SessionCallbacks) (Session, error)
}
