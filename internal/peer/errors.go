package peer

import (
	"errors"
	"fmt"

	"github.com/peerdock/peerdock/internal/identity"
)

var (
	ErrNotHost           = errors.New("only the host may initiate connections")
	ErrSelfDial          = errors.New("cannot dial self")
	ErrUnknownPeer       = errors.New("no connection for peer")
	ErrChannelNotOpen    = errors.New("data channel not open")
	ErrNotConnected      = errors.New("peer not connected")
	ErrTimeout           = errors.New("timeout")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrManagerClosed     = errors.New("connection manager closed")
)

// PeerError wraps a failure with the operation and remote participant it
// concerns.
type PeerError struct {
	Op      string
	Peer    identity.ParticipantID
	Err     error
	Details string
}

func (e *PeerError) Error() string {
	if e.Peer != "" && e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Peer, e.Err, e.Details)
	}
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

func newError(op string, peer identity.ParticipantID, err error) *PeerError {
	return &PeerError{Op: op, Peer: peer, Err: err}
}

func wrapError(op string, peer identity.ParticipantID, err error, details string) *PeerError {
	return &PeerError{Op: op, Peer: peer, Err: err, Details: details}
}
