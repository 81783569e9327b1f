package signal

import (
	"encoding/json"
	"fmt"

	"github.com/peerdock/peerdock/internal/identity"
)

// Kind enumerates the closed set of signaling message kinds. The envelope
// is a tagged union over these; anything else fails decoding.
type Kind string

const (
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindICE         Kind = "ice"
	KindHostElected Kind = "host-elected"
	KindChat        Kind = "chat"
	KindControl     Kind = "control"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
)

var kinds = map[Kind]bool{
	KindOffer:       true,
	KindAnswer:      true,
	KindICE:         true,
	KindHostElected: true,
	KindChat:        true,
	KindControl:     true,
	KindPing:        true,
	KindPong:        true,
}

// Valid reports whether k is one of the defined message kinds.
func (k Kind) Valid() bool {
	return kinds[k]
}

// Envelope is one addressed signaling message. An empty To means the
// message was broadcast to the whole room (host announcements only).
type Envelope struct {
	From identity.ParticipantID `json:"from"`
	To   identity.ParticipantID `json:"to,omitempty"`
	Kind Kind                   `json:"type"`
	Data json.RawMessage        `json:"data,omitempty"`
}

// OfferPayload carries a session description offer.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

// AnswerPayload carries a session description answer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// ICEPayload is the normalized connectivity candidate shape, independent of
// the transport engine's native candidate representation.
type ICEPayload struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// HostElectedPayload announces the new recorded owner of the room. A zero
// Owner means the owner field was cleared.
type HostElectedPayload struct {
	Owner identity.ParticipantID `json:"owner"`
}

// ChatPayload carries a room-level text message relayed over the bus.
type ChatPayload struct {
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

// ControlPayload carries small protocol directives (eviction sync and the
// like) that ride the signaling path rather than a data channel.
type ControlPayload struct {
	Op string `json:"op"`
}

// PingPayload and PongPayload carry liveness probes.
type PingPayload struct {
	Nonce uint64 `json:"nonce"`
}

type PongPayload struct {
	Nonce uint64 `json:"nonce"`
}

// Encode marshals an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("encode envelope: unknown kind %q", env.Kind)
	}
	return json.Marshal(env)
}

// Decode unmarshals an envelope and validates its kind tag.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown kind %q", env.Kind)
	}
	return env, nil
}

// DecodeData unmarshals the type-specific payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s from %s: empty payload", e.Kind, e.From)
	}
	return json.Unmarshal(e.Data, v)
}
