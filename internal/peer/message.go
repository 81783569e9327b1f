package peer

import "github.com/vmihailenco/msgpack/v5"

// Channel message types carried over an established data channel.
const (
	ChannelTypeChat    = "chat"
	ChannelTypeControl = "control"
	ChannelTypePing    = "ping"
	ChannelTypePong    = "pong"
)

// ChannelMessage represents all data channel messages.
type ChannelMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ChatPayload is a text message between connected peers.
type ChatPayload struct {
	From   string `msgpack:"from"`
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"`
}

// ControlPayload carries small peer-to-peer directives.
type ControlPayload struct {
	Op string `msgpack:"op"`
}

// PingPayload is a liveness probe; PongPayload echoes its nonce.
type PingPayload struct {
	Nonce uint64 `msgpack:"nonce"`
}

type PongPayload struct {
	Nonce uint64 `msgpack:"nonce"`
}

// DecodePayload decodes the message payload into the provided struct
func (m ChannelMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewChannelMessage creates a new ChannelMessage with the given type and payload
func NewChannelMessage(t string, payload any) (ChannelMessage, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return ChannelMessage{}, err
	}

	return ChannelMessage{
		Type:    t,
		Payload: b,
	}, nil
}

// EncodeChannelMessage marshals a full message for the channel.
func EncodeChannelMessage(m ChannelMessage) ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeChannelMessage unmarshals a raw channel frame.
func DecodeChannelMessage(data []byte) (ChannelMessage, error) {
	var m ChannelMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return ChannelMessage{}, err
	}
	return m, nil
}
