package signal

import (
	"fmt"

	"github.com/peerdock/peerdock/internal/identity"
)

// RoomTopic is the room-wide topic: presence lives here and host
// announcements are broadcast here.
func RoomTopic(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

// InboxTopic is one participant's addressed-message topic within a room.
func InboxTopic(roomID string, user identity.ParticipantID) string {
	return fmt.Sprintf("room:%s:%s", roomID, user)
}
