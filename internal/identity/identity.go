package identity

import (
	"strings"

	"github.com/google/uuid"
)

// ParticipantID identifies one participant across the room registry,
// membership table and signaling topics. IDs are compared as plain strings;
// the lexicographic order is what deterministic leader election uses.
type ParticipantID string

// New generates a fresh random participant identifier.
func New() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (p ParticipantID) String() string {
	return string(p)
}

// IsZero reports whether the identifier is unset.
func (p ParticipantID) IsZero() bool {
	return p == ""
}

// Less reports whether p sorts before other lexicographically.
func (p ParticipantID) Less(other ParticipantID) bool {
	return strings.Compare(string(p), string(other)) < 0
}

// Smallest returns the lexicographically smallest identifier in ids, or the
// zero identifier when ids is empty.
func Smallest(ids []ParticipantID) ParticipantID {
	var min ParticipantID
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if min.IsZero() || id.Less(min) {
			min = id
		}
	}
	return min
}
