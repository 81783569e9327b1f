package ui

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RosterRow is one participant line in the roster table.
type RosterRow struct {
	UserID string
	State  string
	IsHost bool
	IsSelf bool
}

// RosterTable renders the room roster with connection state per peer.
type RosterTable struct {
	rows []RosterRow
}

func NewRosterTable(rows []RosterRow) *RosterTable {
	return &RosterTable{rows: rows}
}

// View renders the table as a string.
func (t *RosterTable) View() string {
	if len(t.rows) == 0 {
		return MutedStyle.Render("Room is empty")
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleRounded)
	tbl.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	tbl.AppendHeader(table.Row{"#", "Participant", "Role", "Connection"})

	for i, row := range t.rows {
		id := shortID(row.UserID)
		role := "peer"
		if row.IsHost {
			role = IconHost + " host"
		}
		if row.IsSelf {
			id += " (you)"
		}
		tbl.AppendRow(table.Row{i + 1, id, role, stateLabel(row.State, row.IsSelf)})
	}

	return tbl.Render()
}

// Render outputs the table directly to stdout.
func (t *RosterTable) Render() {
	fmt.Println(t.View())
}

func RenderRoster(rows []RosterRow) {
	fmt.Println(NewRosterTable(rows).View())
}

func stateLabel(state string, self bool) string {
	if self {
		return MutedStyle.Render("-")
	}
	switch state {
	case "connected":
		return SuccessStyle.Render(state)
	case "failed", "closed":
		return ErrorStyle.Render(state)
	case "idle":
		return MutedStyle.Render(state)
	default:
		return WarningStyle.Render(state)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RoomInfo is the banner shown after a room is created.
type RoomInfo struct {
	RoomID string
	Relay  string
}

func NewRoomInfo(roomID, relay string) *RoomInfo {
	return &RoomInfo{RoomID: roomID, Relay: relay}
}

func (r *RoomInfo) View() string {
	content := fmt.Sprintf("%s Room Created!\n\n%s Room Code:  %s\n%s Relay:      %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconConnect, MutedStyle.Render(r.Relay),
	)
	return SuccessBoxStyle.Render(content)
}
