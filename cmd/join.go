package cmd

import (
	"context"
	"fmt"

	"github.com/peerdock/peerdock/internal/roomcode"
	"github.com/peerdock/peerdock/internal/session"
	"github.com/peerdock/peerdock/internal/ui"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-code>",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Long: `Join a room by its code. The elected host dials you once your
membership lands; if the room lost its host you may be promoted.

Examples:
  peerdock join brave-otter-42
  peerdock join brave-otter-42 --relay-url ws://localhost:8080/ws`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func init() {
	addConnectionFlags(joinCmd)
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(code string) error {
	roomID := roomcode.Normalize(code)
	if !roomcode.Validate(roomID) {
		return fmt.Errorf("invalid room code: %s", code)
	}

	cfg, err := LoadConfig(connectionOptions())
	if err != nil {
		return err
	}

	spinner := ui.NewConnectionSpinner("Connecting to relay...")
	spinner.Start()
	rc, err := NewRoomContext(cfg)
	spinner.Stop()
	if err != nil {
		return err
	}
	defer rc.Close()

	ctx := context.Background()
	isHost, err := rc.Session.JoinRoom(ctx, roomID, session.RoleMember)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	ui.PrintSuccessf("Joined room %s", ui.BoldStyle.Render(roomID))
	if isHost {
		ui.PrintInfof("%s you are now the host of this room", ui.IconHost)
	}

	return runRoomLoop(rc)
}
