package cmd

import (
	"context"
	"fmt"

	"github.com/peerdock/peerdock/internal/roomcode"
	"github.com/peerdock/peerdock/internal/ui"
	"github.com/spf13/cobra"
)

var flagRoomName string

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and host it",
	Long: `Create a new room on the relay and wait for peers to join. The
creator starts as the room's host and dials every peer that arrives.

Examples:
  peerdock create
  peerdock create --name standup
  peerdock create --relay-url ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return createRoom()
	},
}

func init() {
	createCmd.Flags().StringVarP(&flagRoomName, "name", "n", "", "human readable room name")
	addConnectionFlags(createCmd)
	rootCmd.AddCommand(createCmd)
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "relay websocket URL")
	cmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URL")
	cmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server URL")
	cmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	cmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	cmd.Flags().BoolVar(&flagRelay, "relay", false, "force TURN relay for all peer traffic")
}

func createRoom() error {
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

	roomID := roomcode.Generate()
	ctx := context.Background()

	if _, err := rc.Session.CreateRoom(ctx, roomID, flagRoomName, true); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	fmt.Println()
	fmt.Println(ui.NewRoomInfo(roomID, cfg.RelayURL).View())

	return runRoomLoop(rc)
}
