package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peerdock/peerdock/internal/config"
	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/logging"
	"github.com/peerdock/peerdock/internal/peer"
	"github.com/peerdock/peerdock/internal/relaybus"
	"github.com/peerdock/peerdock/internal/session"
	"github.com/peerdock/peerdock/internal/ui"
)

var (
	flagRelayURL string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
)

// RoomContext bundles everything one CLI room attachment needs.
type RoomContext struct {
	Conn    *relaybus.Conn
	Session *session.Session
	Config  *config.Config
	Self    identity.ParticipantID
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

func connectionOptions() config.Options {
	return config.Options{
		RelayURL:   flagRelayURL,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	}
}

// NewRoomContext connects to the relay and assembles a session around it.
func NewRoomContext(cfg *config.Config) (*RoomContext, error) {
	conn := relaybus.New(cfg.RelayURL)
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	self := identity.New()
	sess := session.New(session.Deps{
		Bus:     conn,
		Rooms:   conn,
		Members: conn,
		Engine:  peer.NewPionEngine(cfg),
		Config:  cfg,
		Self:    self,
		Log:     logging.Component("session"),
	})

	return &RoomContext{
		Conn:    conn,
		Session: sess,
		Config:  cfg,
		Self:    self,
	}, nil
}

func (rc *RoomContext) Close() {
	if rc.Session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc.Session.Leave(ctx)
		cancel()
	}
	if rc.Conn != nil {
		rc.Conn.Close()
	}
}

// runRoomLoop reads stdin chat lines and slash commands until EOF or
// /quit, printing incoming chat from peers as it arrives.
func runRoomLoop(rc *RoomContext) error {
	manager := rc.Session.Manager()
	manager.OnChannelMessage(func(from identity.ParticipantID, data []byte) {
		msg, err := peer.DecodeChannelMessage(data)
		if err != nil {
			return
		}
		if msg.Type != peer.ChannelTypeChat {
			return
		}
		var chat peer.ChatPayload
		if err := msg.DecodePayload(&chat); err != nil {
			return
		}
		fmt.Printf("\r%s %s: %s\n> ", ui.IconChat, ui.ChatPeerStyle.Render(shortID(chat.From)), chat.Text)
	})

	fmt.Println()
	ui.PrintInfo("Type a message and press enter to chat. Commands: /peers /host /quit")
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/quit" || line == "/exit":
			return nil

		case line == "/peers":
			printRoster(rc)

		case line == "/host":
			printHost(rc)

		case strings.HasPrefix(line, "/"):
			ui.PrintWarningf("unknown command: %s", line)

		default:
			sendChat(rc, line)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func sendChat(rc *RoomContext, text string) {
	msg, err := peer.NewChannelMessage(peer.ChannelTypeChat, peer.ChatPayload{
		From:   rc.Self.String(),
		Text:   text,
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil {
		ui.PrintErrorf("encode chat: %v", err)
		return
	}
	data, err := peer.EncodeChannelMessage(msg)
	if err != nil {
		ui.PrintErrorf("encode chat: %v", err)
		return
	}

	delivered, err := rc.Session.Manager().Broadcast(data)
	if err != nil {
		ui.PrintWarningf("delivered to %d peers, some failed: %v", delivered, err)
		return
	}
	if delivered == 0 {
		ui.PrintWarning("no connected peers yet")
	}
}

func printRoster(rc *RoomContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner, err := rc.Session.CurrentHost(ctx)
	if err != nil {
		ui.PrintWarningf("host lookup failed: %v", err)
	}

	rows := []ui.RosterRow{{
		UserID: rc.Self.String(),
		IsHost: owner == rc.Self,
		IsSelf: true,
	}}
	for _, info := range rc.Session.Manager().Peers() {
		rows = append(rows, ui.RosterRow{
			UserID: info.ID.String(),
			State:  string(info.State),
			IsHost: owner == info.ID,
		})
	}
	fmt.Println()
	ui.RenderRoster(rows)
}

func printHost(rc *RoomContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner, err := rc.Session.CurrentHost(ctx)
	if err != nil {
		ui.PrintErrorf("host lookup failed: %v", err)
		return
	}
	if owner.IsZero() {
		ui.PrintWarning("room has no host")
		return
	}
	if owner == rc.Self {
		ui.PrintInfof("%s you are the host", ui.IconHost)
		return
	}
	ui.PrintInfof("%s host is %s", ui.IconHost, shortID(owner.String()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
